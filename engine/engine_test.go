package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/protocol"
)

type fakeRef struct {
	name string
}

func (r *fakeRef) Name() string { return r.name }

// fakeWriter is an in-memory VariableWriter that records everything the
// engine does to it.
type fakeWriter struct {
	mu         sync.Mutex
	vars       map[string]*fakeRef
	writes     map[string][]any
	writeTimes map[string][]time.Time
	creates    map[string]int
	removed    []string
	staleNames map[string]bool
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{
		vars:       make(map[string]*fakeRef),
		writes:     make(map[string][]any),
		writeTimes: make(map[string][]time.Time),
		creates:    make(map[string]int),
		staleNames: make(map[string]bool),
	}
}

func (f *fakeWriter) CreateVariable(name string, value any, _ dataset.ValueType) (protocol.Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.vars[name]; exists {
		return nil, errors.WrapInvalid(errors.ErrVariableExists, "fakeWriter", "CreateVariable", name)
	}
	ref := &fakeRef{name: name}
	f.vars[name] = ref
	f.creates[name]++
	f.writes[name] = append(f.writes[name], value)
	return ref, nil
}

func (f *fakeWriter) Write(ref protocol.Ref, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := ref.Name()
	if f.staleNames[name] || f.vars[name] != ref {
		return errors.Wrap(errors.ErrStaleVariable, "fakeWriter", "Write", name)
	}
	f.writes[name] = append(f.writes[name], value)
	f.writeTimes[name] = append(f.writeTimes[name], time.Now())
	return nil
}

func (f *fakeWriter) RemoveVariable(ref protocol.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := ref.Name()
	if f.vars[name] != ref {
		return errors.Wrap(errors.ErrStaleVariable, "fakeWriter", "RemoveVariable", name)
	}
	delete(f.vars, name)
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeWriter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.vars))
	for name := range f.vars {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f *fakeWriter) writeCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes[name])
}

func (f *fakeWriter) writeTimestamps(name string) []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.writeTimes[name]...)
}

func (f *fakeWriter) createCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[name]
}

func (f *fakeWriter) removedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

type fakeSink struct {
	mu   sync.Mutex
	rows []string
	fail bool
}

func (f *fakeSink) PublishRow(_ context.Context, datasetName string, _ dataset.Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.Wrap(errors.ErrNoConnection, "fakeSink", "PublishRow", datasetName)
	}
	f.rows = append(f.rows, datasetName)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type harness struct {
	store  *dataset.Store
	writer *fakeWriter
	engine *Engine
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, sink RowSink) *harness {
	t.Helper()
	store, err := dataset.NewStore(t.TempDir(), "siteTime", quietLogger())
	require.NoError(t, err)

	writer := newFakeWriter()
	eng := New(Deps{
		Store:  store,
		Server: writer,
		Sink:   sink,
		Config: Config{RowInterval: 2 * time.Millisecond, CycleDelay: 5 * time.Millisecond},
		Logger: quietLogger(),
	})
	require.NoError(t, eng.Initialize())
	return &harness{store: store, writer: writer, engine: eng}
}

func (h *harness) register(t *testing.T, name, csv string) {
	t.Helper()
	_, err := h.store.Register(name, strings.NewReader(csv))
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() { _ = h.engine.Stop(2 * time.Second) })
}

const driveCSV = "siteTime,rpm,gear\n10:00,900,N\n10:01,1200,1\n10:02,1500,2\n"

func TestEngineInitializeValidation(t *testing.T) {
	store, err := dataset.NewStore(t.TempDir(), "siteTime", quietLogger())
	require.NoError(t, err)
	writer := newFakeWriter()

	tests := []struct {
		name string
		deps Deps
	}{
		{"nil store", Deps{Server: writer, Config: Config{RowInterval: time.Second}}},
		{"nil server", Deps{Store: store, Config: Config{RowInterval: time.Second}}},
		{"zero interval", Deps{Store: store, Server: writer, Config: Config{CycleDelay: time.Second}}},
		{"negative delay", Deps{Store: store, Server: writer,
			Config: Config{RowInterval: time.Second, CycleDelay: -time.Second}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.deps.Logger = quietLogger()
			require.Error(t, New(tt.deps).Initialize())
		})
	}
}

func TestEngineIdleUntilActivation(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)

	assert.Equal(t, StateIdle, h.engine.State())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.writer.names())
	assert.Equal(t, "", h.engine.CurrentDataset())
}

func TestEngineActivationBuildsNamespaceAndPlays(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)

	require.NoError(t, h.store.Activate("d1.csv"))

	require.Eventually(t, func() bool {
		return h.engine.CurrentDataset() == "d1.csv"
	}, time.Second, time.Millisecond)

	// The namespace is exactly the value columns; the time column never
	// becomes a variable.
	assert.Equal(t, []string{"gear", "rpm"}, h.writer.names())

	// Rows keep flowing after the initial values.
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") >= 3
	}, time.Second, time.Millisecond)
}

func TestEngineCyclesThroughDataset(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))

	// 3 rows per cycle plus the initial value: more than 7 rpm writes
	// means the engine wrapped around at least once.
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") > 7
	}, 2*time.Second, time.Millisecond)
}

func TestEngineCycleGapIsTheCycleDelay(t *testing.T) {
	store, err := dataset.NewStore(t.TempDir(), "siteTime", quietLogger())
	require.NoError(t, err)
	writer := newFakeWriter()
	eng := New(Deps{
		Store:  store,
		Server: writer,
		Config: Config{RowInterval: 100 * time.Millisecond, CycleDelay: 300 * time.Millisecond},
		Logger: quietLogger(),
	})
	require.NoError(t, eng.Initialize())

	_, err = store.Register("single.csv", strings.NewReader("siteTime,rpm\n10:00,900\n"))
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(2 * time.Second) })
	require.NoError(t, store.Activate("single.csv"))

	// A one-row dataset publishes via Write exactly once per cycle, so
	// consecutive write timestamps are separated by the cycle delay
	// alone. A full extra row interval on top would show up as ~400ms.
	require.Eventually(t, func() bool {
		return len(writer.writeTimestamps("rpm")) >= 4
	}, 5*time.Second, time.Millisecond)

	stamps := writer.writeTimestamps("rpm")
	for i := 1; i < 4; i++ {
		gap := stamps[i].Sub(stamps[i-1])
		require.Less(t, gap, 350*time.Millisecond, "gap between cycles %d and %d", i-1, i)
	}
}

func TestEngineSwapReshapesNamespace(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.register(t, "d2.csv", "siteTime,rpm,speed\n10:00,2000,55.5\n10:01,2100,60.0\n")
	h.start(t)

	require.NoError(t, h.store.Activate("d1.csv"))
	require.Eventually(t, func() bool {
		return h.writer.writeCount("gear") >= 2
	}, time.Second, time.Millisecond)

	require.NoError(t, h.store.Activate("d2.csv"))
	require.Eventually(t, func() bool {
		return h.engine.CurrentDataset() == "d2.csv"
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"rpm", "speed"}, h.writer.names())
	assert.Equal(t, []string{"gear"}, h.writer.removedNames())
	// The shared column survived: it was created exactly once.
	assert.Equal(t, 1, h.writer.createCount("rpm"))

	require.Eventually(t, func() bool {
		return h.writer.writeCount("speed") >= 2
	}, time.Second, time.Millisecond)
}

func TestEngineReactivationIsNotARestart(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") >= 2
	}, time.Second, time.Millisecond)

	before := h.writer.writeCount("rpm")
	require.NoError(t, h.store.Activate("d1.csv"))

	// Playback continues; nothing is torn down or recreated.
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") > before
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.writer.createCount("rpm"))
	assert.Empty(t, h.writer.removedNames())
}

func TestEngineRapidActivationCoalesces(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", "siteTime,only1\n10:00,1\n")
	h.register(t, "d2.csv", "siteTime,only2\n10:00,2\n")
	h.register(t, "d3.csv", "siteTime,only3\n10:00,3\n")

	// A burst before the engine picks anything up settles on the last
	// request; the intermediate dataset is never swapped in.
	require.NoError(t, h.store.Activate("d1.csv"))
	require.NoError(t, h.store.Activate("d2.csv"))
	require.NoError(t, h.store.Activate("d3.csv"))
	h.start(t)

	require.Eventually(t, func() bool {
		return h.engine.CurrentDataset() == "d3.csv"
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"only3"}, h.writer.names())
	assert.Equal(t, 0, h.writer.createCount("only2"))
}

func TestEngineStaleWriteIsDroppedNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.writer.staleNames["gear"] = true
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))

	// The rest of the row keeps publishing despite the stale variable.
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") >= 3
	}, time.Second, time.Millisecond)
	assert.NotEqual(t, StateStopped, h.engine.State())
}

func TestEngineEmptyDatasetExposesZeroValues(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "empty.csv", "siteTime,a,b\n")
	h.start(t)
	require.NoError(t, h.store.Activate("empty.csv"))

	require.Eventually(t, func() bool {
		return h.engine.State() == StateCyclePause
	}, time.Second, time.Millisecond)

	assert.Equal(t, []string{"a", "b"}, h.writer.names())
	// Only the creation-time zero value, never a row write.
	assert.Equal(t, 1, h.writer.writeCount("a"))

	// The pause re-arms rather than spinning; the engine stays parked.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateCyclePause, h.engine.State())
	assert.Equal(t, 1, h.writer.writeCount("a"))
}

func TestEngineRowSinkReceivesRows(t *testing.T) {
	sink := &fakeSink{}
	h := newHarness(t, sink)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))

	require.Eventually(t, func() bool {
		return sink.count() >= 3
	}, time.Second, time.Millisecond)
}

func TestEngineRowSinkFailureDoesNotStopPlayback(t *testing.T) {
	sink := &fakeSink{fail: true}
	h := newHarness(t, sink)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))

	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") >= 3
	}, time.Second, time.Millisecond)
	assert.Zero(t, sink.count())
}

func TestEngineStop(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t, "d1.csv", driveCSV)
	h.start(t)
	require.NoError(t, h.store.Activate("d1.csv"))
	require.Eventually(t, func() bool {
		return h.writer.writeCount("rpm") >= 2
	}, time.Second, time.Millisecond)

	require.NoError(t, h.engine.Stop(time.Second))
	assert.Equal(t, StateStopped, h.engine.State())

	// No writes after Stop returns.
	count := h.writer.writeCount("rpm")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, count, h.writer.writeCount("rpm"))

	require.NoError(t, h.engine.Stop(time.Second))
}

func TestEngineStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:       "idle",
		StatePlaying:    "playing",
		StateCyclePause: "cycle_pause",
		StateSwapping:   "swapping",
		StateStopped:    "stopped",
		State(99):       "unknown",
	} {
		assert.Equal(t, want, fmt.Sprint(state))
	}
}
