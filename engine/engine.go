// Package engine drives playback: it walks the active dataset row by
// row on a fixed interval, writes each row's values to the protocol
// variables, and applies dataset swaps between ticks. All playback
// state is owned by a single goroutine; there are no partial rows and
// no torn swaps.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joakimbrandstrom/OPC-UA-Sim/component"
	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/metric"
	"github.com/joakimbrandstrom/OPC-UA-Sim/namespace"
	"github.com/joakimbrandstrom/OPC-UA-Sim/protocol"
)

// State is the playback state machine.
type State int32

const (
	// StateIdle means no dataset has been activated yet.
	StateIdle State = iota
	// StatePlaying means rows are being published on the tick interval.
	StatePlaying
	// StateCyclePause is the configured rest between the last row and
	// restarting at row zero.
	StateCyclePause
	// StateSwapping is the transient state while the namespace is
	// reshaped for a newly activated dataset.
	StateSwapping
	// StateStopped is terminal; a stopped engine is never restarted.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateCyclePause:
		return "cycle_pause"
	case StateSwapping:
		return "swapping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// RowSink receives a copy of every published row. Sink failures never
// affect playback.
type RowSink interface {
	PublishRow(ctx context.Context, datasetName string, row dataset.Row) error
}

// Config holds playback timing.
type Config struct {
	// RowInterval is the time between row publications.
	RowInterval time.Duration
	// CycleDelay is the rest after the last row before restarting.
	CycleDelay time.Duration
}

// Deps carries everything the engine drives. Sink and MetricsRegistry
// are optional.
type Deps struct {
	Store           *dataset.Store
	Server          protocol.VariableWriter
	Sink            RowSink
	Config          Config
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Metrics holds Prometheus metrics for the engine.
type Metrics struct {
	rowsPublished      prometheus.Counter
	swapsTotal         prometheus.Counter
	cyclesTotal        prometheus.Counter
	writesDropped      prometheus.Counter
	state              prometheus.Gauge
	variablesPublished prometheus.Gauge
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		rowsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "rows_published_total",
			Help:      "Total dataset rows published",
		}),
		swapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "swaps_total",
			Help:      "Total dataset swaps applied",
		}),
		cyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "cycles_total",
			Help:      "Total completed playback cycles",
		}),
		writesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "writes_dropped_total",
			Help:      "Variable writes dropped because the variable was stale",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "state",
			Help:      "Playback state (0=idle 1=playing 2=cycle_pause 3=swapping 4=stopped)",
		}),
		variablesPublished: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcsim",
			Subsystem: "engine",
			Name:      "variables_published",
			Help:      "Number of variables fed by the active dataset",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.rowsPublished,
		metrics.swapsTotal,
		metrics.cyclesTotal,
		metrics.writesDropped,
		metrics.state,
		metrics.variablesPublished,
	)

	return metrics
}

// Engine is the single-goroutine playback loop.
type Engine struct {
	store  *dataset.Store
	server protocol.VariableWriter
	sink   RowSink
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	// Playback position, owned by the run goroutine. Guarded by posMu
	// only so observers (web UI, tests) can take consistent snapshots.
	posMu       sync.RWMutex
	currentName string
	currentDS   *dataset.Dataset
	plan        namespace.Plan
	refs        map[string]protocol.Ref
	cursor      int

	rowsPublished atomic.Int64
	writesDropped atomic.Int64
	errCount      atomic.Int64
	lastActivity  atomic.Int64 // Unix nanoseconds

	// Lifecycle
	running     bool
	shutdown    chan struct{}
	done        chan struct{}
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Engine)(nil)

// New creates an engine from deps.
func New(deps Deps) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	return &Engine{
		store:     deps.Store,
		server:    deps.Server,
		sink:      deps.Sink,
		cfg:       deps.Config,
		logger:    logger,
		refs:      make(map[string]protocol.Ref),
		startTime: time.Now(),
		metrics:   newMetrics(deps.MetricsRegistry),
	}
}

// Meta returns the component metadata.
func (e *Engine) Meta() component.Metadata {
	return component.Metadata{
		Name:        "streaming-engine",
		Type:        "engine",
		Description: fmt.Sprintf("row playback at %s interval, %s cycle pause", e.cfg.RowInterval, e.cfg.CycleDelay),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (e *Engine) Health() component.HealthStatus {
	e.mu.RLock()
	running := e.running
	e.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    running && e.State() != StateStopped,
		LastCheck:  time.Now(),
		ErrorCount: int(e.errCount.Load()),
		Uptime:     time.Since(e.startTime),
	}
}

// DataFlow returns the current data flow metrics.
func (e *Engine) DataFlow() component.FlowMetrics {
	rows := e.rowsPublished.Load()

	var rowsPerSecond, errorRate float64
	if uptime := time.Since(e.startTime).Seconds(); uptime > 0 {
		rowsPerSecond = float64(rows) / uptime
	}
	if rows > 0 {
		errorRate = float64(e.errCount.Load()) / float64(rows)
	}

	var lastActivity time.Time
	if ns := e.lastActivity.Load(); ns > 0 {
		lastActivity = time.Unix(0, ns)
	}

	return component.FlowMetrics{
		MessagesPerSecond: rowsPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// State returns the current playback state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// CurrentDataset returns the name of the dataset being played ("" when
// idle).
func (e *Engine) CurrentDataset() string {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.currentName
}

// Cursor returns the index of the next row to publish.
func (e *Engine) Cursor() int {
	e.posMu.RLock()
	defer e.posMu.RUnlock()
	return e.cursor
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
	if e.metrics != nil {
		e.metrics.state.Set(float64(s))
	}
}

// Initialize validates the engine configuration and dependencies.
func (e *Engine) Initialize() error {
	if e.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "Initialize", "dataset store")
	}
	if e.server == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Engine", "Initialize", "protocol server")
	}
	if e.cfg.RowInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "Initialize",
			fmt.Sprintf("row interval %s must be positive", e.cfg.RowInterval))
	}
	if e.cfg.CycleDelay < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "Initialize",
			fmt.Sprintf("cycle delay %s must not be negative", e.cfg.CycleDelay))
	}
	return nil
}

// Start launches the playback goroutine. The engine comes up idle and
// begins playing on the first activation signal, including one parked
// before Start.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Engine", "Start", "playback loop")
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Engine", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Engine", "Start", "context already cancelled")
	}

	e.shutdown = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true
	e.startTime = time.Now()
	e.setState(StateIdle)

	go e.run()
	return nil
}

// Stop terminates playback. The loop finishes the tick in flight; no
// partial row is ever published.
func (e *Engine) Stop(timeout time.Duration) error {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	close(e.shutdown)
	done := e.done
	e.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		e.logger.Warn("playback loop did not stop within timeout", "timeout", timeout)
	}

	e.setState(StateStopped)
	return nil
}

// run is the playback loop. It is the only goroutine that touches the
// namespace plan, the variable refs, and the cursor.
func (e *Engine) run() {
	defer close(e.done)

	swaps := e.store.Swaps()

	for {
		switch e.State() {
		case StateIdle:
			select {
			case <-e.shutdown:
				return
			case name := <-swaps:
				e.swapTo(name)
			}

		case StatePlaying:
			timer := time.NewTimer(e.cfg.RowInterval)
			select {
			case <-e.shutdown:
				timer.Stop()
				return
			case name := <-swaps:
				timer.Stop()
				e.swapTo(name)
			case <-timer.C:
				e.tick()
			}

		case StateCyclePause:
			timer := time.NewTimer(e.cfg.CycleDelay)
			select {
			case <-e.shutdown:
				timer.Stop()
				return
			case name := <-swaps:
				timer.Stop()
				e.swapTo(name)
			case <-timer.C:
				e.restartCycle()
			}

		default:
			return
		}
	}
}

// tick publishes the row at the cursor and advances. Reaching the end
// of the dataset moves the engine into the cycle pause.
func (e *Engine) tick() {
	e.posMu.RLock()
	ds := e.currentDS
	cursor := e.cursor
	plan := e.plan
	e.posMu.RUnlock()

	if ds == nil || len(ds.Rows) == 0 {
		e.setState(StateCyclePause)
		return
	}

	row := ds.Rows[cursor]
	for _, v := range plan {
		ref, ok := e.refs[v.Name]
		if !ok {
			continue
		}
		if err := e.server.Write(ref, row[v.Name]); err != nil {
			if errors.IsStale(err) {
				// The variable vanished mid-cycle. Drop this write and
				// keep the row going; the next swap rebuilds the plan.
				e.writesDropped.Add(1)
				if e.metrics != nil {
					e.metrics.writesDropped.Inc()
				}
				e.logger.Warn("dropped write to stale variable", "variable", v.Name, "dataset", ds.Name)
				continue
			}
			e.errCount.Add(1)
			e.logger.Error("variable write failed", "variable", v.Name, "error", err)
		}
	}

	if e.sink != nil {
		if err := e.sink.PublishRow(context.Background(), ds.Name, row); err != nil {
			e.errCount.Add(1)
			e.logger.Warn("row sink publish failed", "dataset", ds.Name, "error", err)
		}
	}

	e.rowsPublished.Add(1)
	e.lastActivity.Store(time.Now().UnixNano())
	if e.metrics != nil {
		e.metrics.rowsPublished.Inc()
	}

	e.posMu.Lock()
	e.cursor++
	end := e.cursor >= len(ds.Rows)
	e.posMu.Unlock()

	if end {
		if e.metrics != nil {
			e.metrics.cyclesTotal.Inc()
		}
		e.logger.Debug("cycle complete", "dataset", ds.Name, "rows", len(ds.Rows))
		e.setState(StateCyclePause)
	}
}

// restartCycle rewinds to row zero after the cycle pause and publishes
// it in the same iteration: the gap between the last row of one cycle
// and the first row of the next is the cycle delay alone, not delay
// plus one row interval. An empty dataset just re-arms the pause.
func (e *Engine) restartCycle() {
	e.posMu.Lock()
	e.cursor = 0
	empty := e.currentDS == nil || len(e.currentDS.Rows) == 0
	e.posMu.Unlock()

	if empty {
		e.setState(StateCyclePause)
		return
	}
	e.setState(StatePlaying)
	e.tick()
}

// swapTo reshapes the namespace for a newly activated dataset.
// Re-activating the dataset already playing is a no-op: the cursor and
// the variables are preserved.
func (e *Engine) swapTo(name string) {
	e.posMu.RLock()
	sameDataset := e.currentDS != nil && e.currentName == name
	e.posMu.RUnlock()
	if sameDataset {
		e.logger.Debug("ignoring swap to active dataset", "dataset", name)
		return
	}

	prev := e.State()
	e.setState(StateSwapping)

	ds, err := e.store.Get(name)
	if err != nil {
		e.errCount.Add(1)
		e.logger.Error("swap target disappeared", "dataset", name, "error", err)
		e.setState(prev)
		return
	}

	e.posMu.RLock()
	oldPlan := e.plan
	e.posMu.RUnlock()

	newPlan := namespace.Build(ds)
	toRemove, toAdd := namespace.Diff(oldPlan, newPlan)

	for _, varName := range toRemove {
		ref, ok := e.refs[varName]
		if !ok {
			continue
		}
		if err := e.server.RemoveVariable(ref); err != nil && !errors.IsStale(err) {
			e.errCount.Add(1)
			e.logger.Error("variable removal failed", "variable", varName, "error", err)
		}
		delete(e.refs, varName)
	}

	for _, v := range toAdd {
		ref, err := e.server.CreateVariable(v.Name, v.Initial, v.Type)
		if err != nil {
			e.errCount.Add(1)
			e.logger.Error("variable creation failed", "variable", v.Name, "error", err)
			continue
		}
		e.refs[v.Name] = ref
	}

	// Variables shared between the plans survive the swap; reset them
	// to the new dataset's initial values so clients never see a
	// mixed-dataset namespace.
	added := make(map[string]struct{}, len(toAdd))
	for _, v := range toAdd {
		added[v.Name] = struct{}{}
	}
	for _, v := range newPlan {
		if _, fresh := added[v.Name]; fresh {
			continue
		}
		ref, ok := e.refs[v.Name]
		if !ok {
			continue
		}
		if err := e.server.Write(ref, v.Initial); err != nil && !errors.IsStale(err) {
			e.errCount.Add(1)
			e.logger.Error("variable reset failed", "variable", v.Name, "error", err)
		}
	}

	e.posMu.Lock()
	e.currentName = name
	e.currentDS = ds
	e.plan = newPlan
	e.cursor = 0
	e.posMu.Unlock()

	if e.metrics != nil {
		e.metrics.swapsTotal.Inc()
		e.metrics.variablesPublished.Set(float64(len(newPlan)))
	}
	e.logger.Info("dataset swapped in",
		"dataset", name,
		"rows", len(ds.Rows),
		"variables", len(newPlan),
		"removed", len(toRemove),
		"added", len(toAdd))

	if len(ds.Rows) == 0 {
		e.setState(StateCyclePause)
		return
	}
	e.setState(StatePlaying)
}
