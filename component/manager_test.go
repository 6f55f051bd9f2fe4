package component

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

type fakeComponent struct {
	name      string
	initErr   error
	startErr  error
	stopErr   error
	events    *[]string
	startedAt time.Time
}

func (f *fakeComponent) Meta() Metadata {
	return Metadata{Name: f.name, Type: "fake", Version: "0.0.0"}
}

func (f *fakeComponent) Health() HealthStatus { return HealthStatus{Healthy: true} }
func (f *fakeComponent) DataFlow() FlowMetrics {
	return FlowMetrics{}
}

func (f *fakeComponent) Initialize() error {
	*f.events = append(*f.events, "init:"+f.name)
	return f.initErr
}

func (f *fakeComponent) Start(_ context.Context) error {
	*f.events = append(*f.events, "start:"+f.name)
	f.startedAt = time.Now()
	return f.startErr
}

func (f *fakeComponent) Stop(_ time.Duration) error {
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "initialized", StateInitialized.String())
	assert.Equal(t, "started", StateStarted.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestManagerStartOrderStopReverse(t *testing.T) {
	var events []string
	m := NewManager(nil)
	m.Add(&fakeComponent{name: "a", events: &events})
	m.Add(&fakeComponent{name: "b", events: &events})
	m.Add(&fakeComponent{name: "c", events: &events})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll(time.Second))

	assert.Equal(t, []string{
		"init:a", "start:a",
		"init:b", "start:b",
		"init:c", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, events)
}

func TestManagerStartFailureRollsBack(t *testing.T) {
	var events []string
	m := NewManager(nil)
	m.Add(&fakeComponent{name: "a", events: &events})
	m.Add(&fakeComponent{name: "b", events: &events, startErr: errors.New("won't start")})
	m.Add(&fakeComponent{name: "c", events: &events})

	err := m.StartAll(context.Background())
	require.Error(t, err)

	// Only "a" was running, so only "a" gets stopped; "c" never starts
	assert.Equal(t, []string{
		"init:a", "start:a",
		"init:b", "start:b",
		"stop:a",
	}, events)
}

func TestManagerStopCollectsFirstError(t *testing.T) {
	var events []string
	m := NewManager(nil)
	m.Add(&fakeComponent{name: "a", events: &events, stopErr: errors.New("stuck")})
	m.Add(&fakeComponent{name: "b", events: &events})

	require.NoError(t, m.StartAll(context.Background()))
	err := m.StopAll(time.Second)
	require.Error(t, err)

	// Both components are still asked to stop
	assert.Contains(t, events, "stop:a")
	assert.Contains(t, events, "stop:b")
}
