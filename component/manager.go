package component

import (
	"context"
	"log/slog"
	"time"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

// Manager starts a fixed set of components in registration order and
// stops them in reverse. Startup is all-or-nothing: if any component
// fails to initialize or start, everything already started is stopped.
type Manager struct {
	components []LifecycleComponent
	started    []LifecycleComponent
	logger     *slog.Logger
}

// NewManager creates a component manager
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// Add registers a component. Order of registration is start order.
func (m *Manager) Add(c LifecycleComponent) {
	m.components = append(m.components, c)
}

// Components returns all registered components for health aggregation.
func (m *Manager) Components() []Component {
	out := make([]Component, len(m.components))
	for i, c := range m.components {
		out[i] = c
	}
	return out
}

// StartAll initializes and starts every component in registration order.
// On failure it stops the already-started components in reverse and
// returns the original error.
func (m *Manager) StartAll(ctx context.Context) error {
	for _, c := range m.components {
		meta := c.Meta()

		if err := c.Initialize(); err != nil {
			m.stopStarted(5 * time.Second)
			return errors.Wrap(err, "Manager", "StartAll", "initialize "+meta.Name)
		}

		if err := c.Start(ctx); err != nil {
			m.stopStarted(5 * time.Second)
			return errors.Wrap(err, "Manager", "StartAll", "start "+meta.Name)
		}

		m.started = append(m.started, c)
		m.logger.Info("component started", "component", meta.Name, "type", meta.Type)
	}
	return nil
}

// StopAll stops all started components in reverse order. Every component
// gets the full timeout; stop errors are logged, not propagated, so one
// misbehaving component cannot block the rest of shutdown.
func (m *Manager) StopAll(timeout time.Duration) error {
	var firstErr error
	for i := len(m.started) - 1; i >= 0; i-- {
		c := m.started[i]
		meta := c.Meta()
		if err := c.Stop(timeout); err != nil {
			m.logger.Error("component stop failed", "component", meta.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Info("component stopped", "component", meta.Name)
	}
	m.started = nil
	return firstErr
}

func (m *Manager) stopStarted(timeout time.Duration) {
	for i := len(m.started) - 1; i >= 0; i-- {
		if err := m.started[i].Stop(timeout); err != nil {
			m.logger.Error("component stop failed during rollback",
				"component", m.started[i].Meta().Name, "error", err)
		}
	}
	m.started = nil
}
