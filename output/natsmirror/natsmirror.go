// Package natsmirror publishes every row the engine plays onto NATS, so
// downstream consumers can follow the simulation without speaking the
// variable protocol.
package natsmirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joakimbrandstrom/OPC-UA-Sim/component"
	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/metric"
)

// Publisher is the connection surface the mirror depends on; satisfied
// by natsclient.Client.
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	IsConnected() bool
	Close(ctx context.Context) error
}

// rowEvent is the wire shape of one mirrored row.
type rowEvent struct {
	Dataset   string      `json:"dataset"`
	Row       dataset.Row `json:"row"`
	Timestamp time.Time   `json:"timestamp"`
}

// Metrics holds Prometheus metrics for the mirror.
type Metrics struct {
	rowsMirrored  prometheus.Counter
	publishErrors prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		rowsMirrored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "natsmirror",
			Name:      "rows_mirrored_total",
			Help:      "Total rows published to NATS",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "natsmirror",
			Name:      "publish_errors_total",
			Help:      "Total failed NATS publishes",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.rowsMirrored,
		metrics.publishErrors,
	)

	return metrics
}

// Mirror forwards played rows to NATS under
// <subject prefix>.<dataset name>.
type Mirror struct {
	client Publisher
	prefix string
	logger *slog.Logger

	rowsOut      atomic.Int64
	errCount     atomic.Int64
	lastActivity atomic.Int64 // Unix nanoseconds

	running   bool
	startTime time.Time
	mu        sync.RWMutex

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Mirror)(nil)

// New creates a mirror publishing under prefix via client.
func New(client Publisher, prefix string, registry *metric.MetricsRegistry, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default().With("component", "natsmirror")
	}
	return &Mirror{
		client:    client,
		prefix:    prefix,
		logger:    logger,
		startTime: time.Now(),
		metrics:   newMetrics(registry),
	}
}

// Meta returns the component metadata.
func (m *Mirror) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-mirror",
		Type:        "output",
		Description: fmt.Sprintf("row mirror publishing to %s.>", m.prefix),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (m *Mirror) Health() component.HealthStatus {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    running && m.client.IsConnected(),
		LastCheck:  time.Now(),
		ErrorCount: int(m.errCount.Load()),
		Uptime:     time.Since(m.startTime),
	}
}

// DataFlow returns the current data flow metrics.
func (m *Mirror) DataFlow() component.FlowMetrics {
	rows := m.rowsOut.Load()

	var rowsPerSecond, errorRate float64
	if uptime := time.Since(m.startTime).Seconds(); uptime > 0 {
		rowsPerSecond = float64(rows) / uptime
	}
	if rows > 0 {
		errorRate = float64(m.errCount.Load()) / float64(rows)
	}

	var lastActivity time.Time
	if ns := m.lastActivity.Load(); ns > 0 {
		lastActivity = time.Unix(0, ns)
	}

	return component.FlowMetrics{
		MessagesPerSecond: rowsPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the mirror configuration.
func (m *Mirror) Initialize() error {
	if m.client == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Mirror", "Initialize", "NATS client")
	}
	if m.prefix == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Mirror", "Initialize", "subject prefix cannot be empty")
	}
	if strings.ContainsAny(m.prefix, " *>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Mirror", "Initialize",
			fmt.Sprintf("subject prefix %q", m.prefix))
	}
	return nil
}

// Start connects to NATS.
func (m *Mirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Mirror", "Start", "nats mirror")
	}
	if err := m.client.Connect(ctx); err != nil {
		return errors.Wrap(err, "Mirror", "Start", "connect to NATS")
	}
	m.running = true
	m.startTime = time.Now()
	return nil
}

// Stop drains and closes the NATS connection.
func (m *Mirror) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return m.client.Close(ctx)
}

// PublishRow mirrors one played row. Errors are returned for the caller
// to count and drop; a NATS outage must never stall playback.
func (m *Mirror) PublishRow(ctx context.Context, datasetName string, row dataset.Row) error {
	event := rowEvent{
		Dataset:   datasetName,
		Row:       row,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		m.errCount.Add(1)
		if m.metrics != nil {
			m.metrics.publishErrors.Inc()
		}
		return errors.WrapInvalid(err, "Mirror", "PublishRow", "marshal row from "+datasetName)
	}

	subject := m.prefix + "." + subjectToken(datasetName)
	if err := m.client.Publish(ctx, subject, data); err != nil {
		m.errCount.Add(1)
		if m.metrics != nil {
			m.metrics.publishErrors.Inc()
		}
		return err
	}

	m.rowsOut.Add(1)
	m.lastActivity.Store(time.Now().UnixNano())
	if m.metrics != nil {
		m.metrics.rowsMirrored.Inc()
	}
	return nil
}

// subjectToken maps a dataset name to a single valid NATS subject
// token: the extension is dropped and separator characters become
// underscores.
func subjectToken(name string) string {
	name = strings.TrimSuffix(name, ".csv")
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		default:
			return r
		}
	}, name)
}
