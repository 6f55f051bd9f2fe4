package metric

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
)

func TestRegisterAndUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "opcsim",
		Subsystem: "test",
		Name:      "things_total",
		Help:      "Things counted in tests",
	})

	require.NoError(t, r.Register("engine", "things", counter))

	// Same component/name pair is rejected
	err := r.Register("engine", "things", counter)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	assert.True(t, r.Unregister("engine", "things"))
	assert.False(t, r.Unregister("engine", "things"))
}

func TestPrometheusConflictIsInvalid(t *testing.T) {
	r := NewMetricsRegistry()

	mk := func() prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "test",
			Name:      "dup_total",
			Help:      "Duplicate metric",
		})
	}

	require.NoError(t, r.Register("a", "dup", mk()))
	err := r.Register("b", "dup", mk())
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := NewMetricsRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "opcsim",
		Subsystem: "test",
		Name:      "level",
		Help:      "Test gauge",
	})
	require.NoError(t, r.Register("engine", "level", gauge))
	gauge.Set(42)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "opcsim_test_level 42")
	// Go collector is registered by default
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
