// Package web serves the control surface: a small HTML page for
// operators to upload and activate datasets, a JSON API for the same
// operations, plus health and Prometheus endpoints.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joakimbrandstrom/OPC-UA-Sim/component"
	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/engine"
	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/metric"
)

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

const (
	maxUploadBytes = 32 << 20
	previewRows    = 5
	maxPreviewRows = 100
)

// Playback is the engine surface the UI reads.
type Playback interface {
	State() engine.State
	CurrentDataset() string
	Cursor() int
}

// Config holds configuration for the control surface.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string
	// Store is the dataset store behind upload/activate/list.
	Store *dataset.Store
	// Playback reports engine state on the index page and the API.
	Playback Playback
	// Components are polled by the health endpoint.
	Components []component.Component
	// MetricsRegistry backs /metrics; nil disables the endpoint.
	MetricsRegistry *metric.MetricsRegistry
}

// Metrics holds Prometheus metrics for the control surface.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	uploadsTotal  prometheus.Counter
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "web",
			Name:      "requests_total",
			Help:      "Total HTTP requests by handler",
		}, []string{"handler"}),
		uploadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "web",
			Name:      "uploads_total",
			Help:      "Total successful dataset uploads",
		}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.requestsTotal,
		metrics.uploadsTotal,
	)

	return metrics
}

// Server is the control-surface HTTP server.
type Server struct {
	addr       string
	store      *dataset.Store
	playback   Playback
	components []component.Component
	registry   *metric.MetricsRegistry

	httpServer *http.Server
	listener   net.Listener

	requests     atomic.Int64
	errCount     atomic.Int64
	lastActivity atomic.Int64 // Unix nanoseconds

	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Server)(nil)

// NewServer creates the control surface from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		addr:       cfg.Addr,
		store:      cfg.Store,
		playback:   cfg.Playback,
		components: cfg.Components,
		registry:   cfg.MetricsRegistry,
		startTime:  time.Now(),
		metrics:    newMetrics(cfg.MetricsRegistry),
	}
}

// Meta returns the component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "web-ui",
		Type:        "gateway",
		Description: fmt.Sprintf("control surface on %s", s.addr),
		Version:     "1.0.0",
	}
}

// Health returns the current health status of the component.
func (s *Server) Health() component.HealthStatus {
	s.mu.RLock()
	running := s.running
	listening := s.listener != nil
	s.mu.RUnlock()

	return component.HealthStatus{
		Healthy:    running && listening,
		LastCheck:  time.Now(),
		ErrorCount: int(s.errCount.Load()),
		Uptime:     time.Since(s.startTime),
	}
}

// DataFlow returns the current data flow metrics.
func (s *Server) DataFlow() component.FlowMetrics {
	requests := s.requests.Load()

	var requestsPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		requestsPerSecond = float64(requests) / uptime
	}
	if requests > 0 {
		errorRate = float64(s.errCount.Load()) / float64(requests)
	}

	var lastActivity time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		lastActivity = time.Unix(0, ns)
	}

	return component.FlowMetrics{
		MessagesPerSecond: requestsPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the server configuration.
func (s *Server) Initialize() error {
	if s.addr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Initialize", "listen address")
	}
	if _, _, err := net.SplitHostPort(s.addr); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize",
			fmt.Sprintf("listen address %q", s.addr))
	}
	if s.store == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Initialize", "dataset store")
	}
	if s.playback == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Server", "Initialize", "playback status")
	}
	return nil
}

// Start binds the listener and serves. Like the protocol server, the
// bind is synchronous so address conflicts fail startup.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "control surface")
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Start", "context cannot be nil")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err), "Server", "Start",
			"bind "+s.addr)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.startTime = time.Now()

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.errCount.Add(1)
		}
	}()

	return nil
}

// Addr returns the bound listener address ("" before Start).
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the HTTP server down gracefully. Safe to call more than
// once.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	httpServer := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.count("index", s.handleIndex))
	mux.HandleFunc("POST /upload", s.count("upload", s.handleUpload))
	mux.HandleFunc("POST /datasets/{name}/activate", s.count("activate", s.handleActivate))
	mux.HandleFunc("GET /api/datasets", s.count("api_datasets", s.handleListDatasets))
	mux.HandleFunc("GET /api/datasets/{name}/preview", s.count("api_preview", s.handlePreview))
	mux.HandleFunc("GET /healthz", s.count("healthz", s.handleHealthz))
	if s.registry != nil {
		mux.Handle("GET /metrics", s.registry.Handler())
	}
	return mux
}

func (s *Server) count(handler string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.requests.Add(1)
		s.lastActivity.Store(time.Now().UnixNano())
		if s.metrics != nil {
			s.metrics.requestsTotal.WithLabelValues(handler).Inc()
		}
		next(w, r)
	}
}

type indexData struct {
	State         string
	Current       string
	Cursor        int
	Datasets      []dataset.Summary
	PreviewHeader []string
	PreviewRows   []dataset.Row
	Error         string
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := indexData{
		State:    s.playback.State().String(),
		Current:  s.playback.CurrentDataset(),
		Cursor:   s.playback.Cursor(),
		Datasets: s.store.List(),
		Error:    r.URL.Query().Get("error"),
	}
	if data.Current != "" {
		if header, rows, err := s.store.Preview(data.Current, previewRows); err == nil {
			data.PreviewHeader = header
			data.PreviewRows = rows
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.errCount.Add(1)
	}
}

// handleUpload registers the posted CSV and activates it. Browser flow:
// failures land back on the index page with the reason in the banner.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.redirectError(w, r, "upload too large or malformed")
		return
	}
	file, header, err := r.FormFile("dataset")
	if err != nil {
		s.redirectError(w, r, "missing dataset file field")
		return
	}
	defer func() { _ = file.Close() }()

	ds, err := s.store.Register(header.Filename, file)
	if err != nil {
		s.errCount.Add(1)
		s.redirectError(w, r, userMessage(err))
		return
	}
	if err := s.store.Activate(ds.Name); err != nil {
		s.errCount.Add(1)
		s.redirectError(w, r, userMessage(err))
		return
	}

	if s.metrics != nil {
		s.metrics.uploadsTotal.Inc()
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.store.Activate(name); err != nil {
		s.errCount.Add(1)
		s.httpError(w, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleListDatasets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":    s.playback.State().String(),
		"current":  s.playback.CurrentDataset(),
		"cursor":   s.playback.Cursor(),
		"datasets": s.store.List(),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	rows := previewRows
	if raw := r.URL.Query().Get("rows"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			s.httpError(w, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "handlePreview",
				fmt.Sprintf("rows parameter %q", raw)))
			return
		}
		rows = min(parsed, maxPreviewRows)
	}

	header, preview, err := s.store.Preview(name, rows)
	if err != nil {
		s.errCount.Add(1)
		s.httpError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":   name,
		"header": header,
		"rows":   preview,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	healthy := true
	detail := make(map[string]bool, len(s.components))
	for _, c := range s.components {
		h := c.Health()
		detail[c.Meta().Name] = h.Healthy
		healthy = healthy && h.Healthy
	}

	status := http.StatusOK
	text := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		text = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":     text,
		"components": detail,
	})
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, msg string) {
	http.Redirect(w, r, "/?error="+url.QueryEscape(msg), http.StatusSeeOther)
}

// httpError maps error classes to status codes for the JSON API.
func (s *Server) httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsInvalid(err):
		status = http.StatusBadRequest
	case errors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": userMessage(err)})
}

// userMessage strips the component/method prefix so operators see the
// reason, not the call site.
func userMessage(err error) string {
	var classified *errors.ClassifiedError
	if errors.As(err, &classified) {
		if cause := classified.Unwrap(); cause != nil {
			return cause.Error()
		}
		return classified.Error()
	}
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
