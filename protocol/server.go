package protocol

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/joakimbrandstrom/OPC-UA-Sim/component"
	"github.com/joakimbrandstrom/OPC-UA-Sim/dataset"
	"github.com/joakimbrandstrom/OPC-UA-Sim/errors"
	"github.com/joakimbrandstrom/OPC-UA-Sim/metric"
)

const writeTimeout = 5 * time.Second

// Config holds configuration for the variable server.
type Config struct {
	// Endpoint is the TCP listen address, e.g. "0.0.0.0:4840".
	Endpoint string
	// Path is the WebSocket endpoint path.
	Path string
	// NamespaceURI identifies the address space to clients.
	NamespaceURI string
	// MachineName is the folder under which all variables are grouped.
	MachineName string
	// MetricsRegistry is optional; nil disables Prometheus metrics.
	MetricsRegistry *metric.MetricsRegistry
}

// DefaultConfig returns the stock server configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:     "0.0.0.0:4840",
		Path:         "/vars",
		NamespaceURI: "http://brandstrom.dev/opcsim",
		MachineName:  "Simulator",
	}
}

// variableRef is the concrete Ref handed to the engine. It stays valid
// until RemoveVariable marks it stale.
type variableRef struct {
	name    string
	nodeID  string
	removed atomic.Bool
}

func (r *variableRef) Name() string { return r.name }

// variableState is the server-side record behind a live Ref.
type variableState struct {
	ref   *variableRef
	typ   dataset.ValueType
	value any
}

// session tracks one connected client. Writes to the connection are
// serialized through writeMu; gorilla/websocket allows at most one
// concurrent writer.
type session struct {
	id          string
	conn        *websocket.Conn
	connectedAt time.Time
	writeMu     sync.Mutex
}

// Metrics holds Prometheus metrics for the variable server.
type Metrics struct {
	variablesExposed prometheus.Gauge
	writesTotal      prometheus.Counter
	staleWritesTotal prometheus.Counter
	clientsConnected prometheus.Gauge
	connectionsTotal prometheus.Counter
	messagesSent     prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		variablesExposed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "variables_exposed",
			Help:      "Number of variables currently in the address space",
		}),
		writesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "writes_total",
			Help:      "Total variable writes applied",
		}),
		staleWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "stale_writes_total",
			Help:      "Writes rejected because the variable was removed",
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "clients_connected",
			Help:      "Number of currently connected clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "client_connections_total",
			Help:      "Total client connections accepted",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "messages_sent_total",
			Help:      "Total messages pushed to clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "opcsim",
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "Variable server errors",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.variablesExposed,
		metrics.writesTotal,
		metrics.staleWritesTotal,
		metrics.clientsConnected,
		metrics.connectionsTotal,
		metrics.messagesSent,
		metrics.errorsTotal,
	)

	return metrics
}

// Server exposes the variable address space over WebSocket. It owns the
// listener lifecycle: the TCP bind happens synchronously in Start so a
// port conflict surfaces as a fatal startup error instead of a silent
// half-start.
type Server struct {
	endpoint     string
	path         string
	namespaceURI string
	machineName  string

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	clients   map[*websocket.Conn]*session
	clientsMu sync.RWMutex

	vars   map[string]*variableState
	varsMu sync.RWMutex

	// Lifecycle
	shutdown    chan struct{}
	done        chan struct{}
	running     bool
	startTime   time.Time
	mu          sync.RWMutex
	lifecycleMu sync.Mutex
	wg          *sync.WaitGroup

	messagesSent atomic.Int64
	errCount     atomic.Int64
	lastActivity atomic.Int64 // Unix nanoseconds

	metrics *Metrics
}

var _ component.LifecycleComponent = (*Server)(nil)
var _ VariableWriter = (*Server)(nil)

// NewServer creates a variable server from cfg.
func NewServer(cfg Config) *Server {
	return &Server{
		endpoint:     cfg.Endpoint,
		path:         cfg.Path,
		namespaceURI: cfg.NamespaceURI,
		machineName:  cfg.MachineName,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(_ *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:   make(map[*websocket.Conn]*session),
		vars:      make(map[string]*variableState),
		startTime: time.Now(),
		metrics:   newMetrics(cfg.MetricsRegistry),
	}
}

// Meta returns the component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        "protocol-server",
		Type:        "protocol",
		Description: fmt.Sprintf("variable server on %s%s (namespace %s)", s.endpoint, s.path, s.namespaceURI),
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
	messages := s.messagesSent.Load()

	var messagesPerSecond, errorRate float64
	if uptime := time.Since(s.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
	}
	if messages > 0 {
		errorRate = float64(s.errCount.Load()) / float64(messages)
	}

	var lastActivity time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		lastActivity = time.Unix(0, ns)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Initialize validates the server configuration.
func (s *Server) Initialize() error {
	if s.endpoint == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "endpoint cannot be empty")
	}
	if _, _, err := net.SplitHostPort(s.endpoint); err != nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize",
			fmt.Sprintf("endpoint %q", s.endpoint))
	}
	if s.path == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "path cannot be empty")
	}
	if s.machineName == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Initialize", "machine name cannot be empty")
	}
	return nil
}

// Start binds the listener and begins serving clients. The bind is
// synchronous: if the endpoint is unavailable, Start fails and the
// process must not come up.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.Wrap(errors.ErrAlreadyStarted, "Server", "Start", "variable server")
	}
	if ctx == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Start", "context cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Server", "Start", "context already cancelled")
	}

	listener, err := net.Listen("tcp", s.endpoint)
	if err != nil {
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrBindFailed, err), "Server", "Start",
			"bind "+s.endpoint)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	s.httpServer = &http.Server{Handler: mux}

	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.wg = &sync.WaitGroup{}
	s.running = true
	s.startTime = time.Now()

	s.wg.Add(1)
	go s.serve()

	return nil
}

// Addr returns the bound listener address ("" before Start). Useful
// when the endpoint requested port 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) serve() {
	defer s.wg.Done()

	s.mu.RLock()
	httpServer := s.httpServer
	listener := s.listener
	s.mu.RUnlock()

	if httpServer == nil || listener == nil {
		return
	}
	if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
		s.errCount.Add(1)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("serve").Inc()
		}
	}
}

// Stop gracefully stops the server and closes all client connections.
// Safe to call more than once.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.shutdown)

	wg := s.wg
	httpServer := s.httpServer
	s.mu.Unlock()

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if wg != nil {
		waited := make(chan struct{})
		go func() {
			wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(timeout):
		}
	}

	s.closeAllClients()

	s.mu.Lock()
	s.httpServer = nil
	s.listener = nil
	s.wg = nil
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.mu.Unlock()

	return nil
}

func (s *Server) closeAllClients() {
	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*session)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(0)
	}
}

// handleWebSocket upgrades a connection, sends the namespace snapshot,
// and services browse/read requests until the client disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.errCount.Add(1)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("upgrade").Inc()
		}
		return
	}

	client := &session{
		id:          uuid.New().String(),
		conn:        conn,
		connectedAt: time.Now(),
	}

	s.clientsMu.Lock()
	s.clients[conn] = client
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionsTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}

	// Snapshot first so the client knows the address space before any
	// updates arrive.
	_ = s.send(client, s.snapshotMessage())

	s.readLoop(client)
}

func (s *Server) readLoop(client *session) {
	defer s.dropClient(client)

	for {
		var req Message
		if err := client.conn.ReadJSON(&req); err != nil {
			return
		}

		switch req.Type {
		case "browse":
			_ = s.send(client, s.snapshotMessage())
		case "read":
			s.varsMu.RLock()
			state, ok := s.vars[req.Name]
			var reply Message
			if ok {
				reply = Message{
					Type:      "update",
					Name:      req.Name,
					NodeID:    state.ref.nodeID,
					Value:     state.value,
					Timestamp: time.Now().UnixMilli(),
				}
			}
			s.varsMu.RUnlock()
			if !ok {
				reply = Message{Type: "error", Name: req.Name, Error: "unknown variable"}
			}
			_ = s.send(client, reply)
		default:
			_ = s.send(client, Message{Type: "error", Error: fmt.Sprintf("unknown request type %q", req.Type)})
		}
	}
}

func (s *Server) dropClient(client *session) {
	_ = client.conn.Close()

	s.clientsMu.Lock()
	delete(s.clients, client.conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.clientsConnected.Set(float64(count))
	}
}

// send writes one message to one client, serializing against other
// writers on the same connection.
func (s *Server) send(client *session, msg Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	_ = client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := client.conn.WriteJSON(msg); err != nil {
		s.errCount.Add(1)
		if s.metrics != nil {
			s.metrics.errorsTotal.WithLabelValues("write").Inc()
		}
		return err
	}

	s.messagesSent.Add(1)
	s.lastActivity.Store(time.Now().UnixNano())
	if s.metrics != nil {
		s.metrics.messagesSent.Inc()
	}
	return nil
}

// broadcast pushes a message to every connected client. A failed client
// write never blocks the tick loop; the client's read loop notices the
// dead connection and drops it.
func (s *Server) broadcast(msg Message) {
	s.clientsMu.RLock()
	clients := make([]*session, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	s.clientsMu.RUnlock()

	for _, client := range clients {
		_ = s.send(client, msg)
	}
}

func (s *Server) nodeID(name string) string {
	return fmt.Sprintf("ns=2;s=%s.%s", s.machineName, name)
}

func (s *Server) nodePath(name string) string {
	return fmt.Sprintf("Objects/Machines/%s/%s", s.machineName, name)
}

// snapshotMessage builds the full-namespace message sent on connect, on
// browse, and after every namespace change.
func (s *Server) snapshotMessage() Message {
	s.varsMu.RLock()
	infos := make([]VariableInfo, 0, len(s.vars))
	for name, state := range s.vars {
		infos = append(infos, VariableInfo{
			Name:   name,
			NodeID: state.ref.nodeID,
			Type:   state.typ.String(),
			Value:  state.value,
			Path:   s.nodePath(name),
		})
	}
	s.varsMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })

	return Message{
		Type:      "namespace",
		NodeID:    s.namespaceURI,
		Timestamp: time.Now().UnixMilli(),
		Variables: infos,
	}
}

// CreateVariable adds a variable to the address space.
func (s *Server) CreateVariable(name string, value any, typ dataset.ValueType) (Ref, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "CreateVariable", "empty variable name")
	}

	ref := &variableRef{name: name, nodeID: s.nodeID(name)}

	s.varsMu.Lock()
	if _, exists := s.vars[name]; exists {
		s.varsMu.Unlock()
		return nil, errors.WrapInvalid(errors.ErrVariableExists, "Server", "CreateVariable",
			fmt.Sprintf("variable %q", name))
	}
	s.vars[name] = &variableState{ref: ref, typ: typ, value: value}
	count := len(s.vars)
	s.varsMu.Unlock()

	if s.metrics != nil {
		s.metrics.variablesExposed.Set(float64(count))
	}

	s.broadcast(s.snapshotMessage())
	return ref, nil
}

// Write updates a variable's value and pushes it to all clients.
func (s *Server) Write(ref Ref, value any) error {
	vr, ok := ref.(*variableRef)
	if !ok || vr == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "Write", "foreign variable ref")
	}
	if vr.removed.Load() {
		if s.metrics != nil {
			s.metrics.staleWritesTotal.Inc()
		}
		return errors.Wrap(errors.ErrStaleVariable, "Server", "Write", fmt.Sprintf("variable %q", vr.name))
	}

	s.varsMu.Lock()
	state, exists := s.vars[vr.name]
	if !exists || state.ref != vr {
		s.varsMu.Unlock()
		if s.metrics != nil {
			s.metrics.staleWritesTotal.Inc()
		}
		return errors.Wrap(errors.ErrStaleVariable, "Server", "Write", fmt.Sprintf("variable %q", vr.name))
	}
	state.value = value
	s.varsMu.Unlock()

	if s.metrics != nil {
		s.metrics.writesTotal.Inc()
	}

	s.broadcast(Message{
		Type:      "update",
		Name:      vr.name,
		NodeID:    vr.nodeID,
		Value:     value,
		Timestamp: time.Now().UnixMilli(),
	})
	return nil
}

// RemoveVariable deletes a variable and marks its Ref stale.
func (s *Server) RemoveVariable(ref Ref) error {
	vr, ok := ref.(*variableRef)
	if !ok || vr == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Server", "RemoveVariable", "foreign variable ref")
	}
	if vr.removed.Swap(true) {
		return errors.Wrap(errors.ErrStaleVariable, "Server", "RemoveVariable",
			fmt.Sprintf("variable %q", vr.name))
	}

	s.varsMu.Lock()
	state, exists := s.vars[vr.name]
	if exists && state.ref == vr {
		delete(s.vars, vr.name)
	}
	count := len(s.vars)
	s.varsMu.Unlock()

	if s.metrics != nil {
		s.metrics.variablesExposed.Set(float64(count))
	}

	s.broadcast(s.snapshotMessage())
	return nil
}

// VariableNames returns the current variable names, sorted.
func (s *Server) VariableNames() []string {
	s.varsMu.RLock()
	names := make([]string, 0, len(s.vars))
	for name := range s.vars {
		names = append(names, name)
	}
	s.varsMu.RUnlock()

	sort.Strings(names)
	return names
}
