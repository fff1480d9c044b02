package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/sebas/baresipbridge/internal/bridge/connection"
	"github.com/sebas/baresipbridge/internal/bridge/engine"
	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/model"
)

// StateReader provides read access to bridge state.
// Implemented by state.Store.
type StateReader interface {
	Accounts() []model.Account
	Contacts() []model.Contact
	Calls() []model.Call
	Logs() []model.LogEntry
	ClearLogs()
	Connection() model.ConnectionStatus
	Subscribe(attach func(model.Snapshot))
}

// Commands is the command surface of the bridge.
// Implemented by engine.Engine.
type Commands interface {
	RawCommand(command, params, token string) (string, error)
	Dial(account, target string) error
	Hangup(account string) error
	SetContactEnabled(contact string, enabled bool) model.Contact
	AssignAutoConnect(account, contact string) (model.Account, error)
}

// Server provides the HTTP and WebSocket API
type Server struct {
	addr       string
	httpServer *http.Server
	router     chi.Router
	state      StateReader
	commands   Commands
	hub        *events.Hub
	build      *events.Builder
	clock      clockwork.Clock
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) {
		s.router.Method(http.MethodGet, "/metrics", h)
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
		s.build = events.NewBuilder(c)
	}
}

// NewServer creates a new API server
func NewServer(addr string, state StateReader, commands Commands, hub *events.Hub, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		state:    state,
		commands: commands,
		hub:      hub,
		clock:    clockwork.NewRealClock(),
		build:    events.NewBuilder(nil),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		pingPeriod: 30 * time.Second,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	s.router = r

	// Health
	r.Get("/health", s.handleHealth)
	r.Get("/api/v1/health", s.handleHealth)

	// State
	r.Get("/api/v1/accounts", s.handleAccounts)
	r.Get("/api/v1/contacts", s.handleContacts)
	r.Get("/api/v1/calls", s.handleCalls)
	r.Get("/api/v1/logs", s.handleLogs)
	r.Delete("/api/v1/logs", s.handleClearLogs)

	// Commands
	r.Post("/api/v1/command", s.handleCommand)
	r.Post("/api/v1/dial", s.handleDial)
	r.Post("/api/v1/hangup", s.handleHangup)
	r.Post("/api/v1/contacts/autoconnect", s.handleContactAutoConnect)
	r.Post("/api/v1/accounts/autoconnect", s.handleAccountAutoConnect)

	// Observers
	r.Get("/ws", s.handleWebSocket)

	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests
func (s *Server) Start() error {
	slog.Info("[API] Starting HTTP API server", "addr", s.addr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("[API] Server error", "error", err)
		}
	}()
	return nil
}

// Stop closes the listener and all connections.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		return s.httpServer.Close()
	}
	return nil
}

// --- Health ---

type healthResponse struct {
	Status       string    `json:"status"`
	TCPConnected bool      `json:"tcpConnected"`
	State        string    `json:"state"`
	Accounts     int       `json:"accounts"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	conn := s.state.Connection()
	resp := healthResponse{
		Status:       "healthy",
		TCPConnected: conn.Connected,
		State:        conn.State,
		Accounts:     len(s.state.Accounts()),
		Timestamp:    s.clock.Now().UTC(),
	}
	status := http.StatusOK
	if conn.Unhealthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	s.writeStatus(w, status, resp)
}

// --- State ---

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.Accounts())
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.Contacts())
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.Calls())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.state.Logs())
}

func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	s.state.ClearLogs()
	w.WriteHeader(http.StatusNoContent)
}

// --- Commands ---

type commandRequest struct {
	Command string `json:"command"`
	Params  string `json:"params"`
	Token   string `json:"token"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, err := s.commands.RawCommand(req.Command, req.Params, req.Token)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, http.StatusAccepted, map[string]string{"status": "sent", "token": token})
}

type dialRequest struct {
	Account string `json:"account"`
	Target  string `json:"target"`
}

func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.commands.Dial(req.Account, req.Target); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type hangupRequest struct {
	Account string `json:"account"`
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	var req hangupRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.commands.Hangup(req.Account); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

type contactAutoConnectRequest struct {
	Contact string `json:"contact"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleContactAutoConnect(w http.ResponseWriter, r *http.Request) {
	var req contactAutoConnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	if model.NormalizeURI(req.Contact) == "" {
		http.Error(w, "contact required", http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.commands.SetContactEnabled(req.Contact, req.Enabled))
}

type accountAutoConnectRequest struct {
	Account string `json:"account"`
	Contact string `json:"contact"`
}

func (s *Server) handleAccountAutoConnect(w http.ResponseWriter, r *http.Request) {
	var req accountAutoConnectRequest
	if !s.decode(w, r, &req) {
		return
	}
	account, err := s.commands.AssignAutoConnect(req.Account, req.Contact)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, account)
}

// --- Helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrUnknownAccount):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrEmptyCommand), errors.Is(err, engine.ErrInvalidTarget):
		status = http.StatusBadRequest
	case errors.Is(err, connection.ErrNotConnected):
		status = http.StatusServiceUnavailable
	}
	s.writeStatus(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("[API] Failed to encode JSON", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	s.writeStatus(w, http.StatusOK, v)
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
}
