// Package connection owns the TCP control socket to baresip: dialing,
// reading and decoding, sending commands, polling and reconnecting with
// bounded exponential backoff.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/sebas/baresipbridge/internal/bridge/extract"
	"github.com/sebas/baresipbridge/internal/bridge/model"
	"github.com/sebas/baresipbridge/internal/bridge/netstring"
	"github.com/sebas/baresipbridge/internal/bridge/protocol"
)

var (
	// ErrNotConnected is returned by Send while the socket is down.
	ErrNotConnected = errors.New("baresip not connected")

	// ErrRetriesExhausted is returned by Run once the reconnect cap is hit.
	ErrRetriesExhausted = errors.New("baresip reconnect attempts exhausted")
)

// Dialer opens the control socket.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Handler receives every decoded inbound message, in arrival order, from
// a single goroutine.
type Handler interface {
	HandleMessage(msg protocol.Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg protocol.Message)

// HandleMessage calls f.
func (f HandlerFunc) HandleMessage(msg protocol.Message) { f(msg) }

// Store is the slice of the state store the manager drives.
type Store interface {
	SetConnection(status model.ConnectionStatus)
	ResetCalls()
	ActiveCallCount() int
}

// Config holds connection settings.
type Config struct {
	Address              string
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	ReconnectBase        time.Duration
	MaxReconnectAttempts int
	ContactsPollInterval time.Duration
	CallStatPollInterval time.Duration
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Address:              "baresip:4444",
		DialTimeout:          5 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReconnectBase:        time.Second,
		MaxReconnectAttempts: 10,
		ContactsPollInterval: 30 * time.Second,
		CallStatPollInterval: 2 * time.Second,
	}
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the TCP dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock replaces the wall clock used for backoff waits and polling.
func WithClock(c clockwork.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager maintains a single control connection.
type Manager struct {
	cfg   Config
	store Store
	dial  Dialer
	clock clockwork.Clock

	mu      sync.Mutex
	conn    net.Conn
	status  model.ConnectionStatus
	writeMu sync.Mutex
}

// NewManager creates a manager. Call Run to start connecting.
func NewManager(cfg Config, store Store, opts ...Option) *Manager {
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = def.ReconnectBase
	}
	if cfg.ContactsPollInterval <= 0 {
		cfg.ContactsPollInterval = def.ContactsPollInterval
	}
	if cfg.CallStatPollInterval <= 0 {
		cfg.CallStatPollInterval = def.CallStatPollInterval
	}

	m := &Manager{
		cfg:   cfg,
		store: store,
		clock: clockwork.NewRealClock(),
		status: model.ConnectionStatus{
			State: model.ConnStateDisconnected,
		},
	}
	var d net.Dialer
	m.dial = d.DialContext
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns the current connection status.
func (m *Manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Connected reports whether the socket is up.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

func (m *Manager) setStatus(update func(*model.ConnectionStatus)) {
	m.mu.Lock()
	update(&m.status)
	status := m.status
	m.mu.Unlock()

	if m.store != nil {
		m.store.SetConnection(status)
	}
}

// newBackOff yields base, 2*base, 4*base, ... and stops after
// MaxReconnectAttempts delays.
func (m *Manager) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.cfg.ReconnectBase
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = 24 * time.Hour
	exp.MaxElapsedTime = 0
	exp.Clock = m.clock
	exp.Reset()

	if m.cfg.MaxReconnectAttempts <= 0 {
		return exp
	}
	return backoff.WithMaxRetries(exp, uint64(m.cfg.MaxReconnectAttempts))
}

// Run connects and keeps the connection alive until ctx is canceled or
// the reconnect cap is reached. h receives every inbound message.
func (m *Manager) Run(ctx context.Context, h Handler) error {
	b := m.newBackOff()
	attempts := 0

	for {
		m.setStatus(func(s *model.ConnectionStatus) {
			s.State = model.ConnStateConnecting
			s.Attempts = attempts
		})

		err := m.connectOnce(ctx, h, func() {
			b.Reset()
			attempts = 0
		})
		if ctx.Err() != nil {
			m.setStatus(func(s *model.ConnectionStatus) {
				s.Connected = false
				s.State = model.ConnStateDisconnected
			})
			return nil
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			slog.Error("[Connection] Max reconnect attempts reached, giving up",
				"address", m.cfg.Address, "attempts", attempts, "error", err)
			m.setStatus(func(s *model.ConnectionStatus) {
				s.Connected = false
				s.State = model.ConnStateUnhealthy
				s.Unhealthy = true
				s.Attempts = attempts
				s.LastError = errString(err)
			})
			return fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
		}

		attempts++
		slog.Info("[Connection] Reconnecting",
			"address", m.cfg.Address, "delay", delay, "attempt", attempts)
		m.setStatus(func(s *model.ConnectionStatus) {
			s.Connected = false
			s.State = model.ConnStateDisconnected
			s.Attempts = attempts
			s.LastError = errString(err)
		})

		select {
		case <-ctx.Done():
			return nil
		case <-m.clock.After(delay):
		}
	}
}

// connectOnce dials, serves the connection until it drops and returns
// the reason. onConnected runs after a successful dial.
func (m *Manager) connectOnce(ctx context.Context, h Handler, onConnected func()) error {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
	conn, err := m.dial(dialCtx, "tcp", m.cfg.Address)
	cancel()
	if err != nil {
		slog.Warn("[Connection] Failed to connect", "address", m.cfg.Address, "error", err)
		return fmt.Errorf("failed to connect to %s: %w", m.cfg.Address, err)
	}

	onConnected()
	slog.Info("[Connection] Connected to baresip", "address", m.cfg.Address)

	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	m.setStatus(func(s *model.ConnectionStatus) {
		s.Connected = true
		s.State = model.ConnStateConnected
		s.Attempts = 0
		s.LastError = ""
		s.Unhealthy = false
	})

	err = m.serve(ctx, conn, h)

	m.mu.Lock()
	m.conn = nil
	m.mu.Unlock()
	_ = conn.Close()

	slog.Warn("[Connection] Baresip connection closed", "address", m.cfg.Address, "error", err)
	m.setStatus(func(s *model.ConnectionStatus) {
		s.Connected = false
		s.State = model.ConnStateDisconnected
		s.LastError = errString(err)
	})
	if m.store != nil {
		m.store.ResetCalls()
	}
	return err
}

// serve runs discovery, polling and the read loop for one connection.
func (m *Manager) serve(ctx context.Context, conn net.Conn, h Handler) error {
	readErr := make(chan error, 1)
	go func() {
		readErr <- m.readLoop(conn, h)
	}()

	for _, cmd := range protocol.DiscoveryCommands {
		_ = m.sendTracked(cmd, "")
	}

	contacts := m.clock.NewTicker(m.cfg.ContactsPollInterval)
	defer contacts.Stop()
	stats := m.clock.NewTicker(m.cfg.CallStatPollInterval)
	defer stats.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close()
			<-readErr
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-contacts.Chan():
			_ = m.sendTracked(protocol.CmdContacts, "")
		case <-stats.Chan():
			if m.store != nil && m.store.ActiveCallCount() > 0 {
				_ = m.sendTracked(protocol.CmdCallStat, "")
			}
		}
	}
}

// readLoop decodes inbound bytes until the connection fails.
func (m *Manager) readLoop(conn net.Conn, h Handler) error {
	var dec netstring.Decoder
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, lines := dec.Feed(buf[:n])
			for _, raw := range frames {
				h.HandleMessage(protocol.Classify(raw))
			}
			for _, line := range lines {
				h.HandleMessage(protocol.Classify(line))
			}
		}
		if err != nil {
			return err
		}
	}
}

// sendTracked sends a command with a fresh correlation token, so the
// response can be routed by command name.
func (m *Manager) sendTracked(command, params string) error {
	return m.Send(command, params, extract.CommandToken(command, uuid.NewString()))
}

// Send writes one framed command. It never blocks past WriteTimeout and
// returns ErrNotConnected while the socket is down.
func (m *Manager) Send(command, params, token string) error {
	frame, err := netstring.Encode(command, params, token)
	if err != nil {
		return fmt.Errorf("failed to encode command %s: %w", command, err)
	}

	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		slog.Warn("[Connection] Cannot send command, not connected", "command", command)
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if _, err := conn.Write(frame); err != nil {
		slog.Warn("[Connection] Failed to send command", "command", command, "error", err)
		return fmt.Errorf("failed to send command %s: %w", command, err)
	}
	slog.Debug("[Connection] Sent command", "command", command, "params", params, "token", token)
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
