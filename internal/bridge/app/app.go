// Package app wires the bridge components together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sebas/baresipbridge/internal/bridge/api"
	"github.com/sebas/baresipbridge/internal/bridge/assignments"
	"github.com/sebas/baresipbridge/internal/bridge/autoconnect"
	"github.com/sebas/baresipbridge/internal/bridge/config"
	"github.com/sebas/baresipbridge/internal/bridge/connection"
	"github.com/sebas/baresipbridge/internal/bridge/engine"
	"github.com/sebas/baresipbridge/internal/bridge/events"
	"github.com/sebas/baresipbridge/internal/bridge/metrics"
	"github.com/sebas/baresipbridge/internal/bridge/state"
	"github.com/sebas/baresipbridge/internal/logger"
)

// Bridge is the composed service.
type Bridge struct {
	config      *config.Config
	clock       clockwork.Clock
	store       *state.Store
	hub         *events.Hub
	metrics     *metrics.Metrics
	conn        *connection.Manager
	scheduler   *autoconnect.Scheduler
	engine      *engine.Engine
	assignments *assignments.FileStore
	logHook     *state.LogHook
	unhook      func()
	apiServer   *api.Server
	grpcServer  *grpc.Server
	health      *health.Server
}

// Option customizes a Bridge, mainly for tests.
type Option func(*options)

type options struct {
	clock    clockwork.Clock
	dialer   connection.Dialer
	registry *prometheus.Registry
}

// WithClock replaces the wall clock.
func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithDialer replaces the control-socket dialer.
func WithDialer(d connection.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRegistry uses reg instead of a fresh Prometheus registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// New builds the bridge from cfg and restores persisted assignments.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	o := options{clock: clockwork.NewRealClock()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
		o.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m, err := metrics.New(o.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	hub := events.NewHub(256)
	healthSrv := health.NewServer()
	sink := events.NewMultiSink(
		hub,
		m,
		healthSink(healthSrv),
		events.NewLoggingSink(slog.Default()),
	)

	store := state.New(o.clock, sink, state.Config{
		LogSize:   cfg.LogRingSize,
		CallGrace: cfg.CallGrace,
	})

	connOpts := []connection.Option{connection.WithClock(o.clock)}
	if o.dialer != nil {
		connOpts = append(connOpts, connection.WithDialer(o.dialer))
	}
	connCfg := connection.DefaultConfig()
	connCfg.Address = cfg.BaresipAddr()
	connCfg.DialTimeout = cfg.Baresip.DialTimeout
	connCfg.ReconnectBase = cfg.Baresip.ReconnectBase
	connCfg.MaxReconnectAttempts = cfg.Baresip.ReconnectMaxAttempts
	connCfg.ContactsPollInterval = cfg.Baresip.ContactsPollInterval
	connCfg.CallStatPollInterval = cfg.Baresip.CallStatPollInterval
	conn := connection.NewManager(connCfg, store, connOpts...)

	scheduler := autoconnect.New(autoconnect.Config{
		Spacing:     cfg.QueueSpacing,
		SelectDelay: cfg.SelectDelay,
	}, o.clock, conn, store, m)

	files := assignments.NewFileStore(cfg.AutoConnectFile)
	eng := engine.New(store, conn, scheduler, files)

	saved, err := files.Load()
	if err != nil {
		// A broken file must not keep the bridge down; the next save
		// rewrites it from live state.
		slog.Warn("[App] Ignoring auto-connect assignments", "path", files.Path(), "error", err)
	} else {
		eng.Restore(saved)
		slog.Info("[App] Auto-connect assignments loaded", "path", files.Path(), "bindings", len(saved.Bindings()))
	}

	apiServer := api.NewServer(cfg.HTTPAddr(), store, eng, hub,
		api.WithClock(o.clock),
		api.WithMetricsHandler(promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})),
	)

	return &Bridge{
		config:      cfg,
		clock:       o.clock,
		store:       store,
		hub:         hub,
		metrics:     m,
		conn:        conn,
		scheduler:   scheduler,
		engine:      eng,
		assignments: files,
		logHook:     state.NewLogHook(store, "bridge", 256),
		apiServer:   apiServer,
		health:      healthSrv,
	}, nil
}

// Store exposes the state store.
func (b *Bridge) Store() *state.Store { return b.store }

// Engine exposes the command API.
func (b *Bridge) Engine() *engine.Engine { return b.engine }

// Start runs the bridge until ctx is cancelled. Running out of reconnect
// attempts leaves the API up and reporting unhealthy.
func (b *Bridge) Start(ctx context.Context) error {
	b.unhook = logger.AddHook(slog.LevelWarn, b.logHook)
	go b.logHook.Run(ctx)

	if err := b.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	if err := b.startGRPC(); err != nil {
		return err
	}

	slog.Info("[App] Connecting to baresip", "addr", b.config.BaresipAddr())
	err := b.conn.Run(ctx, b.engine)
	if errors.Is(err, connection.ErrRetriesExhausted) {
		slog.Error("[App] Giving up on baresip", "error", err)
		<-ctx.Done()
		return nil
	}
	return err
}

func (b *Bridge) startGRPC() error {
	addr := b.config.GRPCAddr()
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
	}

	b.grpcServer = grpc.NewServer()
	healthpb.RegisterHealthServer(b.grpcServer, b.health)

	slog.Info("[App] gRPC health server listening", "addr", addr)
	go func() {
		if err := b.grpcServer.Serve(lis); err != nil {
			slog.Error("[App] gRPC server error", "error", err)
		}
	}()
	return nil
}

// Close stops the listeners and detaches the bridge from the global
// logger.
func (b *Bridge) Close() error {
	if b.unhook != nil {
		b.unhook()
	}
	b.health.Shutdown()
	if b.grpcServer != nil {
		b.grpcServer.GracefulStop()
	}
	return b.apiServer.Stop()
}
