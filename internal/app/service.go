package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"twistbridge/internal/clock"
	"twistbridge/internal/config"
	"twistbridge/internal/gcp"
	"twistbridge/internal/ingest"
	"twistbridge/internal/integration"
	"twistbridge/internal/logging"
	"twistbridge/internal/metrics"
	"twistbridge/internal/notify"
	"twistbridge/internal/notifyqueue"
	"twistbridge/internal/state"
	"twistbridge/internal/threads"
)

// ErrConfig marks startup failures caused by invalid configuration.
var ErrConfig = errors.New("invalid configuration")

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable bridge service.
type Service struct {
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	store     state.Store
	registry  *integration.Registry
	metrics   *metrics.Metrics
	bridge    *Bridge
	pipeline  *notifyqueue.Pipeline
	ring      *notifyqueue.RingSink
	dlq       *notifyqueue.NATSSink
	natsSub   interface{ Close() error }
	httpSrv   *http.Server
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error (wrapping ErrConfig for config problems).
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	formatter, err := notify.NewFormatter(cfg.Delivery.Templates)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.Verify.Mode == config.VerifyModeNone {
		logger.Warn("inbound webhook authentication disabled", "verify_mode", cfg.Verify.Mode)
	}

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		metrics:  metrics.New(),
		clock:    clk,
	}

	store, err := buildStore(cfg, clk)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.store = store

	registry, err := integration.Open(cfg.Twist.DBPath, clk.Now)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.registry = registry

	client := notify.NewTwistClient(cfg.Twist)
	policy := notify.NewRetryPolicy(cfg.Delivery)
	resolver := threads.NewResolver(threads.Options{
		Store:        store,
		Client:       client,
		Formatter:    formatter,
		CreatePolicy: policy.WithAttempts(cfg.Delivery.ThreadCreateAttempts),
		ClosedGrace:  time.Duration(cfg.Threads.ClosedGraceSec) * time.Second,
		Now:          clk.Now,
		Logger:       logger,
		Metrics:      service.metrics,
	})
	service.bridge = NewBridge(BridgeOptions{
		Integrations: registry,
		Dedup:        store,
		Resolver:     resolver,
		Client:       client,
		Formatter:    formatter,
		HelloMessage: cfg.Twist.HelloMessage,
		Metrics:      service.metrics,
		Logger:       logger,
		Now:          clk.Now,
	})

	if err := service.buildPipeline(policy); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}

	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.HTTP.Listen, "server_name", s.cfg.Service.ServerName)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.runSweeper(shutdownCtx, "dedup", time.Duration(s.cfg.Dedup.SweepIntervalSec)*time.Second, s.bridge.SweepDedup)
	s.runSweeper(shutdownCtx, "bindings", time.Duration(s.cfg.Threads.SweepIntervalSec)*time.Second, s.bridge.SweepBindings)

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
		return s.shutdown()
	}
}

// runSweeper calls sweep on every tick until ctx ends.
// Params: context, sweeper name, interval, and sweep function.
// Returns: none.
func (s *Service) runSweeper(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) (int, error)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := sweep(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("sweep failed", "sweeper", name, "error", err.Error())
					continue
				}
				if removed > 0 {
					s.logger.Debug("sweep finished", "sweeper", name, "removed", removed)
				}
			}
		}
	}()
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Service.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	if err := s.pipeline.Close(ctx); err != nil {
		s.logger.Error("delivery pipeline drain incomplete", "error", err.Error())
		markErr(fmt.Errorf("pipeline close: %w", err))
	}
	if s.dlq != nil {
		if err := s.dlq.Close(); err != nil {
			markErr(fmt.Errorf("dead-letter sink close: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	if err := s.registry.Close(); err != nil {
		s.logger.Error("integration registry close failed", "error", err.Error())
		markErr(fmt.Errorf("registry close: %w", err))
	}
	s.logger.Info("shutdown complete")
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	if s.pipeline != nil {
		_ = s.pipeline.Close(context.Background())
		s.pipeline = nil
	}
	if s.dlq != nil {
		_ = s.dlq.Close()
		s.dlq = nil
	}
	if s.registry != nil {
		_ = s.registry.Close()
		s.registry = nil
	}
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildPipeline creates the dead-letter chain and the delivery worker pool.
// Params: delivery retry policy.
// Returns: setup error when the JetStream DLQ cannot be opened.
func (s *Service) buildPipeline(policy notify.RetryPolicy) error {
	s.ring = notifyqueue.NewRingSink(s.cfg.Admin.DeadLetterBuffer)
	sinks := notifyqueue.MultiSink{notifyqueue.NewLogSink(s.logger), s.ring}
	if !isSingleMode(s.cfg) && s.cfg.NATS.DLQ {
		dlq, err := notifyqueue.NewNATSSink(s.cfg.NATS)
		if err != nil {
			return err
		}
		s.dlq = dlq
		sinks = append(sinks, dlq)
	}

	s.pipeline = notifyqueue.New(s.bridge.Deliver, notifyqueue.Options{
		Workers:        s.cfg.Delivery.Workers,
		Capacity:       s.cfg.Delivery.QueueCapacity,
		Policy:         policy,
		MaxRequeues:    s.cfg.Delivery.MaxRequeues,
		LogEachAttempt: s.cfg.Delivery.LogEachAttempt,
		Sink:           sinks,
		Logger:         s.logger,
		Metrics:        s.metrics,
		Now:            s.clock.Now,
	})
	s.bridge.SetQueue(s.pipeline)
	return nil
}

// buildHTTPServer wires the router with webhook, Twist, admin, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	router := ingest.NewRouter(ingest.RouterOptions{
		Verifier:     gcp.NewVerifier(s.cfg.Verify, s.clock),
		Sink:         s.bridge,
		Installer:    s.bridge,
		DeadLetters:  s.ring,
		Metrics:      s.metrics,
		Logger:       s.logger,
		ServerName:   s.cfg.Service.ServerName,
		AdminToken:   s.cfg.Admin.Token,
		MaxBodyBytes: s.cfg.HTTP.MaxBodyBytes,
		HealthPath:   s.cfg.HTTP.HealthPath,
		ReadyPath:    s.cfg.HTTP.ReadyPath,
		MetricsPath:  s.cfg.HTTP.MetricsPath,
		Ready:        s.readyFlag.Load,
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.HTTP.Listen,
		Handler:           router,
		ReadHeaderTimeout: time.Duration(s.cfg.HTTP.ReadHeaderTimeoutSec) * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts the JetStream intake when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.NATS.Ingest.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.NATS, s.bridge, s.logger, s.clock.Now)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// buildStore creates runtime state backend from config.
// Params: root config snapshot and clock.
// Returns: selected store backend.
func buildStore(cfg config.Config, clk clock.Clock) (state.Store, error) {
	retention := time.Duration(cfg.Dedup.RetentionSec) * time.Second
	if isSingleMode(cfg) {
		return state.NewMemoryStore(clk.Now, retention), nil
	}
	return state.NewNATSStore(cfg.NATS, retention, clk.Now)
}

func isSingleMode(cfg config.Config) bool {
	return config.NormalizeServiceMode(cfg.Service.Mode) == config.ServiceModeSingle
}
