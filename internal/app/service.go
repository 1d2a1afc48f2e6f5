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

	"fraudalert/internal/clock"
	"fraudalert/internal/config"
	"fraudalert/internal/ingest"
	"fraudalert/internal/logging"
	"fraudalert/internal/notify"
	"fraudalert/internal/router"
	"fraudalert/internal/store"
	"fraudalert/internal/transport"
)

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable fraud-alert service.
type Service struct {
	source    config.ConfigSource
	cfg       config.Config
	logger    *slog.Logger
	closeLog  func()
	manager   *Manager
	events    *router.Router
	conn      *transport.Manager
	httpSrv   *http.Server
	natsSub   interface{ Close() error }
	readyFlag atomic.Bool
	clock     clock.Clock
}

// NewService builds the service instance from a config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	events := router.NewRouter(cfg.Router, logger)
	storeClient := store.NewClient(cfg.Store, logger)
	dispatcher := notify.NewDispatcher(cfg.Notify, logger)
	manager := NewManager(cfg.Service, logger, storeClient, dispatcher, events, clk)

	conn := transport.NewManager(
		cfg.Transport,
		&transport.WebsocketDialer{HandshakeTimeout: cfg.Transport.HandshakeTimeout()},
		transport.TokensFromConfig(cfg.Transport),
		events,
		logger,
		clk,
	)

	service := &Service{
		source:   source,
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		manager:  manager,
		events:   events,
		conn:     conn,
		clock:    clk,
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

// Run starts the service lifecycle and blocks until shutdown.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	shutdownCtx, shutdownCancel := context.WithCancel(ctx)
	defer shutdownCancel()

	if err := s.manager.RefreshRules(shutdownCtx); err != nil {
		s.logger.Error("initial rule load failed", "error", err.Error())
	}
	s.startTransport(shutdownCtx)

	errChan := make(chan error, 1)
	if s.httpSrv != nil {
		go func() {
			s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
			err := s.httpSrv.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	scanInterval := time.Duration(s.cfg.Service.EscalationScanIntervalSec) * time.Second
	scanTicker := time.NewTicker(scanInterval)
	defer scanTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-scanTicker.C:
				s.manager.EscalationTick(shutdownCtx)
			}
		}
	}()

	refreshInterval := time.Duration(s.cfg.Service.RuleRefreshIntervalSec) * time.Second
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()
	go func() {
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-refreshTicker.C:
				if err := s.manager.RefreshRules(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("rule refresh failed", "error", err.Error())
				}
			}
		}
	}()

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

// startTransport connects the realtime channel and subscribes event streams.
// Params: runtime context.
// Returns: none; connect failures are recoverable via reconnect or manual retry.
func (s *Service) startTransport(ctx context.Context) {
	if err := s.conn.Connect(ctx); err != nil {
		if errors.Is(err, transport.ErrUnauthenticated) {
			s.logger.Warn("realtime transport disabled, no credential configured")
			return
		}
		s.logger.Error("realtime connect failed", "error", err.Error())
		return
	}
	for _, channel := range []string{"alerts", "transactions"} {
		if err := s.conn.Subscribe(ctx, channel); err != nil {
			s.logger.Error("channel subscribe failed", "channel", channel, "error", err.Error())
		}
	}
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown failed", "error", err.Error())
			markErr(fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}
	s.conn.Disconnect()
	s.manager.Drain()
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failure.
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
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildHTTPServer wires the ingest and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	if !s.cfg.Ingest.HTTP.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.Handle("/ingest", ingest.NewHTTPHandler(s.manager, s.cfg.Ingest.HTTP.MaxBodyBytes))

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// buildNATSSubscriber starts the NATS record ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.manager, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}
