package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"rpcgate/internal/cache"
	"rpcgate/internal/config"
	"rpcgate/internal/credential"
	"rpcgate/internal/health"
	"rpcgate/internal/metrics"
	"rpcgate/internal/proxy"
	"rpcgate/internal/upstream"
	"rpcgate/internal/ws"
)

// Server represents the main server
type Server struct {
	cfg        *config.Config
	gateway    *proxy.Gateway
	reporter   *health.Reporter
	cache      cache.Store
	dispatcher *upstream.Dispatcher
	metrics    *metrics.Collector
	handler    http.Handler
	httpServer *http.Server
	logger     zerolog.Logger
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger) (*Server, error) {
	m := metrics.New()

	var store cache.Store
	if cfg.Cache.Enabled {
		mc, err := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.GetSweepIntervalDuration(), m)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache: %w", err)
		}
		store = mc
		logger.Info().
			Int("size", cfg.Cache.Size).
			Int("methods", len(cfg.Cache.TTL)).
			Msg("cache enabled")
	} else {
		store = cache.NewNoopCache()
		logger.Info().Msg("cache disabled")
	}

	pool, err := credential.NewPool(cfg.Credentials.Keys, credential.Config{
		RotationInterval: cfg.Credentials.GetRotationIntervalDuration(),
		ErrorThreshold:   cfg.Credentials.ErrorThreshold,
		ErrorCooldown:    cfg.Credentials.GetErrorCooldownDuration(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential pool: %w", err)
	}

	dispatcher, err := upstream.NewDispatcher(upstream.Config{
		EndpointTemplate: cfg.Upstream.EndpointTemplate,
		MaxRPS:           cfg.Upstream.MaxRPS,
		MaxConcurrent:    cfg.Upstream.MaxConcurrent,
		MaxIdleConns:     cfg.Upstream.MaxIdleConns,
		MaxTimeout:       cfg.Upstream.GetMaxTimeoutDuration(),
		Logger:           logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	gw, err := proxy.NewGateway(cfg, proxy.Deps{
		Pool:       pool,
		Cache:      store,
		Dispatcher: dispatcher,
		Metrics:    m,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}

	reporter := health.NewReporter(health.Sources{
		Cache:       store,
		Credentials: pool,
		Limiters:    gw.Limiters(),
		QueueDepth:  gw.QueueDepth,
		InFlight:    gw.InFlight,
	}, cfg.GetStatsLogIntervalDuration(), logger)

	logger.Info().
		Int("credentials", pool.Len()).
		Bool("batching", cfg.Batch.Enabled).
		Int("batchMaxSize", cfg.Batch.MaxSize).
		Int("batchWindowMs", cfg.Batch.WindowDelay).
		Int64("clientLimit", cfg.RateLimit.Client.Limit).
		Int64("credentialLimit", cfg.RateLimit.Credential.Limit).
		Msg("gateway configured")

	s := &Server{
		cfg:        cfg,
		gateway:    gw,
		reporter:   reporter,
		cache:      store,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
	s.handler = NewRouter(RouterConfig{
		RPC:           proxy.NewHandler(gw, cfg.MaxBodySize, logger),
		WS:            ws.NewHandler(gw, logger),
		Health:        reporter,
		Metrics:       m.Handler(),
		CORSOrigin:    cfg.CORSOrigin,
		MaxInboundRPS: cfg.MaxInboundRPS,
	}, logger)
	return s, nil
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the pipeline and the HTTP listener
func (s *Server) Start() error {
	s.gateway.Start()
	s.reporter.Start()

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// writes may wait for the caller timeout plus marshalling
	writeTimeout := s.cfg.GetCallerTimeoutDuration() + 10*time.Second
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		s.logger.Info().
			Str("addr", addr).
			Msg("starting RPC server")
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()

	s.logger.Info().
		Str("rpc", fmt.Sprintf("http://%s/", addr)).
		Str("ws", fmt.Sprintf("ws://%s/ws", addr)).
		Str("health", fmt.Sprintf("http://%s/health", addr)).
		Msg("endpoint available")

	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server...")

	var httpErr error
	if s.httpServer != nil {
		httpErr = s.httpServer.Shutdown(ctx)
	}

	s.gateway.Close(ctx)
	s.reporter.Stop()
	s.dispatcher.Close()
	s.cache.Close()

	if httpErr != nil {
		return fmt.Errorf("RPC server shutdown error: %w", httpErr)
	}

	s.logger.Info().Msg("server stopped")
	return nil
}
