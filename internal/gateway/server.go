// Package gateway exposes the turn engine over HTTP: chat turns stream as
// server-sent events, clients post delegated tool results back, and thread
// state can be inspected.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/config"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/observability"
	"github.com/haasonsaas/agui/internal/pending"
)

// Server is the HTTP front end of the engine.
type Server struct {
	engine  *agent.Engine
	store   conversations.Store
	pending *pending.Table

	config    config.ServerConfig
	keepalive time.Duration
	logger    *slog.Logger
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer

	startTime  time.Time
	httpServer *http.Server
}

// Options wires a Server. Engine, Store and Pending are required.
type Options struct {
	Engine  *agent.Engine
	Store   conversations.Store
	Pending *pending.Table
	Config  config.ServerConfig

	Logger  *slog.Logger
	Metrics *observability.Metrics

	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// NewServer creates a server. It does not listen until Start.
func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Store == nil || opts.Pending == nil {
		return nil, errors.New("gateway: engine, store and pending table are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:    opts.Engine,
		store:     opts.Store,
		pending:   opts.Pending,
		config:    opts.Config,
		keepalive: opts.Config.Keepalive,
		logger:    logger.With("component", "gateway"),
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		startTime: time.Now(),
	}, nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /tool_result", s.handleToolResult)
	mux.HandleFunc("GET /threads", s.handleThreads)
	mux.HandleFunc("GET /threads/{id}", s.handleThread)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	var h http.Handler = mux
	h = CORSMiddleware(s.config.CORSOrigins)(h)
	h = LoggingMiddleware(s.logger, s.metrics)(h)
	return RequestIDMiddleware(h)
}

// Start listens on the configured address and serves until ctx is done,
// then shuts down gracefully within ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	readHeader := s.config.ReadHeaderTimeout
	if readHeader <= 0 {
		readHeader = 10 * time.Second
	}
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting http server", "addr", listener.Addr().String())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("shutting down http server", "timeout", timeout)
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
		_ = s.httpServer.Close()
		return err
	}
	return <-errCh
}
