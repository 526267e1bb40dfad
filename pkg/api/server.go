package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/psaab/ndsim/pkg/logging"
	"github.com/psaab/ndsim/pkg/netsim"
)

// Config configures the API server.
type Config struct {
	Addr     string
	Auth     *AuthConfig // nil = no authentication
	Network  *netsim.Network
	EventBuf *logging.EventBuffer
	// Lock guards Network. The simulation holds it while advancing time.
	Lock sync.Locker
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	net        *netsim.Network
	eventBuf   *logging.EventBuffer
	mu         sync.Locker
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	s := &Server{
		net:      cfg.Network,
		eventBuf: cfg.EventBuf,
		mu:       cfg.Lock,
	}
	if s.mu == nil {
		s.mu = &sync.Mutex{}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Prometheus metrics with isolated registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s))
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/v1/status", s.statusHandler)
	mux.HandleFunc("GET /api/v1/nodes", s.nodesHandler)
	mux.HandleFunc("GET /api/v1/nodes/{node}", s.nodeHandler)
	mux.HandleFunc("GET /api/v1/nodes/{node}/neighbors", s.neighborsHandler)
	mux.HandleFunc("GET /api/v1/nodes/{node}/prefixes", s.prefixesHandler)
	mux.HandleFunc("GET /api/v1/nodes/{node}/addresses", s.addressesHandler)
	mux.HandleFunc("GET /api/v1/nodes/{node}/routes", s.routesHandler)
	mux.HandleFunc("GET /api/v1/statistics", s.statisticsHandler)
	mux.HandleFunc("GET /api/v1/events", s.eventsHandler)

	mux.HandleFunc("POST /api/v1/statistics/clear", s.clearStatisticsHandler)

	// SSE streaming
	mux.HandleFunc("GET /api/v1/events/stream", s.eventStreamHandler)

	var handler http.Handler = mux
	if cfg.Auth != nil {
		handler = authMiddleware(*cfg.Auth, mux)
	}
	s.handler = handler

	s.httpServer = &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("api: HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
