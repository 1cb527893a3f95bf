package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/randomizedcoder/go-trainer-swarm/internal/stats"
)

// Server provides HTTP endpoints for Prometheus metrics, health checks
// and a JSON view of the worker pool.
type Server struct {
	addr   string
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new metrics server. agg may be nil, in which case
// /workers reports 503 until the pool exists.
func NewServer(addr string, agg *stats.Aggregator, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/healthz", healthHandler)

	// Ready check (same as health for now)
	mux.HandleFunc("/ready", healthHandler)
	mux.HandleFunc("/readyz", healthHandler)

	// JSON snapshot of every worker on this node
	mux.HandleFunc("/workers", workersHandler(agg))

	return &Server{
		addr:   addr,
		logger: logger,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
	}
}

// healthHandler handles health check requests.
func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

// workersHandler serves the aggregated pool snapshot as JSON.
func workersHandler(agg *stats.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if agg == nil {
			http.Error(w, "pool not started", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(agg.Aggregate()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	}
}

// Start starts the metrics server in a goroutine.
// Returns immediately. Use Shutdown to stop.
func (s *Server) Start() error {
	s.logger.Info("metrics_server_starting", "addr", s.addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics_server_error", "error", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Debug("metrics_server_shutting_down")
	return s.server.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.addr
}
