// Package collector implements the event ingestion HTTP surface.
//
// POST /collect validates and publishes learner event batches onto the
// broker, falling back to the disk spool during outages. Rejected events
// are dead-lettered with reasons, never silently dropped.
package collector

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lumilearn/backend/internal/broker"
	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/middleware"
	"github.com/lumilearn/backend/internal/monitoring"
	"github.com/lumilearn/backend/internal/spool"
)

// Server wires the ingestion handler, its middleware, and the spool
// sweeper into an http.Server.
type Server struct {
	cfg     config.CollectorConfig
	client  broker.Client
	spool   *spool.Spool
	sweeper *spool.Sweeper
	metrics *monitoring.Metrics
	router  *mux.Router
}

// New assembles the collector service.
func New(cfg config.CollectorConfig, client broker.Client, sp *spool.Spool, metrics *monitoring.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		client:  client,
		spool:   sp,
		metrics: metrics,
	}

	s.sweeper = spool.NewSweeper(sp, client, cfg.EventsTopic, cfg.SweepInterval)
	s.sweeper.OnReplay = func(n int) {
		metrics.KafkaWrites(n)
		metrics.BufferedEvents(-n)
	}
	s.sweeper.OnExpire = func() {
		slog.Warn("spool segment aged out before broker recovery")
	}

	r := mux.NewRouter()
	limiter := middleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitBurst)
	r.Handle("/collect", limiter.Middleware(http.HandlerFunc(s.handleCollect))).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	r.Handle("/metrics/prometheus", promhttp.HandlerFor(
		prometheus.DefaultGatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.Use(loggingMiddleware)
	s.router = r

	return s
}

// Router exposes the handler for tests and for the main's http.Server.
func (s *Server) Router() http.Handler { return s.router }

// Run serves until ctx is canceled, then drains with a grace deadline.
// The spool sweeper runs alongside and stops with the server; segments
// still on disk at shutdown are the recovery log and stay put.
func (s *Server) Run(ctx context.Context) error {
	go s.sweeper.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + s.cfg.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("collector listening", "port", s.cfg.Port, "topic", s.cfg.EventsTopic)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	connected := s.client.Healthy(ctx)
	status := "healthy"
	if !connected {
		status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":             status,
		"kafka_connected":    connected,
		"buffer_status":      s.spool.Stats(),
		"throughput_metrics": s.metrics.Snapshot(),
		"uptime_seconds":     s.metrics.UptimeSeconds(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.metrics.Snapshot())
}

// apiError is the structured error shape of every non-2xx response.
type apiError struct {
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiError{
		ErrorCode:    code,
		ErrorMessage: msg,
		Timestamp:    time.Now().UTC(),
		RequestID:    uuid.New().String(),
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http request", "method", r.Method, "path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds())
	})
}
