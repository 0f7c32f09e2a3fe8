// Package api exposes the HTTP surface: the storage webhook, on-demand
// pipeline triggers, and the operator monitor endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scoutops/scout-ingest/internal/config"
	"github.com/scoutops/scout-ingest/internal/dispatch"
	"github.com/scoutops/scout-ingest/internal/enqueue"
	"github.com/scoutops/scout-ingest/internal/model"
	"github.com/scoutops/scout-ingest/internal/monitor"
)

// DeadLetterRetrier is the operator requeue action.
type DeadLetterRetrier interface {
	RetryDeadLetters(ctx context.Context) (int, error)
}

// Server wires the pipeline components behind HTTP.
type Server struct {
	cfg        *config.Config
	enqueuer   *enqueue.Enqueuer
	dispatcher *dispatch.Dispatcher
	mon        *monitor.Monitor
	retrier    DeadLetterRetrier
	registry   *prometheus.Registry
	logger     *slog.Logger
	server     *http.Server
	once       sync.Once
}

// New constructs a Server.
func New(cfg *config.Config, enq *enqueue.Enqueuer, disp *dispatch.Dispatcher, mon *monitor.Monitor, retrier DeadLetterRetrier, registry *prometheus.Registry, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		enqueuer:   enq,
		dispatcher: disp,
		mon:        mon,
		retrier:    retrier,
		registry:   registry,
		logger:     logger,
	}
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", s.handleHealth)
		mux.HandleFunc("/events", s.handleEvent)
		mux.HandleFunc("/process", s.handleProcess)
		mux.HandleFunc("/dead-letters/retry", s.handleRetryDead)
		mux.HandleFunc("/status", s.handleStatus)
		mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: loggingMiddleware(mux),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	s.logger.Info("api listening", slog.String("address", s.cfg.Address))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvent receives storage arrival webhooks. Delivery is
// at-least-once, so duplicates are expected and answered 200 like
// first sightings; the payload says whether a queue row was created.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var n model.Notification
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		http.Error(w, "invalid notification payload", http.StatusBadRequest)
		return
	}
	enqueued, err := s.enqueuer.HandleNotification(r.Context(), n)
	if err != nil {
		s.logger.Error("enqueue failed", slog.String("key", n.Key), slog.Any("error", err))
		http.Error(w, "enqueue failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"enqueued": enqueued})
}

// handleProcess runs one dispatch cycle on demand; the external scheduler
// or an operator calls this.
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := s.cfg.BatchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	res, err := s.dispatcher.ProcessBatch(r.Context(), limit)
	if err != nil {
		if errors.Is(err, dispatch.ErrBreakerOpen) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("process batch failed", slog.Any("error", err))
		http.Error(w, "process batch failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRetryDead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	requeued, err := s.retrier.RetryDeadLetters(r.Context())
	if err != nil {
		s.logger.Error("retry dead letters failed", slog.Any("error", err))
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"requeued_count": requeued})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, err := s.mon.Status(r.Context())
	if err != nil {
		s.logger.Error("status query failed", slog.Any("error", err))
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
