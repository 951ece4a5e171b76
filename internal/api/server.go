// Package api exposes the cell's command surface and read contract over HTTP
// and streams its status over a websocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"codeberg.org/mutker/hardensim/internal/cell"
	"codeberg.org/mutker/hardensim/internal/errors"
	"codeberg.org/mutker/hardensim/internal/logger"
	"codeberg.org/mutker/hardensim/internal/metrics"
	"github.com/gorilla/mux"
)

const shutdownTimeout = 5 * time.Second

// Config configures the HTTP surface.
type Config struct {
	Listen         string
	StreamInterval time.Duration
	// Batch defaults applied when a request leaves a field at zero.
	TargetRows  int
	AnomalyRate float64
}

// Server represents the API server
type Server struct {
	cell    *cell.Cell
	cfg     Config
	router  *mux.Router
	hub     *Hub
	metrics *metrics.Exporter
	log     logger.Logger
}

// NewServer creates a new API server
func NewServer(c *cell.Cell, cfg Config) *Server {
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 500 * time.Millisecond
	}

	s := &Server{
		cell:    c,
		cfg:     cfg,
		router:  mux.NewRouter(),
		hub:     NewHub(c, cfg.StreamInterval),
		metrics: metrics.NewExporter(c),
		log:     logger.New("api"),
	}
	s.setupRoutes()

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	s.router.Handle("/ws", s.hub).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware)

	// Commands
	v1.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	v1.HandleFunc("/stop", s.handleStop).Methods(http.MethodPost)
	v1.HandleFunc("/repair", s.handleRepair).Methods(http.MethodPost)
	v1.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	v1.HandleFunc("/faults", s.handleInjectFault).Methods(http.MethodPost)
	v1.HandleFunc("/drift", s.handleStartDrift).Methods(http.MethodPost)
	v1.HandleFunc("/override", s.handleOverride).Methods(http.MethodPut)
	v1.HandleFunc("/policy", s.handlePolicy).Methods(http.MethodPut)
	v1.HandleFunc("/batch", s.handleBatch).Methods(http.MethodPost)

	// Reads
	v1.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	v1.HandleFunc("/samples", s.handleSamples).Methods(http.MethodGet)
	v1.HandleFunc("/samples/latest", s.handleLatest).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	v1.HandleFunc("/counters", s.handleCounters).Methods(http.MethodGet)
	v1.HandleFunc("/drift", s.handleDrift).Methods(http.MethodGet)
	v1.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("listen", s.cfg.Listen).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return errors.New().Wrap(errors.ErrInitFailed, err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.New().Wrap(errors.ErrShutdownFailed, err)
	}
	s.log.Info().Msg("HTTP server stopped")

	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}) //nolint:errcheck
}

func respondError(w http.ResponseWriter, err error) {
	code := errors.CodeOf(err)
	w.WriteHeader(httpStatus(code))
	json.NewEncoder(w).Encode(apiResponse{ //nolint:errcheck
		Success: false,
		Error:   errors.ReasonOf(err),
		Code:    string(code),
	})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrValidation, errors.ErrInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrConflict:
		return http.StatusConflict
	case errors.ErrPhysicsInvariant:
		return http.StatusUnprocessableEntity
	case errors.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
