// Package server exposes run triggering and the sync log over HTTP.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vonshlovens/pagesync/internal/model"
	pagesync "github.com/vonshlovens/pagesync/internal/sync"
)

// Runner is the run coordinator surface served over HTTP.
type Runner interface {
	Run(ctx context.Context, sel model.Selector) (*pagesync.RunResult, error)
	RunSummary(ctx context.Context, runID string) (*pagesync.RunSummary, error)
	PageHistory(ctx context.Context, pageID string) ([]model.LogEntry, error)
	LastRun() *pagesync.RunState
}

// StatusProvider reports backend counters for /status.
type StatusProvider interface {
	GetStatus(ctx context.Context) (*model.StoreStatus, error)
}

// Options configures a Server.
type Options struct {
	APIKey     string
	Selector   model.Selector // used when a sync request names no site or notebook
	Status     StatusProvider
	RunTimeout time.Duration
}

// Server is the HTTP front door.
type Server struct {
	runner Runner
	opts   Options
	router chi.Router
}

// New creates a new server.
func New(runner Runner, opts Options) *Server {
	s := &Server{runner: runner, opts: opts}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/sync", s.handleSync)
		r.Get("/runs/{runID}", s.handleRun)
		r.Get("/pages/{pageID}/history", s.handlePageHistory)
		r.Get("/status", s.handleStatus)
	})

	s.router = r
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		slog.Info("server stopped")
		return nil
	}
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" {
			key := r.Header.Get("X-API-KEY")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.opts.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid or missing API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	sel := s.opts.Selector
	var req struct {
		Site     string `json:"site"`
		Notebook string `json:"notebook"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Site != "" {
		sel.Site = req.Site
	}
	if req.Notebook != "" {
		sel.Notebook = req.Notebook
	}

	// The pass outlives a dropped client connection
	ctx := context.WithoutCancel(r.Context())
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	res, err := s.runner.Run(ctx, sel)
	switch {
	case errors.Is(err, pagesync.ErrRunInProgress):
		writeJSON(w, http.StatusConflict, res)
	case res != nil && res.Status == pagesync.StatusFailed:
		writeJSON(w, http.StatusInternalServerError, res)
	case res != nil:
		writeJSON(w, http.StatusOK, res)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	summary, err := s.runner.RunSummary(r.Context(), runID)
	if err != nil {
		slog.Error("failed to load run", "run_id", runID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handlePageHistory(w http.ResponseWriter, r *http.Request) {
	pageID := chi.URLParam(r, "pageID")
	entries, err := s.runner.PageHistory(r.Context(), pageID)
	if err != nil {
		slog.Error("failed to load page history", "page_id", pageID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load page history")
		return
	}
	if len(entries) == 0 {
		writeError(w, http.StatusNotFound, "no history for page")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page_id": pageID,
		"entries": entries,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"last_run": s.runner.LastRun()}
	if s.opts.Status != nil {
		st, err := s.opts.Status.GetStatus(r.Context())
		if err != nil {
			slog.Warn("failed to read store status", "error", err)
			st = &model.StoreStatus{Connected: false}
		}
		resp["store"] = st
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
