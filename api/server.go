// Package api serves the latest decoded dataset and lets operators trigger
// runs over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dhcgn/mailsheet/cache"
	"github.com/dhcgn/mailsheet/model"
	"github.com/dhcgn/mailsheet/runner"
	"github.com/dhcgn/mailsheet/stats"
	"github.com/dhcgn/mailsheet/tableview"
)

const (
	requestTimeout  = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Trigger is the subset of the runner the API drives.
type Trigger interface {
	Trigger(ctx context.Context) (string, error)
	State() (model.Stage, string)
}

type Deps struct {
	Cache       *cache.Cache
	Runner      Trigger
	Stats       *stats.Collector
	DisplayRows int
}

type Server struct {
	deps   Deps
	router *chi.Mux
	logger *slog.Logger
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if deps.Stats == nil {
		deps.Stats = stats.NewCollector()
	}
	s := &Server{deps: deps, router: chi.NewRouter(), logger: logger}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(requestTimeout))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/latest", s.handleLatest)
		r.Get("/table", s.handleTable)
		r.Get("/status", s.handleStatus)
		r.Post("/trigger", s.handleTrigger)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	entry := s.deps.Cache.Get()
	if entry == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "empty"})
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	limit := s.deps.DisplayRows
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	entry := s.deps.Cache.Get()
	if entry == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(tableview.NoData + "\n"))
		return
	}

	out, err := tableview.Render(entry.Dataset, tableview.Options{Limit: limit})
	if err != nil {
		s.logger.Error("render table failed", "runID", entry.RunID, "err", err)
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("X-Processed-At", entry.ProcessedAt.Format(time.RFC3339))
	w.Header().Set("X-Run-Id", entry.RunID)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(out))
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	runID, err := s.deps.Runner.Trigger(r.Context())
	if errors.Is(err, runner.ErrRunInProgress) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if errors.Is(err, runner.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("trigger failed", "err", err)
		writeError(w, http.StatusInternalServerError, "trigger failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

type statusResponse struct {
	State       model.Stage   `json:"state"`
	Running     bool          `json:"running"`
	CurrentRun  string        `json:"current_run,omitempty"`
	Stats       stats.Summary `json:"stats"`
	Published   uint64        `json:"published"`
	LatestRun   string        `json:"latest_run,omitempty"`
	ProcessedAt *time.Time    `json:"processed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stage, current := s.deps.Runner.State()
	resp := statusResponse{
		State:      stage,
		Running:    stage != model.StageIdle,
		CurrentRun: current,
		Stats:      s.deps.Stats.Snapshot(),
		Published:  s.deps.Cache.Publications(),
	}
	if entry := s.deps.Cache.Get(); entry != nil {
		resp.LatestRun = entry.RunID
		processedAt := entry.ProcessedAt
		resp.ProcessedAt = &processedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
