// Package server exposes the tracker's read-only operations endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/aluiziolira/go-price-tracker/fetchcache"
	"github.com/aluiziolira/go-price-tracker/models"
	"github.com/aluiziolira/go-price-tracker/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultHistoryDays = 30
	maxHistoryDays     = 3650
)

// Store is the read side of storage the endpoints use.
type Store interface {
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (models.Stats, error)
	GetProduct(ctx context.Context, id string) (models.Product, error)
	GetHistory(ctx context.Context, productID string, sinceDays int) ([]models.PriceObservation, error)
	Trend(ctx context.Context, productID string, days int) (models.Trend, error)
	RecentAlerts(ctx context.Context, kind models.AlertKind, days int) ([]models.Alert, error)
}

// CacheInspector is satisfied by *fetchcache.Cache.
type CacheInspector interface {
	Snapshot() fetchcache.Snapshot
}

// SweepStatus is satisfied by *scheduler.Scheduler.
type SweepStatus interface {
	Running() bool
}

// Deps are the collaborators behind the endpoints. Cache and Sweeps are optional.
type Deps struct {
	Store    Store
	Cache    CacheInspector
	Sweeps   SweepStatus
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server serves the operations API.
type Server struct {
	deps   Deps
	router chi.Router
}

// New wires the routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	r.Get("/stats", s.handleStats)
	r.Get("/alerts", s.handleAlerts)
	r.Route("/products/{id}", func(r chi.Router) {
		r.Get("/", s.handleProduct)
		r.Get("/history", s.handleHistory)
		r.Get("/trend", s.handleTrend)
	})
	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.deps.Logger.Info("ops server listening", slog.String("addr", addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	models.Stats
	SweepRunning bool                 `json:"sweep_running"`
	Cache        *fetchcache.Snapshot `json:"cache,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.GetStats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	resp := statsResponse{Stats: stats}
	if s.deps.Sweeps != nil {
		resp.SweepRunning = s.deps.Sweeps.Running()
	}
	if s.deps.Cache != nil {
		snap := s.deps.Cache.Snapshot()
		resp.Cache = &snap
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	days, err := daysParam(r, 7)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	kind := models.AlertKind(r.URL.Query().Get("kind"))
	alerts, err := s.deps.Store.RecentAlerts(r.Context(), kind, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	s.writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.deps.Store.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	days, err := daysParam(r, defaultHistoryDays)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.deps.Store.GetProduct(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	history, err := s.deps.Store.GetHistory(r.Context(), id, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []models.PriceObservation{}
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleTrend(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	days, err := daysParam(r, defaultHistoryDays)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if _, err := s.deps.Store.GetProduct(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	trend, err := s.deps.Store.Trend(r.Context(), id, days)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, trend)
}

func daysParam(r *http.Request, fallback int) (int, error) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return fallback, nil
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 0 || days > maxHistoryDays {
		return 0, fmt.Errorf("days must be an integer between 0 and %d", maxHistoryDays)
	}
	return days, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	s.writeError(w, http.StatusInternalServerError, err)
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.deps.Logger.Error("ops request failed", slog.Any("error", err))
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Debug("write response", slog.Any("error", err))
	}
}
