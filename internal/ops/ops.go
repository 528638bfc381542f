// StreamSentry - Media Server Session Monitoring and Anomaly Detection
// Copyright 2026 StreamSentry contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamsentry/streamsentry

// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, and the import job-queue endpoints. The dashboard API proper
// lives outside the core; this listener exists for operators and probes.
package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/streamsentry/streamsentry/internal/coordination"
	"github.com/streamsentry/streamsentry/internal/importer"
	"github.com/streamsentry/streamsentry/internal/logging"
	"github.com/streamsentry/streamsentry/internal/metrics"
	"github.com/streamsentry/streamsentry/internal/models"
)

// Config tunes the ops listener.
type Config struct {
	Addr              string
	RequestsPerMinute int
}

// HealthReader reads per-server health flags.
type HealthReader interface {
	ServerHealth(serverID string) (healthy, known bool, err error)
}

// Server is the ops HTTP service.
type Server struct {
	cfg     Config
	queue   *importer.Queue
	coord   *coordination.Coordinator
	health  HealthReader
	servers []models.ConnectedServer
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New constructs the ops server.
func New(cfg Config, queue *importer.Queue, coord *coordination.Coordinator, health HealthReader, servers []models.ConnectedServer, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		queue:   queue,
		coord:   coord,
		health:  health,
		servers: servers,
		metrics: m,
		log:     logging.With().Str("component", "ops").Logger(),
	}
}

// Serve implements suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("ops listener started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) String() string { return "ops-server" }

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if s.cfg.RequestsPerMinute > 0 {
		r.Use(httprate.LimitByIP(s.cfg.RequestsPerMinute, time.Minute))
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	r.Route("/imports", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Get("/", s.handleList)
		r.Get("/stats", s.handleStats)
		r.Get("/{id}", s.handleGet)
		r.Post("/{id}/cancel", s.handleCancel)
	})
	r.Get("/locks/heavy", s.handleHeavyOp)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type serverHealth struct {
		ID      string `json:"id"`
		Healthy *bool  `json:"healthy"` // null = unknown
	}
	out := struct {
		Status  string         `json:"status"`
		Servers []serverHealth `json:"servers"`
	}{Status: "ok", Servers: make([]serverHealth, 0, len(s.servers))}

	for _, srv := range s.servers {
		sh := serverHealth{ID: srv.ID}
		healthy, known, err := s.health.ServerHealth(srv.ID)
		if err == nil && known {
			h := healthy
			sh.Healthy = &h
		}
		out.Servers = append(out.Servers, sh)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Source   models.ImportSource `json:"source"`
		ServerID string              `json:"server_id"`
		Path     string              `json:"path"`
		DryRun   bool                `json:"dry_run"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.queue.Enqueue(req.Source, req.ServerID, req.Path, req.DryRun)
	switch {
	case errors.Is(err, importer.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	jobs, err := s.queue.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats, err := s.queue.Stats()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "id"))
	if errors.Is(err, importer.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Cancel(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, importer.ErrJobNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, importer.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleHeavyOp(w http.ResponseWriter, _ *http.Request) {
	holder, held, err := s.coord.CurrentHeavyOp()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !held {
		writeJSON(w, http.StatusOK, map[string]bool{"held": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"held": true, "holder": holder})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
