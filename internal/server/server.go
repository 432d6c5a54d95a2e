// Package server exposes the job queue over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/queue"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

// JobStopper cancels the in-process execution of a running job. The
// scheduler implements it; tests can pass a stub.
type JobStopper interface {
	StopJob(id uuid.UUID) bool
}

// Server wires the HTTP API to the queue facade.
type Server struct {
	queue   *queue.Queue
	store   repository.SettingsStore
	stopper JobStopper
	cfg     *common.Config
	log     *slog.Logger
	http    *http.Server
}

func New(q *queue.Queue, store repository.SettingsStore, stopper JobStopper, cfg *common.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		queue:   q,
		store:   store,
		stopper: stopper,
		cfg:     cfg,
		log:     logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/upload", s.handleUpload)

		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/bulk-delete", s.handleBulkDelete)
		r.Post("/jobs/delete-finished", s.handleDeleteFinished)
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Delete("/", s.handleDeleteJob)
			r.Post("/cancel", s.handleCancelJob)
			r.Post("/stop", s.handleStopJob)
			r.Post("/complete-review", s.handleCompleteReview)
		})

		r.Get("/queue/stats", s.handleQueueStats)
		r.Post("/queue/cleanup", s.handleCleanup)
		r.Get("/review-queue", s.handleReviewQueue)

		r.Get("/settings", s.handleGetSettings)
		r.Post("/settings", s.handleUpdateSettings)
		r.Get("/settings/{key}", s.handleGetSetting)
		r.Put("/settings/{key}", s.handleUpdateSetting)

		r.Get("/samples", s.handleListSamples)
		r.Get("/process-sample/{filename}", s.handleProcessSample)
	})
	return r
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			s.log.Error("encode response", "error", err)
		}
	}
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	status := common.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) jobID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		return uuid.Nil, common.WrapError(common.ErrInvalidInput, "invalid job id")
	}
	return id, nil
}
