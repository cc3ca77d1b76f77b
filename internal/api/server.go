// Package api exposes the download queue over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"streamarr/internal/analytics"
	"streamarr/internal/engine"
	"streamarr/internal/storage"
)

type Server struct {
	logger *slog.Logger
	store  *storage.Store
	engine *engine.Engine
	stats  *analytics.Service
}

func New(logger *slog.Logger, store *storage.Store, eng *engine.Engine, stats *analytics.Service) *Server {
	return &Server{logger: logger, store: store, engine: eng, stats: stats}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/downloads", func(r chi.Router) {
		r.Get("/tasks", s.listTasks)
		r.Post("/queue", s.queueTask)
		r.Post("/queue/bulk", s.queueBulk)

		r.Route("/tasks/{id}", func(r chi.Router) {
			r.Delete("/", s.deleteTask)
			r.Post("/retry", s.retryTask)
			r.Post("/pause", s.pauseTask)
			r.Post("/resume", s.resumeTask)
			r.Put("/priority", s.setPriority)
			r.Post("/move-up", s.moveUp)
			r.Post("/move-down", s.moveDown)
		})

		r.Post("/tasks/batch/{action}", s.batchAction)

		r.Get("/monitored", s.listMonitored)
		r.Post("/monitored", s.addMonitored)
		r.Delete("/monitored/{id}", s.deleteMonitored)
		r.Post("/monitored/check", s.checkMonitored)

		r.Get("/settings", s.getSettings)
		r.Put("/settings", s.putSettings)

		r.Get("/stats", s.getStats)
		r.Get("/stats/disk", s.getDiskStats)
	})

	return r
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListTasks(storage.TaskFilter{
		Status:    q.Get("status"),
		MediaType: q.Get("media_type"),
		Query:     q.Get("q"),
	})
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"total": len(tasks),
	})
}

type queueRequest struct {
	SourceID  uint   `json:"source_id"`
	MediaType string `json:"media_type"`
	MediaID   string `json:"media_id"`
	Title     string `json:"title"`
}

func (s *Server) queueTask(w http.ResponseWriter, r *http.Request) {
	var req queueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	task, created, err := s.engine.Enqueue(r.Context(), engine.EnqueueRequest{
		SourceID:  req.SourceID,
		MediaType: req.MediaType,
		MediaID:   req.MediaID,
		Title:     req.Title,
		Trigger:   true,
	})
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respond(w, status, map[string]interface{}{
		"task":    task,
		"created": created,
	})
}

type bulkQueueRequest struct {
	SourceID  uint     `json:"source_id"`
	MediaType string   `json:"media_type"`
	MediaIDs  []string `json:"media_ids"`
	Titles    []string `json:"titles"`
}

func (s *Server) queueBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if len(req.MediaIDs) == 0 {
		s.fail(w, http.StatusBadRequest, errors.New("media_ids is required"))
		return
	}
	results, err := s.engine.EnqueueBulk(r.Context(), req.SourceID, req.MediaType, req.MediaIDs, req.Titles)
	if err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"results": results})
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.CancelOrDelete(id); err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Retry(id); err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Pause(id); err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.engine.Resume(id); err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) setPriority(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.SetPriority(id, req.Priority); err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"priority": req.Priority})
}

func (s *Server) moveUp(w http.ResponseWriter, r *http.Request) {
	s.movePriority(w, r, 1)
}

func (s *Server) moveDown(w http.ResponseWriter, r *http.Request) {
	s.movePriority(w, r, -1)
}

func (s *Server) movePriority(w http.ResponseWriter, r *http.Request, delta int) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	priority, err := s.engine.MovePriority(id, delta)
	if err != nil {
		s.failNotFound(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"priority": priority})
}

func (s *Server) batchAction(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IDs []uint `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if len(req.IDs) == 0 {
		s.fail(w, http.StatusBadRequest, errors.New("ids is required"))
		return
	}

	var err error
	switch chi.URLParam(r, "action") {
	case "delete":
		err = s.store.BatchDeleteTasks(req.IDs)
	case "retry":
		err = s.engine.BatchRetry(req.IDs)
	case "pause":
		err = s.store.BatchPauseTasks(req.IDs)
	case "resume":
		err = s.engine.BatchResume(req.IDs)
	default:
		s.fail(w, http.StatusBadRequest, errors.New("unknown batch action"))
		return
	}
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"count": len(req.IDs)})
}

func (s *Server) listMonitored(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListMonitored(false)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"monitored": items})
}

func (s *Server) addMonitored(w http.ResponseWriter, r *http.Request) {
	var item storage.MonitoredMedia
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	switch item.MediaType {
	case storage.MonitorCategoryMovie, storage.MonitorCategorySeries, storage.MonitorSeries:
	default:
		s.fail(w, http.StatusBadRequest, errors.New("invalid monitored media type"))
		return
	}
	item.IsActive = true
	if err := s.store.UpsertMonitored(&item); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusCreated, item)
}

func (s *Server) deleteMonitored(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	if err := s.store.DeleteMonitored(id); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) checkMonitored(w http.ResponseWriter, r *http.Request) {
	go s.engine.RunMaintenance(context.Background())
	s.respond(w, http.StatusAccepted, map[string]string{"status": "check started"})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, settings)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.GetSettings()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	// Decode over the current row so omitted fields keep their values.
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.fail(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveSettings(&settings); err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, settings)
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	days := 7
	if v := r.URL.Query().Get("days"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			days = n
		}
	}
	stats, err := s.stats.Daily(days)
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"daily": stats})
}

func (s *Server) getDiskStats(w http.ResponseWriter, r *http.Request) {
	status, err := s.stats.Disk()
	if err != nil {
		s.fail(w, http.StatusInternalServerError, err)
		return
	}
	s.respond(w, http.StatusOK, status)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		s.fail(w, http.StatusBadRequest, errors.New("invalid id"))
		return 0, false
	}
	return uint(id), true
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, err error) {
	s.respond(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) failNotFound(w http.ResponseWriter, err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.fail(w, http.StatusNotFound, errors.New("task not found"))
		return
	}
	s.fail(w, http.StatusBadRequest, err)
}
