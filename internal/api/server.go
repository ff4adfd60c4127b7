// Package api exposes the webhook receiver and job control endpoints over
// HTTP. Handlers stay thin: state machine rules live in the store and the
// campaign runner, and the dispatcher owns webhook ack semantics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/outreach-cli/internal/campaign"
	"github.com/sells-group/outreach-cli/internal/dispatch"
	"github.com/sells-group/outreach-cli/internal/model"
	"github.com/sells-group/outreach-cli/internal/store"
	"github.com/sells-group/outreach-cli/internal/template"
)

// Server wires HTTP handlers for the outreach control API.
type Server struct {
	store      store.Store
	runner     *campaign.Runner
	dispatcher *dispatch.Dispatcher
}

// New constructs the API server.
func New(st store.Store, runner *campaign.Runner, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{store: st, runner: runner, dispatcher: dispatcher}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/webhook/events", s.handleWebhook)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/start", s.handleStartJob)
	r.Post("/jobs/{id}/pause", s.handlePauseJob)
	r.Post("/jobs/{id}/resume", s.handleResumeJob)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)

	r.Get("/leads", s.handleListLeads)
	r.Get("/leads/{id}", s.handleGetLead)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook acknowledges every event the dispatcher settles, including
// replays and events for unknown leads. Only unparsable payloads get a 400
// and only infrastructure failures get a 500, which tells the provider to
// redeliver.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var evt dispatch.Event
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.Handle(r.Context(), evt); err != nil {
		zap.L().Error("webhook event not applied", zap.String("kind", evt.Kind), zap.Error(err))
		http.Error(w, "event not applied", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

type createJobRequest struct {
	Template string        `json:"template"`
	Channel  model.Channel `json:"channel"`
	LeadIDs  []int64       `json:"lead_ids"`
	Start    bool          `json:"start"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Template == "" {
		http.Error(w, "template is required", http.StatusBadRequest)
		return
	}
	if len(req.LeadIDs) == 0 {
		http.Error(w, "lead_ids is required", http.StatusBadRequest)
		return
	}

	job, err := s.runner.Create(r.Context(), req.Template, req.Channel, req.LeadIDs)
	if err != nil {
		if errors.Is(err, store.ErrValidation) || errors.Is(err, template.ErrNotDefined) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, err)
		return
	}

	if req.Start {
		// Delivery runs in the background; progress is polled via GET /jobs/{id}.
		go func() {
			if _, err := s.runner.Start(context.WithoutCancel(r.Context()), job.ID); err != nil {
				zap.L().Error("job run failed", zap.Int64("job_id", job.ID), zap.Error(err))
			}
		}()
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{Status: model.JobStatus(r.URL.Query().Get("status"))}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}

	jobs, err := s.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	items, err := s.store.ListJobItems(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "items": items})
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, s.runner.Start)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.runJob(w, r, s.runner.Resume)
}

// runJob kicks off delivery in the background and returns the accepted job.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, jobID int64) (*model.BulkJob, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	go func() {
		if _, err := run(context.WithoutCancel(r.Context()), id); err != nil {
			zap.L().Error("job run failed", zap.Int64("job_id", id), zap.Error(err))
		}
	}()

	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.runner.Pause(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.runner.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListLeads(w http.ResponseWriter, r *http.Request) {
	filter := store.LeadFilter{
		Status: model.DeliveryStatus(r.URL.Query().Get("status")),
		Source: r.URL.Query().Get("source"),
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = offset
	}

	leads, err := s.store.ListLeads(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leads": leads})
}

func (s *Server) handleGetLead(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	lead, err := s.store.GetLead(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	activity, err := s.store.ListActivity(r.Context(), id, 50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lead": lead, "activity": activity})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case store.IsNotFound(err):
		http.Error(w, "not found", http.StatusNotFound)
	case store.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
