package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/storage"
)

func (s *Service) mountQueueRoutes(api chi.Router) {
	api.Route("/queue", func(r chi.Router) {
		r.Get("/", s.handleQueueSummary)
		r.Post("/jobs", s.handleSubmitJob)
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	})
}

// handleListJobs backs the CLI `history [--status S] [--limit N]` verb.
func (s *Service) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := storage.JobStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, s.Log, kerrors.Validation("limit", "must be an integer"))
			return
		}
		limit = n
	}
	writeOK(w, s.Queue.List(status, limit))
}

func (s *Service) handleQueueSummary(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Queue.Summary())
}

func (s *Service) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileName    string         `json:"file_name"`
		PrinterName *string        `json:"printer_name"`
		Priority    int            `json:"priority"`
		SubmittedBy string         `json:"submitted_by"`
		Metadata    map[string]any `json:"metadata"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	job, err := s.Queue.Submit(r.Context(), req.FileName, req.PrinterName, req.Priority, req.SubmittedBy, req.Metadata)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, job)
}

func (s *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, ok := s.Queue.Get(id)
	if !ok {
		writeError(w, s.Log, kerrors.New(kerrors.KindNotFound, "job not found").WithDetail("job_id", id))
		return
	}
	writeOK(w, job)
}

func (s *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Queue.MarkCancelled(r.Context(), id)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, job)
}
