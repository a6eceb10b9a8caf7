package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/internal/kerrors"
)

func (s *Service) mountWatcherRoutes(api chi.Router) {
	api.Route("/watchers", func(r chi.Router) {
		r.Post("/{printer}", s.handleStartWatch)
		r.Get("/{id}", s.handleWatchStatus)
		r.Post("/{id}/stop", s.handleStopWatch)
	})
}

func (s *Service) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	printerName := chi.URLParam(r, "printer")
	adapter, err := s.Registry.Get(printerName)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	var req struct {
		WatchID         string `json:"watch_id"`
		PollIntervalS   int    `json:"poll_interval_s"`
		TimeoutS        int    `json:"timeout_s"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if req.WatchID == "" {
		writeError(w, s.Log, kerrors.New(kerrors.KindValidation, "watch_id is required"))
		return
	}
	poll := 5 * time.Second
	if req.PollIntervalS > 0 {
		poll = time.Duration(req.PollIntervalS) * time.Second
	}
	timeout := 24 * time.Hour
	if req.TimeoutS > 0 {
		timeout = time.Duration(req.TimeoutS) * time.Second
	}
	s.Watchers.Start(r.Context(), req.WatchID, printerName, adapter, poll, timeout, s.Bus, s.Log)
	writeCreated(w, map[string]any{"watch_id": req.WatchID})
}

func (s *Service) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	watcher, ok := s.Watchers.Get(id)
	if !ok {
		writeError(w, s.Log, kerrors.New(kerrors.KindNotFound, "watch not found").WithDetail("watch_id", id))
		return
	}
	writeOK(w, watcher.Status())
}

func (s *Service) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status, err := s.Watchers.Stop(id)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, status)
}
