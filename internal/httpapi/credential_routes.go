package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Service) mountCredentialRoutes(api chi.Router) {
	api.Route("/credentials", func(r chi.Router) {
		r.Get("/", s.handleListCredentials)
		r.Post("/", s.handleStoreCredential)
		r.Delete("/{id}", s.handleDeleteCredential)
	})
}

func (s *Service) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	creds, err := s.Credentials.List(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, creds)
}

func (s *Service) handleStoreCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Label string `json:"label"`
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	id, err := s.Credentials.Store(r.Context(), req.Type, req.Label, req.Value)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, map[string]any{"credential_id": id})
}

func (s *Service) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.Credentials.Delete(r.Context(), id); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"deleted": true})
}
