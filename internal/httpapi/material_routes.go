package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Service) mountMaterialRoutes(api chi.Router) {
	api.Get("/materials/substitutes", s.handleFindSubstitutes)
}

func (s *Service) handleFindSubstitutes(w http.ResponseWriter, r *http.Request) {
	original := r.URL.Query().Get("material")
	deviceType := r.URL.Query().Get("device_type")
	if deviceType == "" {
		deviceType = "fdm"
	}
	writeOK(w, s.Materials.FindSubstitutes(original, deviceType))
}
