package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/domain/entitlement"
)

func (s *Service) mountEntitlementRoutes(api chi.Router) {
	api.Post("/entitlement/evaluate", s.handleEvaluateEntitlement)
}

func (s *Service) handleEvaluateEntitlement(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JTI                  string `json:"jti"`
		Tier                 string `json:"tier"`
		Version              int    `json:"version"`
		DeviceFingerprint    string `json:"device_fingerprint"`
		ClientVersion        string `json:"client_version"`
		EnforceActivationCap bool   `json:"enforce_activation_cap"`
		AutoActivateIfNeeded bool   `json:"auto_activate_if_needed"`
		RecordEvent          bool   `json:"record_event"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	decision, err := s.Entitlement.Evaluate(r.Context(), entitlement.EvaluateParams{
		JTI: req.JTI, Tier: req.Tier, Version: req.Version, DeviceFingerprint: req.DeviceFingerprint,
		IPAddressRaw: r.RemoteAddr, ClientVersion: req.ClientVersion,
		EnforceActivationCap: req.EnforceActivationCap, AutoActivateIfNeeded: req.AutoActivateIfNeeded,
		RecordEvent: req.RecordEvent,
	})
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, decision)
}
