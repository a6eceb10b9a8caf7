package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/safety"
)

func (s *Service) mountSafetyRoutes(api chi.Router) {
	api.Get("/safety/history", s.handleSafetyHistory)
	api.Post("/safety/interlocks/{printer}/{name}", s.handleSetInterlock)
	api.Post("/safety/preflight", s.handlePreflight)
}

// handlePreflight backs the CLI `preflight [file]` verb.
func (s *Service) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PrinterName   string   `json:"printer_name"`
		Material      *string  `json:"material"`
		TargetHotendC *float64 `json:"target_hotend_c"`
		TargetBedC    *float64 `json:"target_bed_c"`
		ToleranceC    float64  `json:"tolerance_c"`
		File          string   `json:"file"`
		GcodeSafetyOK bool     `json:"gcode_safety_ok"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if req.PrinterName == "" {
		writeError(w, s.Log, kerrors.Validation("printer_name", "required"))
		return
	}
	adapter, err := s.Registry.Get(req.PrinterName)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	in := safety.PreflightInput{
		Material:      req.Material,
		TargetHotendC: req.TargetHotendC,
		TargetBedC:    req.TargetBedC,
		ToleranceC:    req.ToleranceC,
		HasSlicedFile: req.File != "",
		GcodeSafetyOK: req.GcodeSafetyOK,
	}
	if err := s.Safety.Preflight(r.Context(), req.PrinterName, adapter, in); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"ready": true})
}

func (s *Service) handleSafetyHistory(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Safety.History())
}

func (s *Service) handleSetInterlock(w http.ResponseWriter, r *http.Request) {
	printerName := chi.URLParam(r, "printer")
	name := chi.URLParam(r, "name")
	var req struct {
		Engaged  bool `json:"engaged"`
		Critical bool `json:"critical"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if err := s.Safety.SetInterlock(r.Context(), printerName, name, req.Engaged, req.Critical); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"set": true})
}
