package httpapi

import (
	"encoding/base64"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/domain/printdna"
	"github.com/kilnfleet/kiln/internal/kerrors"
)

func (s *Service) mountPrintDNARoutes(api chi.Router) {
	api.Route("/printdna", func(r chi.Router) {
		r.Post("/fingerprint", s.handleFingerprint)
		r.Post("/record", s.handleRecordPrintAttempt)
		r.Post("/predict", s.handlePredictSettings)
	})
}

func (s *Service) decodeFingerprint(w http.ResponseWriter, r *http.Request, fileB64 string) (printdna.Fingerprint, bool) {
	raw, err := base64.StdEncoding.DecodeString(fileB64)
	if err != nil {
		writeError(w, s.Log, kerrors.Wrap(kerrors.KindValidation, "file must be base64-encoded STL data", err))
		return printdna.Fingerprint{}, false
	}
	fp, err := printdna.ComputeFingerprint(raw)
	if err != nil {
		writeError(w, s.Log, err)
		return printdna.Fingerprint{}, false
	}
	return fp, true
}

func (s *Service) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileBase64 string `json:"file_base64"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	fp, ok := s.decodeFingerprint(w, r, req.FileBase64)
	if !ok {
		return
	}
	writeOK(w, fp)
}

func (s *Service) handleRecordPrintAttempt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileBase64       string         `json:"file_base64"`
		PrinterModel     string         `json:"printer_model"`
		Material         string         `json:"material"`
		Settings         map[string]any `json:"settings"`
		Outcome          string         `json:"outcome"`
		QualityGrade     string         `json:"quality_grade"`
		FailureMode      string         `json:"failure_mode"`
		PrintTimeSeconds float64        `json:"print_time_seconds"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	fp, ok := s.decodeFingerprint(w, r, req.FileBase64)
	if !ok {
		return
	}
	err := s.PrintDNA.RecordAttempt(r.Context(), fp, req.PrinterModel, req.Material, req.Settings,
		req.Outcome, req.QualityGrade, req.FailureMode, req.PrintTimeSeconds)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, map[string]any{"recorded": true, "geometric_signature": fp.GeometricSignature})
}

func (s *Service) handlePredictSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FileBase64      string         `json:"file_base64"`
		PrinterModel    string         `json:"printer_model"`
		Material        string         `json:"material"`
		MaterialDefault map[string]any `json:"material_default"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	fp, ok := s.decodeFingerprint(w, r, req.FileBase64)
	if !ok {
		return
	}
	prediction, err := s.PrintDNA.PredictSettings(r.Context(), fp, req.PrinterModel, req.Material, req.MaterialDefault)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, prediction)
}
