package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer/factory"
	"github.com/kilnfleet/kiln/internal/safety"
	"github.com/kilnfleet/kiln/internal/storage"
)

func (s *Service) mountPrinterRoutes(api chi.Router) {
	api.Get("/printers", s.handleListPrinters)
	api.Post("/printers", s.handleConnectPrinter)
	api.Route("/printers/{name}", func(r chi.Router) {
		r.Delete("/", s.handleDisconnectPrinter)
		r.Get("/status", s.handlePrinterStatus)
		r.Post("/upload", s.handleUpload)
		r.Post("/print", s.handleStartPrint)
		r.Post("/cancel", s.handleCancel)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Get("/files", s.handleListFiles)
		r.Post("/temp", s.handleSetTemp)
		r.Post("/gcode", s.handleSendGcode)
		r.Get("/snapshot", s.handleSnapshot)
		r.Post("/emergency-stop", s.handleEmergencyStop)
	})
	api.Post("/fleet/emergency-stop", s.handleFleetStop)
}

func (s *Service) resolveAdapter(w http.ResponseWriter, r *http.Request) (name string, ok bool) {
	name = chi.URLParam(r, "name")
	if _, err := s.Registry.Get(name); err != nil {
		writeError(w, s.Log, err)
		return "", false
	}
	return name, true
}

func (s *Service) handleListPrinters(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Registry.List())
}

// handleConnectPrinter backs the CLI `connect`/`init` verbs: it
// resolves (or stores) the vendor credential, builds the concrete
// adapter for the requested backend via the factory, and registers it.
// The plaintext secret is never echoed back or persisted outside the
// credential store.
func (s *Service) handleConnectPrinter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          string `json:"name"`
		Backend       string `json:"backend"`
		Host          string `json:"host"`
		APIKey        string `json:"api_key"`
		CredentialRef string `json:"credential_id"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if req.Name == "" || req.Backend == "" || req.Host == "" {
		writeError(w, s.Log, kerrors.New(kerrors.KindValidation, "name, backend, and host are required"))
		return
	}

	secret := req.APIKey
	var credRef *string
	switch {
	case req.CredentialRef != "":
		plaintext, err := s.Credentials.Retrieve(r.Context(), req.CredentialRef)
		if err != nil {
			writeError(w, s.Log, err)
			return
		}
		secret = plaintext
		credRef = &req.CredentialRef
	case req.APIKey != "":
		id, err := s.Credentials.Store(r.Context(), "printer_api_key", req.Name, req.APIKey)
		if err != nil {
			writeError(w, s.Log, err)
			return
		}
		credRef = &id
	}

	record := &storage.Printer{
		Name:      req.Name,
		Backend:   storage.PrinterBackend(req.Backend),
		Host:      req.Host,
		APIKeyRef: credRef,
	}
	adapter, err := factory.Build(record, secret, 30*time.Second)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	if err := s.Registry.Register(r.Context(), req.Name, adapter, record); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, record)
}

func (s *Service) handleDisconnectPrinter(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.Registry.Unregister(r.Context(), name); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"disconnected": true})
}

func (s *Service) handlePrinterStatus(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	state, err := adapter.GetState(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	job, err := adapter.GetJob(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"state": state, "job": job})
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	var req struct {
		LocalPath string `json:"local_path"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	adapter, _ := s.Registry.Get(name)
	result, err := adapter.UploadFile(r.Context(), req.LocalPath)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeCreated(w, result)
}

func (s *Service) handleStartPrint(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	var req struct {
		RemoteName     string `json:"remote_name"`
		SkipIfPrinting bool   `json:"skip_if_printing"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	if req.RemoteName == "" {
		writeError(w, s.Log, kerrors.New(kerrors.KindValidation, "remote_name is required"))
		return
	}
	adapter, _ := s.Registry.Get(name)
	if req.SkipIfPrinting {
		state, err := adapter.GetState(r.Context())
		if err == nil && state.Status == "printing" {
			writeOK(w, map[string]any{"skipped": true})
			return
		}
	}
	if err := adapter.StartPrint(r.Context(), req.RemoteName); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"started": true})
}

func (s *Service) handleCancel(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	if err := adapter.CancelPrint(r.Context()); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"cancelled": true})
}

func (s *Service) handlePause(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	if err := adapter.PausePrint(r.Context()); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"paused": true})
}

func (s *Service) handleResume(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	if err := adapter.ResumePrint(r.Context()); err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"resumed": true})
}

func (s *Service) handleListFiles(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	files, err := adapter.ListFiles(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, files)
}

func (s *Service) handleSetTemp(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	var req struct {
		ToolC *float64 `json:"tool_c"`
		BedC  *float64 `json:"bed_c"`
		Off   bool     `json:"off"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	adapter, _ := s.Registry.Get(name)
	if req.Off {
		if err := adapter.SetToolTemp(r.Context(), 0); err != nil {
			writeError(w, s.Log, err)
			return
		}
		if err := adapter.SetBedTemp(r.Context(), 0); err != nil {
			writeError(w, s.Log, err)
			return
		}
		writeOK(w, map[string]any{"off": true})
		return
	}
	if req.ToolC != nil {
		if err := adapter.SetToolTemp(r.Context(), *req.ToolC); err != nil {
			writeError(w, s.Log, err)
			return
		}
	}
	if req.BedC != nil {
		if err := adapter.SetBedTemp(r.Context(), *req.BedC); err != nil {
			writeError(w, s.Log, err)
			return
		}
	}
	writeOK(w, map[string]any{"set": true})
}

func (s *Service) handleSendGcode(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	var req struct {
		Commands []string `json:"commands"`
	}
	if !decodeJSON(w, r, s.Log, &req) {
		return
	}
	adapter, _ := s.Registry.Get(name)
	delivered, err := adapter.SendGcode(r.Context(), req.Commands)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, map[string]any{"delivered": delivered})
}

func (s *Service) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	adapter, _ := s.Registry.Get(name)
	data, err := adapter.GetSnapshot(r.Context())
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func (s *Service) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	name, ok := s.resolveAdapter(w, r)
	if !ok {
		return
	}
	rec, err := s.Safety.EmergencyStop(r.Context(), name, safety.ReasonManual)
	if err != nil {
		writeError(w, s.Log, err)
		return
	}
	writeOK(w, rec)
}

func (s *Service) handleFleetStop(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.Safety.FleetStop(r.Context(), safety.ReasonManual))
}
