// Package prusalink implements the printer.Adapter contract against
// Prusa Link's REST API, grounded on the teacher's gjson response
// walking and *http.Client resilience wrapping (services/datafeeds).
package prusalink

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
)

// Adapter speaks to a single Prusa Link instance, authenticating with
// HTTP Digest's simpler cousin: Prusa Link accepts a flat X-Api-Key
// header exactly like OctoPrint's, so the request plumbing is shared
// in shape though the endpoints and payloads differ.
type Adapter struct {
	printer.Base

	name      string
	transport *printer.HTTPTransport
	apiKey    string
	caps      printer.Capabilities
}

func New(name, baseURL, apiKey string, timeout time.Duration) *Adapter {
	return &Adapter{
		name:      name,
		transport: printer.NewHTTPTransport(name, baseURL, timeout),
		apiKey:    apiKey,
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          false,
			CanSendGcode:        false,
			DeviceType:          printer.DeviceFDM,
			SupportedExtensions: []string{".gcode", ".bgcode"},
		},
	}
}

func (a *Adapter) Name() string                      { return a.name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

func (a *Adapter) request(ctx context.Context, method, path string, body []byte, contentType string) (*http.Response, error) {
	return a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		var r *bytes.Reader
		if body != nil {
			r = bytes.NewReader(body)
		} else {
			r = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, a.transport.BaseURL+path, r)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", a.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
}

func (a *Adapter) GetState(ctx context.Context) (printer.State, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/v1/status", nil, "")
	if err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.Bytes()

	state := printer.State{
		Connected: true,
		Tool: printer.Temp{
			Actual: gjson.GetBytes(body, "printer.temp_nozzle").Float(),
			Target: gjson.GetBytes(body, "printer.target_nozzle").Float(),
		},
		Bed: printer.Temp{
			Actual: gjson.GetBytes(body, "printer.temp_bed").Float(),
			Target: gjson.GetBytes(body, "printer.target_bed").Float(),
		},
	}
	switch strings.ToUpper(gjson.GetBytes(body, "printer.state").String()) {
	case "PRINTING":
		state.Status = printer.StatusPrinting
	case "PAUSED":
		state.Status = printer.StatusPaused
	case "FINISHED", "IDLE", "READY":
		state.Status = printer.StatusIdle
	case "ERROR", "ATTENTION":
		state.Status = printer.StatusError
	case "BUSY":
		state.Status = printer.StatusBusy
	default:
		state.Status = printer.StatusUnknown
	}
	return state, nil
}

func (a *Adapter) GetJob(ctx context.Context) (printer.JobProgress, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/v1/job", nil, "")
	if err != nil {
		return printer.JobProgress{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		return printer.JobProgress{}, nil // no active job
	}
	if resp.StatusCode != http.StatusOK {
		return printer.JobProgress{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.Bytes()

	name := gjson.GetBytes(body, "file.display_name").String()
	if name == "" {
		return printer.JobProgress{}, nil
	}
	completion := gjson.GetBytes(body, "progress").Float()
	elapsed := gjson.GetBytes(body, "time_printing").Float()
	remaining := gjson.GetBytes(body, "time_remaining").Float()
	return printer.JobProgress{
		FileName:   &name,
		Completion: &completion,
		ElapsedS:   &elapsed,
		RemainingS: &remaining,
	}, nil
}

func (a *Adapter) ListFiles(ctx context.Context) ([]printer.File, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/v1/files/usb", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.PrinterUnreachable(a.name, fmt.Errorf("status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	var files []printer.File
	gjson.GetBytes(buf.Bytes(), "children").ForEach(func(_, v gjson.Result) bool {
		files = append(files, printer.File{
			Name:     v.Get("display_name").String(),
			// Prusa Link's own storage still rewrites long names to
			// 8.3 short names for legacy firmware compatibility; the
			// short name, not the display name, is what StartPrint needs.
			RemoteID: v.Get("name").String(),
			Size:     v.Get("size").Int(),
		})
		return true
	})
	return files, nil
}

// UploadFile streams the raw file body (not multipart — Prusa Link's
// v1 upload API takes the file as the request body directly) and
// returns the 8.3 short name the device assigned, which callers must
// use for StartPrint rather than the original filename.
func (a *Adapter) UploadFile(ctx context.Context, localPath string) (printer.UploadResult, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return printer.UploadResult{}, err
	}
	defer f.Close()

	remotePath := filepath.Base(localPath)
	resp, err := a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, a.transport.BaseURL+"/api/v1/files/usb/"+remotePath, f)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", a.apiKey)
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("Overwrite", "?1")
		return req, nil
	})
	if err != nil {
		return printer.UploadResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return printer.UploadResult{}, kerrors.New(kerrors.KindPrinterBusy, "printer busy, upload rejected").
			WithDetail("printer", a.name)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return printer.UploadResult{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("upload status %d", resp.StatusCode))
	}
	shortName := resp.Header.Get("Location")
	return printer.UploadResult{RemoteName: shortName, Location: shortName}, nil
}

// StartPrint requires the 8.3 short name returned by UploadFile or
// ListFiles, not the human-readable display name — Prusa Link's
// print-start endpoint 404s on the long form.
func (a *Adapter) StartPrint(ctx context.Context, remoteName string) error {
	resp, err := a.request(ctx, http.MethodPost, "/api/v1/files/usb/"+remoteName, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return kerrors.New(kerrors.KindPrinterBusy, "printer busy, cannot start print").WithDetail("printer", a.name)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return kerrors.PrinterUnreachable(a.name, fmt.Errorf("start status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) jobCommand(ctx context.Context, action string) error {
	resp, err := a.request(ctx, http.MethodPut, "/api/v1/job/"+action, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return kerrors.New(kerrors.KindPrinterBusy, "job state conflict").WithDetail("printer", a.name).WithDetail("action", action)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return kerrors.PrinterUnreachable(a.name, fmt.Errorf("job %s status %d", action, resp.StatusCode))
	}
	return nil
}

func (a *Adapter) CancelPrint(ctx context.Context) error { return a.jobCommand(ctx, "cancel") }
func (a *Adapter) PausePrint(ctx context.Context) error  { return a.jobCommand(ctx, "pause") }
func (a *Adapter) ResumePrint(ctx context.Context) error { return a.jobCommand(ctx, "resume") }

// EmergencyStop uses Prusa Link's dedicated stop endpoint rather than
// raw G-code, since the v1 API does not expose a terminal command
// channel the way OctoPrint and Moonraker do.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	return a.jobCommand(ctx, "stop")
}

func (a *Adapter) SetToolTemp(ctx context.Context, targetC float64) error {
	return kerrors.Unsupported("can_set_temp")
}

func (a *Adapter) SetBedTemp(ctx context.Context, targetC float64) error {
	return kerrors.Unsupported("can_set_temp")
}

func (a *Adapter) SendGcode(ctx context.Context, commands []string) (bool, error) {
	return false, kerrors.Unsupported("can_send_gcode")
}

var _ printer.Adapter = (*Adapter)(nil)
