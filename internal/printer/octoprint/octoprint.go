// Package octoprint implements the printer.Adapter contract against
// OctoPrint's REST API, grounded on the teacher's gjson-driven response
// walking in services/datafeeds (datafeeds.go) and its *http.Client
// resilience wrapping.
package octoprint

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
)

// Adapter speaks to a single OctoPrint instance over its X-Api-Key
// authenticated REST API.
type Adapter struct {
	printer.Base

	name      string
	transport *printer.HTTPTransport
	apiKey    string
	caps      printer.Capabilities
}

// New builds an OctoPrint adapter for the instance at baseURL.
func New(name, baseURL, apiKey string, timeout time.Duration) *Adapter {
	return &Adapter{
		name:      name,
		transport: printer.NewHTTPTransport(name, baseURL, timeout),
		apiKey:    apiKey,
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanStream:           true,
			CanSnapshot:         true,
			DeviceType:          printer.DeviceFDM,
			SupportedExtensions: []string{".gcode", ".gco", ".g"},
		},
	}
}

func (a *Adapter) Name() string                       { return a.name }
func (a *Adapter) Capabilities() printer.Capabilities  { return a.caps }

func (a *Adapter) request(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
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
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})
}

// GetState maps OctoPrint's /api/printer to the canonical State.
// Connection failures are reported as an offline State rather than
// propagated, since polling is expected to hit unreachable printers.
func (a *Adapter) GetState(ctx context.Context) (printer.State, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/printer", nil)
	if err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// printer not yet operational
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return printer.State{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("status %d", resp.StatusCode))
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return printer.State{}, kerrors.PrinterUnreachable(a.name, err)
	}
	body := buf.Bytes()

	flags := gjson.GetBytes(body, "state.flags")
	state := printer.State{
		Connected: true,
		Tool: printer.Temp{
			Actual: gjson.GetBytes(body, "temperature.tool0.actual").Float(),
			Target: gjson.GetBytes(body, "temperature.tool0.target").Float(),
		},
		Bed: printer.Temp{
			Actual: gjson.GetBytes(body, "temperature.bed.actual").Float(),
			Target: gjson.GetBytes(body, "temperature.bed.target").Float(),
		},
	}
	switch {
	case flags.Get("printing").Bool():
		state.Status = printer.StatusPrinting
	case flags.Get("cancelling").Bool():
		state.Status = printer.StatusCancelling
	case flags.Get("paused").Bool():
		state.Status = printer.StatusPaused
	case flags.Get("error").Bool():
		state.Status = printer.StatusError
	case flags.Get("ready").Bool():
		state.Status = printer.StatusIdle
	default:
		state.Status = printer.StatusUnknown
	}
	return state, nil
}

func (a *Adapter) GetJob(ctx context.Context) (printer.JobProgress, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/job", nil)
	if err != nil {
		return printer.JobProgress{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return printer.JobProgress{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.Bytes()

	name := gjson.GetBytes(body, "job.file.name")
	if !name.Exists() || name.String() == "" {
		return printer.JobProgress{}, nil
	}
	fname := name.String()
	completion := gjson.GetBytes(body, "progress.completion")
	elapsed := gjson.GetBytes(body, "progress.printTime")
	remaining := gjson.GetBytes(body, "progress.printTimeLeft")

	jp := printer.JobProgress{FileName: &fname}
	if completion.Exists() {
		v := completion.Float()
		jp.Completion = &v
	}
	if elapsed.Exists() {
		v := elapsed.Float()
		jp.ElapsedS = &v
	}
	if remaining.Exists() {
		v := remaining.Float()
		jp.RemainingS = &v
	}
	return jp, nil
}

func (a *Adapter) ListFiles(ctx context.Context) ([]printer.File, error) {
	resp, err := a.request(ctx, http.MethodGet, "/api/files?recursive=true", nil)
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
	gjson.GetBytes(buf.Bytes(), "files").ForEach(func(_, v gjson.Result) bool {
		files = append(files, printer.File{
			Name:     v.Get("display").String(),
			RemoteID: v.Get("path").String(),
			Size:     v.Get("size").Int(),
			Modified: time.Unix(v.Get("date").Int(), 0),
		})
		return true
	})
	return files, nil
}

func (a *Adapter) UploadFile(ctx context.Context, localPath string) (printer.UploadResult, error) {
	contentType, body, err := printer.MultipartFile("file", localPath)
	if err != nil {
		return printer.UploadResult{}, err
	}
	bodyBytes, err := io.ReadAll(body)
	if err != nil {
		return printer.UploadResult{}, err
	}

	resp, err := a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.transport.BaseURL+"/api/files/local", bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-Api-Key", a.apiKey)
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
	if err != nil {
		return printer.UploadResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return printer.UploadResult{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("upload status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	res := gjson.GetBytes(buf.Bytes(), "files.local")
	return printer.UploadResult{
		RemoteName: res.Get("name").String(),
		Location:   res.Get("path").String(),
	}, nil
}

func (a *Adapter) command(ctx context.Context, endpoint string, payload map[string]any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := a.request(ctx, http.MethodPost, endpoint, b)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return kerrors.PrinterUnreachable(a.name, fmt.Errorf("command %q status %d", endpoint, resp.StatusCode))
	}
	return nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteName string) error {
	return a.command(ctx, "/api/files/local/"+remoteName, map[string]any{"command": "select", "print": true})
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]any{"command": "cancel"})
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]any{"command": "pause", "action": "pause"})
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	return a.command(ctx, "/api/job", map[string]any{"command": "pause", "action": "resume"})
}

// EmergencyStop sends the firmware M112 immediate-halt command over
// the terminal G-code channel, bypassing OctoPrint's queue.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	_, err := a.SendGcode(ctx, []string{"M112"})
	return err
}

func (a *Adapter) SetToolTemp(ctx context.Context, targetC float64) error {
	clamped := a.Base.ClampHotend(targetC)
	return a.command(ctx, "/api/printer/tool", map[string]any{"command": "target", "targets": map[string]float64{"tool0": clamped}})
}

func (a *Adapter) SetBedTemp(ctx context.Context, targetC float64) error {
	clamped := a.Base.ClampBed(targetC)
	return a.command(ctx, "/api/printer/bed", map[string]any{"command": "target", "target": clamped})
}

func (a *Adapter) SendGcode(ctx context.Context, commands []string) (bool, error) {
	if err := a.command(ctx, "/api/printer/command", map[string]any{"commands": commands}); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, error) {
	resp, err := a.request(ctx, http.MethodGet, "/webcam/?action=snapshot", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.PrinterUnreachable(a.name, fmt.Errorf("snapshot status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return buf.Bytes(), nil
}

func (a *Adapter) GetStreamURL(ctx context.Context) (string, error) {
	return a.transport.BaseURL + "/webcam/?action=stream", nil
}

func (a *Adapter) FirmwareResumePrint(ctx context.Context, params printer.ResumeParams) error {
	_, err := a.SendGcode(ctx, printer.FirmwareResumeSequence(params))
	return err
}

var _ printer.Adapter = (*Adapter)(nil)
