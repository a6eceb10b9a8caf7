// Package moonraker implements the printer.Adapter contract against a
// Klipper/Moonraker instance's JSON-RPC-over-HTTP API, grounded on the
// teacher's gjson response-walking idiom (services/datafeeds/datafeeds.go).
package moonraker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
)

// Adapter speaks to a single Moonraker instance.
type Adapter struct {
	printer.Base

	name      string
	transport *printer.HTTPTransport
	caps      printer.Capabilities
}

func New(name, baseURL string, timeout time.Duration) *Adapter {
	return &Adapter{
		name:      name,
		transport: printer.NewHTTPTransport(name, baseURL, timeout),
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          true,
			CanSendGcode:        true,
			CanPause:            true,
			CanProbeBed:         true,
			DeviceType:          printer.DeviceFDM,
			SupportedExtensions: []string{".gcode"},
		},
	}
}

func (a *Adapter) Name() string                      { return a.name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

func (a *Adapter) get(ctx context.Context, path string) ([]byte, error) {
	resp, err := a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, a.transport.BaseURL+path, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.PrinterUnreachable(a.name, fmt.Errorf("status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return buf.Bytes(), nil
}

func (a *Adapter) postJSON(ctx context.Context, path string, payload map[string]any) ([]byte, error) {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = b
	}
	resp, err := a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.transport.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.PrinterUnreachable(a.name, fmt.Errorf("command %q status %d", path, resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return buf.Bytes(), nil
}

// combinedStatus walks klippy_state and print_stats.state together:
// Moonraker's printer object state is meaningless while Klipper itself
// hasn't finished booting, and "standby" only means idle when Klipper
// also reports "ready" (spec §4.1's Moonraker combination rule).
func combinedStatus(klippyState, printStatsState string) printer.Status {
	if klippyState != "ready" {
		return printer.StatusOffline
	}
	switch printStatsState {
	case "printing":
		return printer.StatusPrinting
	case "paused":
		return printer.StatusPaused
	case "complete", "standby":
		return printer.StatusIdle
	case "error":
		return printer.StatusError
	case "cancelled":
		return printer.StatusIdle
	default:
		return printer.StatusUnknown
	}
}

func (a *Adapter) GetState(ctx context.Context) (printer.State, error) {
	body, err := a.get(ctx, "/printer/objects/query?webhooks&print_stats&extruder&heater_bed")
	if err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}

	klippyState := gjson.GetBytes(body, "result.status.webhooks.state").String()
	printStats := gjson.GetBytes(body, "result.status.print_stats.state").String()

	return printer.State{
		Connected: true,
		Status:    combinedStatus(klippyState, printStats),
		Tool: printer.Temp{
			Actual: gjson.GetBytes(body, "result.status.extruder.temperature").Float(),
			Target: gjson.GetBytes(body, "result.status.extruder.target").Float(),
		},
		Bed: printer.Temp{
			Actual: gjson.GetBytes(body, "result.status.heater_bed.temperature").Float(),
			Target: gjson.GetBytes(body, "result.status.heater_bed.target").Float(),
		},
	}, nil
}

func (a *Adapter) GetJob(ctx context.Context) (printer.JobProgress, error) {
	body, err := a.get(ctx, "/printer/objects/query?print_stats&virtual_sdcard")
	if err != nil {
		return printer.JobProgress{}, err
	}
	fname := gjson.GetBytes(body, "result.status.print_stats.filename").String()
	if fname == "" {
		return printer.JobProgress{}, nil
	}
	completion := gjson.GetBytes(body, "result.status.virtual_sdcard.progress").Float() * 100
	elapsed := gjson.GetBytes(body, "result.status.print_stats.print_duration").Float()

	name := fname
	return printer.JobProgress{
		FileName:   &name,
		Completion: &completion,
		ElapsedS:   &elapsed,
	}, nil
}

func (a *Adapter) ListFiles(ctx context.Context) ([]printer.File, error) {
	body, err := a.get(ctx, "/server/files/list?root=gcodes")
	if err != nil {
		return nil, err
	}
	var files []printer.File
	gjson.ParseBytes(body).Get("result").ForEach(func(_, v gjson.Result) bool {
		files = append(files, printer.File{
			Name:     v.Get("path").String(),
			RemoteID: v.Get("path").String(),
			Size:     v.Get("size").Int(),
			Modified: time.Unix(int64(v.Get("modified").Float()), 0),
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
	resp, err := a.transport.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.transport.BaseURL+"/server/files/upload", body)
		if err != nil {
			return nil, err
		}
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
	res := gjson.ParseBytes(buf.Bytes())
	return printer.UploadResult{
		RemoteName: res.Get("item.path").String(),
		Location:   res.Get("item.root").String(),
	}, nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteName string) error {
	_, err := a.postJSON(ctx, "/printer/print/start?filename="+remoteName, nil)
	return err
}

func (a *Adapter) CancelPrint(ctx context.Context) error {
	_, err := a.postJSON(ctx, "/printer/print/cancel", nil)
	return err
}

func (a *Adapter) PausePrint(ctx context.Context) error {
	_, err := a.postJSON(ctx, "/printer/print/pause", nil)
	return err
}

func (a *Adapter) ResumePrint(ctx context.Context) error {
	_, err := a.postJSON(ctx, "/printer/print/resume", nil)
	return err
}

// EmergencyStop invokes Moonraker's own emergency_stop endpoint, which
// triggers Klipper's firmware_restart-grade halt rather than a queued
// G-code command.
func (a *Adapter) EmergencyStop(ctx context.Context) error {
	_, err := a.postJSON(ctx, "/printer/emergency_stop", nil)
	return err
}

func (a *Adapter) gcodeScript(ctx context.Context, script string) error {
	_, err := a.postJSON(ctx, "/printer/gcode/script?script="+script, nil)
	return err
}

func (a *Adapter) SetToolTemp(ctx context.Context, targetC float64) error {
	clamped := a.Base.ClampHotend(targetC)
	return a.gcodeScript(ctx, fmt.Sprintf("M104 S%g", clamped))
}

func (a *Adapter) SetBedTemp(ctx context.Context, targetC float64) error {
	clamped := a.Base.ClampBed(targetC)
	return a.gcodeScript(ctx, fmt.Sprintf("M140 S%g", clamped))
}

func (a *Adapter) SendGcode(ctx context.Context, commands []string) (bool, error) {
	for _, c := range commands {
		if err := a.gcodeScript(ctx, c); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (a *Adapter) GetBedMesh(ctx context.Context) (printer.BedMesh, error) {
	body, err := a.get(ctx, "/printer/objects/query?bed_mesh")
	if err != nil {
		return printer.BedMesh{}, err
	}
	var points [][]float64
	gjson.GetBytes(body, "result.status.bed_mesh.probed_matrix").ForEach(func(_, row gjson.Result) bool {
		var r []float64
		row.ForEach(func(_, cell gjson.Result) bool {
			r = append(r, cell.Float())
			return true
		})
		points = append(points, r)
		return true
	})
	return printer.BedMesh{Points: points}, nil
}

func (a *Adapter) FirmwareResumePrint(ctx context.Context, params printer.ResumeParams) error {
	_, err := a.SendGcode(ctx, printer.FirmwareResumeSequence(params))
	return err
}

var _ printer.Adapter = (*Adapter)(nil)
