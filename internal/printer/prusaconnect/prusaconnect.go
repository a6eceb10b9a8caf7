// Package prusaconnect implements the printer.Adapter contract against
// Prusa Connect, the cloud counterpart to Prusa Link: same underlying
// status/job JSON shape, but reached over the public internet against
// a team+printer-scoped path and authenticated with a bearer token
// instead of a LAN X-Api-Key header. Grounded on the teacher's gjson
// response walking (services/datafeeds) and the prusalink adapter's
// request shape, generalized to the cloud auth scheme.
package prusaconnect

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
)

// Adapter speaks to one printer registered under a Prusa Connect team.
type Adapter struct {
	printer.Base

	name        string
	transport   *printer.HTTPTransport
	token       string
	teamID      string
	printerUUID string
	caps        printer.Capabilities
}

// New builds an adapter against https://connect.prusa3d.com (or a
// caller-supplied base URL for self-hosted Connect deployments).
func New(name, baseURL, token, teamID, printerUUID string, timeout time.Duration) *Adapter {
	return &Adapter{
		name:        name,
		transport:   printer.NewHTTPTransport(name, baseURL, timeout),
		token:       token,
		teamID:      teamID,
		printerUUID: printerUUID,
		caps: printer.Capabilities{
			CanUpload:           true,
			CanSetTemp:          false,
			CanSendGcode:        false,
			CanSnapshot:         true,
			DeviceType:          printer.DeviceFDM,
			SupportedExtensions: []string{".gcode", ".bgcode"},
		},
	}
}

func (a *Adapter) Name() string                      { return a.name }
func (a *Adapter) Capabilities() printer.Capabilities { return a.caps }

func (a *Adapter) printerPath(suffix string) string {
	return fmt.Sprintf("/app/teams/%s/printers/%s%s", a.teamID, a.printerUUID, suffix)
}

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
		req.Header.Set("Authorization", "Bearer "+a.token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		return req, nil
	})
}

func (a *Adapter) GetState(ctx context.Context) (printer.State, error) {
	resp, err := a.request(ctx, http.MethodGet, a.printerPath("/status"), nil, "")
	if err != nil {
		return printer.State{Connected: false, Status: printer.StatusOffline}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return printer.State{}, kerrors.AuthInvalid("prusa connect token rejected")
	}
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
	case "OFFLINE", "":
		state.Status = printer.StatusOffline
		state.Connected = false
	default:
		state.Status = printer.StatusUnknown
	}
	return state, nil
}

func (a *Adapter) GetJob(ctx context.Context) (printer.JobProgress, error) {
	resp, err := a.request(ctx, http.MethodGet, a.printerPath("/job"), nil, "")
	if err != nil {
		return printer.JobProgress{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusConflict {
		return printer.JobProgress{}, nil
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
	resp, err := a.request(ctx, http.MethodGet, a.printerPath("/files"), nil, "")
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
			Name:     v.Get("display_name").String(),
			RemoteID: v.Get("hash").String(),
			Size:     v.Get("size").Int(),
		})
		return true
	})
	return files, nil
}

// UploadFile pushes straight to Connect's cloud storage endpoint for
// this printer; unlike LAN Prusa Link there is no 8.3 short-name
// rewrite, Connect tracks uploads by a content hash it assigns.
func (a *Adapter) UploadFile(ctx context.Context, localPath string) (printer.UploadResult, error) {
	contentType, body, err := printer.MultipartFile("file", localPath)
	if err != nil {
		return printer.UploadResult{}, err
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return printer.UploadResult{}, err
	}
	resp, err := a.request(ctx, http.MethodPost, a.printerPath("/files"), raw, contentType)
	if err != nil {
		return printer.UploadResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return printer.UploadResult{}, kerrors.PrinterBusy(a.name)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return printer.UploadResult{}, kerrors.PrinterUnreachable(a.name, fmt.Errorf("upload status %d", resp.StatusCode))
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	res := gjson.ParseBytes(buf.Bytes())
	return printer.UploadResult{
		RemoteName: res.Get("hash").String(),
		Location:   filepath.Base(localPath),
	}, nil
}

func (a *Adapter) StartPrint(ctx context.Context, remoteName string) error {
	resp, err := a.request(ctx, http.MethodPost, a.printerPath("/files/"+remoteName+"/print"), nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		return kerrors.PrinterBusy(a.name)
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return kerrors.PrinterUnreachable(a.name, fmt.Errorf("start status %d", resp.StatusCode))
	}
	return nil
}

func (a *Adapter) jobCommand(ctx context.Context, action string) error {
	resp, err := a.request(ctx, http.MethodPost, a.printerPath("/job/"+action), nil, "")
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

// EmergencyStop routes through Connect's job/stop endpoint — the cloud
// API exposes no raw G-code channel, same constraint as LAN Prusa Link.
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

// GetSnapshot fetches Connect's last-reported camera frame, if the
// printer has a camera paired; Connect mediates this centrally so no
// stream URL negotiation is needed the way a LAN adapter would do it.
func (a *Adapter) GetSnapshot(ctx context.Context) ([]byte, error) {
	resp, err := a.request(ctx, http.MethodGet, a.printerPath("/camera/snapshot"), nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, kerrors.Unsupported("can_snapshot")
	}
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return buf.Bytes(), nil
}

var _ printer.Adapter = (*Adapter)(nil)
