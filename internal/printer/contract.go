// Package printer defines the uniform operational contract every
// vendor adapter implements (spec §4.1), plus the shared retry/
// capability/state-mapping scaffolding concrete adapters build on.
package printer

import (
	"context"
	"fmt"
	"time"
)

// Status is the canonical cross-vendor printer status.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPrinting   Status = "printing"
	StatusPaused     Status = "paused"
	StatusError      Status = "error"
	StatusOffline    Status = "offline"
	StatusBusy       Status = "busy"
	StatusCancelling Status = "cancelling"
	StatusUnknown    Status = "unknown"
)

// DeviceType names the physical process a printer performs.
type DeviceType string

const (
	DeviceFDM     DeviceType = "fdm"
	DeviceSLA     DeviceType = "sla"
	DeviceCNC     DeviceType = "cnc"
	DeviceLaser   DeviceType = "laser"
	DeviceGeneric DeviceType = "generic"
)

// Temp is a single actual/target temperature reading.
type Temp struct {
	Actual float64
	Target float64
}

// State is the live snapshot returned by GetState.
type State struct {
	Connected bool
	Status    Status
	Tool      Temp
	Bed       Temp
	Chamber   Temp
}

// JobProgress is the live snapshot returned by GetJob. A zero-value
// Progress with FileName == nil represents the "no active job" sentinel
// (spec §4.1).
type JobProgress struct {
	FileName    *string
	Completion  *float64 // 0..100
	ElapsedS    *float64
	RemainingS  *float64
}

// HasActiveJob reports whether this progress represents a real job
// rather than the idle sentinel.
func (p JobProgress) HasActiveJob() bool { return p.FileName != nil }

// File is one entry of a printer-side file listing.
type File struct {
	Name        string // display name
	RemoteID    string // vendor identifier used to start a print (may be an 8.3 short name)
	Size        int64
	Modified    time.Time
}

// UploadResult reports the outcome of streaming a local file to a
// printer; RemoteName may differ from the local filename (vendor 8.3
// rewrites, directory roots).
type UploadResult struct {
	RemoteName string
	Location   string
}

// Capabilities advertises what an adapter instance actually supports.
// A false flag means the corresponding operation MUST return
// kerrors.Unsupported rather than silently no-op (spec §4.1).
type Capabilities struct {
	CanUpload          bool
	CanSetTemp         bool
	CanSendGcode       bool
	CanPause           bool
	CanStream          bool
	CanSnapshot        bool
	CanProbeBed        bool
	CanUpdateFirmware  bool
	CanDetectFilament  bool
	DeviceType         DeviceType
	SupportedExtensions []string
}

// FirmwareStatus is adapter-reported firmware health, returned by the
// optional GetFirmwareStatus operation.
type FirmwareStatus struct {
	Version    string
	UpdateAvailable bool
	Components map[string]string
}

// BedMesh is the optional bed-leveling mesh an adapter may expose.
type BedMesh struct {
	Points [][]float64
}

// FilamentStatus is the optional filament-detection state.
type FilamentStatus struct {
	Present bool
	Type    string
}

// ResumeParams configures the firmware-resume G-code sequence (spec
// §4.1's critical safety contract).
type ResumeParams struct {
	ZHeightMM        float64
	ClearanceMM      float64
	BedTargetC       float64
	HotendTargetC    float64
	PrimeLengthMM    float64
	FlowRatePercent  float64
	FanPWM           int
}

// Adapter is the uniform operational contract every vendor
// implementation presents. Context governs per-call timeouts; the
// default HTTP timeout is 30s per spec §5, overridable by the caller.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	GetState(ctx context.Context) (State, error)
	GetJob(ctx context.Context) (JobProgress, error)
	ListFiles(ctx context.Context) ([]File, error)
	UploadFile(ctx context.Context, localPath string) (UploadResult, error)

	StartPrint(ctx context.Context, remoteName string) error
	CancelPrint(ctx context.Context) error
	PausePrint(ctx context.Context) error
	ResumePrint(ctx context.Context) error

	EmergencyStop(ctx context.Context) error

	SetToolTemp(ctx context.Context, targetC float64) error
	SetBedTemp(ctx context.Context, targetC float64) error
	SendGcode(ctx context.Context, commands []string) (bool, error)

	SetSafetyProfile(profileID string, maxHotendC, maxBedC float64)

	// Optional operations. Adapters that do not support a capability
	// return kerrors.Unsupported.
	GetSnapshot(ctx context.Context) ([]byte, error)
	GetStreamURL(ctx context.Context) (string, error)
	GetFirmwareStatus(ctx context.Context) (FirmwareStatus, error)
	UpdateFirmware(ctx context.Context, component string) error
	RollbackFirmware(ctx context.Context, component string) error
	GetBedMesh(ctx context.Context) (BedMesh, error)
	GetFilamentStatus(ctx context.Context) (FilamentStatus, error)
	FirmwareResumePrint(ctx context.Context, params ResumeParams) error
}

// FirmwareResumeSequence builds the exact ordered G-code batch required
// by spec §4.1: disable power-loss recovery, home X/Y only, heat bed
// then hotend, wait for both, reset extruder position, raise Z without
// homing it, prime, restore fan/flow. Z is never homed; bed heating is
// issued before the hotend wait; the whole batch is sent as one call.
func FirmwareResumeSequence(p ResumeParams) []string {
	return []string{
		"M413 S0",                                    // disable firmware power-loss recovery
		"G28 X Y",                                    // home X and Y only — never Z
		fmt.Sprintf("M140 S%g", p.BedTargetC),         // set bed target
		fmt.Sprintf("M104 S%g", p.HotendTargetC),      // set hotend target
		fmt.Sprintf("M190 S%g", p.BedTargetC),         // wait for bed
		fmt.Sprintf("M109 S%g", p.HotendTargetC),      // wait for hotend
		"G92 E0",                                      // reset extruder position
		fmt.Sprintf("G92 Z%g", p.ZHeightMM),            // set Z position without movement
		"G91",                                          // relative mode
		fmt.Sprintf("G1 Z%g F600", p.ClearanceMM),      // raise Z by clearance amount
		"G90",                                          // absolute mode
		fmt.Sprintf("G1 E%g F300", p.PrimeLengthMM),    // prime extruder by configured length
		"G92 E0",                                       // reset extruder position
		fmt.Sprintf("M106 S%d", p.FanPWM),              // restore fan PWM
		fmt.Sprintf("M221 S%g", p.FlowRatePercent),     // restore flow rate
	}
}
