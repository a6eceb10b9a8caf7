package printer

import (
	"context"
	"sync"

	"github.com/kilnfleet/kiln/internal/kerrors"
)

// Base implements every optional Adapter operation as kerrors.Unsupported
// and provides the safety-profile intersection logic common to all
// vendors. Concrete adapters embed Base and override only what they
// actually support, never silently no-op a capability flagged false
// (spec §4.1).
type Base struct {
	mu sync.RWMutex

	safetyProfileID string
	maxHotendC      float64
	maxBedC         float64
	hasProfile      bool
}

// SetSafetyProfile stores the profile's maxima. Every subsequent
// temperature-set call intersects the caller's requested limit with
// these maxima — profile overrides are defense-in-depth, never a
// replacement for the caller's own limit (spec §4.1).
func (b *Base) SetSafetyProfile(profileID string, maxHotendC, maxBedC float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.safetyProfileID = profileID
	b.maxHotendC = maxHotendC
	b.maxBedC = maxBedC
	b.hasProfile = true
}

// ClampHotend intersects a requested hotend target with the bound
// safety profile's maximum, if any.
func (b *Base) ClampHotend(requested float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hasProfile && requested > b.maxHotendC {
		return b.maxHotendC
	}
	return requested
}

// ClampBed intersects a requested bed target with the bound safety
// profile's maximum, if any.
func (b *Base) ClampBed(requested float64) float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.hasProfile && requested > b.maxBedC {
		return b.maxBedC
	}
	return requested
}

func (b *Base) GetSnapshot(ctx context.Context) ([]byte, error) {
	return nil, kerrors.Unsupported("can_snapshot")
}

func (b *Base) GetStreamURL(ctx context.Context) (string, error) {
	return "", kerrors.Unsupported("can_stream")
}

func (b *Base) GetFirmwareStatus(ctx context.Context) (FirmwareStatus, error) {
	return FirmwareStatus{}, kerrors.Unsupported("get_firmware_status")
}

func (b *Base) UpdateFirmware(ctx context.Context, component string) error {
	return kerrors.Unsupported("can_update_firmware")
}

func (b *Base) RollbackFirmware(ctx context.Context, component string) error {
	return kerrors.Unsupported("can_update_firmware")
}

func (b *Base) GetBedMesh(ctx context.Context) (BedMesh, error) {
	return BedMesh{}, kerrors.Unsupported("can_probe_bed")
}

func (b *Base) GetFilamentStatus(ctx context.Context) (FilamentStatus, error) {
	return FilamentStatus{}, kerrors.Unsupported("can_detect_filament")
}

// FirmwareResumePrint is not itself capability-gated in the base — it
// is only meaningful for FDM adapters that implement SendGcode, which
// embedders must override alongside it.
func (b *Base) FirmwareResumePrint(ctx context.Context, params ResumeParams) error {
	return kerrors.Unsupported("firmware_resume_print")
}
