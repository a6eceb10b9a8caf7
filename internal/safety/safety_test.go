package safety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
)

// fakeAdapter is a minimal, fully in-memory Adapter stand-in for
// exercising the safety coordinator without any real transport.
type fakeAdapter struct {
	printer.Base
	name string

	state        printer.State
	emergencyErr error
	gcodeErr     error
	gcodeOK      bool
	sentGcode    []string
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) Capabilities() printer.Capabilities {
	return printer.Capabilities{CanSendGcode: true, DeviceType: printer.DeviceFDM}
}
func (f *fakeAdapter) GetState(ctx context.Context) (printer.State, error) { return f.state, nil }
func (f *fakeAdapter) GetJob(ctx context.Context) (printer.JobProgress, error) {
	return printer.JobProgress{}, nil
}
func (f *fakeAdapter) ListFiles(ctx context.Context) ([]printer.File, error) { return nil, nil }
func (f *fakeAdapter) UploadFile(ctx context.Context, localPath string) (printer.UploadResult, error) {
	return printer.UploadResult{}, kerrors.Unsupported("can_upload")
}
func (f *fakeAdapter) StartPrint(ctx context.Context, remoteName string) error { return nil }
func (f *fakeAdapter) CancelPrint(ctx context.Context) error                   { return nil }
func (f *fakeAdapter) PausePrint(ctx context.Context) error                    { return nil }
func (f *fakeAdapter) ResumePrint(ctx context.Context) error                   { return nil }
func (f *fakeAdapter) EmergencyStop(ctx context.Context) error                 { return f.emergencyErr }
func (f *fakeAdapter) SetToolTemp(ctx context.Context, targetC float64) error  { return nil }
func (f *fakeAdapter) SetBedTemp(ctx context.Context, targetC float64) error   { return nil }
func (f *fakeAdapter) SendGcode(ctx context.Context, commands []string) (bool, error) {
	f.sentGcode = commands
	return f.gcodeOK, f.gcodeErr
}

var _ printer.Adapter = (*fakeAdapter)(nil)

// fakeRegistry implements the narrow Registry interface the coordinator
// depends on, backed by a fixed adapter map rather than a live registry.
type fakeRegistry struct {
	adapters map[string]printer.Adapter
}

func (r *fakeRegistry) Get(name string) (printer.Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "printer not registered").WithDetail("printer", name)
	}
	return a, nil
}

func (r *fakeRegistry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		out = append(out, n)
	}
	return out
}

func TestEmergencyStopFallsBackToGcodeWhenNativeFails(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", emergencyErr: assert.AnError, gcodeOK: true}
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}
	c := New(reg, nil, nil)

	rec, err := c.EmergencyStop(context.Background(), "printer-1", ReasonManual)
	require.NoError(t, err)
	assert.True(t, rec.DeliveredOK)
	assert.Equal(t, []string{"firmware_halt", "hotend_off", "bed_off", "steppers_off"}, rec.ActionsTaken)
	assert.Equal(t, []string{"M112", "M104 S0", "M140 S0", "M84"}, adapter.sentGcode)
	assert.True(t, c.IsStopped("printer-1"))
}

func TestEmergencyStopUsesNativeWhenAvailable(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1"}
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}
	c := New(reg, nil, nil)

	rec, err := c.EmergencyStop(context.Background(), "printer-1", ReasonManual)
	require.NoError(t, err)
	assert.True(t, rec.DeliveredOK)
	assert.Equal(t, []string{"native_emergency_stop"}, rec.ActionsTaken)
	assert.Nil(t, adapter.sentGcode)
}

func TestEmergencyStopRecordsEvenWhenFallbackFails(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", emergencyErr: assert.AnError, gcodeErr: assert.AnError}
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}
	c := New(reg, nil, nil)

	rec, err := c.EmergencyStop(context.Background(), "printer-1", ReasonManual)
	require.NoError(t, err)
	assert.False(t, rec.DeliveredOK)
	assert.True(t, c.IsStopped("printer-1"))
	assert.Len(t, c.History(), 1)
}

func TestFleetStopWithZeroPrintersReturnsEmpty(t *testing.T) {
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{}}
	c := New(reg, nil, nil)

	recs := c.FleetStop(context.Background(), ReasonManual)
	assert.Empty(t, recs)
}

func TestFleetStopCoversAllRegisteredPrintersSorted(t *testing.T) {
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{
		"zeta":  &fakeAdapter{name: "zeta"},
		"alpha": &fakeAdapter{name: "alpha"},
	}}
	c := New(reg, nil, nil)

	recs := c.FleetStop(context.Background(), ReasonManual)
	require.Len(t, recs, 2)
	assert.Equal(t, "alpha", recs[0].PrinterName)
	assert.Equal(t, "zeta", recs[1].PrinterName)
}

func TestCriticalInterlockDisengageTriggersEmergencyStop(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1"}
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}
	c := New(reg, nil, nil)

	require.NoError(t, c.SetInterlock(context.Background(), "printer-1", "door", true, true))
	assert.False(t, c.IsStopped("printer-1"))

	require.NoError(t, c.SetInterlock(context.Background(), "printer-1", "door", false, true))
	assert.True(t, c.IsStopped("printer-1"))

	history := c.History()
	require.Len(t, history, 1)
	assert.Equal(t, ReasonInterlockBreach, history[0].Reason)
}

func TestClearStopRequiresAllCriticalInterlocksEngaged(t *testing.T) {
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": &fakeAdapter{name: "printer-1"}}}
	c := New(reg, nil, nil)

	require.NoError(t, c.SetInterlock(context.Background(), "printer-1", "door", false, true))

	err := c.ClearStop("printer-1")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindValidation, kerr.Kind)

	require.NoError(t, c.SetInterlock(context.Background(), "printer-1", "door", true, true))
	require.NoError(t, c.ClearStop("printer-1"))
}

func TestPreflightFailsWhenPrinterStopped(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", state: printer.State{Connected: true, Status: printer.StatusIdle}}
	reg := &fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}
	c := New(reg, nil, nil)

	_, err := c.EmergencyStop(context.Background(), "printer-1", ReasonManual)
	require.NoError(t, err)

	err = c.Preflight(context.Background(), "printer-1", adapter, PreflightInput{})
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindPreflightFailed, kerr.Kind)
}

func TestPreflightFailsWhenNotIdle(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", state: printer.State{Connected: true, Status: printer.StatusPrinting}}
	c := New(&fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}, nil, nil)

	err := c.Preflight(context.Background(), "printer-1", adapter, PreflightInput{})
	require.Error(t, err)
}

func TestPreflightFailsOnTemperatureOutOfTolerance(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", state: printer.State{
		Connected: true, Status: printer.StatusIdle, Tool: printer.Temp{Actual: 150}, Bed: printer.Temp{Actual: 60},
	}}
	c := New(&fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}, nil, nil)

	material := "PLA"
	target := 210.0
	err := c.Preflight(context.Background(), "printer-1", adapter, PreflightInput{
		Material: &material, TargetHotendC: &target, ToleranceC: 5,
	})
	require.Error(t, err)
}

func TestPreflightFailsWhenGcodeSafetyScanFailed(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", state: printer.State{Connected: true, Status: printer.StatusIdle}}
	c := New(&fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}, nil, nil)

	err := c.Preflight(context.Background(), "printer-1", adapter, PreflightInput{HasSlicedFile: true, GcodeSafetyOK: false})
	require.Error(t, err)
}

func TestPreflightPassesWhenAllChecksClear(t *testing.T) {
	adapter := &fakeAdapter{name: "printer-1", state: printer.State{
		Connected: true, Status: printer.StatusIdle, Tool: printer.Temp{Actual: 208}, Bed: printer.Temp{Actual: 59},
	}}
	c := New(&fakeRegistry{adapters: map[string]printer.Adapter{"printer-1": adapter}}, nil, nil)

	material := "PLA"
	hotend, bed := 210.0, 60.0
	err := c.Preflight(context.Background(), "printer-1", adapter, PreflightInput{
		Material: &material, TargetHotendC: &hotend, TargetBedC: &bed, ToleranceC: 5,
		HasSlicedFile: true, GcodeSafetyOK: true,
	})
	require.NoError(t, err)
}
