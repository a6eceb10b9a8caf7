// Package safety implements Kiln's emergency-stop orchestration,
// interlock table, and per-job preflight, generalized from the
// teacher's gasbank Manager (single lock guarding a map plus
// durable-record side effects) applied to stop/interlock state instead
// of balances.
package safety

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/printer"
)

// StopReason names why an emergency stop was triggered.
type StopReason string

const (
	ReasonManual          StopReason = "manual"
	ReasonInterlockBreach StopReason = "interlock_breach"
	ReasonPreflightAbort  StopReason = "preflight_abort"
)

// StopRecord is one emergency-stop event, kept regardless of whether
// delivery to the printer actually succeeded — the physical state
// after an e-stop attempt is indeterminate and must be treated as
// halted (spec §4.7.1).
type StopRecord struct {
	PrinterName  string
	Reason       StopReason
	ActionsTaken []string
	DeliveredOK  bool
	Timestamp    time.Time
}

// Interlock is a named per-printer safety condition.
type Interlock struct {
	Name        string
	PrinterName string
	Engaged     bool
	Critical    bool
	LastChecked time.Time
}

// PreflightInput carries the checks Coordinator.Preflight evaluates.
type PreflightInput struct {
	Material       *string
	TargetHotendC  *float64
	TargetBedC     *float64
	ToleranceC     float64
	HasSlicedFile  bool
	GcodeSafetyOK  bool // result of an external G-code safety scan, when HasSlicedFile
}

// Registry is the subset of registry.Registry the coordinator needs,
// kept narrow to avoid an import cycle between safety and registry.
type Registry interface {
	Get(name string) (printer.Adapter, error)
	Names() []string
}

// Coordinator holds all safety state — interlocks, the stop set, and
// stop history — behind one lock; every public method is re-entrant
// safe (spec §4.7).
type Coordinator struct {
	mu         sync.Mutex
	interlocks map[string]map[string]*Interlock // printerName -> interlockName -> Interlock
	stopped    map[string]bool
	history    []*StopRecord

	registry Registry
	bus      *eventbus.Bus
	log      *logging.Logger
}

func New(registry Registry, bus *eventbus.Bus, log *logging.Logger) *Coordinator {
	return &Coordinator{
		interlocks: make(map[string]map[string]*Interlock),
		stopped:    make(map[string]bool),
		registry:   registry,
		bus:        bus,
		log:        log,
	}
}

// EmergencyStop attempts the adapter's native emergency_stop first;
// on failure it falls back to sequentially sending a fixed G-code
// fallback sequence. The stop is always recorded and the printer is
// always marked stopped, since a failed delivery still leaves the
// printer's physical state indeterminate.
func (c *Coordinator) EmergencyStop(ctx context.Context, printerName string, reason StopReason) (*StopRecord, error) {
	adapter, err := c.registry.Get(printerName)
	if err != nil {
		return nil, err
	}

	record := &StopRecord{PrinterName: printerName, Reason: reason, Timestamp: time.Now()}

	if err := adapter.EmergencyStop(ctx); err == nil {
		record.ActionsTaken = []string{"native_emergency_stop"}
		record.DeliveredOK = true
	} else {
		fallback := []string{"M112", "M104 S0", "M140 S0", "M84"}
		ok, sendErr := adapter.SendGcode(ctx, fallback)
		record.ActionsTaken = []string{"firmware_halt", "hotend_off", "bed_off", "steppers_off"}
		record.DeliveredOK = sendErr == nil && ok
	}

	c.mu.Lock()
	c.stopped[printerName] = true
	c.history = append(c.history, record)
	c.mu.Unlock()

	if c.bus != nil {
		c.bus.Publish(ctx, &eventbus.Event{
			Type:      eventbus.EventEmergencyStop,
			PrinterID: printerName,
			Data: map[string]any{
				"reason":        string(reason),
				"actions_taken": record.ActionsTaken,
				"delivered_ok":  record.DeliveredOK,
			},
			Timestamp: record.Timestamp,
		})
	}
	return record, nil
}

// FleetStop discovers every known printer (registered, previously
// stopped, or owning an interlock entry) and stops each in sorted
// order, continuing past individual adapter failures.
func (c *Coordinator) FleetStop(ctx context.Context, reason StopReason) []*StopRecord {
	names := c.allKnownPrinters()
	sort.Strings(names)

	records := make([]*StopRecord, 0, len(names))
	for _, name := range names {
		if rec, err := c.EmergencyStop(ctx, name, reason); err == nil {
			records = append(records, rec)
		} else if c.log != nil {
			c.log.Named("safety").WithError(err).WithField("printer", name).Error("fleet stop failed for printer")
		}
	}
	return records
}

func (c *Coordinator) allKnownPrinters() []string {
	seen := make(map[string]bool)
	for _, n := range c.registry.Names() {
		seen[n] = true
	}

	c.mu.Lock()
	for n := range c.stopped {
		seen[n] = true
	}
	for n := range c.interlocks {
		seen[n] = true
	}
	c.mu.Unlock()

	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	return out
}

// SetInterlock registers or updates a named interlock. A critical
// interlock transitioning to disengaged triggers an emergency stop for
// that printer with ReasonInterlockBreach.
func (c *Coordinator) SetInterlock(ctx context.Context, printerName, name string, engaged, critical bool) error {
	c.mu.Lock()
	printerInterlocks, ok := c.interlocks[printerName]
	if !ok {
		printerInterlocks = make(map[string]*Interlock)
		c.interlocks[printerName] = printerInterlocks
	}
	prior, existed := printerInterlocks[name]
	wasEngaged := !existed || prior.Engaged

	printerInterlocks[name] = &Interlock{
		Name: name, PrinterName: printerName, Engaged: engaged, Critical: critical, LastChecked: time.Now(),
	}
	c.mu.Unlock()

	if critical && wasEngaged && !engaged {
		_, err := c.EmergencyStop(ctx, printerName, ReasonInterlockBreach)
		return err
	}
	return nil
}

// ClearStop lifts the stopped flag for a printer, permitted only when
// every critical interlock registered for it is engaged.
func (c *Coordinator) ClearStop(printerName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, il := range c.interlocks[printerName] {
		if il.Critical && !il.Engaged {
			return kerrors.New(kerrors.KindValidation, "critical interlock not engaged").
				WithDetail("printer", printerName).WithDetail("interlock", il.Name)
		}
	}
	delete(c.stopped, printerName)
	return nil
}

// IsStopped reports whether a printer currently has an outstanding
// emergency stop.
func (c *Coordinator) IsStopped(printerName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped[printerName]
}

// History returns a snapshot of every recorded stop.
func (c *Coordinator) History() []*StopRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*StopRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Preflight validates a printer is safe to accept a new print: it must
// be connected and idle, within-tolerance of any known material
// target temperatures, and (when a sliced file is supplied) must have
// passed the external G-code safety scan. Failing any check returns
// PreflightFailed without mutating any queue state.
func (c *Coordinator) Preflight(ctx context.Context, printerName string, adapter printer.Adapter, in PreflightInput) error {
	if c.IsStopped(printerName) {
		return kerrors.New(kerrors.KindPreflightFailed, "printer has an outstanding emergency stop").
			WithDetail("printer", printerName)
	}

	state, err := adapter.GetState(ctx)
	if err != nil || !state.Connected {
		return kerrors.New(kerrors.KindPreflightFailed, "printer not connected").WithDetail("printer", printerName)
	}
	if state.Status != printer.StatusIdle {
		return kerrors.New(kerrors.KindPreflightFailed, "printer not idle").
			WithDetail("printer", printerName).WithDetail("status", string(state.Status))
	}

	if in.Material != nil {
		tol := in.ToleranceC
		if in.TargetHotendC != nil && absf(state.Tool.Actual-*in.TargetHotendC) > tol {
			return kerrors.New(kerrors.KindPreflightFailed, "hotend temperature out of tolerance").
				WithDetail("printer", printerName)
		}
		if in.TargetBedC != nil && absf(state.Bed.Actual-*in.TargetBedC) > tol {
			return kerrors.New(kerrors.KindPreflightFailed, "bed temperature out of tolerance").
				WithDetail("printer", printerName)
		}
	}

	if in.HasSlicedFile && !in.GcodeSafetyOK {
		return kerrors.New(kerrors.KindPreflightFailed, "G-code safety scan failed").WithDetail("printer", printerName)
	}
	return nil
}

func absf(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
