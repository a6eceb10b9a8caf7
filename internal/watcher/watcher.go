// Package watcher implements the per-printer background polling task
// that observes a print in progress, classifies its phase, and
// records snapshots, generalized from the teacher's chain.EventListener
// poll loop (time.Ticker-driven, stop channel, running flag under a
// lock) applied to a single printer instead of a blockchain RPC client.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/logging"
	"github.com/kilnfleet/kiln/internal/printer"
)

// Phase classifies where in the print a tick landed.
type Phase string

const (
	PhaseUnknown     Phase = "unknown"
	PhaseFirstLayers Phase = "first_layers"
	PhaseMidPrint    Phase = "mid_print"
	PhaseFinalLayers Phase = "final_layers"
)

// ClassifyPhase buckets a completion percentage into a Phase (spec §4.9).
func ClassifyPhase(completion *float64) Phase {
	if completion == nil || *completion < 0 {
		return PhaseUnknown
	}
	switch {
	case *completion < 10:
		return PhaseFirstLayers
	case *completion <= 90:
		return PhaseMidPrint
	default:
		return PhaseFinalLayers
	}
}

// Outcome is a watcher's terminal classification.
type Outcome string

const (
	OutcomeRunning   Outcome = "running"
	OutcomeCompleted Outcome = "completed"
	OutcomePaused    Outcome = "paused"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeStopped   Outcome = "stopped"
)

// progressEntry is one tick's observation, retained in the status log.
type progressEntry struct {
	Timestamp  time.Time
	Status     printer.Status
	Completion *float64
	Phase      Phase
}

const snapshotRingSize = 20

// Status is the live or final snapshot returned by a status query.
type Status struct {
	WatchID      string
	PrinterName  string
	Outcome      Outcome
	StartedAt    time.Time
	ElapsedS     float64
	TickCount    int
	SnapshotCount int
	Log          []progressEntry
}

// Watcher is one long-lived polling task bound to a printer and watch_id.
type Watcher struct {
	watchID     string
	printerName string
	adapter     printer.Adapter
	pollInterval time.Duration
	timeout     time.Duration
	bus         *eventbus.Bus
	log         *logging.Logger

	mu        sync.Mutex
	startedAt time.Time
	outcome   Outcome
	entries   []progressEntry
	snapshots [][]byte
	tickCount int

	cancel context.CancelFunc
	done   chan struct{}
}

// Registry is the process-wide watch_id → Watcher map (spec §4.9).
type Registry struct {
	mu       sync.Mutex
	watchers map[string]*Watcher
}

func NewRegistry() *Registry {
	return &Registry{watchers: make(map[string]*Watcher)}
}

// Start creates a watcher for printerName, registers it under watchID,
// and spawns its polling goroutine. Watcher failures are logged but
// never propagate to the caller's process.
func (r *Registry) Start(ctx context.Context, watchID, printerName string, adapter printer.Adapter, pollInterval, timeout time.Duration, bus *eventbus.Bus, log *logging.Logger) *Watcher {
	w := &Watcher{
		watchID:      watchID,
		printerName:  printerName,
		adapter:      adapter,
		pollInterval: pollInterval,
		timeout:      timeout,
		bus:          bus,
		log:          log,
		startedAt:    time.Now(),
		outcome:      OutcomeRunning,
		done:         make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	r.mu.Lock()
	r.watchers[watchID] = w
	r.mu.Unlock()

	go w.run(runCtx)
	return w
}

// Get returns the watcher registered under watchID, if any.
func (r *Registry) Get(watchID string) (*Watcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[watchID]
	return w, ok
}

// Stop halts the watcher and removes it from the registry, returning
// its final status. If the watcher already finished on its own, its
// retained final result is returned instead of re-stopping it.
func (r *Registry) Stop(watchID string) (Status, error) {
	r.mu.Lock()
	w, ok := r.watchers[watchID]
	if ok {
		delete(r.watchers, watchID)
	}
	r.mu.Unlock()

	if !ok {
		return Status{}, kerrors.New(kerrors.KindNotFound, "watcher not found").WithDetail("watch_id", watchID)
	}
	w.stop(OutcomeStopped)
	return w.Status(), nil
}

func (w *Watcher) stop(outcome Outcome) {
	w.mu.Lock()
	if w.outcome != OutcomeRunning {
		w.mu.Unlock()
		return
	}
	w.outcome = outcome
	w.mu.Unlock()
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.finished() {
				return
			}
			w.tick(ctx)
		}
	}
}

func (w *Watcher) finished() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.outcome != OutcomeRunning
}

func (w *Watcher) tick(ctx context.Context) {
	state, stateErr := w.adapter.GetState(ctx)
	job, jobErr := w.adapter.GetJob(ctx)
	if stateErr != nil && w.log != nil {
		w.log.Named("watcher").WithError(stateErr).WithField("printer", w.printerName).Warn("state poll failed")
	}
	if jobErr != nil && w.log != nil {
		w.log.Named("watcher").WithError(jobErr).WithField("printer", w.printerName).Warn("job poll failed")
	}

	phase := ClassifyPhase(job.Completion)

	if w.adapter.Capabilities().CanSnapshot {
		if snap, err := w.adapter.GetSnapshot(ctx); err == nil {
			w.mu.Lock()
			w.snapshots = append(w.snapshots, snap)
			if len(w.snapshots) > snapshotRingSize {
				w.snapshots = w.snapshots[len(w.snapshots)-snapshotRingSize:]
			}
			w.mu.Unlock()
		}
	}

	entry := progressEntry{Timestamp: time.Now(), Status: state.Status, Completion: job.Completion, Phase: phase}

	w.mu.Lock()
	w.tickCount++
	w.entries = append(w.entries, entry)
	elapsed := time.Since(w.startedAt)
	w.mu.Unlock()

	if w.bus != nil {
		w.bus.Publish(ctx, &eventbus.Event{
			Type:      eventbus.EventWatchAlert,
			PrinterID: w.printerName,
			Data: map[string]any{
				"watch_id": w.watchID,
				"phase":    string(phase),
				"status":   string(state.Status),
			},
			Timestamp: entry.Timestamp,
		})
	}

	w.evaluateTermination(state.Status, job.Completion, elapsed)
}

// evaluateTermination applies spec §4.9's termination rules: idle with
// completion>=99 is a successful finish; paused/error map directly;
// exceeding the configured timeout is a timeout regardless of status.
func (w *Watcher) evaluateTermination(status printer.Status, completion *float64, elapsed time.Duration) {
	var outcome Outcome
	switch {
	case w.timeout > 0 && elapsed >= w.timeout:
		outcome = OutcomeTimeout
	case status == printer.StatusIdle && completion != nil && *completion >= 99:
		outcome = OutcomeCompleted
	case status == printer.StatusPaused:
		outcome = OutcomePaused
	case status == printer.StatusError:
		outcome = OutcomeFailed
	default:
		return
	}

	w.mu.Lock()
	if w.outcome == OutcomeRunning {
		w.outcome = outcome
	}
	w.mu.Unlock()
	w.cancel()
}

// Status returns a live snapshot of the watcher's progress log, tick
// count, and outcome. A finished watcher's snapshot never changes.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	log := make([]progressEntry, len(w.entries))
	copy(log, w.entries)
	return Status{
		WatchID:       w.watchID,
		PrinterName:   w.printerName,
		Outcome:       w.outcome,
		StartedAt:     w.startedAt,
		ElapsedS:      time.Since(w.startedAt).Seconds(),
		TickCount:     w.tickCount,
		SnapshotCount: len(w.snapshots),
		Log:           log,
	}
}
