// Package eventbus provides Kiln's fleet-wide event distribution,
// generalized from the teacher's system/events Dispatcher: handlers
// subscribe to event types, a synchronous Bus fans events out inline
// under the caller's goroutine, and an AsyncBus additionally buffers
// them through a bounded worker pool for consumers that can tolerate
// (and need) decoupling from the emitting call site.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/logging"
)

// EventType names one of Kiln's fleet event kinds.
type EventType string

const (
	EventJobCreated      EventType = "job.created"
	EventJobStarted      EventType = "job.started"
	EventJobProgress     EventType = "job.progress"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobCancelled    EventType = "job.cancelled"
	EventPrinterOnline   EventType = "printer.online"
	EventPrinterOffline  EventType = "printer.offline"
	EventPrinterError    EventType = "printer.error"
	EventEmergencyStop   EventType = "safety.emergency_stop"
	EventInterlockOpened EventType = "safety.interlock_opened"
	EventInterlockClosed EventType = "safety.interlock_closed"
	EventPaymentSettled  EventType = "billing.payment_settled"
	EventWatchAlert      EventType = "watcher.alert"
)

// Event is one fleet occurrence, carrying a free-form payload the way
// the teacher's ContractEvent carries a decoded on-chain state map.
type Event struct {
	Type      EventType
	PrinterID string
	JobID     string
	Data      map[string]any
	Timestamp time.Time
}

// Handler processes one event. An error does not halt the bus; it is
// logged against the handler's registered ID.
type Handler interface {
	HandleEvent(ctx context.Context, ev *Event) error
	SupportedEvents() []EventType
}

type registration struct {
	id      string
	handler Handler
	types   map[EventType]struct{}
}

func (r *registration) matches(t EventType) bool {
	if len(r.types) == 0 {
		return true
	}
	_, ok := r.types[t]
	return ok
}

// Bus is the synchronous event bus: Publish dispatches to every
// matching handler on the caller's own goroutine and returns once all
// have run, so callers that need the safety guarantee "every
// subscriber observed this event before I proceed" (e.g. the safety
// coordinator broadcasting an emergency stop) get it for free.
type Bus struct {
	mu     sync.RWMutex
	regs   map[string]*registration
	log    *logging.Logger
}

// New creates a synchronous Bus.
func New(log *logging.Logger) *Bus {
	return &Bus{regs: make(map[string]*registration), log: log}
}

// Subscribe registers handler under id, replacing any prior
// registration with the same id. An empty types list subscribes to
// everything.
func (b *Bus) Subscribe(id string, handler Handler, types ...EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := make(map[EventType]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	b.regs[id] = &registration{id: id, handler: handler, types: set}
}

// Unsubscribe removes a handler registration.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.regs, id)
}

// Publish dispatches ev to every matching handler, snapshotting the
// registration list under the lock and running handlers outside it so
// a slow or re-entrant handler never blocks Subscribe/Unsubscribe.
func (b *Bus) Publish(ctx context.Context, ev *Event) {
	b.mu.RLock()
	matched := make([]*registration, 0, len(b.regs))
	for _, r := range b.regs {
		if r.matches(ev.Type) {
			matched = append(matched, r)
		}
	}
	b.mu.RUnlock()

	for _, r := range matched {
		if err := r.handler.HandleEvent(ctx, ev); err != nil && b.log != nil {
			b.log.Named("eventbus").WithError(err).
				WithField("handler", r.id).
				WithField("event_type", string(ev.Type)).
				Error("event handler failed")
		}
	}
}

// AsyncBus wraps a Bus with a bounded channel and worker pool so the
// emitting call site never blocks on handler execution, at the cost of
// ordering and immediacy guarantees. A full queue surfaces as
// kerrors.KindRateLimited (QueueFull) rather than silently dropping.
type AsyncBus struct {
	inner      *Bus
	queue      chan *Event
	workers    int
	log        *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewAsync builds an AsyncBus with the given queue depth and worker
// count. Both default (1000, 4) if non-positive, matching the
// teacher's dispatcher defaults.
func NewAsync(log *logging.Logger, queueSize, workers int) *AsyncBus {
	if queueSize <= 0 {
		queueSize = 1000
	}
	if workers <= 0 {
		workers = 4
	}
	return &AsyncBus{
		inner:   New(log),
		queue:   make(chan *Event, queueSize),
		workers: workers,
		log:     log,
	}
}

// Subscribe delegates to the inner synchronous bus; async workers
// invoke the same handler set.
func (a *AsyncBus) Subscribe(id string, handler Handler, types ...EventType) {
	a.inner.Subscribe(id, handler, types...)
}

func (a *AsyncBus) Unsubscribe(id string) { a.inner.Unsubscribe(id) }

// Start spins up the worker pool. Calling Start twice is a no-op.
func (a *AsyncBus) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	workerCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true

	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(workerCtx)
	}
	return nil
}

// Stop drains in-flight handler calls and halts the worker pool.
// Calling Stop when not running is a no-op.
func (a *AsyncBus) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
}

func (a *AsyncBus) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.queue:
			a.inner.Publish(ctx, ev)
		}
	}
}

// Publish enqueues ev for async processing. Returns
// kerrors.KindRateLimited if the queue is full.
func (a *AsyncBus) Publish(ev *Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		return kerrors.New(kerrors.KindRateLimited, "event queue full").
			WithDetail("event_type", string(ev.Type))
	}
}
