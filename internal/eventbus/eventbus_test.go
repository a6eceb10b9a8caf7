package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/kerrors"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []*Event
	types  []EventType
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, ev *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) SupportedEvents() []EventType { return h.types }

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestBusPublishDispatchesOnlyToMatchingSubscribers(t *testing.T) {
	b := New(nil)
	jobHandler := &recordingHandler{types: []EventType{EventJobCreated, EventJobCompleted}}
	printerHandler := &recordingHandler{types: []EventType{EventPrinterOnline}}

	b.Subscribe("jobs", jobHandler, jobHandler.types...)
	b.Subscribe("printers", printerHandler, printerHandler.types...)

	b.Publish(context.Background(), &Event{Type: EventJobCreated, Timestamp: time.Now()})

	assert.Equal(t, 1, jobHandler.count())
	assert.Equal(t, 0, printerHandler.count())
}

func TestBusSubscribeWithNoTypesMatchesEverything(t *testing.T) {
	b := New(nil)
	wildcard := &recordingHandler{}
	b.Subscribe("catch-all", wildcard)

	b.Publish(context.Background(), &Event{Type: EventJobCreated})
	b.Publish(context.Background(), &Event{Type: EventPrinterOffline})
	b.Publish(context.Background(), &Event{Type: EventEmergencyStop})

	assert.Equal(t, 3, wildcard.count())
}

func TestBusResubscribeSameIDReplacesRegistration(t *testing.T) {
	b := New(nil)
	first := &recordingHandler{types: []EventType{EventJobCreated}}
	second := &recordingHandler{types: []EventType{EventJobFailed}}

	b.Subscribe("h", first, first.types...)
	b.Subscribe("h", second, second.types...)

	b.Publish(context.Background(), &Event{Type: EventJobCreated})
	b.Publish(context.Background(), &Event{Type: EventJobFailed})

	assert.Equal(t, 0, first.count())
	assert.Equal(t, 1, second.count())
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	b := New(nil)
	h := &recordingHandler{types: []EventType{EventJobCreated}}
	b.Subscribe("h", h, h.types...)
	b.Unsubscribe("h")

	b.Publish(context.Background(), &Event{Type: EventJobCreated})
	assert.Equal(t, 0, h.count())
}

func TestBusPublishDoesNotHaltOnHandlerError(t *testing.T) {
	b := New(nil)
	failing := &recordingHandler{err: assert.AnError}
	ok := &recordingHandler{}
	b.Subscribe("failing", failing)
	b.Subscribe("ok", ok)

	b.Publish(context.Background(), &Event{Type: EventJobCreated})

	assert.Equal(t, 1, failing.count())
	assert.Equal(t, 1, ok.count())
}

func TestAsyncBusPublishReturnsRateLimitedWhenQueueFull(t *testing.T) {
	a := NewAsync(nil, 1, 1)
	// Do not Start the worker pool, so the queue never drains.
	require.NoError(t, a.Publish(&Event{Type: EventJobCreated}))
	err := a.Publish(&Event{Type: EventJobCreated})
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindRateLimited, kerr.Kind)
}

func TestAsyncBusStartIsIdempotentAndStopDrains(t *testing.T) {
	a := NewAsync(nil, 10, 2)
	h := &recordingHandler{}
	a.Subscribe("h", h)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Start(context.Background()))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Publish(&Event{Type: EventJobCreated}))
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 5, h.count())

	a.Stop()
	a.Stop()
}
