// Package payment composes rail providers (Stripe, Circle, ...) behind
// one authorize/capture/charge/cancel contract, generalized from the
// teacher's gasbank settlement idempotency (packages/com.r3e.services.gasbank/service/settlement.go,
// a sync.Map keyed by an idempotency token) applied to payment rails
// instead of on-chain settlement batches.
package payment

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/kerrors"
)

// Provider implements one payment rail.
type Provider interface {
	Name() string
	SupportsCrypto() bool
	// Authorize places a hold for fee against quoteID, returning a
	// provider hold reference. Providers without native holds return
	// an empty hold_id; the manager then synthesizes authorize+capture
	// as a direct charge.
	Authorize(ctx context.Context, quoteID string, fee float64) (holdID string, err error)
	Capture(ctx context.Context, holdID, orderID string, fee float64) (paymentID string, err error)
	Charge(ctx context.Context, jobID string, fee float64) (paymentID string, err error)
	Cancel(ctx context.Context, holdID string) error
	Refund(ctx context.Context, paymentID string) error
}

// Result reports the outcome of a payment attempt.
type Result struct {
	PaymentID string
	Rail      string
	Waived    bool
}

// Manager selects a rail and enforces the idempotency/spend-limit/
// refund-on-failure invariants of spec §4.11.
type Manager struct {
	providers   map[string]Provider
	aliases     map[string]string // alias -> provider name
	defaultRail string
	firstRail   string

	ledger *billing.Ledger
	bus    *eventbus.Bus

	jobLocks sync.Map // jobID -> *sync.Mutex, process-wide per-job serialization
}

func New(ledger *billing.Ledger, bus *eventbus.Bus) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		aliases:   make(map[string]string),
		ledger:    ledger,
		bus:       bus,
	}
}

// RegisterProvider adds a rail. The first provider registered becomes
// the fallback "first-registered" rail if no default is configured.
func (m *Manager) RegisterProvider(p Provider) {
	if m.providers == nil {
		m.providers = make(map[string]Provider)
	}
	m.providers[p.Name()] = p
	if m.firstRail == "" {
		m.firstRail = p.Name()
	}
}

// SetDefaultRail designates the configured-default provider.
func (m *Manager) SetDefaultRail(name string) { m.defaultRail = name }

// SetAlias maps a caller-facing alias (e.g. "crypto") to a concrete
// provider name, resolved lazily at selection time against whichever
// registered provider matches first.
func (m *Manager) SetAlias(alias, providerName string) { m.aliases[alias] = providerName }

// selectRail implements spec §4.11's precedence: caller-specified >
// configured-default > first-registered.
func (m *Manager) selectRail(requested string) (Provider, error) {
	if requested != "" {
		if real, ok := m.aliases[requested]; ok {
			requested = real
		}
		if p, ok := m.providers[requested]; ok {
			return p, nil
		}
		if requested == "crypto" {
			for _, p := range m.providers {
				if p.SupportsCrypto() {
					return p, nil
				}
			}
		}
		return nil, kerrors.New(kerrors.KindValidation, "unknown payment rail").WithDetail("rail", requested)
	}
	if m.defaultRail != "" {
		if p, ok := m.providers[m.defaultRail]; ok {
			return p, nil
		}
	}
	if m.firstRail != "" {
		return m.providers[m.firstRail], nil
	}
	return nil, kerrors.New(kerrors.KindValidation, "no payment rail registered")
}

func (m *Manager) lockFor(jobID string) *sync.Mutex {
	l, _ := m.jobLocks.LoadOrStore(jobID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// ChargeFee is the idempotent, spend-limit-checked entry point used by
// the fulfillment flow. Waived or non-positive fees short-circuit to a
// synthetic success without contacting any provider (spec §4.11.1). A
// completed charge already recorded for jobID is returned without a
// second provider call (spec §4.11.3), enforced both by the per-job
// lock here and by the ledger's unique job_id key underneath.
func (m *Manager) ChargeFee(ctx context.Context, jobID string, calc billing.FeeCalculation, jobCost float64, userEmail *string, rail string) (Result, error) {
	lock := m.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	if calc.Waived || calc.Fee <= 0 {
		charge, err := m.ledger.RecordCharge(ctx, jobID, calc, jobCost, userEmail, nil, nil, "waived")
		if err != nil {
			return Result{}, err
		}
		return Result{Waived: true, PaymentID: derefOr(charge.PaymentID, "")}, nil
	}

	if existing, err := m.ledger.ChargeByJobID(ctx, jobID); err == nil {
		return Result{PaymentID: derefOr(existing.PaymentID, ""), Rail: derefOr(existing.PaymentRail, "")}, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return Result{}, err
	}

	ok, reason, err := m.ledger.CheckSpendLimits(ctx, calc.Fee)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, kerrors.New(kerrors.KindSpendLimit, reason).WithDetail("job_id", jobID)
	}

	provider, err := m.selectRail(rail)
	if err != nil {
		return Result{}, err
	}

	m.publish(ctx, "payment.initiated", jobID, provider.Name())
	paymentID, err := provider.Charge(ctx, jobID, calc.Fee)
	if err != nil {
		m.publish(ctx, "payment.failed", jobID, provider.Name())
		return Result{}, kerrors.Wrap(kerrors.KindPaymentFailed, "payment provider charge failed", err).
			WithDetail("job_id", jobID).WithDetail("rail", provider.Name())
	}

	railName := provider.Name()
	charge, err := m.ledger.RecordCharge(ctx, jobID, calc, jobCost, userEmail, &paymentID, &railName, "completed")
	if err != nil {
		return Result{}, err
	}
	m.publish(ctx, "payment.completed", jobID, railName)
	return Result{PaymentID: derefOr(charge.PaymentID, paymentID), Rail: railName}, nil
}

// AuthorizeFee places a hold against a quote, falling back to a
// synthetic empty hold when the provider has no native authorize step.
func (m *Manager) AuthorizeFee(ctx context.Context, rail, quoteID string, fee float64) (holdID string, err error) {
	if fee <= 0 {
		return "", nil
	}
	provider, err := m.selectRail(rail)
	if err != nil {
		return "", err
	}
	return provider.Authorize(ctx, quoteID, fee)
}

// CaptureFee finalizes a prior authorization. The captured amount must
// be re-derived by the caller from the server-side cached quote, never
// trusted from the client request (spec §4.11.4) — this manager only
// forwards whatever fee the caller already validated.
func (m *Manager) CaptureFee(ctx context.Context, rail, holdID, orderID string, fee float64) (string, error) {
	if fee <= 0 {
		return "", nil
	}
	provider, err := m.selectRail(rail)
	if err != nil {
		return "", err
	}
	if holdID == "" {
		return provider.Charge(ctx, orderID, fee)
	}
	return provider.Capture(ctx, holdID, orderID, fee)
}

// CancelFee releases an authorization hold without capturing it.
func (m *Manager) CancelFee(ctx context.Context, rail, holdID string) error {
	if holdID == "" {
		return nil
	}
	provider, err := m.selectRail(rail)
	if err != nil {
		return err
	}
	return provider.Cancel(ctx, holdID)
}

// RefundOnFailure refunds paymentID and returns both the triggering
// failure and the refund outcome, since a captured payment must never
// be left without either a completed order or a refund (spec §4.11.5).
func (m *Manager) RefundOnFailure(ctx context.Context, rail, paymentID string, cause error) error {
	provider, err := m.selectRail(rail)
	if err != nil {
		return kerrors.Wrap(kerrors.KindPaymentFailed, "order failed and refund rail could not be resolved", cause)
	}
	if refundErr := provider.Refund(ctx, paymentID); refundErr != nil {
		return kerrors.Wrap(kerrors.KindPaymentFailed, "order failed and refund also failed", cause).
			WithDetail("refund_error", refundErr.Error())
	}
	return kerrors.Wrap(kerrors.KindPaymentFailed, "order failed, payment refunded", cause)
}

func (m *Manager) publish(ctx context.Context, eventName, jobID, rail string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, &eventbus.Event{
		Type:      eventbus.EventPaymentSettled,
		JobID:     jobID,
		Data:      map[string]any{"stage": eventName, "rail": rail},
		Timestamp: time.Now(),
	})
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
