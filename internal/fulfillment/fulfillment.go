// Package fulfillment orchestrates external-manufacturing orders —
// quote, order, price-drift guard, free-tier enforcement — generalized
// from the teacher's gasbank per-user locking idiom (a process-wide
// map of per-user mutexes, lazily created) composed with the Payment
// Manager and Quote Cache instead of on-chain settlement.
package fulfillment

import (
	"context"
	"sync"

	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/payment"
	"github.com/kilnfleet/kiln/internal/quotecache"
)

// Provider is an external-fulfillment marketplace's HTTP collaborator,
// specified only by the interface it presents (spec §1's external
// collaborators note).
type Provider interface {
	Name() string
	Quote(ctx context.Context, service, material string, quantity int) (totalPrice float64, currency string, err error)
	PlaceOrder(ctx context.Context, service, material string, quantity int, confirmedPrice float64) (orderID string, confirmedPrice2 float64, err error)
}

// PriceDriftThreshold bounds the acceptable fraction of drift between
// a quoted and confirmed order price before the order is aborted.
const PriceDriftThreshold = 0.05

// FreeTierPolicy bounds monthly network jobs per user below business tier.
type FreeTierPolicy struct {
	MaxNetworkJobsPerMonth int
}

// Orchestrator composes quote/order/payment for external-fulfillment jobs.
type Orchestrator struct {
	providers map[string]Provider
	quotes    *quotecache.Cache
	ledger    *billing.Ledger
	payments  *payment.Manager
	freeTier  FreeTierPolicy

	userLocks sync.Map // userEmail -> *sync.Mutex
}

func New(quotes *quotecache.Cache, ledger *billing.Ledger, payments *payment.Manager, freeTier FreeTierPolicy) *Orchestrator {
	return &Orchestrator{providers: make(map[string]Provider), quotes: quotes, ledger: ledger, payments: payments, freeTier: freeTier}
}

func (o *Orchestrator) RegisterProvider(p Provider) { o.providers[p.Name()] = p }

func (o *Orchestrator) lockFor(userEmail string) *sync.Mutex {
	l, _ := o.userLocks.LoadOrStore(userEmail, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// QuoteResult is returned to the caller from Quote.
type QuoteResult struct {
	QuoteToken string
	TotalPrice float64
	Currency   string
	Fee        billing.FeeCalculation
}

// Quote forwards to the named provider, computes the network fee, and
// caches the quote server-side keyed by an unguessable token the
// client must present at order time — the price seen by the client is
// never trusted back (spec §4.12 step 1).
func (o *Orchestrator) Quote(ctx context.Context, providerName, service, material string, quantity int, userEmail string) (QuoteResult, error) {
	provider, ok := o.providers[providerName]
	if !ok {
		return QuoteResult{}, kerrors.New(kerrors.KindNotFound, "fulfillment provider not registered").WithDetail("provider", providerName)
	}

	totalPrice, currency, err := provider.Quote(ctx, service, material, quantity)
	if err != nil {
		return QuoteResult{}, kerrors.Wrap(kerrors.KindInternal, "provider quote failed", err)
	}

	fee, err := o.ledger.CalculateFee(ctx, userEmail, totalPrice, currency)
	if err != nil {
		return QuoteResult{}, err
	}

	token, err := o.quotes.Put(ctx, quotecache.Quote{
		Provider: providerName, Service: service, Material: material, Quantity: quantity,
		TotalPrice: totalPrice, Currency: currency, UserEmail: userEmail,
	})
	if err != nil {
		return QuoteResult{}, err
	}
	return QuoteResult{QuoteToken: token, TotalPrice: totalPrice, Currency: currency, Fee: fee}, nil
}

// OrderResult is returned to the caller from Order.
type OrderResult struct {
	OrderID   string
	PaymentID string
}

// Order pops the cached quote (single use), rejects on token/user/
// provider mismatch, serializes the user-scoped section (free-tier
// check + payment) with a per-user lock, charges, places the order,
// and enforces the price-drift guard — refunding and aborting with
// PriceDriftBlocked if the confirmed price has drifted too far (spec §4.12).
func (o *Orchestrator) Order(ctx context.Context, jobID, quoteToken, userEmail string) (OrderResult, error) {
	quote, err := o.quotes.Pop(ctx, quoteToken)
	if err != nil {
		return OrderResult{}, err
	}
	if quote.UserEmail != userEmail {
		return OrderResult{}, kerrors.New(kerrors.KindOwnershipMismatch, "quote does not belong to this user")
	}
	provider, ok := o.providers[quote.Provider]
	if !ok {
		return OrderResult{}, kerrors.New(kerrors.KindProviderMismatch, "quote provider no longer registered")
	}

	lock := o.lockFor(userEmail)
	lock.Lock()
	defer lock.Unlock()

	if err := o.checkFreeTier(ctx, userEmail); err != nil {
		return OrderResult{}, err
	}

	fee, err := o.ledger.CalculateFee(ctx, userEmail, quote.TotalPrice, quote.Currency)
	if err != nil {
		return OrderResult{}, err
	}
	payResult, err := o.payments.ChargeFee(ctx, jobID, fee, quote.TotalPrice, &userEmail, "")
	if err != nil {
		return OrderResult{}, err
	}

	orderID, confirmedPrice, err := provider.PlaceOrder(ctx, quote.Service, quote.Material, quote.Quantity, quote.TotalPrice)
	if err != nil {
		if !payResult.Waived {
			return OrderResult{}, o.payments.RefundOnFailure(ctx, "", payResult.PaymentID, err)
		}
		return OrderResult{}, kerrors.Wrap(kerrors.KindInternal, "order placement failed", err)
	}

	drift := driftFraction(quote.TotalPrice, confirmedPrice)
	if drift > PriceDriftThreshold {
		if !payResult.Waived {
			_ = o.payments.RefundOnFailure(ctx, "", payResult.PaymentID,
				kerrors.New(kerrors.KindPriceDriftBlocked, "confirmed price drifted beyond threshold"))
		}
		return OrderResult{}, kerrors.PriceDriftBlocked(quote.TotalPrice, confirmedPrice)
	}

	return OrderResult{OrderID: orderID, PaymentID: payResult.PaymentID}, nil
}

func driftFraction(quoted, confirmed float64) float64 {
	if quoted == 0 {
		return 0
	}
	d := (confirmed - quoted) / quoted
	if d < 0 {
		d = -d
	}
	return d
}

// checkFreeTier enforces the below-business-tier monthly job cap. A
// zero MaxNetworkJobsPerMonth means the caller is at/above business
// tier and is not subject to this cap.
func (o *Orchestrator) checkFreeTier(ctx context.Context, userEmail string) error {
	if o.freeTier.MaxNetworkJobsPerMonth <= 0 {
		return nil
	}
	jobCount, err := o.ledger.MonthlyJobCountForUser(ctx, userEmail)
	if err != nil {
		return err
	}
	if jobCount >= o.freeTier.MaxNetworkJobsPerMonth {
		return kerrors.New(kerrors.KindValidation, "monthly network job cap reached").WithDetail("user", userEmail)
	}
	return nil
}
