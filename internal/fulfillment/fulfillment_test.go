package fulfillment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/payment"
	"github.com/kilnfleet/kiln/internal/quotecache"
	"github.com/kilnfleet/kiln/internal/storage/storagetest"
)

type fakeFulfillmentProvider struct {
	name           string
	quotedPrice    float64
	currency       string
	confirmedPrice float64
	quoteErr       error
	orderErr       error
	orderCalls     int
}

func (p *fakeFulfillmentProvider) Name() string { return p.name }

func (p *fakeFulfillmentProvider) Quote(ctx context.Context, service, material string, quantity int) (float64, string, error) {
	if p.quoteErr != nil {
		return 0, "", p.quoteErr
	}
	return p.quotedPrice, p.currency, nil
}

func (p *fakeFulfillmentProvider) PlaceOrder(ctx context.Context, service, material string, quantity int, confirmedPrice float64) (string, float64, error) {
	p.orderCalls++
	if p.orderErr != nil {
		return "", 0, p.orderErr
	}
	price := p.confirmedPrice
	if price == 0 {
		price = confirmedPrice
	}
	return "order_123", price, nil
}

type fakeChargeProvider struct {
	chargeCalls int
	refundCalls int
}

func (p *fakeChargeProvider) Name() string { return "stripe" }
func (p *fakeChargeProvider) SupportsCrypto() bool { return false }
func (p *fakeChargeProvider) Authorize(ctx context.Context, quoteID string, fee float64) (string, error) {
	return "", nil
}
func (p *fakeChargeProvider) Capture(ctx context.Context, holdID, orderID string, fee float64) (string, error) {
	return "payment_" + orderID, nil
}
func (p *fakeChargeProvider) Charge(ctx context.Context, jobID string, fee float64) (string, error) {
	p.chargeCalls++
	return "payment_" + jobID, nil
}
func (p *fakeChargeProvider) Cancel(ctx context.Context, holdID string) error { return nil }
func (p *fakeChargeProvider) Refund(ctx context.Context, paymentID string) error {
	p.refundCalls++
	return nil
}

func newOrchestrator(freeTier FreeTierPolicy) (*Orchestrator, *fakeFulfillmentProvider, *fakeChargeProvider, *billing.Ledger) {
	ledger := billing.New(billing.DefaultFeePolicy(), billing.SpendLimits{}, storagetest.New())
	payments := payment.New(ledger, nil)
	chargeProvider := &fakeChargeProvider{}
	payments.RegisterProvider(chargeProvider)

	quotes := quotecache.New(storagetest.New())
	orch := New(quotes, ledger, payments, freeTier)
	fp := &fakeFulfillmentProvider{name: "treatstock", quotedPrice: 100, currency: "USD"}
	orch.RegisterProvider(fp)
	return orch, fp, chargeProvider, ledger
}

// exhaustFreeTier records enough prior non-waived charges for email that
// the next CalculateFee call for them no longer qualifies for the
// free-tier waiver, so a test can exercise the real provider-charge path.
func exhaustFreeTier(t *testing.T, ledger *billing.Ledger, email string) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < billing.DefaultFeePolicy().FreeTierJobsPerMonth; i++ {
		calc := billing.FeeCalculation{Fee: 1, EffectivePercent: 5, Currency: "USD"}
		_, err := ledger.RecordCharge(ctx, "warmup-"+email+"-"+testJobSuffix(i), calc, 20, &email, nil, nil, "completed")
		require.NoError(t, err)
	}
}

func testJobSuffix(i int) string {
	return string(rune('a' + i))
}

func TestQuoteThenOrderHappyPath(t *testing.T) {
	orch, _, chargeProvider, ledger := newOrchestrator(FreeTierPolicy{})
	ctx := context.Background()
	email := "alice@example.com"
	exhaustFreeTier(t, ledger, email)

	q, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, email)
	require.NoError(t, err)
	require.NotEmpty(t, q.QuoteToken)

	res, err := orch.Order(ctx, "job-1", q.QuoteToken, email)
	require.NoError(t, err)
	assert.Equal(t, "order_123", res.OrderID)
	assert.Equal(t, 1, chargeProvider.chargeCalls)
}

func TestQuoteTokenIsSingleUse(t *testing.T) {
	orch, _, _, _ := newOrchestrator(FreeTierPolicy{})
	ctx := context.Background()

	q, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, "bob@example.com")
	require.NoError(t, err)

	_, err = orch.Order(ctx, "job-1", q.QuoteToken, "bob@example.com")
	require.NoError(t, err)

	_, err = orch.Order(ctx, "job-2", q.QuoteToken, "bob@example.com")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindQuoteNotFound, kerr.Kind)
}

func TestOrderRejectsOwnershipMismatch(t *testing.T) {
	orch, _, _, _ := newOrchestrator(FreeTierPolicy{})
	ctx := context.Background()

	q, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, "carol@example.com")
	require.NoError(t, err)

	_, err = orch.Order(ctx, "job-1", q.QuoteToken, "mallory@example.com")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindOwnershipMismatch, kerr.Kind)
}

func TestOrderPriceDriftBlockedRefundsNonWaivedCharge(t *testing.T) {
	orch, fp, chargeProvider, ledger := newOrchestrator(FreeTierPolicy{})
	ctx := context.Background()
	email := "dave@example.com"
	exhaustFreeTier(t, ledger, email)
	fp.confirmedPrice = 200 // 100% drift on a 100 quote, well past the 5% threshold

	q, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, email)
	require.NoError(t, err)

	_, err = orch.Order(ctx, "job-1", q.QuoteToken, email)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindPriceDriftBlocked, kerr.Kind)
	assert.Equal(t, 1, chargeProvider.refundCalls)
}

func TestOrderEnforcesFreeTierCap(t *testing.T) {
	orch, _, _, _ := newOrchestrator(FreeTierPolicy{MaxNetworkJobsPerMonth: 1})
	ctx := context.Background()
	email := "erin@example.com"

	q1, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, email)
	require.NoError(t, err)
	_, err = orch.Order(ctx, "job-1", q1.QuoteToken, email)
	require.NoError(t, err)

	q2, err := orch.Quote(ctx, "treatstock", "fdm", "PLA", 1, email)
	require.NoError(t, err)
	_, err = orch.Order(ctx, "job-2", q2.QuoteToken, email)
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindValidation, kerr.Kind)
}

func TestQuoteUnknownProviderIsNotFound(t *testing.T) {
	orch, _, _, _ := newOrchestrator(FreeTierPolicy{})
	_, err := orch.Quote(context.Background(), "unknown-provider", "fdm", "PLA", 1, "frank@example.com")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindNotFound, kerr.Kind)
}
