package payment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/billing"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/storage/storagetest"
)

type fakeProvider struct {
	name           string
	crypto         bool
	chargeCalls    int
	authorizeCalls int
	captureCalls   int
	cancelCalls    int
	refundCalls    int
	chargeErr      error
	nextPaymentID  string
}

func (p *fakeProvider) Name() string         { return p.name }
func (p *fakeProvider) SupportsCrypto() bool { return p.crypto }
func (p *fakeProvider) Authorize(ctx context.Context, quoteID string, fee float64) (string, error) {
	p.authorizeCalls++
	return "hold_" + quoteID, nil
}
func (p *fakeProvider) Capture(ctx context.Context, holdID, orderID string, fee float64) (string, error) {
	p.captureCalls++
	return "payment_" + orderID, nil
}
func (p *fakeProvider) Charge(ctx context.Context, jobID string, fee float64) (string, error) {
	p.chargeCalls++
	if p.chargeErr != nil {
		return "", p.chargeErr
	}
	if p.nextPaymentID != "" {
		return p.nextPaymentID, nil
	}
	return "payment_" + jobID, nil
}
func (p *fakeProvider) Cancel(ctx context.Context, holdID string) error {
	p.cancelCalls++
	return nil
}
func (p *fakeProvider) Refund(ctx context.Context, paymentID string) error {
	p.refundCalls++
	return nil
}

func newManager() (*Manager, *fakeProvider) {
	ledger := billing.New(billing.DefaultFeePolicy(), billing.SpendLimits{}, storagetest.New())
	m := New(ledger, nil)
	provider := &fakeProvider{name: "stripe"}
	m.RegisterProvider(provider)
	return m, provider
}

func TestChargeFeeWaivedSkipsProvider(t *testing.T) {
	m, provider := newManager()
	calc := billing.FeeCalculation{Waived: true, WaiverReason: "free tier"}

	res, err := m.ChargeFee(context.Background(), "job-1", calc, 40, nil, "")
	require.NoError(t, err)
	assert.True(t, res.Waived)
	assert.Equal(t, 0, provider.chargeCalls)
}

func TestChargeFeeZeroFeeSkipsProvider(t *testing.T) {
	m, provider := newManager()
	calc := billing.FeeCalculation{Fee: 0}

	res, err := m.ChargeFee(context.Background(), "job-2", calc, 40, nil, "")
	require.NoError(t, err)
	assert.True(t, res.Waived)
	assert.Equal(t, 0, provider.chargeCalls)
}

func TestChargeFeeIsIdempotentPerJob(t *testing.T) {
	m, provider := newManager()
	calc := billing.FeeCalculation{Fee: 5, EffectivePercent: 5, Currency: "USD"}

	first, err := m.ChargeFee(context.Background(), "job-3", calc, 100, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, first.PaymentID)
	assert.Equal(t, 1, provider.chargeCalls)

	second, err := m.ChargeFee(context.Background(), "job-3", calc, 100, nil, "")
	require.NoError(t, err)
	assert.Equal(t, first.PaymentID, second.PaymentID)
	assert.Equal(t, 1, provider.chargeCalls, "a second charge for an already-recorded job must not call the provider again")
}

func TestChargeFeeRespectsSpendLimit(t *testing.T) {
	ledger := billing.New(billing.DefaultFeePolicy(), billing.SpendLimits{MaxPerOrder: 1}, storagetest.New())
	m := New(ledger, nil)
	provider := &fakeProvider{name: "stripe"}
	m.RegisterProvider(provider)

	calc := billing.FeeCalculation{Fee: 50, EffectivePercent: 5, Currency: "USD"}
	_, err := m.ChargeFee(context.Background(), "job-4", calc, 1000, nil, "")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindSpendLimit, kerr.Kind)
	assert.Equal(t, 0, provider.chargeCalls)
}

func TestChargeFeeProviderFailureIsPaymentFailed(t *testing.T) {
	m, provider := newManager()
	provider.chargeErr = assert.AnError
	calc := billing.FeeCalculation{Fee: 5, EffectivePercent: 5, Currency: "USD"}

	_, err := m.ChargeFee(context.Background(), "job-5", calc, 100, nil, "")
	require.Error(t, err)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindPaymentFailed, kerr.Kind)
}

func TestSelectRailPrecedenceCallerDefaultFirstRegistered(t *testing.T) {
	ledger := billing.New(billing.DefaultFeePolicy(), billing.SpendLimits{}, storagetest.New())
	m := New(ledger, nil)
	stripe := &fakeProvider{name: "stripe"}
	circle := &fakeProvider{name: "circle", crypto: true}
	m.RegisterProvider(stripe)
	m.RegisterProvider(circle)
	m.SetAlias("crypto", "circle")

	p, err := m.selectRail("")
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	m.SetDefaultRail("circle")
	p, err = m.selectRail("")
	require.NoError(t, err)
	assert.Equal(t, "circle", p.Name())

	p, err = m.selectRail("stripe")
	require.NoError(t, err)
	assert.Equal(t, "stripe", p.Name())

	p, err = m.selectRail("crypto")
	require.NoError(t, err)
	assert.Equal(t, "circle", p.Name())
}

func TestAuthorizeFeeZeroFeeIsNoop(t *testing.T) {
	m, provider := newManager()
	holdID, err := m.AuthorizeFee(context.Background(), "stripe", "quote-1", 0)
	require.NoError(t, err)
	assert.Empty(t, holdID)
	assert.Equal(t, 0, provider.authorizeCalls)
}

func TestAuthorizeAndCaptureFee(t *testing.T) {
	m, provider := newManager()
	holdID, err := m.AuthorizeFee(context.Background(), "stripe", "quote-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, holdID)
	assert.Equal(t, 1, provider.authorizeCalls)

	paymentID, err := m.CaptureFee(context.Background(), "stripe", holdID, "order-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, paymentID)
	assert.Equal(t, 1, provider.captureCalls)
}

func TestCaptureFeeWithoutHoldSynthesizesDirectCharge(t *testing.T) {
	m, provider := newManager()
	paymentID, err := m.CaptureFee(context.Background(), "stripe", "", "order-2", 10)
	require.NoError(t, err)
	require.NotEmpty(t, paymentID)
	assert.Equal(t, 1, provider.chargeCalls)
	assert.Equal(t, 0, provider.captureCalls)
}

func TestRefundOnFailureRefundsAndWrapsCause(t *testing.T) {
	m, provider := newManager()
	err := m.RefundOnFailure(context.Background(), "stripe", "payment-1", assert.AnError)
	require.Error(t, err)
	assert.Equal(t, 1, provider.refundCalls)
	kerr, ok := kerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindPaymentFailed, kerr.Kind)
}
