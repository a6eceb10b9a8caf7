package billing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilnfleet/kiln/internal/storage/storagetest"
)

func newTestLedger(limits SpendLimits) *Ledger {
	return New(DefaultFeePolicy(), limits, storagetest.New())
}

func TestCalculateFeeFreeTierWaiverSequencing(t *testing.T) {
	l := newTestLedger(SpendLimits{})
	ctx := context.Background()
	email := "alice@example.com"

	for i := 1; i <= 5; i++ {
		calc, err := l.CalculateFee(ctx, email, 40, "")
		require.NoError(t, err)
		assert.True(t, calc.Waived)
		assert.Equal(t, 0.0, calc.Fee)
		_, err = l.RecordCharge(ctx, fmt.Sprintf("job-seq-%d", i), calc, 40, &email, nil, nil, "none")
		require.NoError(t, err)
	}

	calc, err := l.CalculateFee(ctx, email, 40, "")
	require.NoError(t, err)
	assert.False(t, calc.Waived)
	assert.Greater(t, calc.Fee, 0.0)
}

func TestCalculateFeeClampsToMinAndMax(t *testing.T) {
	l := newTestLedger(SpendLimits{})
	ctx := context.Background()
	email := "bob@example.com"

	for i := 0; i < DefaultFeePolicy().FreeTierJobsPerMonth; i++ {
		calc, err := l.CalculateFee(ctx, email, 10, "")
		require.NoError(t, err)
		_, err = l.RecordCharge(ctx, fmt.Sprintf("warmup-%d", i), calc, 10, &email, nil, nil, "none")
		require.NoError(t, err)
	}

	tiny, err := l.CalculateFee(ctx, email, 1, "")
	require.NoError(t, err)
	assert.False(t, tiny.Waived)
	assert.Equal(t, DefaultFeePolicy().MinFee, tiny.Fee)

	huge, err := l.CalculateFee(ctx, email, 100000, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultFeePolicy().MaxFee, huge.Fee)
}

func TestCalculateFeeZeroOrNegativeCostIsZeroFeeNotWaived(t *testing.T) {
	l := newTestLedger(SpendLimits{})
	ctx := context.Background()

	calc, err := l.CalculateFee(ctx, "carol@example.com", 0, "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, calc.Fee)
	assert.False(t, calc.Waived)

	calc, err = l.CalculateFee(ctx, "carol@example.com", -5, "")
	require.NoError(t, err)
	assert.Equal(t, 0.0, calc.Fee)
	assert.False(t, calc.Waived)
}

func TestRecordChargeIsIdempotentPerJobID(t *testing.T) {
	l := newTestLedger(SpendLimits{})
	ctx := context.Background()
	email := "dave@example.com"

	calc := FeeCalculation{Fee: 5, EffectivePercent: 5, Currency: "USD"}
	first, err := l.RecordCharge(ctx, "job-1", calc, 100, &email, nil, nil, "captured")
	require.NoError(t, err)
	require.NotNil(t, first)

	other := FeeCalculation{Fee: 99, EffectivePercent: 99, Currency: "USD"}
	second, err := l.RecordCharge(ctx, "job-1", other, 100, &email, nil, nil, "captured")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.FeeAmount, second.FeeAmount)
	assert.Equal(t, 5.0, second.FeeAmount)
}

func TestCheckSpendLimitsPerOrderBoundary(t *testing.T) {
	l := newTestLedger(SpendLimits{MaxPerOrder: 10})
	ctx := context.Background()

	ok, reason, err := l.CheckSpendLimits(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)

	ok, reason, err = l.CheckSpendLimits(ctx, 10.01)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NotEmpty(t, reason)
}

func TestCheckSpendLimitsAccountsForExistingCharges(t *testing.T) {
	l := newTestLedger(SpendLimits{MaxPerDay: 20})
	ctx := context.Background()
	email := "erin@example.com"

	calc := FeeCalculation{Fee: 15, EffectivePercent: 5, Currency: "USD"}
	_, err := l.RecordCharge(ctx, "job-a", calc, 300, &email, nil, nil, "captured")
	require.NoError(t, err)

	ok, _, err := l.CheckSpendLimits(ctx, 6)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _, err = l.CheckSpendLimits(ctx, 5)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMonthlyRevenueForSeparatesWaivedFromFees(t *testing.T) {
	l := newTestLedger(SpendLimits{})
	ctx := context.Background()
	email := "frank@example.com"

	waived := FeeCalculation{Fee: 0, Waived: true, WaiverReason: "Free tier: job 1 of 5 free this month", Currency: "USD"}
	_, err := l.RecordCharge(ctx, "job-free", waived, 40, &email, nil, nil, "none")
	require.NoError(t, err)

	charged := FeeCalculation{Fee: 7.5, EffectivePercent: 5, Currency: "USD"}
	_, err = l.RecordCharge(ctx, "job-paid", charged, 150, &email, nil, nil, "captured")
	require.NoError(t, err)

	rev, err := l.MonthlyRevenueFor(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, rev.JobCount)
	assert.Equal(t, 1, rev.WaivedCount)
	assert.Equal(t, 7.5, rev.TotalFees)
}
