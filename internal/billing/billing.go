// Package billing implements Kiln's fee policy, free-tier counters,
// spend limits, and idempotent charge ledger, generalized from the
// teacher's gasbank Manager — a single lock guarding an in-memory index
// backed by a durable, idempotent-insert store.
package billing

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/storage"
)

// FeePolicy configures the network fee schedule (spec §4.10 defaults).
type FeePolicy struct {
	NetworkFeePercent    float64
	MinFee               float64
	MaxFee               float64
	FreeTierJobsPerMonth int
	Currency             string
}

// DefaultFeePolicy matches spec §4.10's stated defaults.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{NetworkFeePercent: 5, MinFee: 0.25, MaxFee: 200, FreeTierJobsPerMonth: 5, Currency: "USD"}
}

// SpendLimits bounds proposed-fee approval.
type SpendLimits struct {
	MaxPerOrder float64
	MaxPerDay   float64
	MaxPerMonth float64
}

// FeeCalculation is the result of calculating a job's network fee.
type FeeCalculation struct {
	Fee              float64
	EffectivePercent float64
	Waived           bool
	WaiverReason     string
	Currency         string
}

// MonthlyRevenue summarizes one calendar month (UTC).
type MonthlyRevenue struct {
	TotalFees   float64
	JobCount    int
	WaivedCount int
}

// Ledger is the thread-safe billing ledger. All mutation is guarded by
// a single lock; the durable backing enforces the job_id idempotency
// key via INSERT ... ON CONFLICT DO NOTHING (spec §4.10).
type Ledger struct {
	mu     sync.Mutex
	policy FeePolicy
	limits SpendLimits
	repo   storage.BillingRepository
}

func New(policy FeePolicy, limits SpendLimits, repo storage.BillingRepository) *Ledger {
	return &Ledger{policy: policy, limits: limits, repo: repo}
}

// CalculateFee applies the free-tier check, then the percent-of-cost
// fee clamped to [min_fee, max_fee] (spec §4.10).
func (l *Ledger) CalculateFee(ctx context.Context, userEmail string, cost float64, currency string) (FeeCalculation, error) {
	if currency == "" {
		currency = l.policy.Currency
	}
	if cost <= 0 {
		return FeeCalculation{Fee: 0, EffectivePercent: 0, Waived: false, Currency: currency}, nil
	}

	used, err := l.monthChargeCount(ctx, userEmail)
	if err != nil {
		return FeeCalculation{}, err
	}
	if used < l.policy.FreeTierJobsPerMonth {
		return FeeCalculation{
			Fee: 0, EffectivePercent: 0, Waived: true,
			WaiverReason: fmt.Sprintf("Free tier: job %d of %d free this month", used+1, l.policy.FreeTierJobsPerMonth),
			Currency:     currency,
		}, nil
	}

	raw := cost * l.policy.NetworkFeePercent / 100
	fee := clamp(raw, l.policy.MinFee, l.policy.MaxFee)
	effective := fee / cost * 100
	return FeeCalculation{Fee: round2(fee), EffectivePercent: effective, Waived: false, Currency: currency}, nil
}

// MonthlyJobCountForUser counts every charge (waived or not) recorded
// this calendar month (UTC) for userEmail, used by the fulfillment
// orchestrator's below-business-tier free-tier cap.
func (l *Ledger) MonthlyJobCountForUser(ctx context.Context, userEmail string) (int, error) {
	from, to := monthBoundsUTC(time.Now())
	charges, err := l.repo.ListChargesBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, c := range charges {
		if c.UserEmail == nil || *c.UserEmail != userEmail {
			continue
		}
		count++
	}
	return count, nil
}

// monthChargeCount counts every charge recorded this calendar month
// (UTC) for userEmail, waived or not, so the free tier actually
// depletes as jobs are recorded against it.
func (l *Ledger) monthChargeCount(ctx context.Context, userEmail string) (int, error) {
	from, to := monthBoundsUTC(time.Now())
	charges, err := l.repo.ListChargesBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, c := range charges {
		if userEmail != "" && (c.UserEmail == nil || *c.UserEmail != userEmail) {
			continue
		}
		count++
	}
	return count, nil
}

// ChargeByJobID returns the charge already recorded for jobID, if any,
// so callers can short-circuit a retried payment before contacting a
// provider a second time (spec §4.11.3). Returns sql.ErrNoRows (wrapped
// by the backing repository) when none exists.
func (l *Ledger) ChargeByJobID(ctx context.Context, jobID string) (*storage.BillingCharge, error) {
	return l.repo.GetChargeByJobID(ctx, jobID)
}

// RecordCharge persists one charge row; a duplicate job_id is a no-op
// that returns the existing row, the mechanism the payment-retry
// protocol relies on for idempotency (spec §4.10).
func (l *Ledger) RecordCharge(ctx context.Context, jobID string, calc FeeCalculation, jobCost float64, userEmail *string, paymentID, paymentRail *string, paymentStatus string) (*storage.BillingCharge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	charge := &storage.BillingCharge{
		JobID:         jobID,
		FeeAmount:     calc.Fee,
		FeePercent:    calc.EffectivePercent,
		JobCost:       jobCost,
		Currency:      calc.Currency,
		Waived:        calc.Waived,
		PaymentID:     paymentID,
		PaymentRail:   paymentRail,
		PaymentStatus: paymentStatus,
		UserEmail:     userEmail,
		Timestamp:     time.Now(),
	}
	if calc.Waived {
		reason := calc.WaiverReason
		charge.WaiverReason = &reason
	}

	existing, _, err := l.repo.InsertChargeIfAbsent(ctx, charge)
	return existing, err
}

// CheckSpendLimits evaluates proposedFee against the configured
// per-order / per-day / per-month ceilings.
func (l *Ledger) CheckSpendLimits(ctx context.Context, proposedFee float64) (bool, string, error) {
	if l.limits.MaxPerOrder > 0 && proposedFee > l.limits.MaxPerOrder {
		return false, "exceeds per-order spend limit", nil
	}

	now := time.Now()
	dayCharges, err := l.repo.ListChargesBetween(ctx, now.Add(-24*time.Hour), now)
	if err != nil {
		return false, "", err
	}
	var dayTotal float64
	for _, c := range dayCharges {
		dayTotal += c.FeeAmount
	}
	if l.limits.MaxPerDay > 0 && dayTotal+proposedFee > l.limits.MaxPerDay {
		return false, "exceeds rolling 24h spend limit", nil
	}

	monthFrom, monthTo := monthBoundsUTC(now)
	monthCharges, err := l.repo.ListChargesBetween(ctx, monthFrom, monthTo)
	if err != nil {
		return false, "", err
	}
	var monthTotal float64
	for _, c := range monthCharges {
		monthTotal += c.FeeAmount
	}
	if l.limits.MaxPerMonth > 0 && monthTotal+proposedFee > l.limits.MaxPerMonth {
		return false, "exceeds monthly spend limit", nil
	}
	return true, "", nil
}

// MonthlyRevenueFor aggregates fees/job counts for the calendar month
// (UTC) containing at.
func (l *Ledger) MonthlyRevenueFor(ctx context.Context, at time.Time) (MonthlyRevenue, error) {
	from, to := monthBoundsUTC(at)
	charges, err := l.repo.ListChargesBetween(ctx, from, to)
	if err != nil {
		return MonthlyRevenue{}, err
	}
	var rev MonthlyRevenue
	for _, c := range charges {
		rev.JobCount++
		if c.Waived {
			rev.WaivedCount++
			continue
		}
		rev.TotalFees += c.FeeAmount
	}
	rev.TotalFees = round2(rev.TotalFees)
	return rev, nil
}

func monthBoundsUTC(at time.Time) (time.Time, time.Time) {
	u := at.UTC()
	from := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)
	return from, to
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
