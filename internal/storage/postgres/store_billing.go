package postgres

import (
	"context"
	"time"

	"github.com/kilnfleet/kiln/internal/storage"
)

var _ storage.BillingRepository = (*Store)(nil)

// InsertChargeIfAbsent is Kiln's equivalent of the teacher's
// "INSERT OR IGNORE": ON CONFLICT DO NOTHING against the job_id unique
// key, then a read-back so the caller always gets the row that exists,
// whether it was the one just inserted or an earlier one.
func (s *Store) InsertChargeIfAbsent(ctx context.Context, charge *storage.BillingCharge) (*storage.BillingCharge, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO billing_charges (job_id, fee_amount, fee_percent, job_cost, currency, waived, waiver_reason, payment_id, payment_rail, payment_status, user_email, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (job_id) DO NOTHING`,
		charge.JobID, charge.FeeAmount, charge.FeePercent, charge.JobCost, charge.Currency, charge.Waived,
		charge.WaiverReason, charge.PaymentID, charge.PaymentRail, charge.PaymentStatus, charge.UserEmail, charge.Timestamp)
	if err != nil {
		return nil, false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	existing, err := s.GetChargeByJobID(ctx, charge.JobID)
	if err != nil {
		return nil, false, err
	}
	return existing, rows > 0, nil
}

func (s *Store) UpdateCharge(ctx context.Context, charge *storage.BillingCharge) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE billing_charges SET payment_id=$2, payment_rail=$3, payment_status=$4
		WHERE job_id=$1`,
		charge.JobID, charge.PaymentID, charge.PaymentRail, charge.PaymentStatus)
	return err
}

func (s *Store) GetChargeByJobID(ctx context.Context, jobID string) (*storage.BillingCharge, error) {
	var c storage.BillingCharge
	err := s.db.GetContext(ctx, &c, `SELECT * FROM billing_charges WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) ListChargesBetween(ctx context.Context, from, to time.Time) ([]*storage.BillingCharge, error) {
	var rows []storage.BillingCharge
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM billing_charges WHERE timestamp >= $1 AND timestamp < $2 ORDER BY timestamp`, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.BillingCharge, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}
