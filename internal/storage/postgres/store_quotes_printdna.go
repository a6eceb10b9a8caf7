package postgres

import (
	"context"
	"time"

	"github.com/kilnfleet/kiln/internal/storage"
)

var _ storage.QuoteRepository = (*Store)(nil)

func (s *Store) PutQuote(ctx context.Context, q *storage.CachedQuote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quote_cache (quote_token, provider, service, material, quantity, total_price, currency, user_email, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (quote_token) DO NOTHING`,
		q.QuoteToken, q.Provider, q.Service, q.Material, q.Quantity, q.TotalPrice, q.Currency, q.UserEmail, q.ExpiresAt)
	return err
}

func (s *Store) GetQuote(ctx context.Context, token string) (*storage.CachedQuote, error) {
	var q storage.CachedQuote
	err := s.db.GetContext(ctx, &q, `SELECT * FROM quote_cache WHERE quote_token=$1`, token)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *Store) DeleteQuote(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM quote_cache WHERE quote_token=$1`, token)
	return err
}

var _ storage.PrintDNARepository = (*Store)(nil)

func (s *Store) AppendRecord(ctx context.Context, r *storage.PrintDNARecord) error {
	settings, err := marshalJSON(r.Settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO print_dna (file_hash, geometric_signature, triangle_count, bbox_x, bbox_y, bbox_z,
			volume, surface_area, printer_model, material, settings, outcome, quality_grade, failure_mode, print_time_s, timestamp)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		r.FileHash, r.GeometricSignature, r.TriangleCount, r.BBox[0], r.BBox[1], r.BBox[2],
		r.Volume, r.SurfaceArea, r.PrinterModel, r.Material, settings, r.Outcome, r.QualityGrade, r.FailureMode, r.PrintTimeS, r.Timestamp)
	return err
}

type printDNARow struct {
	FileHash           string  `db:"file_hash"`
	GeometricSignature string  `db:"geometric_signature"`
	TriangleCount       int64   `db:"triangle_count"`
	BBoxX               float64 `db:"bbox_x"`
	BBoxY               float64 `db:"bbox_y"`
	BBoxZ               float64 `db:"bbox_z"`
	Volume              float64 `db:"volume"`
	SurfaceArea         float64 `db:"surface_area"`
	PrinterModel        string  `db:"printer_model"`
	Material            string  `db:"material"`
	Settings            []byte  `db:"settings"`
	Outcome             string  `db:"outcome"`
	QualityGrade        *string `db:"quality_grade"`
	FailureMode         *string `db:"failure_mode"`
	PrintTimeS          float64   `db:"print_time_s"`
	Timestamp           time.Time `db:"timestamp"`
}

func (s *Store) ByFileHash(ctx context.Context, hash string) ([]*storage.PrintDNARecord, error) {
	return s.queryPrintDNA(ctx, `SELECT * FROM print_dna WHERE file_hash=$1 ORDER BY timestamp`, hash)
}

func (s *Store) ByGeometricSignature(ctx context.Context, sig string) ([]*storage.PrintDNARecord, error) {
	return s.queryPrintDNA(ctx, `SELECT * FROM print_dna WHERE geometric_signature=$1 ORDER BY timestamp`, sig)
}

func (s *Store) queryPrintDNA(ctx context.Context, query string, arg any) ([]*storage.PrintDNARecord, error) {
	var rows []printDNARow
	if err := s.db.SelectContext(ctx, &rows, query, arg); err != nil {
		return nil, err
	}
	out := make([]*storage.PrintDNARecord, 0, len(rows))
	for _, r := range rows {
		settings, err := unmarshalJSONMap(r.Settings)
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.PrintDNARecord{
			FileHash:            r.FileHash,
			GeometricSignature:  r.GeometricSignature,
			TriangleCount:       r.TriangleCount,
			BBox:                [3]float64{r.BBoxX, r.BBoxY, r.BBoxZ},
			Volume:              r.Volume,
			SurfaceArea:         r.SurfaceArea,
			PrinterModel:        r.PrinterModel,
			Material:            r.Material,
			Settings:            settings,
			Outcome:             r.Outcome,
			QualityGrade:        r.QualityGrade,
			FailureMode:         r.FailureMode,
			PrintTimeS:          r.PrintTimeS,
			Timestamp:           r.Timestamp,
		})
	}
	return out, nil
}
