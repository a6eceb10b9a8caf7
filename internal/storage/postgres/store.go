// Package postgres implements Kiln's storage.*Repository interfaces
// against Postgres, generalizing the teacher's BaseStore helper
// (transaction-from-context, null-type conversions) from a single table
// per store to one Store spanning all of Kiln's tables — the durable
// backing is small enough that splitting it defeats the point of a
// shared connection pool and migration set.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/jmoiron/sqlx"

	"github.com/kilnfleet/kiln/internal/storage"
)

// Store is the Postgres-backed implementation of every storage
// repository interface Kiln defines.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn and verifies it with a ping. busyTimeout maps to
// Postgres's statement_timeout, the nearest equivalent of the spec's
// SQLite busy_timeout=5s convention.
func Open(ctx context.Context, dsn string, busyTimeout time.Duration) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("SET statement_timeout = %d", busyTimeout.Milliseconds())); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: set statement_timeout: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for migration tooling.
func (s *Store) DB() *sql.DB { return s.db.DB }

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSONMap(raw []byte) (map[string]any, error) {
	out := make(map[string]any)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// --- Jobs ---------------------------------------------------------------

var _ storage.JobRepository = (*Store)(nil)

func (s *Store) CreateJob(ctx context.Context, j *storage.Job) error {
	meta, err := marshalJSON(j.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, file_name, printer_name, status, priority, submitted_by, created_at, started_at, completed_at, error, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		j.ID, j.FileName, j.PrinterName, j.Status, j.Priority, j.SubmittedBy, j.CreatedAt, j.StartedAt, j.CompletedAt, j.Error, meta)
	return err
}

func (s *Store) UpdateJob(ctx context.Context, j *storage.Job) error {
	meta, err := marshalJSON(j.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET file_name=$2, printer_name=$3, status=$4, priority=$5, submitted_by=$6,
			started_at=$7, completed_at=$8, error=$9, metadata=$10
		WHERE id=$1`,
		j.ID, j.FileName, j.PrinterName, j.Status, j.Priority, j.SubmittedBy, j.StartedAt, j.CompletedAt, j.Error, meta)
	return err
}

type jobRow struct {
	ID          string         `db:"id"`
	FileName    string         `db:"file_name"`
	PrinterName sql.NullString `db:"printer_name"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	SubmittedBy string         `db:"submitted_by"`
	CreatedAt   time.Time      `db:"created_at"`
	StartedAt   sql.NullTime   `db:"started_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	Error       sql.NullString `db:"error"`
	Metadata    []byte         `db:"metadata"`
}

func (r *jobRow) toModel() (*storage.Job, error) {
	meta, err := unmarshalJSONMap(r.Metadata)
	if err != nil {
		return nil, err
	}
	job := &storage.Job{
		ID:          r.ID,
		FileName:    r.FileName,
		Status:      storage.JobStatus(r.Status),
		Priority:    r.Priority,
		SubmittedBy: r.SubmittedBy,
		CreatedAt:   r.CreatedAt,
		Metadata:    meta,
	}
	if r.PrinterName.Valid {
		job.PrinterName = &r.PrinterName.String
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	if r.Error.Valid {
		job.Error = &r.Error.String
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	var row jobRow
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM jobs WHERE id=$1`, id); err != nil {
		return nil, err
	}
	return row.toModel()
}

func (s *Store) ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error) {
	var rows []jobRow
	var err error
	if status == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM jobs ORDER BY priority DESC, created_at ASC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT * FROM jobs WHERE status=$1 ORDER BY priority DESC, created_at ASC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Job, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]*storage.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM jobs WHERE status NOT IN ($1,$2,$3)`,
		storage.JobCompleted, storage.JobFailed, storage.JobCancelled)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Job, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// --- Events ---------------------------------------------------------------

var _ storage.EventRepository = (*Store)(nil)

func (s *Store) AppendEvent(ctx context.Context, ev *storage.Event) error {
	data, err := marshalJSON(ev.Data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events (event_type, data, timestamp, source) VALUES ($1,$2,$3,$4)`,
		ev.Type, data, ev.Timestamp, ev.Source)
	return err
}

func (s *Store) ListEvents(ctx context.Context, eventType string, limit int) ([]*storage.Event, error) {
	type row struct {
		EventType string    `db:"event_type"`
		Data      []byte    `db:"data"`
		Timestamp time.Time `db:"timestamp"`
		Source    string    `db:"source"`
	}
	var rows []row
	var err error
	if eventType == "" {
		err = s.db.SelectContext(ctx, &rows, `SELECT event_type, data, timestamp, source FROM events ORDER BY timestamp DESC LIMIT $1`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `SELECT event_type, data, timestamp, source FROM events WHERE event_type=$1 ORDER BY timestamp DESC LIMIT $2`, eventType, limit)
	}
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Event, 0, len(rows))
	for _, r := range rows {
		d, err := unmarshalJSONMap(r.Data)
		if err != nil {
			return nil, err
		}
		out = append(out, &storage.Event{Type: r.EventType, Data: d, Timestamp: r.Timestamp, Source: r.Source})
	}
	return out, nil
}

// --- Printers ---------------------------------------------------------------

var _ storage.PrinterRepository = (*Store)(nil)

func (s *Store) UpsertPrinter(ctx context.Context, p *storage.Printer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO printers (name, backend, host, api_key_ref, safety_profile_id)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET backend=EXCLUDED.backend, host=EXCLUDED.host,
			api_key_ref=EXCLUDED.api_key_ref, safety_profile_id=EXCLUDED.safety_profile_id`,
		p.Name, p.Backend, p.Host, p.APIKeyRef, p.SafetyProfileID)
	return err
}

func (s *Store) DeletePrinter(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM printers WHERE name=$1`, name)
	return err
}

func (s *Store) GetPrinter(ctx context.Context, name string) (*storage.Printer, error) {
	type row struct {
		Name            string         `db:"name"`
		Backend         string         `db:"backend"`
		Host            string         `db:"host"`
		APIKeyRef       sql.NullString `db:"api_key_ref"`
		SafetyProfileID sql.NullString `db:"safety_profile_id"`
	}
	var r row
	if err := s.db.GetContext(ctx, &r, `SELECT * FROM printers WHERE name=$1`, name); err != nil {
		return nil, err
	}
	p := &storage.Printer{Name: r.Name, Backend: storage.PrinterBackend(r.Backend), Host: r.Host}
	if r.APIKeyRef.Valid {
		p.APIKeyRef = &r.APIKeyRef.String
	}
	if r.SafetyProfileID.Valid {
		p.SafetyProfileID = &r.SafetyProfileID.String
	}
	return p, nil
}

func (s *Store) ListPrinters(ctx context.Context) ([]*storage.Printer, error) {
	names, err := s.listPrinterNames(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.Printer, 0, len(names))
	for _, n := range names {
		p, err := s.GetPrinter(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Store) listPrinterNames(ctx context.Context) ([]string, error) {
	var names []string
	err := s.db.SelectContext(ctx, &names, `SELECT name FROM printers ORDER BY name`)
	return names, err
}
