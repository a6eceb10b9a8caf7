package storage

import (
	"context"
	"time"
)

// JobRepository persists the Job Queue's terminal-state mirror and
// crash-recovery rows (spec §4.3: every terminal transition is
// mirrored before the caller observes success).
type JobRepository interface {
	CreateJob(ctx context.Context, job *Job) error
	UpdateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error)
	// ListNonTerminal returns rows not yet in a terminal state, used at
	// startup to reload lost-in-flight jobs as queued.
	ListNonTerminal(ctx context.Context) ([]*Job, error)
}

// EventRepository durably persists events for subscribers that opted
// into durability (spec §4.5: bounded in-memory ring, durable if
// subscribed).
type EventRepository interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, eventType string, limit int) ([]*Event, error)
}

// PrinterRepository persists the Registry's printer catalogue.
type PrinterRepository interface {
	UpsertPrinter(ctx context.Context, p *Printer) error
	DeletePrinter(ctx context.Context, name string) error
	GetPrinter(ctx context.Context, name string) (*Printer, error)
	ListPrinters(ctx context.Context) ([]*Printer, error)
}

// CredentialRepository persists encrypted credential rows for the
// Credential Store (spec §4.13).
type CredentialRepository interface {
	PutCredential(ctx context.Context, c *EncryptedCredential) error
	GetCredential(ctx context.Context, id string) (*EncryptedCredential, error)
	ListCredentials(ctx context.Context) ([]*EncryptedCredential, error)
	DeleteCredential(ctx context.Context, id string) error
	// ReplaceAll atomically swaps the entire credential table, used by
	// master-key rotation's single-transaction write.
	ReplaceAll(ctx context.Context, rows []*EncryptedCredential) error
}

// BillingRepository persists the idempotent charge ledger (spec §4.10).
type BillingRepository interface {
	// InsertChargeIfAbsent inserts a row keyed by JobID unless one
	// already exists, returning the row that now exists either way —
	// the Go analogue of the teacher's INSERT OR IGNORE idempotency.
	InsertChargeIfAbsent(ctx context.Context, charge *BillingCharge) (*BillingCharge, bool, error)
	UpdateCharge(ctx context.Context, charge *BillingCharge) error
	GetChargeByJobID(ctx context.Context, jobID string) (*BillingCharge, error)
	ListChargesBetween(ctx context.Context, from, to time.Time) ([]*BillingCharge, error)
}

// QuoteRepository optionally durably backs the Quote Cache.
type QuoteRepository interface {
	PutQuote(ctx context.Context, q *CachedQuote) error
	GetQuote(ctx context.Context, token string) (*CachedQuote, error)
	DeleteQuote(ctx context.Context, token string) error
}

// PrintDNARepository persists the append-only print-history learning
// rows keyed by file hash / geometric signature.
type PrintDNARepository interface {
	AppendRecord(ctx context.Context, r *PrintDNARecord) error
	ByFileHash(ctx context.Context, hash string) ([]*PrintDNARecord, error)
	ByGeometricSignature(ctx context.Context, sig string) ([]*PrintDNARecord, error)
}
