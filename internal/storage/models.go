// Package storage defines Kiln's durable data model and the narrow
// repository interfaces each subsystem depends on, mirroring the
// teacher's per-domain repository-interface split
// (infrastructure/database/repository_interface.go) so every consumer
// only imports the slice of persistence it actually uses.
package storage

import "time"

// JobStatus is the Job state-machine's current state (spec §4.3).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobStarting  JobStatus = "starting"
	JobPrinting  JobStatus = "printing"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether status is a write-once terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Job is the durable record behind an in-flight or historical print.
type Job struct {
	ID          string
	FileName    string
	PrinterName *string
	Status      JobStatus
	Priority    int
	SubmittedBy string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	Metadata    map[string]any
}

// PrinterBackend names a supported vendor protocol.
type PrinterBackend string

const (
	BackendOctoPrint    PrinterBackend = "octoprint"
	BackendMoonraker    PrinterBackend = "moonraker"
	BackendPrusaLink    PrinterBackend = "prusalink"
	BackendBambu        PrinterBackend = "bambu"
	BackendPrusaConnect PrinterBackend = "prusaconnect"
)

// Printer is the registry's durable record: enough to reconstruct an
// adapter instance on startup, never the plaintext API key.
type Printer struct {
	Name            string
	Backend         PrinterBackend
	Host            string
	APIKeyRef       *string
	SafetyProfileID *string
}

// Event is one entry of the append-only event stream.
type Event struct {
	Type      string
	Data      map[string]any
	Timestamp time.Time
	Source    string
}

// Interlock is a named, per-printer safety condition.
type Interlock struct {
	Name        string
	PrinterName string
	Engaged     bool
	Critical    bool
	LastChecked time.Time
}

// EncryptedCredential is the at-rest record for a secret. Plaintext
// never appears here or in any serialized view of it.
type EncryptedCredential struct {
	CredentialID string    `db:"credential_id"`
	Type         string    `db:"type"`
	Ciphertext   []byte    `db:"ciphertext"`
	Salt         []byte    `db:"salt"`
	CreatedAt    time.Time `db:"created_at"`
	Label        string    `db:"label"`
}

// BillingCharge is the one-row-per-job_id idempotent charge ledger
// entry (spec §4.10).
type BillingCharge struct {
	JobID         string    `db:"job_id"`
	FeeAmount     float64   `db:"fee_amount"`
	FeePercent    float64   `db:"fee_percent"`
	JobCost       float64   `db:"job_cost"`
	Currency      string    `db:"currency"`
	Waived        bool      `db:"waived"`
	WaiverReason  *string   `db:"waiver_reason"`
	PaymentID     *string   `db:"payment_id"`
	PaymentRail   *string   `db:"payment_rail"`
	PaymentStatus string    `db:"payment_status"`
	UserEmail     *string   `db:"user_email"`
	Timestamp     time.Time `db:"timestamp"`
}

// CachedQuote is a single-use, TTL-bound external-fulfillment quote.
type CachedQuote struct {
	QuoteToken string    `db:"quote_token"`
	Provider   string    `db:"provider"`
	Service    string    `db:"service"`
	Material   string    `db:"material"`
	Quantity   int       `db:"quantity"`
	TotalPrice float64   `db:"total_price"`
	Currency   string    `db:"currency"`
	UserEmail  string    `db:"user_email"`
	ExpiresAt  time.Time `db:"expires_at"`
}

// PrintDNARecord is one append-only learning-history row keyed by the
// geometric fingerprint of a model plus one attempt's outcome.
type PrintDNARecord struct {
	FileHash           string
	GeometricSignature string
	TriangleCount       int64
	BBox               [3]float64
	Volume             float64
	SurfaceArea        float64
	PrinterModel       string
	Material           string
	Settings           map[string]any
	Outcome            string
	QualityGrade       *string
	FailureMode        *string
	PrintTimeS         float64
	Timestamp          time.Time
}
