// Package storagetest provides an in-memory implementation of every
// storage repository interface, for use by other packages' unit tests,
// mirroring the teacher's infrastructure/database.MockRepository (one
// mutex-guarded in-memory map per entity, shared across every
// repository interface) rather than hand-rolling a fake per test file.
package storagetest

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/storage"
)

// Store is an in-memory stand-in for the postgres-backed store,
// implementing every repository interface storage defines.
type Store struct {
	mu sync.RWMutex

	jobs        map[string]*storage.Job
	events      []*storage.Event
	printers    map[string]*storage.Printer
	credentials map[string]*storage.EncryptedCredential
	charges     map[string]*storage.BillingCharge
	quotes      map[string]*storage.CachedQuote
	printDNA    []*storage.PrintDNARecord
}

func New() *Store {
	return &Store{
		jobs:        make(map[string]*storage.Job),
		printers:    make(map[string]*storage.Printer),
		credentials: make(map[string]*storage.EncryptedCredential),
		charges:     make(map[string]*storage.BillingCharge),
		quotes:      make(map[string]*storage.CachedQuote),
	}
}

// --- JobRepository ---

func (s *Store) CreateJob(ctx context.Context, job *storage.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) UpdateJob(ctx context.Context, job *storage.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (s *Store) ListJobs(ctx context.Context, status storage.JobStatus, limit int) ([]*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Job
	for _, j := range s.jobs {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListNonTerminal(ctx context.Context) ([]*storage.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- EventRepository ---

func (s *Store) AppendEvent(ctx context.Context, ev *storage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, eventType string, limit int) ([]*storage.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Event
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if eventType != "" && ev.Type != eventType {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// --- PrinterRepository ---

func (s *Store) UpsertPrinter(ctx context.Context, p *storage.Printer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.printers[p.Name] = &cp
	return nil
}

func (s *Store) DeletePrinter(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.printers, name)
	return nil
}

func (s *Store) GetPrinter(ctx context.Context, name string) (*storage.Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.printers[name]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *p
	return &cp, nil
}

func (s *Store) ListPrinters(ctx context.Context) ([]*storage.Printer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// --- CredentialRepository ---

func (s *Store) PutCredential(ctx context.Context, c *storage.EncryptedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.credentials[c.CredentialID] = &cp
	return nil
}

func (s *Store) GetCredential(ctx context.Context, id string) (*storage.EncryptedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCredentials(ctx context.Context) ([]*storage.EncryptedCredential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*storage.EncryptedCredential, 0, len(s.credentials))
	for _, c := range s.credentials {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.credentials, id)
	return nil
}

func (s *Store) ReplaceAll(ctx context.Context, rows []*storage.EncryptedCredential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]*storage.EncryptedCredential, len(rows))
	for _, r := range rows {
		cp := *r
		fresh[r.CredentialID] = &cp
	}
	s.credentials = fresh
	return nil
}

// --- BillingRepository ---

func (s *Store) InsertChargeIfAbsent(ctx context.Context, charge *storage.BillingCharge) (*storage.BillingCharge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.charges[charge.JobID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *charge
	s.charges[charge.JobID] = &cp
	inserted := *charge
	return &inserted, true, nil
}

func (s *Store) UpdateCharge(ctx context.Context, charge *storage.BillingCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *charge
	s.charges[charge.JobID] = &cp
	return nil
}

func (s *Store) GetChargeByJobID(ctx context.Context, jobID string) (*storage.BillingCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.charges[jobID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListChargesBetween(ctx context.Context, from, to time.Time) ([]*storage.BillingCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.BillingCharge
	for _, c := range s.charges {
		if c.Timestamp.Before(from) || !c.Timestamp.Before(to) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

// --- QuoteRepository ---

func (s *Store) PutQuote(ctx context.Context, q *storage.CachedQuote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *q
	s.quotes[q.QuoteToken] = &cp
	return nil
}

func (s *Store) GetQuote(ctx context.Context, token string) (*storage.CachedQuote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[token]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *q
	return &cp, nil
}

func (s *Store) DeleteQuote(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, token)
	return nil
}

// --- PrintDNARepository ---

func (s *Store) AppendRecord(ctx context.Context, r *storage.PrintDNARecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.printDNA = append(s.printDNA, &cp)
	return nil
}

func (s *Store) ByFileHash(ctx context.Context, hash string) ([]*storage.PrintDNARecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.PrintDNARecord
	for _, r := range s.printDNA {
		if r.FileHash == hash {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ByGeometricSignature(ctx context.Context, sig string) ([]*storage.PrintDNARecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.PrintDNARecord
	for _, r := range s.printDNA {
		if r.GeometricSignature == sig {
			out = append(out, r)
		}
	}
	return out, nil
}
