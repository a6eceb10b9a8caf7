// Package queue implements Kiln's in-memory priority job queue with a
// persisted per-job state machine, generalized from the teacher's
// system/events Dispatcher locking discipline (snapshot the protected
// state under the lock, mutate/dispatch outside it) applied instead to
// job lifecycle transitions.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/storage"
)

// allowed lists every legal (from, to) transition; anything absent
// fails InvalidStateTransition (spec §4.3).
var allowed = map[storage.JobStatus]map[storage.JobStatus]bool{
	storage.JobQueued: {
		storage.JobStarting:  true,
		storage.JobCancelled: true,
	},
	storage.JobStarting: {
		storage.JobPrinting: true,
		storage.JobCancelled: true,
	},
	storage.JobPrinting: {
		storage.JobCompleted: true,
		storage.JobFailed:    true,
		storage.JobCancelled: true,
	},
}

// Summary reports a point-in-time count snapshot.
type Summary struct {
	Pending int
	Active  int
	Total   int
	ByStatus map[storage.JobStatus]int
}

// Queue is the thread-safe, priority-ordered job queue. All mutation
// runs under a single queue-wide lock per spec §4.3; persistence writes
// for terminal transitions happen before the lock is released so the
// caller never observes success ahead of durability.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*storage.Job
	repo  storage.JobRepository
}

// New builds a Queue backed by repo. On construction, callers should
// invoke Recover to reload state from Persistence.
func New(repo storage.JobRepository) *Queue {
	return &Queue{jobs: make(map[string]*storage.Job), repo: repo}
}

// Recover reloads non-terminal rows from Persistence. Rows found in
// starting or printing are demoted to queued: that in-flight work was
// lost when the process died and must restart from the top (spec §4.3).
func (q *Queue) Recover(ctx context.Context) error {
	rows, err := q.repo.ListNonTerminal(ctx)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range rows {
		if j.Status == storage.JobStarting || j.Status == storage.JobPrinting {
			j.Status = storage.JobQueued
			j.PrinterName = nil
		}
		q.jobs[j.ID] = j
	}
	return nil
}

// Submit enqueues a new job and persists it immediately.
func (q *Queue) Submit(ctx context.Context, fileName string, printerName *string, priority int, submittedBy string, metadata map[string]any) (*storage.Job, error) {
	job := &storage.Job{
		ID:          uuid.New().String(),
		FileName:    fileName,
		PrinterName: printerName,
		Status:      storage.JobQueued,
		Priority:    priority,
		SubmittedBy: submittedBy,
		CreatedAt:   time.Now(),
		Metadata:    metadata,
	}

	q.mu.Lock()
	q.jobs[job.ID] = job
	q.mu.Unlock()

	if err := q.repo.CreateJob(ctx, job); err != nil {
		q.mu.Lock()
		delete(q.jobs, job.ID)
		q.mu.Unlock()
		return nil, err
	}
	return job, nil
}

// NextJob returns the highest-ranked queued job unassigned or assigned
// to printerName, without mutating queue state. Ranking is (priority
// desc, created_at asc), matching the index invariant of spec §4.3.
func (q *Queue) NextJob(printerName *string) *storage.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var candidates []*storage.Job
	for _, j := range q.jobs {
		if j.Status != storage.JobQueued {
			continue
		}
		if j.PrinterName != nil && (printerName == nil || *j.PrinterName != *printerName) {
			continue
		}
		candidates = append(candidates, j)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[k].CreatedAt)
	})
	cp := *candidates[0]
	return &cp
}

// MarkStarting is the race-safe claim: exactly one caller transitions
// a given job from queued to starting, under the queue-wide lock, so
// two schedulers racing on the same NextJob result never both win.
func (q *Queue) MarkStarting(ctx context.Context, jobID, printerName string) (*storage.Job, error) {
	return q.transition(ctx, jobID, storage.JobStarting, func(j *storage.Job) {
		j.PrinterName = &printerName
		now := time.Now()
		j.StartedAt = &now
	})
}

// MarkPrinting moves a starting job to printing. A queued job is
// rejected: "queued" has no legal direct edge to "printing" in the
// allowed table, so a call without a prior MarkStarting claim fails.
// If started_at is still unset it is set lazily here (spec §9's open
// question), covering a starting job whose claim did not record
// StartedAt.
func (q *Queue) MarkPrinting(ctx context.Context, jobID string) (*storage.Job, error) {
	return q.transition(ctx, jobID, storage.JobPrinting, func(j *storage.Job) {
		if j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
	})
}

func (q *Queue) MarkCompleted(ctx context.Context, jobID string) (*storage.Job, error) {
	return q.transition(ctx, jobID, storage.JobCompleted, nil)
}

func (q *Queue) MarkFailed(ctx context.Context, jobID, reason string) (*storage.Job, error) {
	return q.transition(ctx, jobID, storage.JobFailed, func(j *storage.Job) {
		j.Error = &reason
	})
}

func (q *Queue) MarkCancelled(ctx context.Context, jobID string) (*storage.Job, error) {
	return q.transition(ctx, jobID, storage.JobCancelled, nil)
}

// transition applies mutate (if non-nil) and advances status, failing
// InvalidStateTransition if the move is not in the allowed table.
// Terminal transitions are mirrored to Persistence before the lock is
// released and before the caller observes success.
func (q *Queue) transition(ctx context.Context, jobID string, to storage.JobStatus, mutate func(*storage.Job)) (*storage.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "job not found").WithDetail("job_id", jobID)
	}
	if !allowed[job.Status][to] {
		return nil, kerrors.New(kerrors.KindInvalidStateTransition, "illegal job state transition").
			WithDetail("job_id", jobID).WithDetail("from", string(job.Status)).WithDetail("to", string(to))
	}

	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	if to.Terminal() {
		now := time.Now()
		job.CompletedAt = &now
	}

	if err := q.repo.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	cp := *job
	return &cp, nil
}

// Get returns a snapshot of one job.
func (q *Queue) Get(jobID string) (*storage.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return nil, false
	}
	cp := *j
	return &cp, true
}

// List returns an in-memory snapshot of jobs, newest first, optionally
// filtered by status, capped at limit (0 means unbounded). Backs the
// CLI `history` verb; unlike NextJob this is not restricted to queued
// jobs.
func (q *Queue) List(status storage.JobStatus, limit int) []*storage.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*storage.Job
	for _, j := range q.jobs {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Summary returns a snapshot of pending/active/total counts.
func (q *Queue) Summary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Summary{ByStatus: make(map[storage.JobStatus]int)}
	for _, j := range q.jobs {
		s.ByStatus[j.Status]++
		s.Total++
		switch j.Status {
		case storage.JobQueued:
			s.Pending++
		case storage.JobStarting, storage.JobPrinting:
			s.Active++
		}
	}
	return s
}
