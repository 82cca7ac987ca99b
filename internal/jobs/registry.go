package jobs

import (
	"context"
	"sync"
	"time"
)

// PendingEntry records {jobId, startTime, params} for a job that is
// running, the shape the resumption protocol's pending-job index exposes
// per spec §3/§4.9.
type PendingEntry struct {
	JobID     string
	StartTime time.Time
	Params    Params
}

// PendingIndex persists the pending-job index so the resumption protocol
// survives a process restart. MemoryPendingIndex and the sqlite-backed
// SQLitePendingIndex (internal/jobs/sqlite.go) both satisfy this.
type PendingIndex interface {
	Put(ctx context.Context, entry PendingEntry) error
	Remove(ctx context.Context, jobID string) error
	Get(ctx context.Context, jobID string) (PendingEntry, bool, error)
	List(ctx context.Context) ([]PendingEntry, error)
}

// MemoryPendingIndex is an in-memory PendingIndex, used by tests and any
// deployment that accepts losing resumability across a restart.
type MemoryPendingIndex struct {
	mu      sync.Mutex
	entries map[string]PendingEntry
}

func NewMemoryPendingIndex() *MemoryPendingIndex {
	return &MemoryPendingIndex{entries: map[string]PendingEntry{}}
}

func (m *MemoryPendingIndex) Put(_ context.Context, entry PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entry.JobID] = entry
	return nil
}

func (m *MemoryPendingIndex) Remove(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, jobID)
	return nil
}

func (m *MemoryPendingIndex) Get(_ context.Context, jobID string) (PendingEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[jobID]
	return e, ok, nil
}

func (m *MemoryPendingIndex) List(_ context.Context) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PendingEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

// Registry owns Job records: creation, lookup, cancellation, listing, and
// the pending-job index for resumption. Active jobs are kept in memory;
// the pending index is the durable half of the resumption protocol.
type Registry struct {
	mu      sync.RWMutex
	jobs    map[string]*Job
	pending PendingIndex
}

// NewRegistry constructs a Registry backed by the given PendingIndex.
func NewRegistry(pending PendingIndex) *Registry {
	if pending == nil {
		pending = NewMemoryPendingIndex()
	}
	return &Registry{jobs: map[string]*Job{}, pending: pending}
}

// Create allocates a job id, registers a new Job in StatusPending, and
// records it in the pending-job index. The caller (internal/router)
// transitions it to StatusRunning once the orchestrator goroutine starts.
func (r *Registry) Create(ctx context.Context, params Params) (*Job, error) {
	id, err := NewID()
	if err != nil {
		return nil, err
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        id,
		Params:    params,
		Status:    StatusPending,
		StartTime: time.Now(),
		ctx:       jobCtx,
		cancel:    cancel,
	}

	r.mu.Lock()
	r.jobs[id] = job
	r.mu.Unlock()

	if err := r.pending.Put(ctx, PendingEntry{JobID: id, StartTime: job.StartTime, Params: params}); err != nil {
		return nil, err
	}
	return job, nil
}

// MarkRunning transitions a job to StatusRunning.
func (r *Registry) MarkRunning(job *Job) {
	job.setStatus(StatusRunning)
}

// MarkTerminal transitions a job to a terminal status and removes it from
// the pending-job index (a terminal job is no longer "pending"); the job
// record itself stays in the in-memory map so Get still resolves it for
// late subscribers and final-state queries.
func (r *Registry) MarkTerminal(ctx context.Context, job *Job, status Status) {
	job.setStatus(status)
	_ = r.pending.Remove(ctx, job.ID)
}

// Get returns the job for id, or ErrNotFound.
func (r *Registry) Get(jobID string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return job, nil
}

// Cancel trips the job's cancellation token and updates status. Cancelling
// an already-terminal job is a no-op, satisfying the idempotence property
// in spec §8.
func (r *Registry) Cancel(ctx context.Context, jobID string) error {
	job, err := r.Get(jobID)
	if err != nil {
		return err
	}
	job.mu.Lock()
	terminal := job.Status == StatusCancelled || job.Status == StatusFailed || job.Status == StatusComplete
	if !terminal {
		job.Status = StatusCancelled
	}
	cancel := job.cancel
	job.mu.Unlock()

	if terminal {
		return nil
	}
	cancel()
	_ = r.pending.Remove(ctx, jobID)
	return nil
}

// List returns every job the registry currently knows about.
func (r *Registry) List() []*Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Job, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out
}

// PendingEntry looks up the durable pending-job index entry for jobID, the
// primitive the resumption protocol's reconnect handling consults to
// distinguish "unknown job" from "known, not yet terminal".
func (r *Registry) PendingEntry(ctx context.Context, jobID string) (PendingEntry, bool, error) {
	return r.pending.Get(ctx, jobID)
}
