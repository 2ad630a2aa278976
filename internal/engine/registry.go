package engine

import (
	"context"
	"sync"
	"time"
)

// JobOptions controls how a key is registered.
type JobOptions struct {
	// EventID ties a reminder timer to its event so CancelEvent can find it.
	EventID string
	// CancelPrevious replaces a live job under the same key. When false a
	// live job makes Register fail, which is how sweep markers stay
	// idempotent.
	CancelPrevious bool
	// TTL expires the entry. Zero keeps it until it is finished or cancelled.
	TTL time.Duration
}

// Job is a handle on one registered key. Its context is cancelled when the
// job is cancelled, replaced, finished, expired or when the registry's parent
// scope ends.
type Job struct {
	Key     string
	EventID string

	ctx       context.Context
	cancel    context.CancelFunc
	expiresAt time.Time
}

// Done is closed once the job no longer owns its key.
func (j *Job) Done() <-chan struct{} { return j.ctx.Done() }

// Context returns the job's context.
func (j *Job) Context() context.Context { return j.ctx }

func (j *Job) expired(now time.Time) bool {
	return !j.expiresAt.IsZero() && !now.Before(j.expiresAt)
}

// JobRegistry maps logical job keys to handles. Both the vote flush timers
// and the scheduler's timers and sweep markers live here.
type JobRegistry struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	parent context.Context
	now    func() time.Time
}

// NewJobRegistry creates a registry whose jobs derive from parent.
func NewJobRegistry(parent context.Context, now func() time.Time) *JobRegistry {
	if now == nil {
		now = time.Now
	}
	return &JobRegistry{
		jobs:   make(map[string]*Job),
		parent: parent,
		now:    now,
	}
}

// Register claims key. It returns false when a live job already holds the
// key and opts.CancelPrevious is unset; otherwise any previous job is
// cancelled and replaced.
func (r *JobRegistry) Register(key string, opts JobOptions) (*Job, bool) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.jobs[key]; ok {
		if !prev.expired(now) && !opts.CancelPrevious {
			return nil, false
		}
		prev.cancel()
		delete(r.jobs, key)
	}

	ctx, cancel := context.WithCancel(r.parent)
	job := &Job{
		Key:     key,
		EventID: opts.EventID,
		ctx:     ctx,
		cancel:  cancel,
	}
	if opts.TTL > 0 {
		job.expiresAt = now.Add(opts.TTL)
	}
	r.jobs[key] = job
	return job, true
}

// IsRegistered reports whether a live job holds key.
func (r *JobRegistry) IsRegistered(key string) bool {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[key]
	return ok && !job.expired(now)
}

// IsCurrent reports whether job still owns its key.
func (r *JobRegistry) IsCurrent(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[job.Key] == job
}

// Finish removes job if it still owns its key and reports whether it did.
// A timer calls Finish after waking; false means it was cancelled or
// replaced while asleep and must not act.
func (r *JobRegistry) Finish(job *Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.jobs[job.Key] != job {
		return false
	}
	delete(r.jobs, job.Key)
	job.cancel()
	return true
}

// Cancel cancels and removes the job under key.
func (r *JobRegistry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[key]
	if !ok {
		return false
	}
	job.cancel()
	delete(r.jobs, key)
	return true
}

// CancelEvent cancels every job tied to eventID and returns how many were
// removed.
func (r *JobRegistry) CancelEvent(eventID string) int {
	if eventID == "" {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, job := range r.jobs {
		if job.EventID == eventID {
			job.cancel()
			delete(r.jobs, key)
			n++
		}
	}
	return n
}

// Prune removes expired entries.
func (r *JobRegistry) Prune() int {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for key, job := range r.jobs {
		if job.expired(now) {
			job.cancel()
			delete(r.jobs, key)
			n++
		}
	}
	return n
}

// Len returns the number of held entries, expired ones included until the
// next Prune.
func (r *JobRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
