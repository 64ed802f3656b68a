// Package jobs runs administrative operations in the background and keeps
// their outcome for polling.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ernie/deadside-tracker/internal/domain"
)

// Job states
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrStopped is returned by Submit once the runner is shutting down
var ErrStopped = errors.New("job runner stopped")

// Func is the body of a job. Its result is reported as-is in the job status.
type Func func(ctx context.Context) (any, error)

// Job is a snapshot of one submitted operation
type Job struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Scope      *domain.Scope `json:"scope,omitempty"`
	Status     string        `json:"status"`
	Result     any           `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// Done reports whether the job reached a final state
func (j Job) Done() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

type entry struct {
	job  Job
	done chan struct{}
}

// Runner executes jobs on their own goroutines. Finished jobs are kept up to
// a retention limit, oldest evicted first.
type Runner struct {
	log    zerolog.Logger
	keep   int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	jobs    map[string]*entry
	order   []string
	stopped bool
}

// NewRunner creates a runner retaining at most keep jobs
func NewRunner(keep int, log zerolog.Logger) *Runner {
	if keep <= 0 {
		keep = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:    log.With().Str("component", "jobs").Logger(),
		keep:   keep,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*entry),
	}
}

// Submit starts fn in the background and returns its pending snapshot. scope
// is nil for jobs that span every scope.
func (r *Runner) Submit(kind string, scope *domain.Scope, fn Func) (Job, error) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return Job{}, ErrStopped
	}
	e := &entry{
		job: Job{
			ID:        uuid.NewString(),
			Kind:      kind,
			Scope:     scope,
			Status:    StatusPending,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}
	r.jobs[e.job.ID] = e
	r.order = append(r.order, e.job.ID)
	r.evictLocked()
	snapshot := e.job
	r.wg.Add(1)
	r.mu.Unlock()

	go r.execute(e, fn)
	return snapshot, nil
}

func (r *Runner) execute(e *entry, fn Func) {
	defer r.wg.Done()
	defer close(e.done)

	r.update(e, func(j *Job) {
		now := time.Now().UTC()
		j.Status = StatusRunning
		j.StartedAt = &now
	})
	log := r.log.With().Str("job", e.job.ID).Str("kind", e.job.Kind).Logger()
	log.Info().Msg("job started")

	result, err := r.call(fn)

	r.update(e, func(j *Job) {
		now := time.Now().UTC()
		j.FinishedAt = &now
		j.Result = result
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
		} else {
			j.Status = StatusSucceeded
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("job failed")
		return
	}
	log.Info().Msg("job finished")
}

func (r *Runner) call(fn Func) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return fn(r.ctx)
}

func (r *Runner) update(e *entry, fn func(*Job)) {
	r.mu.Lock()
	fn(&e.job)
	r.mu.Unlock()
}

// evictLocked drops the oldest finished jobs beyond the retention limit
func (r *Runner) evictLocked() {
	for len(r.order) > r.keep {
		evicted := false
		for i, id := range r.order {
			if e := r.jobs[id]; e.job.Done() {
				delete(r.jobs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

// Get returns a job snapshot
func (r *Runner) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return Job{}, domain.ErrNotFound
	}
	return e.job, nil
}

// List returns retained jobs, newest first
func (r *Runner) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Wait blocks until the job finishes or ctx ends
func (r *Runner) Wait(ctx context.Context, id string) (Job, error) {
	r.mu.RLock()
	e, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return Job{}, domain.ErrNotFound
	}
	select {
	case <-e.done:
		return r.Get(id)
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Stop cancels running jobs and waits for them to return
func (r *Runner) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}
