package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

/*
Dispatcher polls the jobs table for OPEN rows and drives each one through a
Context in its own goroutine.

Concurrency discipline:
  - The active set excludes in-process jobs from the candidate query and is
    touched only under its mutex.
  - A weighted semaphore enforces the hard cap; the active set only shrinks
    the candidate fetch.
  - The claim inside Context.Open is the real serialization point; a lost
    race surfaces as ErrJobNotOpen and is logged as benign.

The loop never dies from per-iteration errors: anything the body raises is
logged and the loop backs off one poll interval.
*/
type Dispatcher struct {
	log      *logger.Logger
	repo     repos.JobRepo
	registry *Registry

	pollInterval  time.Duration
	maxConcurrent int
	sem           *semaphore.Weighted

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(baseLog *logger.Logger, repo repos.JobRepo, registry *Registry, pollInterval time.Duration, maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		log:           baseLog.With("component", "JobDispatcher"),
		repo:          repo,
		registry:      registry,
		pollInterval:  pollInterval,
		maxConcurrent: maxConcurrent,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		active:        make(map[uuid.UUID]struct{}),
	}
}

// Run polls until ctx is cancelled. Cancellation stops candidate fetching;
// in-flight jobs finish their current execution before Run returns, so no
// row claimed by this process is left RUNNING after a clean shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting job dispatcher",
		"poll_interval", d.pollInterval.String(),
		"max_concurrent", d.maxConcurrent,
	)

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Job dispatcher stopping, waiting for in-flight jobs")
			d.wg.Wait()
			d.log.Info("Job dispatcher stopped")
			return nil
		default:
		}

		if err := d.pollOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("Error in job dispatcher loop", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.pollInterval):
		}
	}
}

// pollOnce fetches up to free candidates and launches them.
func (d *Dispatcher) pollOnce(ctx context.Context) error {
	exclude := d.activeIDs()
	free := d.maxConcurrent - len(exclude)
	if free <= 0 {
		return nil
	}

	candidates, err := d.repo.ListOpen(dbctx.Context{Ctx: ctx}, exclude, free)
	if err != nil {
		return fmt.Errorf("fetch candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}
	d.log.Debug("Found open jobs", "count", len(candidates))

	for _, job := range candidates {
		// Belt and suspenders: the query already filters, but a row can
		// change between query and inspection.
		if job.Status != domain.JobStatusOpen {
			d.log.Warn("Job status changed between query and dispatch", "job_id", job.ID, "status", job.Status)
			continue
		}
		if !d.markActive(job.ID) {
			d.log.Warn("Job already active but was returned in query", "job_id", job.ID)
			continue
		}
		d.wg.Add(1)
		// Jobs run on a context detached from the poll loop's cancellation:
		// per-job cancellation is not exposed, a claimed job runs to
		// completion or the process dies.
		runCtx := context.WithoutCancel(ctx)
		go d.processJob(runCtx, job.ID)
	}
	return nil
}

func (d *Dispatcher) processJob(ctx context.Context, jobID uuid.UUID) {
	defer d.wg.Done()
	defer d.unmarkActive(jobID)

	if err := d.sem.Acquire(ctx, 1); err != nil {
		d.log.Warn("Semaphore acquire failed", "job_id", jobID, "error", err)
		return
	}
	defer d.sem.Release(1)

	jobLog := d.log.With("job_id", jobID.String())

	jc, err := Open(ctx, d.repo, d.registry, d.log, jobID)
	if err != nil {
		if errors.Is(err, ErrJobNotOpen) || errors.Is(err, ErrJobNotFound) {
			jobLog.Warn("Lost claim race, dropping candidate", "error", err)
		} else {
			jobLog.Error("Failed to open job context", "error", err)
		}
		return
	}

	execErr := d.runWorker(ctx, jc)
	if err := jc.Close(ctx, execErr); err != nil {
		jobLog.Error("Failed to close job context", "error", err)
	}
}

// runWorker executes the worker and child insertion with panic recovery, so
// a panicking worker fails its job instead of crashing the dispatcher.
func (d *Dispatcher) runWorker(ctx context.Context, jc *Context) (execErr error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Worker panic", "job_id", jc.Job.ID, "job_type", jc.Job.JobType, "panic", r)
			execErr = fmt.Errorf("panic: %v", r)
		}
	}()

	children, err := jc.Execute(ctx)
	if err != nil {
		return err
	}
	if len(children) > 0 {
		d.log.Info("Creating child jobs", "job_id", jc.Job.ID, "count", len(children))
		if err := jc.CreateChildren(ctx, children); err != nil {
			return fmt.Errorf("create child jobs: %w", err)
		}
	}
	return nil
}

func (d *Dispatcher) activeIDs() []uuid.UUID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uuid.UUID, 0, len(d.active))
	for id := range d.active {
		out = append(out, id)
	}
	return out
}

func (d *Dispatcher) markActive(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.active[id]; ok {
		return false
	}
	d.active[id] = struct{}{}
	return true
}

func (d *Dispatcher) unmarkActive(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

// ActiveCount reports how many jobs are being processed in-process.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
