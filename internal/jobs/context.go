package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

var (
	// ErrJobNotFound means the claimed id has no row.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotOpen means another context won the claim race; callers treat
	// it as benign and drop the candidate.
	ErrJobNotOpen = errors.New("job is not in OPEN state")
	// ErrUnknownJobType means no worker factory is registered for the row's
	// job_type. The row is failed with this error.
	ErrUnknownJobType = errors.New("no worker registered for job_type")
)

const maxErrorLen = 1024

/*
Context owns one job from claim to persisted outcome.

Open is the true serialization point: it locks the row, verifies the status
is still OPEN and flips it to RUNNING inside one transaction. From then on
this context is the row's only writer, so the terminal update in Close needs
no lock. Close must run on every exit path; the dispatcher guarantees that.
*/
type Context struct {
	Job *domain.Job

	repo       repos.JobRepo
	log        *logger.Logger
	worker     Worker
	resolveErr error
}

// Open claims the job and resolves its worker.
//
// The claim transaction fails with ErrJobNotFound or ErrJobNotOpen without
// touching the row. A worker-resolution failure (unknown type) does NOT fail
// Open: the claim already succeeded, so the context is returned and the
// error surfaces from Execute, which routes it into Close as a job failure.
func Open(ctx context.Context, repo repos.JobRepo, registry *Registry, baseLog *logger.Logger, jobID uuid.UUID) (*Context, error) {
	var claimed *domain.Job
	err := repo.InTransaction(ctx, func(dbc dbctx.Context) error {
		job, err := repo.GetForUpdate(dbc, jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		if job.Status != domain.JobStatusOpen {
			return fmt.Errorf("%w: %s has status %s", ErrJobNotOpen, jobID, job.Status)
		}
		now := time.Now().UTC()
		if err := repo.UpdateFields(dbc, job.ID, map[string]interface{}{
			"status":     domain.JobStatusRunning,
			"started_at": now,
			"updated_at": now,
		}); err != nil {
			return err
		}
		job.Status = domain.JobStatusRunning
		job.StartedAt = &now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := &Context{
		Job:  claimed,
		repo: repo,
		log:  baseLog.With("job_id", claimed.ID.String(), "job_type", string(claimed.JobType)),
	}
	if factory, ok := registry.Get(claimed.JobType); ok {
		c.worker = factory()
	} else {
		c.resolveErr = fmt.Errorf("%w: %s", ErrUnknownJobType, claimed.JobType)
	}
	return c, nil
}

// Execute runs the worker with the row's raw parameters.
func (c *Context) Execute(ctx context.Context) ([]ChildJobSpec, error) {
	if c.resolveErr != nil {
		return nil, c.resolveErr
	}
	c.log.Debug("Executing job")
	return c.worker.Execute(ctx, json.RawMessage(c.Job.Parameters))
}

// CreateChildren inserts the specs as OPEN rows parented to this job, all in
// one fresh transaction.
func (c *Context) CreateChildren(ctx context.Context, specs []ChildJobSpec) error {
	if len(specs) == 0 {
		return nil
	}
	rows := make([]*domain.Job, 0, len(specs))
	for _, spec := range specs {
		params, err := json.Marshal(spec.Params)
		if err != nil {
			return fmt.Errorf("marshal child params for %s: %w", spec.JobType, err)
		}
		parentID := c.Job.ID
		rows = append(rows, &domain.Job{
			JobType:     spec.JobType,
			Status:      domain.JobStatusOpen,
			Parameters:  params,
			Priority:    spec.Priority,
			ParentJobID: &parentID,
		})
	}
	return c.repo.InTransaction(ctx, func(dbc dbctx.Context) error {
		_, err := c.repo.Create(dbc, rows)
		return err
	})
}

// Close records the terminal status. It is the only writer of this row, so
// it re-targets the id without a lock.
func (c *Context) Close(ctx context.Context, execErr error) error {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"completed_at": now,
		"updated_at":   now,
	}
	if execErr != nil {
		updates["status"] = domain.JobStatusFailed
		updates["error"] = shortDescription(execErr)
		c.log.Error("Job failed", "error", execErr)
	} else {
		updates["status"] = domain.JobStatusCompleted
		c.log.Info("Job completed")
	}
	if err := c.repo.UpdateFields(dbctx.Context{Ctx: ctx}, c.Job.ID, updates); err != nil {
		c.log.Error("Failed to persist job outcome", "error", err)
		return err
	}
	return nil
}

func shortDescription(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
