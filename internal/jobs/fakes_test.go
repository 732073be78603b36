package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
)

// fakeJobRepo is an in-memory JobRepo. InTransaction serializes callers the
// way the database serializes claim transactions, which is what the
// no-double-claim property leans on.
type fakeJobRepo struct {
	txMu sync.Mutex

	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Job
}

var _ repos.JobRepo = (*fakeJobRepo)(nil)

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{rows: make(map[uuid.UUID]*domain.Job)}
}

func (r *fakeJobRepo) seed(job *domain.Job) *domain.Job {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[job.ID] = job
	return job
}

func (r *fakeJobRepo) get(id uuid.UUID) *domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.rows[id]; ok {
		copied := *job
		return &copied
	}
	return nil
}

func (r *fakeJobRepo) byType(jobType domain.JobType) []*domain.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Job
	for _, job := range r.rows {
		if job.JobType == jobType {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out
}

func (r *fakeJobRepo) InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(dbctx.Context{Ctx: ctx})
}

func (r *fakeJobRepo) Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		if job.CreatedAt.IsZero() {
			job.CreatedAt = now
		}
		job.UpdatedAt = now
		copied := *job
		r.rows[job.ID] = &copied
	}
	return jobs, nil
}

func (r *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	return r.get(id), nil
}

func (r *fakeJobRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	return r.get(id), nil
}

func (r *fakeJobRepo) ListOpen(dbc dbctx.Context, exclude []uuid.UUID, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	excluded := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	r.mu.Lock()
	var open []*domain.Job
	for _, job := range r.rows {
		if job.Status != domain.JobStatusOpen {
			continue
		}
		if _, ok := excluded[job.ID]; ok {
			continue
		}
		copied := *job
		open = append(open, &copied)
	}
	r.mu.Unlock()

	sort.Slice(open, func(i, j int) bool {
		if open[i].Priority != open[j].Priority {
			return open[i].Priority > open[j].Priority
		}
		return open[i].CreatedAt.Before(open[j].CreatedAt)
	})
	if len(open) > limit {
		open = open[:limit]
	}
	return open, nil
}

func (r *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.rows[id]
	if !ok {
		return nil
	}
	for key, value := range updates {
		switch key {
		case "status":
			job.Status = value.(domain.JobStatus)
		case "started_at":
			t := value.(time.Time)
			job.StartedAt = &t
		case "completed_at":
			t := value.(time.Time)
			job.CompletedAt = &t
		case "error":
			job.Error = value.(string)
		case "updated_at":
			job.UpdatedAt = value.(time.Time)
		case "retry_count":
			job.RetryCount = value.(int)
		}
	}
	return nil
}
