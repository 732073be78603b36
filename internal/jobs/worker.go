package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/thandden/mediaserver/internal/domain"
)

/*
Worker is the contract between the job system and all business code.

Semantics:
  - Type() returns the job_type this worker is responsible for. It must
    exactly match the job_type values stored in the jobs table.
  - Execute performs one job using the row's raw parameter JSON and returns the
    child jobs to enqueue, if any. Failure is signaled by returning an error.

IMPORTANT:
  - Execution is at-least-once. Workers must be safe to re-run after partial
    execution (existence checks before insert, replace on rerun).
  - Workers receive the raw parameter JSON and decode their own typed
    parameter struct; the dispatcher never introspects parameters.
*/
type Worker interface {
	Type() domain.JobType
	Execute(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error)
}

// ChildJobSpec is a request to enqueue a child job. Params is marshalled to
// JSON when the row is inserted.
type ChildJobSpec struct {
	JobType  domain.JobType
	Params   any
	Priority int
}

// WorkerFactory builds a fresh worker per execution so implementations may
// keep per-run state.
type WorkerFactory func() Worker

/*
Registry is the dispatch table mapping job_type -> worker factory.

The registry is the only place where job_type -> code binding happens; the
dispatcher only ever asks it for a factory. Registration happens at process
startup and is immutable afterwards; duplicate registration is a wiring error
and fails fast.
*/
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.JobType]WorkerFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.JobType]WorkerFactory)}
}

func (r *Registry) Register(f WorkerFactory) error {
	if f == nil {
		return fmt.Errorf("nil worker factory")
	}
	w := f()
	if w == nil {
		return fmt.Errorf("worker factory returned nil")
	}
	t := w.Type()
	if t == "" {
		return fmt.Errorf("worker Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("worker already registered for job_type=%s", t)
	}
	r.factories[t] = f
	return nil
}

func (r *Registry) Get(jobType domain.JobType) (WorkerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[jobType]
	return f, ok
}

// Validate checks that every listed job type has a factory. Called at
// startup so a missing registration aborts boot instead of failing jobs.
func (r *Registry) Validate(types []domain.JobType) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		if _, ok := r.factories[t]; !ok {
			return fmt.Errorf("no worker registered for job_type=%s", t)
		}
	}
	return nil
}
