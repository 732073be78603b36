package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/thandden/mediaserver/internal/domain"
)

/*
Impl is the contract every long-running service implementation satisfies.

Semantics:
  - Start runs once per activation: open observers, warm caches, load known
    state. May fail, which fails the activation.
  - ProcessIteration performs one unit of work. It may block internally (a
    watcher waiting on events) but must return promptly when ctx is
    cancelled.
  - IterationInterval is the inter-iteration sleep. Zero means the service
    paces itself inside ProcessIteration. Implementations that read the
    interval from their parameters report it after Start has decoded them.
  - Stop releases resources. It must be idempotent; the driver calls it on
    cancellation before propagating the cancellation out.
*/
type Impl interface {
	Type() domain.ServiceType
	Start(ctx context.Context, params json.RawMessage) error
	ProcessIteration(ctx context.Context, params json.RawMessage) error
	IterationInterval() time.Duration
	Stop() error
}

// ImplFactory builds a fresh implementation per activation; services keep
// per-run state (watchers, counters) that must not leak across restarts.
type ImplFactory func() Impl

// Registry maps service_type -> implementation factory. Populated at boot,
// immutable afterwards, validated against the full type list before the
// dispatcher starts.
type Registry struct {
	mu        sync.RWMutex
	factories map[domain.ServiceType]ImplFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[domain.ServiceType]ImplFactory)}
}

func (r *Registry) Register(f ImplFactory) error {
	if f == nil {
		return fmt.Errorf("nil service factory")
	}
	impl := f()
	if impl == nil {
		return fmt.Errorf("service factory returned nil")
	}
	t := impl.Type()
	if t == "" {
		return fmt.Errorf("service Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[t]; exists {
		return fmt.Errorf("service already registered for service_type=%s", t)
	}
	r.factories[t] = f
	return nil
}

func (r *Registry) Get(serviceType domain.ServiceType) (ImplFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[serviceType]
	return f, ok
}

func (r *Registry) Validate(types []domain.ServiceType) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range types {
		if _, ok := r.factories[t]; !ok {
			return fmt.Errorf("no service registered for service_type=%s", t)
		}
	}
	return nil
}
