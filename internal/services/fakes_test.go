package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
)

// fakeServiceRepo is an in-memory ServiceRepo with the same claim
// serialization the database provides.
type fakeServiceRepo struct {
	txMu sync.Mutex

	mu   sync.Mutex
	rows map[uuid.UUID]*domain.Service
}

var _ repos.ServiceRepo = (*fakeServiceRepo)(nil)

func newFakeServiceRepo() *fakeServiceRepo {
	return &fakeServiceRepo{rows: make(map[uuid.UUID]*domain.Service)}
}

func (r *fakeServiceRepo) seed(svc *domain.Service) *domain.Service {
	if svc.ID == uuid.Nil {
		svc.ID = uuid.New()
	}
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = time.Now().UTC()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[svc.ID] = svc
	return svc
}

func (r *fakeServiceRepo) get(id uuid.UUID) *domain.Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.rows[id]; ok {
		copied := *svc
		return &copied
	}
	return nil
}

func (r *fakeServiceRepo) setCommand(id uuid.UUID, command domain.ServiceCommand) {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc, ok := r.rows[id]; ok {
		svc.Command = command
		svc.CommandIssuedAt = &now
	}
}

func (r *fakeServiceRepo) InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.txMu.Lock()
	defer r.txMu.Unlock()
	return fn(dbctx.Context{Ctx: ctx})
}

func (r *fakeServiceRepo) Create(dbc dbctx.Context, services []*domain.Service) ([]*domain.Service, error) {
	for _, svc := range services {
		r.seed(svc)
	}
	return services, nil
}

func (r *fakeServiceRepo) SeedDefault(dbc dbctx.Context, service *domain.Service) error {
	r.mu.Lock()
	for _, existing := range r.rows {
		if existing.ServiceType == service.ServiceType {
			r.mu.Unlock()
			return nil
		}
	}
	r.mu.Unlock()
	r.seed(service)
	return nil
}

func (r *fakeServiceRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error) {
	return r.get(id), nil
}

func (r *fakeServiceRepo) GetByType(dbc dbctx.Context, serviceType domain.ServiceType) (*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.rows {
		if svc.ServiceType == serviceType {
			copied := *svc
			return &copied, nil
		}
	}
	return nil, nil
}

func (r *fakeServiceRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error) {
	return r.get(id), nil
}

func (r *fakeServiceRepo) ListAll(dbc dbctx.Context) ([]*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Service
	for _, svc := range r.rows {
		copied := *svc
		out = append(out, &copied)
	}
	return out, nil
}

func (r *fakeServiceRepo) ListByCommand(dbc dbctx.Context, command domain.ServiceCommand, statuses []domain.ServiceStatus, limit int) ([]*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Service
	for _, svc := range r.rows {
		if svc.Command != command {
			continue
		}
		if len(statuses) > 0 && !statusIn(svc.Status, statuses) {
			continue
		}
		copied := *svc
		out = append(out, &copied)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *fakeServiceRepo) ListStalled(dbc dbctx.Context, threshold time.Time) ([]*domain.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Service
	for _, svc := range r.rows {
		if svc.Status != domain.ServiceStatusActive {
			continue
		}
		if svc.LastHeartbeatAt == nil || svc.LastHeartbeatAt.Before(threshold) {
			copied := *svc
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (r *fakeServiceRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.rows[id]
	if !ok {
		return nil
	}
	applyServiceUpdates(svc, updates)
	return nil
}

func (r *fakeServiceRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.rows[id]
	if !ok || svc.Status != domain.ServiceStatusActive {
		return nil
	}
	svc.LastHeartbeatAt = &now
	svc.UpdatedAt = now
	return nil
}

func (r *fakeServiceRepo) NormalizeShutdown(dbc dbctx.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, svc := range r.rows {
		if svc.Status == domain.ServiceStatusActive || svc.Status == domain.ServiceStatusShuttingDown {
			svc.Status = domain.ServiceStatusInactive
			svc.Command = domain.ServiceCommandNone
			svc.CommandIssuedAt = nil
		}
	}
	return nil
}

func statusIn(status domain.ServiceStatus, statuses []domain.ServiceStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func applyServiceUpdates(svc *domain.Service, updates map[string]interface{}) {
	for key, value := range updates {
		switch key {
		case "status":
			svc.Status = value.(domain.ServiceStatus)
		case "command":
			svc.Command = value.(domain.ServiceCommand)
		case "command_issued_at":
			if value == nil {
				svc.CommandIssuedAt = nil
			} else {
				t := value.(time.Time)
				svc.CommandIssuedAt = &t
			}
		case "started_at":
			t := value.(time.Time)
			svc.StartedAt = &t
		case "last_heartbeat_at":
			t := value.(time.Time)
			svc.LastHeartbeatAt = &t
		case "error":
			svc.Error = value.(string)
		case "updated_at":
			svc.UpdatedAt = value.(time.Time)
		}
	}
}
