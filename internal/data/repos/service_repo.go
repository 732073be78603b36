package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

// ServiceRepo is the dispatcher's view of the services table.
type ServiceRepo interface {
	// InTransaction runs fn inside one transaction; fn receives a dbctx
	// bound to it. Commit on nil return, rollback otherwise.
	InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error
	Create(dbc dbctx.Context, services []*domain.Service) ([]*domain.Service, error)
	// SeedDefault inserts the row unless one with the same service_type
	// already exists. Safe against concurrent boots: the uniqueness
	// constraint on service_type backs the ON CONFLICT DO NOTHING insert.
	SeedDefault(dbc dbctx.Context, service *domain.Service) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error)
	GetByType(dbc dbctx.Context, serviceType domain.ServiceType) (*domain.Service, error)
	GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error)
	ListAll(dbc dbctx.Context) ([]*domain.Service, error)
	ListByCommand(dbc dbctx.Context, command domain.ServiceCommand, statuses []domain.ServiceStatus, limit int) ([]*domain.Service, error)
	// ListStalled returns ACTIVE rows whose heartbeat is older than
	// threshold or missing entirely.
	ListStalled(dbc dbctx.Context, threshold time.Time) ([]*domain.Service, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	// NormalizeShutdown flips every ACTIVE or SHUTTING_DOWN row back to
	// INACTIVE with the command cleared. Called once during engine shutdown.
	NormalizeShutdown(dbc dbctx.Context) error
}

type serviceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewServiceRepo(db *gorm.DB, baseLog *logger.Logger) ServiceRepo {
	return &serviceRepo{
		db:  db,
		log: baseLog.With("repo", "ServiceRepo"),
	}
}

func (r *serviceRepo) InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

func (r *serviceRepo) Create(dbc dbctx.Context, services []*domain.Service) ([]*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(services) == 0 {
		return []*domain.Service{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

func (r *serviceRepo) SeedDefault(dbc dbctx.Context, service *domain.Service) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "service_type"}},
			DoNothing: true,
		}).
		Create(service).Error
}

func (r *serviceRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var svc domain.Service
	err := transaction.WithContext(dbc.Ctx).Where("id = ?", id).First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (r *serviceRepo) GetByType(dbc dbctx.Context, serviceType domain.ServiceType) (*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var svc domain.Service
	err := transaction.WithContext(dbc.Ctx).
		Where("service_type = ?", serviceType).
		First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (r *serviceRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx)
	if supportsRowLocks(transaction) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var svc domain.Service
	err := q.Where("id = ?", id).First(&svc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func (r *serviceRepo) ListAll(dbc dbctx.Context) ([]*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Service
	if err := transaction.WithContext(dbc.Ctx).Order("service_type ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *serviceRepo) ListByCommand(dbc dbctx.Context, command domain.ServiceCommand, statuses []domain.ServiceStatus, limit int) ([]*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Where("command = ?", command)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.Service
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *serviceRepo) ListStalled(dbc dbctx.Context, threshold time.Time) ([]*domain.Service, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Service
	err := transaction.WithContext(dbc.Ctx).
		Where("status = ?", domain.ServiceStatusActive).
		Where("last_heartbeat_at < ? OR last_heartbeat_at IS NULL", threshold).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *serviceRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Service{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *serviceRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Service{}).
		Where("id = ? AND status = ?", id, domain.ServiceStatusActive).
		Updates(map[string]interface{}{
			"last_heartbeat_at": now,
			"updated_at":        now,
		}).Error
}

func (r *serviceRepo) NormalizeShutdown(dbc dbctx.Context) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	return transaction.WithContext(dbc.Ctx).
		Model(&domain.Service{}).
		Where("status IN ?", []domain.ServiceStatus{domain.ServiceStatusActive, domain.ServiceStatusShuttingDown}).
		Updates(map[string]interface{}{
			"status":            domain.ServiceStatusInactive,
			"command":           domain.ServiceCommandNone,
			"command_issued_at": nil,
			"updated_at":        now,
		}).Error
}
