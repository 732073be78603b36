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

// JobRepo is the dispatcher's view of the jobs table. It knows nothing about
// job semantics beyond rows, filters and field updates.
type JobRepo interface {
	// InTransaction runs fn inside one transaction; fn receives a dbctx
	// bound to it. Commit on nil return, rollback otherwise.
	InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error
	Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	// GetForUpdate locks the row for the remainder of the enclosing
	// transaction on dialects that support row locks. Must be called with
	// dbc.Tx set.
	GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error)
	// ListOpen returns OPEN jobs not in exclude, ordered by priority DESC
	// then created_at ASC, limited to limit.
	ListOpen(dbc dbctx.Context, exclude []uuid.UUID, limit int) ([]*domain.Job, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) InTransaction(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(dbctx.Context{Ctx: ctx, Tx: tx})
	})
}

func (r *jobRepo) Create(dbc dbctx.Context, jobs []*domain.Job) ([]*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(jobs) == 0 {
		return []*domain.Job{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var job domain.Job
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) GetForUpdate(dbc dbctx.Context, id uuid.UUID) (*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx)
	if supportsRowLocks(transaction) {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job domain.Job
	err := q.Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRepo) ListOpen(dbc dbctx.Context, exclude []uuid.UUID, limit int) ([]*domain.Job, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		return []*domain.Job{}, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ?", domain.JobStatusOpen)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var out []*domain.Job
	err := q.Order("priority DESC").
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&domain.Job{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// supportsRowLocks reports whether the dialect accepts SELECT ... FOR UPDATE.
// sqlite does not; its single-writer connection gives the same claim
// exclusivity, so the lock clause is simply skipped there.
func supportsRowLocks(tx *gorm.DB) bool {
	return tx.Dialector.Name() == "postgres"
}
