package services

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
	ErrServiceNotFound = errors.New("service not found")
	// ErrServiceNotStartable means the row is not INACTIVE or FAILED; some
	// other context owns it or it is mid-shutdown.
	ErrServiceNotStartable = errors.New("service is not in a startable state")
	ErrUnknownServiceType  = errors.New("no service registered for service_type")
)

const maxErrorLen = 1024

/*
Context owns one service activation from claim to terminal status.

Open flips INACTIVE/FAILED to ACTIVE under a row lock; ExecuteService drives
the implementation until cancellation or error; Close records INACTIVE for a
cooperative shutdown and FAILED for everything else. UpdateHeartbeat is a
one-shot write safe to call concurrently with ExecuteService: it touches a
different column in its own transaction.
*/
type Context struct {
	Svc *domain.Service

	repo       repos.ServiceRepo
	log        *logger.Logger
	impl       Impl
	resolveErr error
}

func Open(ctx context.Context, repo repos.ServiceRepo, registry *Registry, baseLog *logger.Logger, serviceID uuid.UUID) (*Context, error) {
	var claimed *domain.Service
	err := repo.InTransaction(ctx, func(dbc dbctx.Context) error {
		svc, err := repo.GetForUpdate(dbc, serviceID)
		if err != nil {
			return err
		}
		if svc == nil {
			return fmt.Errorf("%w: %s", ErrServiceNotFound, serviceID)
		}
		if svc.Status != domain.ServiceStatusInactive && svc.Status != domain.ServiceStatusFailed {
			return fmt.Errorf("%w: %s has status %s", ErrServiceNotStartable, serviceID, svc.Status)
		}
		now := time.Now().UTC()
		if err := repo.UpdateFields(dbc, svc.ID, map[string]interface{}{
			"status":            domain.ServiceStatusActive,
			"started_at":        now,
			"last_heartbeat_at": now,
			"error":             "",
			"updated_at":        now,
		}); err != nil {
			return err
		}
		svc.Status = domain.ServiceStatusActive
		svc.StartedAt = &now
		svc.LastHeartbeatAt = &now
		svc.Error = ""
		claimed = svc
		return nil
	})
	if err != nil {
		return nil, err
	}

	c := &Context{
		Svc:  claimed,
		repo: repo,
		log:  baseLog.With("service_id", claimed.ID.String(), "service_type", string(claimed.ServiceType)),
	}
	if factory, ok := registry.Get(claimed.ServiceType); ok {
		c.impl = factory()
	} else {
		c.resolveErr = fmt.Errorf("%w: %s", ErrUnknownServiceType, claimed.ServiceType)
	}
	return c, nil
}

// ExecuteService runs the implementation until ctx is cancelled or an
// iteration fails. On cancellation it calls Stop and returns the
// cancellation error so Close records INACTIVE rather than FAILED.
func (c *Context) ExecuteService(ctx context.Context) error {
	if c.resolveErr != nil {
		return c.resolveErr
	}

	params := json.RawMessage(c.Svc.Parameters)

	if err := c.impl.Start(ctx, params); err != nil {
		if isCancellation(ctx, err) {
			return c.finishCancelled(ctx)
		}
		return fmt.Errorf("service start: %w", err)
	}
	c.log.Info("Service started")

	for {
		select {
		case <-ctx.Done():
			return c.finishCancelled(ctx)
		default:
		}

		if err := c.impl.ProcessIteration(ctx, params); err != nil {
			if isCancellation(ctx, err) {
				return c.finishCancelled(ctx)
			}
			return fmt.Errorf("service iteration: %w", err)
		}

		if interval := c.impl.IterationInterval(); interval > 0 {
			c.log.Debug("Sleeping until next iteration", "interval", interval.String())
			select {
			case <-ctx.Done():
				return c.finishCancelled(ctx)
			case <-time.After(interval):
			}
		}
	}
}

func (c *Context) finishCancelled(ctx context.Context) error {
	if err := c.impl.Stop(); err != nil {
		c.log.Warn("Service stop returned error", "error", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// UpdateHeartbeat advances last_heartbeat_at for this service in its own
// transaction. The guarded update is a no-op once the row left ACTIVE.
func (c *Context) UpdateHeartbeat(ctx context.Context) error {
	return c.repo.Heartbeat(dbctx.Context{Ctx: ctx}, c.Svc.ID)
}

// Close records the terminal status. Cancellation is a graceful shutdown and
// lands on INACTIVE, except when the heartbeat monitor has already marked
// the row FAILED, which is then kept; any other error lands on FAILED with a
// short description. Uses a background context so shutdown-time cancellation
// cannot suppress the final write.
func (c *Context) Close(runErr error) error {
	updates := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) && !errors.Is(runErr, context.DeadlineExceeded) {
		updates["status"] = domain.ServiceStatusFailed
		updates["error"] = shortDescription(runErr)
		c.log.Error("Service failed", "error", runErr)
	} else {
		current, err := c.repo.GetByID(dbctx.Context{Ctx: context.Background()}, c.Svc.ID)
		if err == nil && current != nil && current.Status == domain.ServiceStatusFailed {
			c.log.Warn("Service cancelled after being marked failed", "error", current.Error)
			return nil
		}
		updates["status"] = domain.ServiceStatusInactive
		updates["error"] = ""
		c.log.Info("Service shut down gracefully")
	}
	if err := c.repo.UpdateFields(dbctx.Context{Ctx: context.Background()}, c.Svc.ID, updates); err != nil {
		c.log.Error("Failed to persist service outcome", "error", err)
		return err
	}
	return nil
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func shortDescription(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}
