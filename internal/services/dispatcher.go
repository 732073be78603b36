package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/thandden/mediaserver/internal/data/repos"
	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/dbctx"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const (
	restartMonitorInterval = 5 * time.Second
	restartStopTimeout     = 5 * time.Second
	shutdownTimeout        = 10 * time.Second
	heartbeatRetryDelay    = 5 * time.Second
)

// task tracks one in-process service execution.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

/*
Dispatcher supervises all services: three cooperating loops over one shared
active map.

  - The supervision loop starts runnable rows (command=START, status
    INACTIVE/FAILED) and stops stoppable ones (command=STOP, status=ACTIVE),
    clearing commands as it acts.
  - The restart monitor (short cadence) cancels the running task, waits
    briefly, then rewrites the row to INACTIVE/command=START so the
    supervision loop relaunches it.
  - The heartbeat monitor fails any ACTIVE row whose heartbeat is older than
    three intervals and cancels its task if one is present.

The services row plus the active map give at-most-one execution per id: the
dispatcher never launches an id already in the map, and Context.Open rejects
rows that are not startable.
*/
type Dispatcher struct {
	log      *logger.Logger
	repo     repos.ServiceRepo
	registry *Registry

	heartbeatInterval time.Duration
	maxConcurrent     int
	sem               *semaphore.Weighted

	mu     sync.Mutex
	active map[uuid.UUID]*task
	wg     sync.WaitGroup
}

func NewDispatcher(baseLog *logger.Logger, repo repos.ServiceRepo, registry *Registry, heartbeatInterval time.Duration, maxConcurrent int) *Dispatcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Dispatcher{
		log:               baseLog.With("component", "ServiceDispatcher"),
		repo:              repo,
		registry:          registry,
		heartbeatInterval: heartbeatInterval,
		maxConcurrent:     maxConcurrent,
		sem:               semaphore.NewWeighted(int64(maxConcurrent)),
		active:            make(map[uuid.UUID]*task),
	}
}

// Run supervises until ctx is cancelled, then shuts everything down: cancel
// every task, wait up to the shutdown budget, and normalize leftover
// ACTIVE/SHUTTING_DOWN rows to INACTIVE.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting service dispatcher",
		"heartbeat_interval", d.heartbeatInterval.String(),
		"max_concurrent", d.maxConcurrent,
	)

	var monitors sync.WaitGroup
	monitors.Add(2)
	go func() {
		defer monitors.Done()
		d.monitorRestarts(ctx)
	}()
	go func() {
		defer monitors.Done()
		d.monitorHeartbeats(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			monitors.Wait()
			d.shutdown()
			return nil
		default:
		}

		if err := d.superviseOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.log.Error("Error in service dispatcher loop", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-time.After(d.heartbeatInterval):
		}
	}
}

func (d *Dispatcher) superviseOnce(ctx context.Context) error {
	if err := d.startPass(ctx); err != nil {
		return err
	}
	return d.stopPass(ctx)
}

// startPass launches runnable services up to the free capacity and clears
// their commands.
func (d *Dispatcher) startPass(ctx context.Context) error {
	free := d.maxConcurrent - d.ActiveCount()
	if free <= 0 {
		return nil
	}

	rows, err := d.repo.ListByCommand(dbctx.Context{Ctx: ctx}, domain.ServiceCommandStart,
		[]domain.ServiceStatus{domain.ServiceStatusInactive, domain.ServiceStatusFailed}, free)
	if err != nil {
		return err
	}

	for _, svc := range rows {
		if d.isActive(svc.ID) {
			d.log.Warn("Service already active but was returned in query", "service_id", svc.ID)
			continue
		}
		d.log.Info("Starting service", "service_id", svc.ID, "service_type", svc.ServiceType)
		d.launch(ctx, svc.ID)
		if err := d.clearCommand(ctx, svc.ID); err != nil {
			d.log.Error("Failed to clear start command", "service_id", svc.ID, "error", err)
		}
	}
	return nil
}

// stopPass cancels stoppable services. Rows carrying STOP with no in-process
// task are stale (e.g. left over from a crash) and are normalized straight
// to INACTIVE.
func (d *Dispatcher) stopPass(ctx context.Context) error {
	rows, err := d.repo.ListByCommand(dbctx.Context{Ctx: ctx}, domain.ServiceCommandStop,
		[]domain.ServiceStatus{domain.ServiceStatusActive}, 0)
	if err != nil {
		return err
	}

	for _, svc := range rows {
		t := d.getTask(svc.ID)
		if t == nil {
			d.log.Warn("Service has STOP command but is not active in-process", "service_id", svc.ID)
			if err := d.repo.UpdateFields(dbctx.Context{Ctx: ctx}, svc.ID, map[string]interface{}{
				"status":            domain.ServiceStatusInactive,
				"command":           domain.ServiceCommandNone,
				"command_issued_at": nil,
			}); err != nil {
				d.log.Error("Failed to normalize stale STOP row", "service_id", svc.ID, "error", err)
			}
			continue
		}

		d.log.Info("Stopping service", "service_id", svc.ID)
		t.cancel()
		if err := d.repo.UpdateFields(dbctx.Context{Ctx: ctx}, svc.ID, map[string]interface{}{
			"status":            domain.ServiceStatusShuttingDown,
			"command":           domain.ServiceCommandNone,
			"command_issued_at": nil,
		}); err != nil {
			d.log.Error("Failed to clear stop command", "service_id", svc.ID, "error", err)
		}
	}
	return nil
}

// monitorRestarts handles RESTART commands on a short cadence: cancel the
// running task if any, wait briefly for it to end, then reset the row to
// INACTIVE with command=START for the supervision loop to pick up.
func (d *Dispatcher) monitorRestarts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartMonitorInterval):
		}

		rows, err := d.repo.ListByCommand(dbctx.Context{Ctx: ctx}, domain.ServiceCommandRestart, nil, 0)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.log.Error("Error in restart monitor", "error", err)
			}
			continue
		}

		for _, svc := range rows {
			d.log.Info("Restarting service", "service_id", svc.ID)

			if t := d.getTask(svc.ID); t != nil {
				t.cancel()
				select {
				case <-t.done:
				case <-time.After(restartStopTimeout):
					d.log.Warn("Service did not stop gracefully for restart", "service_id", svc.ID)
				}
				d.removeTask(svc.ID)
			}

			now := time.Now().UTC()
			if err := d.repo.UpdateFields(dbctx.Context{Ctx: ctx}, svc.ID, map[string]interface{}{
				"status":            domain.ServiceStatusInactive,
				"command":           domain.ServiceCommandStart,
				"command_issued_at": now,
			}); err != nil {
				d.log.Error("Failed to rewrite row for restart", "service_id", svc.ID, "error", err)
			}
		}
	}
}

// monitorHeartbeats fails ACTIVE rows whose heartbeat is older than three
// intervals and cancels their tasks.
func (d *Dispatcher) monitorHeartbeats(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.heartbeatInterval):
		}

		threshold := time.Now().UTC().Add(-3 * d.heartbeatInterval)
		rows, err := d.repo.ListStalled(dbctx.Context{Ctx: ctx}, threshold)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				d.log.Error("Error in heartbeat monitor", "error", err)
			}
			continue
		}

		for _, svc := range rows {
			d.log.Warn("Service heartbeat stalled",
				"service_id", svc.ID,
				"last_heartbeat_at", svc.LastHeartbeatAt,
			)
			if err := d.repo.UpdateFields(dbctx.Context{Ctx: ctx}, svc.ID, map[string]interface{}{
				"status": domain.ServiceStatusFailed,
				"error":  "heartbeat timeout",
			}); err != nil {
				d.log.Error("Failed to mark stalled service", "service_id", svc.ID, "error", err)
				continue
			}
			if t := d.getTask(svc.ID); t != nil {
				d.log.Info("Cancelling stalled service task", "service_id", svc.ID)
				t.cancel()
				d.removeTask(svc.ID)
			}
		}
	}
}

// launch registers the task and spawns the per-service run goroutine.
func (d *Dispatcher) launch(ctx context.Context, serviceID uuid.UUID) {
	svcCtx, cancel := context.WithCancel(ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.active[serviceID] = t
	d.mu.Unlock()

	d.wg.Add(1)
	go d.runService(svcCtx, serviceID, t)
}

func (d *Dispatcher) runService(ctx context.Context, serviceID uuid.UUID, t *task) {
	defer d.wg.Done()
	defer close(t.done)
	defer d.removeTask(serviceID)

	svcLog := d.log.With("service_id", serviceID.String())

	if err := d.sem.Acquire(ctx, 1); err != nil {
		svcLog.Warn("Semaphore acquire failed", "error", err)
		return
	}
	defer d.sem.Release(1)

	sc, err := Open(ctx, d.repo, d.registry, d.log, serviceID)
	if err != nil {
		if errors.Is(err, ErrServiceNotStartable) || errors.Is(err, ErrServiceNotFound) {
			svcLog.Warn("Service not startable, dropping", "error", err)
		} else if !errors.Is(err, context.Canceled) {
			svcLog.Error("Failed to open service context", "error", err)
		}
		return
	}

	// Companion heartbeat loop; cancelled when execution exits on any path.
	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go d.heartbeatLoop(hbCtx, sc)

	runErr := sc.ExecuteService(ctx)
	if err := sc.Close(runErr); err != nil {
		svcLog.Error("Failed to close service context", "error", err)
	}
}

// heartbeatLoop writes the heartbeat every half interval; errors log and
// back off a few seconds instead of killing the loop.
func (d *Dispatcher) heartbeatLoop(ctx context.Context, sc *Context) {
	for {
		delay := d.heartbeatInterval / 2
		if err := sc.UpdateHeartbeat(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			d.log.Error("Error updating heartbeat", "service_id", sc.Svc.ID, "error", err)
			delay = heartbeatRetryDelay
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// shutdown cancels every running task, waits up to the shutdown budget and
// normalizes leftover rows so nothing owned by this process stays ACTIVE.
func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	count := len(d.active)
	for _, t := range d.active {
		t.cancel()
	}
	d.mu.Unlock()

	if count > 0 {
		d.log.Info("Stopping active services", "count", count)
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		d.log.Warn("Some services did not stop within the shutdown budget")
	}

	if err := d.repo.NormalizeShutdown(dbctx.Context{Ctx: context.Background()}); err != nil {
		d.log.Error("Failed to normalize service rows during shutdown", "error", err)
	}
	d.log.Info("Service dispatcher stopped")
}

func (d *Dispatcher) clearCommand(ctx context.Context, serviceID uuid.UUID) error {
	return d.repo.UpdateFields(dbctx.Context{Ctx: ctx}, serviceID, map[string]interface{}{
		"command":           domain.ServiceCommandNone,
		"command_issued_at": nil,
	})
}

func (d *Dispatcher) getTask(id uuid.UUID) *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active[id]
}

func (d *Dispatcher) isActive(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.active[id]
	return ok
}

func (d *Dispatcher) removeTask(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, id)
}

// ActiveCount reports how many services are running in-process.
func (d *Dispatcher) ActiveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}
