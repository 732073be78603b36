package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const testServiceType domain.ServiceType = "TEST_SERVICE"

// countingImpl increments a shared counter each iteration and tracks
// start/stop calls across activations.
type countingImpl struct {
	iterations *atomic.Int32
	starts     *atomic.Int32
	stops      *atomic.Int32
	interval   time.Duration
	iterate    func(ctx context.Context) error
}

func (s *countingImpl) Type() domain.ServiceType { return testServiceType }

func (s *countingImpl) Start(ctx context.Context, params json.RawMessage) error {
	if s.starts != nil {
		s.starts.Add(1)
	}
	return nil
}

func (s *countingImpl) ProcessIteration(ctx context.Context, params json.RawMessage) error {
	if s.iterate != nil {
		return s.iterate(ctx)
	}
	s.iterations.Add(1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return nil
}

func (s *countingImpl) IterationInterval() time.Duration { return s.interval }

func (s *countingImpl) Stop() error {
	if s.stops != nil {
		s.stops.Add(1)
	}
	return nil
}

func newTestRegistry(t *testing.T, impl func() Impl) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(impl))
	return reg
}

func runServiceDispatcher(t *testing.T, d *Dispatcher) (context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(15 * time.Second):
			t.Fatal("service dispatcher did not stop")
		}
	})
	return cancel, done
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestServiceStartStopRoundTrip(t *testing.T) {
	repo := newFakeServiceRepo()
	var iterations, starts, stops atomic.Int32
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: &iterations, starts: &starts, stops: &stops}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusInactive,
		Command:     domain.ServiceCommandStart,
		Parameters:  []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 30*time.Millisecond, 5)
	runServiceDispatcher(t, d)

	// The start pass flips the row ACTIVE, clears the command and the
	// iteration loop begins making progress.
	waitFor(t, 3*time.Second, func() bool {
		row := repo.get(svc.ID)
		return row.Status == domain.ServiceStatusActive &&
			row.Command == domain.ServiceCommandNone &&
			iterations.Load() >= 2
	})
	row := repo.get(svc.ID)
	require.NotNil(t, row.StartedAt)
	require.NotNil(t, row.LastHeartbeatAt)
	firstBeat := *row.LastHeartbeatAt

	// Heartbeats keep advancing while ACTIVE.
	waitFor(t, 3*time.Second, func() bool {
		current := repo.get(svc.ID).LastHeartbeatAt
		return current != nil && current.After(firstBeat)
	})

	repo.setCommand(svc.ID, domain.ServiceCommandStop)

	waitFor(t, 3*time.Second, func() bool {
		row := repo.get(svc.ID)
		return row.Status == domain.ServiceStatusInactive &&
			row.Command == domain.ServiceCommandNone
	})
	assert.GreaterOrEqual(t, iterations.Load(), int32(2))
	assert.GreaterOrEqual(t, stops.Load(), int32(1))
	assert.Equal(t, 0, d.ActiveCount())
}

func TestServiceFailureRecordsError(t *testing.T) {
	repo := newFakeServiceRepo()
	var iterations atomic.Int32
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{
			iterations: &iterations,
			iterate: func(ctx context.Context) error {
				return errors.New("disk on fire")
			},
		}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusInactive,
		Command:     domain.ServiceCommandStart,
		Parameters:  []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 20*time.Millisecond, 5)
	runServiceDispatcher(t, d)

	waitFor(t, 3*time.Second, func() bool {
		return repo.get(svc.ID).Status == domain.ServiceStatusFailed
	})
	assert.Contains(t, repo.get(svc.ID).Error, "disk on fire")
}

func TestStopCommandWithoutTaskNormalizesRow(t *testing.T) {
	repo := newFakeServiceRepo()
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: new(atomic.Int32)}
	})

	// An ACTIVE row with STOP but no in-process task: leftover from a crash.
	// A fresh heartbeat keeps the liveness monitor out of the picture.
	beat := time.Now().UTC()
	svc := repo.seed(&domain.Service{
		ServiceType:     testServiceType,
		Status:          domain.ServiceStatusActive,
		Command:         domain.ServiceCommandStop,
		Parameters:      []byte(`{}`),
		LastHeartbeatAt: &beat,
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 20*time.Millisecond, 5)
	runServiceDispatcher(t, d)

	waitFor(t, 3*time.Second, func() bool {
		row := repo.get(svc.ID)
		return row.Status == domain.ServiceStatusInactive &&
			row.Command == domain.ServiceCommandNone
	})
}

func TestRestartCyclesService(t *testing.T) {
	repo := newFakeServiceRepo()
	var iterations, starts atomic.Int32
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: &iterations, starts: &starts}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusInactive,
		Command:     domain.ServiceCommandStart,
		Parameters:  []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 20*time.Millisecond, 5)
	runServiceDispatcher(t, d)

	waitFor(t, 3*time.Second, func() bool {
		return starts.Load() == 1 && repo.get(svc.ID).Status == domain.ServiceStatusActive
	})

	repo.setCommand(svc.ID, domain.ServiceCommandRestart)

	// The restart monitor cancels the task and rewrites the row to
	// INACTIVE/START; the supervision loop then starts a fresh activation.
	waitFor(t, 10*time.Second, func() bool {
		return starts.Load() >= 2 && repo.get(svc.ID).Status == domain.ServiceStatusActive
	})
	assert.Equal(t, domain.ServiceCommandNone, repo.get(svc.ID).Command)
}

func TestHeartbeatMonitorFailsStalledService(t *testing.T) {
	repo := newFakeServiceRepo()
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: new(atomic.Int32)}
	})

	// An ACTIVE row whose owner died: stale heartbeat, no in-process task.
	stale := time.Now().UTC().Add(-time.Hour)
	svc := repo.seed(&domain.Service{
		ServiceType:     testServiceType,
		Status:          domain.ServiceStatusActive,
		Command:         domain.ServiceCommandNone,
		Parameters:      []byte(`{}`),
		LastHeartbeatAt: &stale,
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 20*time.Millisecond, 5)
	runServiceDispatcher(t, d)

	waitFor(t, 3*time.Second, func() bool {
		return repo.get(svc.ID).Status == domain.ServiceStatusFailed
	})
	assert.Equal(t, "heartbeat timeout", repo.get(svc.ID).Error)
	assert.Equal(t, 0, d.ActiveCount())
}

func TestShutdownNormalizesOwnedRows(t *testing.T) {
	repo := newFakeServiceRepo()
	var iterations atomic.Int32
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: &iterations}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusInactive,
		Command:     domain.ServiceCommandStart,
		Parameters:  []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 20*time.Millisecond, 5)
	cancel, done := runServiceDispatcher(t, d)

	waitFor(t, 3*time.Second, func() bool {
		return repo.get(svc.ID).Status == domain.ServiceStatusActive
	})

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("dispatcher did not shut down")
	}

	row := repo.get(svc.ID)
	assert.Equal(t, domain.ServiceStatusInactive, row.Status)
	assert.Equal(t, domain.ServiceCommandNone, row.Command)
	assert.Equal(t, 0, d.ActiveCount())
}

func TestOpenRejectsActiveRow(t *testing.T) {
	repo := newFakeServiceRepo()
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: new(atomic.Int32)}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusActive,
		Parameters:  []byte(`{}`),
	})

	_, err := Open(context.Background(), repo, reg, logger.Nop(), svc.ID)
	assert.ErrorIs(t, err, ErrServiceNotStartable)
}

func TestContextCloseDistinguishesCancellation(t *testing.T) {
	repo := newFakeServiceRepo()
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: new(atomic.Int32)}
	})

	t.Run("cancellation lands on INACTIVE", func(t *testing.T) {
		svc := repo.seed(&domain.Service{
			ServiceType: testServiceType,
			Status:      domain.ServiceStatusInactive,
			Parameters:  []byte(`{}`),
		})
		sc, err := Open(context.Background(), repo, reg, logger.Nop(), svc.ID)
		require.NoError(t, err)
		require.NoError(t, sc.Close(context.Canceled))
		assert.Equal(t, domain.ServiceStatusInactive, repo.get(svc.ID).Status)
		assert.Empty(t, repo.get(svc.ID).Error)
	})

	t.Run("error lands on FAILED", func(t *testing.T) {
		svc := repo.seed(&domain.Service{
			ServiceType: testServiceType,
			Status:      domain.ServiceStatusInactive,
			Parameters:  []byte(`{}`),
		})
		sc, err := Open(context.Background(), repo, reg, logger.Nop(), svc.ID)
		require.NoError(t, err)
		require.NoError(t, sc.Close(errors.New("watcher died")))
		assert.Equal(t, domain.ServiceStatusFailed, repo.get(svc.ID).Status)
		assert.Equal(t, "watcher died", repo.get(svc.ID).Error)
	})
}

func TestExecuteServiceRunsIterationsUntilCancelled(t *testing.T) {
	repo := newFakeServiceRepo()
	var iterations, stops atomic.Int32
	reg := newTestRegistry(t, func() Impl {
		return &countingImpl{iterations: &iterations, stops: &stops}
	})

	svc := repo.seed(&domain.Service{
		ServiceType: testServiceType,
		Status:      domain.ServiceStatusInactive,
		Parameters:  []byte(`{}`),
	})
	sc, err := Open(context.Background(), repo, reg, logger.Nop(), svc.ID)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sc.ExecuteService(ctx) }()

	waitFor(t, 3*time.Second, func() bool { return iterations.Load() >= 3 })
	cancel()

	select {
	case err := <-runDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("ExecuteService did not return after cancellation")
	}
	assert.Equal(t, int32(1), stops.Load())
}
