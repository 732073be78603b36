package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thandden/mediaserver/internal/domain"
	"github.com/thandden/mediaserver/internal/platform/logger"
)

const (
	testTypeParent domain.JobType = "TEST_PARENT"
	testTypeChild  domain.JobType = "TEST_CHILD"
)

// funcWorker adapts a closure to the Worker interface.
type funcWorker struct {
	jobType domain.JobType
	fn      func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error)
}

func (w *funcWorker) Type() domain.JobType { return w.jobType }

func (w *funcWorker) Execute(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
	return w.fn(ctx, params)
}

func registerFunc(t *testing.T, reg *Registry, jobType domain.JobType, fn func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error)) {
	t.Helper()
	err := reg.Register(func() Worker { return &funcWorker{jobType: jobType, fn: fn} })
	require.NoError(t, err)
}

func runDispatcher(t *testing.T, d *Dispatcher) context.CancelFunc {
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
		case <-time.After(5 * time.Second):
			t.Fatal("dispatcher did not stop")
		}
	})
	return cancel
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

func TestDispatcherRunsJobAndCreatesChild(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		return []ChildJobSpec{{
			JobType: testTypeChild,
			Params:  map[string]any{"n": 1},
		}}, nil
	})

	parent := repo.seed(&domain.Job{
		JobType:    testTypeParent,
		Status:     domain.JobStatusOpen,
		Parameters: []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 10*time.Millisecond, 5)
	runDispatcher(t, d)

	waitFor(t, 2*time.Second, func() bool {
		return repo.get(parent.ID).Status == domain.JobStatusCompleted
	})

	finished := repo.get(parent.ID)
	require.NotNil(t, finished.StartedAt)
	require.NotNil(t, finished.CompletedAt)
	assert.True(t, !finished.CompletedAt.Before(*finished.StartedAt),
		"started_at must not be after completed_at")
	assert.Empty(t, finished.Error)

	children := repo.byType(testTypeChild)
	require.Len(t, children, 1)
	child := children[0]
	require.NotNil(t, child.ParentJobID)
	assert.Equal(t, parent.ID, *child.ParentJobID)
	assert.False(t, child.CreatedAt.Before(*finished.StartedAt),
		"child created_at must not precede parent started_at")
}

func TestDispatcherRecordsWorkerFailure(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		return nil, errors.New("boom")
	})

	job := repo.seed(&domain.Job{
		JobType:    testTypeParent,
		Status:     domain.JobStatusOpen,
		Parameters: []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 10*time.Millisecond, 5)
	runDispatcher(t, d)

	waitFor(t, 2*time.Second, func() bool {
		return repo.get(job.ID).Status == domain.JobStatusFailed
	})

	failed := repo.get(job.ID)
	assert.Equal(t, "boom", failed.Error)
	require.NotNil(t, failed.CompletedAt)
	assert.Empty(t, repo.byType(testTypeChild))
}

func TestDispatcherFailsUnknownJobType(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()

	job := repo.seed(&domain.Job{
		JobType:    "NO_SUCH_TYPE",
		Status:     domain.JobStatusOpen,
		Parameters: []byte(`{}`),
	})

	d := NewDispatcher(logger.Nop(), repo, reg, 10*time.Millisecond, 5)
	runDispatcher(t, d)

	waitFor(t, 2*time.Second, func() bool {
		return repo.get(job.ID).Status == domain.JobStatusFailed
	})
	assert.Contains(t, repo.get(job.ID).Error, "no worker registered")
}

func TestDispatcherPriorityOrdering(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()

	var mu sync.Mutex
	var order []string
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		mu.Lock()
		order = append(order, p.Name)
		mu.Unlock()
		return nil, nil
	})

	base := time.Now().UTC().Add(-time.Minute)
	seed := func(name string, priority int, createdAt time.Time) {
		repo.seed(&domain.Job{
			JobType:    testTypeParent,
			Status:     domain.JobStatusOpen,
			Priority:   priority,
			CreatedAt:  createdAt,
			Parameters: []byte(fmt.Sprintf(`{"name":%q}`, name)),
		})
	}
	seed("B", 5, base)
	seed("A", 5, base.Add(10*time.Second))
	seed("C", 10, base.Add(20*time.Second))

	// One slot forces strictly sequential dispatch in priority order.
	d := NewDispatcher(logger.Nop(), repo, reg, 10*time.Millisecond, 1)
	runDispatcher(t, d)

	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"C", "B", "A"}, order)
}

func TestDispatcherConcurrencyCap(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()

	var running, peak int32
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		now := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil, nil
	})

	for i := 0; i < 10; i++ {
		repo.seed(&domain.Job{
			JobType:    testTypeParent,
			Status:     domain.JobStatusOpen,
			Parameters: []byte(`{}`),
		})
	}

	d := NewDispatcher(logger.Nop(), repo, reg, 5*time.Millisecond, 3)
	runDispatcher(t, d)

	waitFor(t, 5*time.Second, func() bool {
		return len(repo.byType(testTypeParent)) == 10 && allCompleted(repo.byType(testTypeParent))
	})

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func allCompleted(jobs []*domain.Job) bool {
	for _, job := range jobs {
		if job.Status != domain.JobStatusCompleted {
			return false
		}
	}
	return true
}

func TestOpenClaimRaceHasExactlyOneWinner(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		return nil, nil
	})

	job := repo.seed(&domain.Job{
		JobType:    testTypeParent,
		Status:     domain.JobStatusOpen,
		Parameters: []byte(`{}`),
	})

	const claimers = 16
	var wins, losses int32
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Open(context.Background(), repo, reg, logger.Nop(), job.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, ErrJobNotOpen):
				atomic.AddInt32(&losses, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Equal(t, int32(claimers-1), losses)
	assert.Equal(t, domain.JobStatusRunning, repo.get(job.ID).Status)
}

func TestOpenMissingJob(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()

	_, err := Open(context.Background(), repo, reg, logger.Nop(), uuid.New())
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestContextCloseRecordsOutcome(t *testing.T) {
	repo := newFakeJobRepo()
	reg := NewRegistry()
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		return nil, nil
	})

	t.Run("success", func(t *testing.T) {
		job := repo.seed(&domain.Job{JobType: testTypeParent, Status: domain.JobStatusOpen, Parameters: []byte(`{}`)})
		jc, err := Open(context.Background(), repo, reg, logger.Nop(), job.ID)
		require.NoError(t, err)
		require.NoError(t, jc.Close(context.Background(), nil))

		row := repo.get(job.ID)
		assert.Equal(t, domain.JobStatusCompleted, row.Status)
		assert.NotNil(t, row.CompletedAt)
		assert.Empty(t, row.Error)
	})

	t.Run("failure", func(t *testing.T) {
		job := repo.seed(&domain.Job{JobType: testTypeParent, Status: domain.JobStatusOpen, Parameters: []byte(`{}`)})
		jc, err := Open(context.Background(), repo, reg, logger.Nop(), job.ID)
		require.NoError(t, err)
		require.NoError(t, jc.Close(context.Background(), errors.New("exploded")))

		row := repo.get(job.ID)
		assert.Equal(t, domain.JobStatusFailed, row.Status)
		assert.Equal(t, "exploded", row.Error)
		assert.NotNil(t, row.CompletedAt)
	})
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	factory := func() Worker {
		return &funcWorker{jobType: testTypeParent, fn: func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
			return nil, nil
		}}
	}
	require.NoError(t, reg.Register(factory))
	assert.Error(t, reg.Register(factory))
}

func TestRegistryValidate(t *testing.T) {
	reg := NewRegistry()
	registerFunc(t, reg, testTypeParent, func(ctx context.Context, params json.RawMessage) ([]ChildJobSpec, error) {
		return nil, nil
	})

	assert.NoError(t, reg.Validate([]domain.JobType{testTypeParent}))
	assert.Error(t, reg.Validate([]domain.JobType{testTypeParent, testTypeChild}))
}
