package task

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/queue"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeCancels struct {
	mu        sync.Mutex
	requested map[uuid.UUID]bool
	cleared   []uuid.UUID
}

func newFakeCancels() *fakeCancels {
	return &fakeCancels{requested: map[uuid.UUID]bool{}}
}

func (f *fakeCancels) Request(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested[id] = true
	return nil
}

func (f *fakeCancels) Requested(_ context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requested[id], nil
}

func (f *fakeCancels) Clear(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requested, id)
	f.cleared = append(f.cleared, id)
	return nil
}

type workerFixture struct {
	store   *MockTaskStore
	queue   *queue.MemoryQueue
	cancels *fakeCancels
	worker  *Worker
}

func newWorkerFixture(t *testing.T, cfg WorkerConfig) *workerFixture {
	t.Helper()
	f := &workerFixture{
		store:   NewMockTaskStore(),
		queue:   queue.NewMemoryQueue(10, 3, discardLogger()),
		cancels: newFakeCancels(),
	}
	f.worker = NewWorker(f.queue, f.store, f.cancels, cfg, discardLogger())
	return f
}

// submit stores a PENDING task and enqueues its job.
func (f *workerFixture) submit(t *testing.T, typ Type) *Task {
	t.Helper()
	tk, err := New(uuid.New(), typ, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), tk))
	_, err = f.queue.Enqueue(context.Background(), queue.Job{
		TaskID: tk.ID, UserID: tk.UserID, Type: string(typ), Payload: tk.Payload,
	})
	require.NoError(t, err)
	return tk
}

// handleNext receives one delivery and handles it synchronously.
func (f *workerFixture) handleNext(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	f.worker.handle(context.Background(), d, 0)
}

func (f *workerFixture) get(t *testing.T, id uuid.UUID) *Task {
	t.Helper()
	tk, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func TestWorkerCompletesTask(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	var seen Execution
	f.worker.Register(TypeSync, ProcessorFunc(func(ctx context.Context, exec Execution) (Outcome, error) {
		seen = exec
		tk, err := f.store.Get(ctx, exec.TaskID)
		require.NoError(t, err)
		assert.Equal(t, StatusRunning, tk.Status, "task must be RUNNING during processing")
		assert.NotNil(t, tk.StartedAt)
		return Outcome{
			Result:      map[string]string{"message": "done"},
			Performance: &Performance{Login: 1, Navigation: 2, Scraping: 3, Total: 6},
		}, nil
	}))

	tk := f.submit(t, TypeSync)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.JSONEq(t, `{"message":"done"}`, string(got.Result))
	assert.JSONEq(t, `{"login":1,"navigation":2,"scraping":3,"total":6}`, string(got.Performance))
	assert.Equal(t, tk.ID, seen.TaskID)
	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, 0, f.queue.Len())
}

func TestWorkerRedactsCredentialsInFailureMessage(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	f.worker.Register(TypeLogin, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		return Outcome{}, errors.New(`portal rejected form {"username":"2024001","password":"hunter22"} with JSESSIONID=abc123`)
	}))

	tk := f.submit(t, TypeLogin)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotContains(t, got.ErrorMessage, "hunter22")
	assert.NotContains(t, got.ErrorMessage, "abc123")
	assert.Contains(t, got.ErrorMessage, "portal rejected form")
}

func TestWorkerSkipsTaskCanceledWhilePending(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	ran := false
	f.worker.Register(TypeSync, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		ran = true
		return Outcome{}, nil
	}))

	tk := f.submit(t, TypeSync)
	require.NoError(t, f.cancels.Request(context.Background(), tk.ID))
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.False(t, ran)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Nil(t, got.StartedAt)
	assert.Equal(t, "task canceled", got.ErrorMessage)
	assert.Equal(t, 0, f.queue.Len())
	assert.Contains(t, f.cancels.cleared, tk.ID)
}

func TestWorkerFailureIsNackedForRedelivery(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	f.worker.Register(TypeSync, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		return Outcome{}, errors.New("navigation timeout on lessons page")
	}))

	tk := f.submit(t, TypeSync)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "navigation timeout on lessons page", got.ErrorMessage)
	assert.Equal(t, 1, f.queue.Len(), "failed job must be redelivered")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := f.queue.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Attempt)
}

func TestWorkerUnknownTypeIsAcked(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})

	tk := f.submit(t, TypeLogin)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unknown job type")
	assert.Equal(t, 0, f.queue.Len())
	assert.Empty(t, f.queue.DeadLetters())
}

func TestWorkerProcessesWhenTaskRowMissing(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	ran := false
	f.worker.Register(TypeLogin, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		ran = true
		return Outcome{}, nil
	}))

	_, err := f.queue.Enqueue(context.Background(), queue.Job{TaskID: uuid.New(), UserID: uuid.New(), Type: "LOGIN"})
	require.NoError(t, err)
	f.handleNext(t)

	assert.True(t, ran)
	assert.Equal(t, 0, f.queue.Len())
}

func TestWorkerCancelRequestStopsTask(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1, CancelPollInterval: 5 * time.Millisecond})
	started := make(chan struct{})
	f.worker.Register(TypeSync, ProcessorFunc(func(ctx context.Context, _ Execution) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}))

	tk := f.submit(t, TypeSync)
	go func() {
		<-started
		_ = f.cancels.Request(context.Background(), tk.ID)
	}()
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "task canceled", got.ErrorMessage)
	assert.Equal(t, 0, f.queue.Len(), "canceled task must not be redelivered")
	assert.Contains(t, f.cancels.cleared, tk.ID)
}

func TestWorkerTimeout(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1, JobTimeout: 20 * time.Millisecond})
	f.worker.Register(TypeSync, ProcessorFunc(func(ctx context.Context, _ Execution) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}))

	tk := f.submit(t, TypeSync)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "task timed out")
	assert.Equal(t, 1, f.queue.Len())
}

func TestWorkerRecoversProcessorPanic(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	f.worker.Register(TypeSync, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		panic("selector exploded")
	}))

	tk := f.submit(t, TypeSync)
	f.handleNext(t)

	got := f.get(t, tk.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "processor panic: selector exploded")
}

func TestWorkerPermanentErrorsAreAcked(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 1})
	f.worker.Register(TypeSync, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		return Outcome{}, store.NewStoreError("grade", "upsert", "duplicate", store.ErrUpsertConflict)
	}))

	f.submit(t, TypeSync)
	f.handleNext(t)

	assert.Equal(t, 0, f.queue.Len())
}

func TestWorkerServe(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 3})
	f.worker.Register(TypeSync, ProcessorFunc(func(context.Context, Execution) (Outcome, error) {
		return Outcome{}, nil
	}))

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		ids = append(ids, f.submit(t, TypeSync).ID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Serve(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range ids {
			tk, err := f.store.Get(context.Background(), id)
			if err != nil || tk.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestWorkerServeStopsWhenQueueClosed(t *testing.T) {
	f := newWorkerFixture(t, WorkerConfig{WorkerCount: 2})
	require.NoError(t, f.queue.Close())

	err := f.worker.Serve(context.Background())
	assert.ErrorIs(t, err, suture.ErrDoNotRestart)
}

func TestNewWorkerDefaultsWorkerCount(t *testing.T) {
	w := NewWorker(queue.NewMemoryQueue(1, 1, nil), NewMockTaskStore(), nil, WorkerConfig{}, discardLogger())
	assert.Equal(t, 1, w.config.WorkerCount)
	assert.Equal(t, "task-worker", w.String())
}

func TestWorkerKeepsLongJobFromOtherConsumers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	q, err := queue.NewRedisStreamQueue(ctx, client, queue.StreamConfig{
		Stream:            "studus-tasks",
		Group:             "workers",
		VisibilityTimeout: 100 * time.Millisecond,
		MaxDeliveries:     3,
		BlockTimeout:      10 * time.Millisecond,
	}, discardLogger())
	require.NoError(t, err)

	taskStore := NewMockTaskStore()
	w := NewWorker(q, taskStore, nil, WorkerConfig{WorkerCount: 2, JobTimeout: 2 * time.Second}, discardLogger())

	var running, maxRunning, executions atomic.Int32
	w.Register(TypeSync, ProcessorFunc(func(ctx context.Context, _ Execution) (Outcome, error) {
		executions.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		select {
		case <-time.After(400 * time.Millisecond):
			return Outcome{}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}))

	tk, err := New(uuid.New(), TypeSync, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, taskStore.Create(ctx, tk))
	_, err = q.Enqueue(ctx, queue.Job{TaskID: tk.ID, UserID: tk.UserID, Type: string(TypeSync)})
	require.NoError(t, err)

	serveCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Serve(serveCtx) }()

	require.Eventually(t, func() bool {
		got, err := taskStore.Get(ctx, tk.ID)
		return err == nil && got.Status == StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	// Give the idle consumer a few more reclaim rounds.
	time.Sleep(250 * time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, int32(1), executions.Load())
	assert.Equal(t, int32(1), maxRunning.Load())

	dead, err := client.XLen(ctx, "studus-tasks:dead").Result()
	require.NoError(t, err)
	assert.Zero(t, dead)
}
