package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/platform/logger"
	"github.com/phrazzld/studus-sync/internal/platform/metrics"
	"github.com/phrazzld/studus-sync/internal/queue"
	"github.com/phrazzld/studus-sync/internal/redact"
	"github.com/phrazzld/studus-sync/internal/store"
	"github.com/thejerf/suture/v4"
)

// ErrJobTimeout is the cancellation cause of a task that exceeded its time budget.
var ErrJobTimeout = errors.New("task timed out")

// receiveBackoff is the pause after a failed Receive before trying again.
const receiveBackoff = time.Second

// WorkerConfig holds configuration for the worker loop.
type WorkerConfig struct {
	// WorkerCount determines how many deliveries are processed concurrently.
	// If zero or negative, defaults to 1.
	WorkerCount int

	// JobTimeout bounds a single execution. Zero disables the bound.
	JobTimeout time.Duration

	// CancelPollInterval is how often a running task checks for a cancel
	// request. Zero disables cancel polling.
	CancelPollInterval time.Duration
}

// Worker pulls deliveries from a queue, dispatches them to the Processor
// registered for their type and records every status transition.
//
// A failed execution is marked FAILED and negatively acknowledged so the
// queue's redelivery policy decides whether it runs again. Failures that
// cannot succeed on retry (unknown type, cancellation, integrity errors,
// missing credentials) are acknowledged instead.
type Worker struct {
	queue      queue.Consumer
	store      Store
	cancels    CancelSignals
	processors map[Type]Processor
	config     WorkerConfig
	logger     *slog.Logger
	now        func() time.Time
}

// NewWorker creates a worker. cancels may be nil when cancellation is not used.
func NewWorker(
	q queue.Consumer,
	taskStore Store,
	cancels CancelSignals,
	config WorkerConfig,
	log *slog.Logger,
) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if config.WorkerCount <= 0 {
		log.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	return &Worker{
		queue:      q,
		store:      taskStore,
		cancels:    cancels,
		processors: make(map[Type]Processor),
		config:     config,
		logger:     log.With("component", "worker"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a processor to a task type. It must be called before Serve.
func (w *Worker) Register(t Type, p Processor) {
	w.processors[t] = p
}

// Serve runs WorkerCount consumers until ctx is canceled.
// It implements suture.Service and returns ctx.Err() on normal shutdown.
func (w *Worker) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	closed := make(chan struct{}, w.config.WorkerCount)

	for i := 0; i < w.config.WorkerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if w.consume(ctx, id) {
				closed <- struct{}{}
			}
		}(i)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if len(closed) > 0 {
		w.logger.Info("job queue closed, worker stopping")
		return suture.ErrDoNotRestart
	}
	return nil
}

// String implements fmt.Stringer for supervisor logs.
func (w *Worker) String() string {
	return "task-worker"
}

// consume loops until ctx is done. It reports true if the queue was closed.
func (w *Worker) consume(ctx context.Context, id int) bool {
	w.logger.Debug("starting worker", "worker_id", id)
	defer w.logger.Debug("stopping worker", "worker_id", id)

	for {
		d, err := w.queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, queue.ErrQueueClosed) {
				return true
			}
			w.logger.Error("failed to receive job", "worker_id", id, "error", err)
			select {
			case <-ctx.Done():
				return false
			case <-time.After(receiveBackoff):
			}
			continue
		}
		w.handle(ctx, d, id)
	}
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery, workerID int) {
	taskType := Type(d.Job.Type)
	log := w.logger.With(
		"task_id", d.Job.TaskID,
		"task_type", taskType,
		"user_id", d.Job.UserID,
		"attempt", d.Attempt,
		"worker_id", workerID,
	)
	start := w.now()

	// Bookkeeping must survive worker shutdown so the row reflects what happened.
	settleCtx := context.WithoutCancel(ctx)

	// A task canceled while PENDING never starts.
	if w.cancels != nil {
		if requested, err := w.cancels.Requested(settleCtx, d.Job.TaskID); err != nil {
			log.Warn("failed to check cancel request", "error", err)
		} else if requested {
			log.Info("task canceled before start")
			w.finishFailed(settleCtx, log, d, ErrTaskCanceled, start)
			return
		}
	}

	if err := w.store.MarkRunning(settleCtx, d.Job.TaskID, start); err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("task row missing, processing anyway")
		} else {
			log.Error("failed to mark task running", "error", err)
		}
	}

	proc, ok := w.processors[taskType]
	if !ok {
		w.finishFailed(settleCtx, log, d, fmt.Errorf("%w: %q", ErrUnknownJobType, d.Job.Type), start)
		return
	}

	log.Info("processing task")

	jobCtx, cancel := context.WithCancelCause(logger.WithLogger(ctx, log))
	defer cancel(nil)
	if w.config.JobTimeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeoutCause(jobCtx, w.config.JobTimeout, ErrJobTimeout)
		defer cancelTimeout()
	}

	stopWatch := w.watchCancel(jobCtx, log, d.Job.TaskID, cancel)
	stopKeep := w.keepDelivery(jobCtx, log, d)
	outcome, err := safeProcess(jobCtx, proc, Execution{
		TaskID:  d.Job.TaskID,
		UserID:  d.Job.UserID,
		Type:    taskType,
		Payload: d.Job.Payload,
		Attempt: d.Attempt,
	})
	stopKeep()
	stopWatch()

	if err == nil && jobCtx.Err() == nil {
		w.finishCompleted(settleCtx, log, d, outcome, start)
		return
	}

	switch cause := context.Cause(jobCtx); {
	case errors.Is(cause, ErrTaskCanceled):
		err = ErrTaskCanceled
	case errors.Is(cause, ErrJobTimeout):
		err = fmt.Errorf("%w: %w", ErrJobTimeout, errOrCause(err, cause))
	case err == nil:
		err = cause
	}
	w.finishFailed(settleCtx, log, d, err, start)
}

func (w *Worker) finishCompleted(ctx context.Context, log *slog.Logger, d queue.Delivery, outcome Outcome, start time.Time) {
	var result, perf json.RawMessage
	if outcome.Result != nil {
		data, err := json.Marshal(outcome.Result)
		if err != nil {
			log.Error("failed to encode task result", "error", err)
		} else {
			result = data
		}
	}
	if outcome.Performance != nil {
		perf, _ = json.Marshal(outcome.Performance)
	}

	if err := w.store.MarkCompleted(ctx, d.Job.TaskID, result, perf, w.now()); err != nil && !store.IsNotFoundError(err) {
		log.Error("failed to mark task completed", "error", err)
	}
	if err := w.queue.Ack(ctx, d); err != nil {
		log.Error("failed to ack job", "error", err)
	}

	elapsed := w.now().Sub(start)
	metrics.RecordTask(d.Job.Type, "completed", elapsed)
	log.Info("task completed successfully", "duration_ms", elapsed.Milliseconds())
}

func (w *Worker) finishFailed(ctx context.Context, log *slog.Logger, d queue.Delivery, err error, start time.Time) {
	log.Error("task execution failed", "error", err)

	if mErr := w.store.MarkFailed(ctx, d.Job.TaskID, redact.Secrets(err.Error()), w.now()); mErr != nil && !store.IsNotFoundError(mErr) {
		log.Error("failed to mark task failed", "error", mErr)
	}

	outcome := "failed"
	if errors.Is(err, ErrTaskCanceled) {
		outcome = "canceled"
		if w.cancels != nil {
			if cErr := w.cancels.Clear(ctx, d.Job.TaskID); cErr != nil {
				log.Warn("failed to clear cancel request", "error", cErr)
			}
		}
	}

	if IsPermanent(err) {
		if aErr := w.queue.Ack(ctx, d); aErr != nil {
			log.Error("failed to ack job", "error", aErr)
		}
	} else if nErr := w.queue.Nack(ctx, d, err); nErr != nil {
		log.Error("failed to nack job", "error", nErr)
	}

	metrics.RecordTask(d.Job.Type, outcome, w.now().Sub(start))
}

// watchCancel polls the cancel signals for taskID and cancels the job context
// when a request appears. The returned function stops polling.
func (w *Worker) watchCancel(
	ctx context.Context,
	log *slog.Logger,
	taskID uuid.UUID,
	cancel context.CancelCauseFunc,
) func() {
	if w.cancels == nil || w.config.CancelPollInterval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(w.config.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				requested, err := w.cancels.Requested(ctx, taskID)
				if err != nil {
					log.Warn("failed to check cancel request", "error", err)
					continue
				}
				if requested {
					log.Info("cancel requested, stopping task")
					cancel(ErrTaskCanceled)
					return
				}
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}

// keepDelivery extends d every third of the queue's visibility timeout while
// the task runs, so no other consumer starts the same job. Queues without
// expiring deliveries need nothing. The returned function stops extending.
func (w *Worker) keepDelivery(ctx context.Context, log *slog.Logger, d queue.Delivery) func() {
	ext, ok := w.queue.(queue.Extender)
	if !ok || ext.VisibilityTimeout() <= 0 {
		return func() {}
	}
	interval := ext.VisibilityTimeout() / 3

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(ctx, d); err != nil {
					if errors.Is(err, queue.ErrNotHeld) {
						log.Error("delivery taken over by another consumer", "job_id", d.ID)
						return
					}
					log.Warn("failed to extend delivery", "job_id", d.ID, "error", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-stopped
	}
}

// IsPermanent reports whether err cannot succeed on redelivery.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnknownJobType) ||
		errors.Is(err, ErrTaskCanceled) ||
		errors.Is(err, store.ErrUpsertConflict) ||
		errors.Is(err, domain.ErrMissingCredentials) ||
		errors.Is(err, domain.ErrValidation)
}

func safeProcess(ctx context.Context, p Processor, exec Execution) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, exec)
}

func errOrCause(err, cause error) error {
	if err != nil {
		return err
	}
	return cause
}
