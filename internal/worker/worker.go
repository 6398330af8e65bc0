// Package worker contains the scheduler loop, the task worker and the
// progress tracker: everything that turns a queue reservation into a finished
// analysis.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// Worker executes one reserved task at a time. It owns the lease for the
// duration of Process: it heartbeats the queue, forwards executor progress to
// the tracker, and performs the guarded terminal write plus queue ack/nack.
type Worker struct {
	id       string
	repo     domain.TaskRepository
	queue    domain.Queue
	progress domain.ProgressStore
	exec     domain.AnalysisExecutor
	cfg      config.Config
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New builds a worker. The id identifies this worker in leases and guarded
// store writes; it must be unique per process.
func New(id string, repo domain.TaskRepository, queue domain.Queue, progress domain.ProgressStore, exec domain.AnalysisExecutor, cfg config.Config, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		repo:     repo,
		queue:    queue,
		progress: progress,
		exec:     exec,
		cfg:      cfg,
		log:      log.With(slog.String("worker_id", id)),
		tracer:   otel.Tracer("worker"),
		now:      time.Now,
	}
}

// Process runs one reservation to an outcome. It never returns an error: every
// failure mode resolves into a queue and store state the scheduler or the
// reclaim sweep can continue from.
func (w *Worker) Process(ctx context.Context, res domain.Reservation) {
	ctx, span := w.tracer.Start(ctx, "worker.Process")
	defer span.End()
	lg := w.log.With(slog.String("task_id", res.TaskID), slog.String("user_id", res.UserID))

	t, err := w.repo.Get(ctx, res.TaskID)
	if errors.Is(err, domain.ErrNotFound) {
		lg.Warn("reserved task missing from store, dropping")
		w.ack(ctx, res.TaskID, lg)
		return
	}
	if err != nil {
		// Leave the lease to expire; the reclaim sweep retries later.
		lg.Error("load task failed", slog.Any("err", err))
		return
	}
	if domain.IsTerminal(t.Status) {
		w.ack(ctx, res.TaskID, lg)
		return
	}
	if cancelled, _ := w.progress.CancelRequested(ctx, t.TaskID); cancelled || t.Status == domain.TaskCancelled {
		if _, err := w.repo.CancelTask(ctx, t.TaskID); err != nil {
			lg.Error("cancel write failed", slog.Any("err", err))
		}
		w.ack(ctx, res.TaskID, lg)
		return
	}

	started := w.now()
	changed, err := w.repo.UpdateStatus(ctx, t.TaskID, domain.StatusUpdate{
		Status:     domain.TaskRunning,
		WorkerID:   ptr(w.id),
		StartedAt:  &started,
		RetryCount: ptr(res.RetryCount),
		Progress:   ptr(0),
	})
	if err != nil {
		lg.Error("transition to running failed", slog.Any("err", err))
		return
	}
	if !changed {
		// Raced with a cancel or another transition; nothing to execute.
		w.ack(ctx, res.TaskID, lg)
		return
	}

	params := t.Parameters
	if params.AnalysisDate == "" {
		params.AnalysisDate = started.Format("2006-01-02")
	}
	t.Parameters = params

	tracker := NewTracker(t.TaskID, params, w.now)
	w.saveSnapshot(ctx, tracker)

	execCtx, cancelExec := context.WithTimeout(ctx, params.ResearchDepth.ExecutionTimeout())
	defer cancelExec()
	var leaseLost atomic.Bool
	stopHeartbeat := w.startHeartbeat(ctx, res.TaskID, &leaseLost, cancelExec, lg)

	limiter := rate.NewLimiter(rate.Limit(w.cfg.ProgressWriteRate), w.cfg.ProgressWriteBurst)
	sink := func(message string) error {
		tracker.Update(message)
		if cancelled, err := w.progress.CancelRequested(execCtx, t.TaskID); err == nil && cancelled {
			return fmt.Errorf("op=worker.sink task=%s: %w", t.TaskID, domain.ErrCancelled)
		}
		if limiter.Allow() {
			w.saveSnapshot(execCtx, tracker)
			snap := tracker.Snapshot()
			if err := w.repo.UpdateProgress(execCtx, t.TaskID, w.id, snap.Progress, snap.CurrentStep, snap.Message); err != nil {
				lg.Debug("durable progress write failed", slog.Any("err", err))
			}
		}
		return execCtx.Err()
	}

	observability.StartTask()
	result, execErr := w.exec.Execute(execCtx, t, sink)
	stopHeartbeat()
	observability.TaskExecutionDuration.WithLabelValues(string(params.ResearchDepth)).
		Observe(w.now().Sub(started).Seconds())

	if leaseLost.Load() {
		// Another worker may already own the task; every write from here
		// would race with the new owner.
		observability.FinishTask("abandoned")
		lg.Warn("lease lost mid-execution, abandoning attempt")
		return
	}

	switch {
	case execErr == nil:
		w.finishCompleted(ctx, t, tracker, result, lg)
	case errors.Is(execErr, domain.ErrCancelled):
		w.finishCancelled(ctx, t, tracker, lg)
	case errors.Is(execErr, context.DeadlineExceeded), errors.Is(execErr, domain.ErrAnalysisTimeout):
		msg := fmt.Sprintf("analysis timed out after %s", params.ResearchDepth.ExecutionTimeout())
		w.finishFailed(ctx, t, tracker, msg, lg)
	case errors.Is(execErr, domain.ErrTransientExecution), errors.Is(execErr, context.Canceled):
		// context.Canceled without a lost lease means shutdown drain; both
		// paths hand the task back for another attempt.
		w.retryTransient(ctx, t, tracker, execErr, lg)
	default:
		w.finishFailed(ctx, t, tracker, execErr.Error(), lg)
	}
}

// startHeartbeat renews the lease every V/3 until stopped. A definitive
// ErrLeaseLost cancels the executor; transient renew errors only count.
func (w *Worker) startHeartbeat(ctx context.Context, taskID string, leaseLost *atomic.Bool, cancelExec context.CancelFunc, lg *slog.Logger) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(w.cfg.HeartbeatInterval())
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				err := w.queue.Renew(hbCtx, taskID, w.id)
				if err == nil {
					continue
				}
				observability.HeartbeatFailuresTotal.Inc()
				if errors.Is(err, domain.ErrLeaseLost) {
					lg.Warn("lease renewal rejected", slog.Any("err", err))
					leaseLost.Store(true)
					cancelExec()
					return
				}
				lg.Warn("lease renewal failed", slog.Any("err", err))
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func (w *Worker) finishCompleted(ctx context.Context, t domain.Task, tracker *Tracker, result domain.AnalysisResult, lg *slog.Logger) {
	tracker.MarkCompleted("analysis complete")
	done := w.now()
	ok, err := w.writeTerminal(ctx, t.TaskID, domain.StatusUpdate{
		Status:      domain.TaskCompleted,
		WorkerGuard: w.id,
		CompletedAt: &done,
		Result:      &result,
		Progress:    ptr(100),
	})
	if err != nil {
		// Without the durable result the attempt did not happen; leave the
		// lease to expire so the task runs again.
		observability.FinishTask("abandoned")
		lg.Error("result write failed, leaving lease to reclaim", slog.Any("err", err))
		return
	}
	if !ok {
		observability.FinishTask("abandoned")
		lg.Warn("guarded result write matched no rows, abandoning")
		return
	}
	w.saveSnapshotAlways(ctx, tracker)
	w.ack(ctx, t.TaskID, lg)
	observability.FinishTask("completed")
	lg.Info("task completed", slog.String("recommendation", result.Recommendation))
}

func (w *Worker) finishCancelled(ctx context.Context, t domain.Task, tracker *Tracker, lg *slog.Logger) {
	tracker.MarkCancelled("cancelled by user request")
	if _, err := w.repo.CancelTask(ctx, t.TaskID); err != nil {
		lg.Error("cancel write failed", slog.Any("err", err))
	}
	w.saveSnapshotAlways(ctx, tracker)
	if _, _, err := w.queue.Nack(ctx, t.TaskID, w.id, false); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		lg.Error("nack failed", slog.Any("err", err))
	}
	observability.FinishTask("cancelled")
	lg.Info("task cancelled")
}

func (w *Worker) finishFailed(ctx context.Context, t domain.Task, tracker *Tracker, msg string, lg *slog.Logger) {
	tracker.MarkFailed(msg)
	done := w.now()
	ok, err := w.writeTerminal(ctx, t.TaskID, domain.StatusUpdate{
		Status:       domain.TaskFailed,
		WorkerGuard:  w.id,
		CompletedAt:  &done,
		ErrorMessage: &msg,
	})
	if err != nil {
		observability.FinishTask("abandoned")
		lg.Error("failure write failed, leaving lease to reclaim", slog.Any("err", err))
		return
	}
	if ok {
		w.saveSnapshotAlways(ctx, tracker)
	}
	if _, _, err := w.queue.Nack(ctx, t.TaskID, w.id, false); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		lg.Error("nack failed", slog.Any("err", err))
	}
	observability.FinishTask("failed")
	lg.Info("task failed", slog.String("reason", msg))
}

func (w *Worker) retryTransient(ctx context.Context, t domain.Task, tracker *Tracker, execErr error, lg *slog.Logger) {
	requeued, retryCount, err := w.queue.Nack(ctx, t.TaskID, w.id, true)
	if err != nil {
		if !errors.Is(err, domain.ErrLeaseLost) {
			lg.Error("nack failed, leaving lease to reclaim", slog.Any("err", err))
		}
		observability.FinishTask("abandoned")
		return
	}
	if !requeued {
		msg := fmt.Sprintf("retry budget exhausted: %v", execErr)
		w.finishFailed(ctx, t, tracker, msg, lg)
		return
	}
	// The queue accepted the retry; hand the store record back to pending so
	// the next reservation starts clean. The guard still matches because nack
	// only touches queue state.
	tracker.MarkFailed("transient failure, retry scheduled")
	w.saveSnapshotAlways(ctx, tracker)
	ok, err := w.writeTerminal(ctx, t.TaskID, domain.StatusUpdate{
		Status:      domain.TaskPending,
		WorkerGuard: w.id,
		WorkerID:    ptr(""),
		RetryCount:  ptr(retryCount),
	})
	if err != nil || !ok {
		lg.Warn("revert to pending did not apply", slog.Any("err", err))
	}
	observability.FinishTask("retried")
	lg.Info("task re-enqueued for retry",
		slog.Int("retry_count", retryCount), slog.Any("cause", execErr))
}

// writeTerminal applies a guarded status update, retrying transient storage
// failures with exponential backoff. Shutdown must not abort the write, so the
// retry context is detached from the request context.
func (w *Worker) writeTerminal(ctx context.Context, taskID string, upd domain.StatusUpdate) (bool, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.StorageRetryMaxElapsed)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.StorageRetryInitial
	bo.MaxInterval = w.cfg.StorageRetryMax
	bo.MaxElapsedTime = w.cfg.StorageRetryMaxElapsed

	var changed bool
	op := func() error {
		var err error
		changed, err = w.repo.UpdateStatus(writeCtx, taskID, upd)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, writeCtx)); err != nil {
		return false, fmt.Errorf("op=worker.writeTerminal task=%s: %w", taskID, err)
	}
	return changed, nil
}

func (w *Worker) ack(ctx context.Context, taskID string, lg *slog.Logger) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), taskID, w.id); err != nil && !errors.Is(err, domain.ErrLeaseLost) {
		lg.Error("ack failed", slog.Any("err", err))
	}
}

func (w *Worker) saveSnapshot(ctx context.Context, tracker *Tracker) {
	if err := w.progress.Save(ctx, tracker.Snapshot()); err != nil {
		observability.ProgressWritesTotal.WithLabelValues("error").Inc()
		w.log.Debug("progress write failed", slog.Any("err", err))
		return
	}
	observability.ProgressWritesTotal.WithLabelValues("ok").Inc()
}

// saveSnapshotAlways writes the terminal snapshot even when the surrounding
// context is already cancelled.
func (w *Worker) saveSnapshotAlways(ctx context.Context, tracker *Tracker) {
	w.saveSnapshot(context.WithoutCancel(ctx), tracker)
}

func ptr[T any](v T) *T { return &v }
