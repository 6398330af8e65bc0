package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// Scheduler drives one node's share of the queue: a reclaim sweep on one
// ticker, a reserve/dispatch cycle on another, and a bounded pool of worker
// goroutines guarded by a semaphore.
type Scheduler struct {
	queue  domain.Queue
	repo   domain.TaskRepository
	worker *Worker
	cfg    config.Config
	log    *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// NewScheduler builds a scheduler dispatching reservations to the worker.
func NewScheduler(queue domain.Queue, repo domain.TaskRepository, w *Worker, cfg config.Config, log *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:  queue,
		repo:   repo,
		worker: w,
		cfg:    cfg,
		log:    log,
		sem:    make(chan struct{}, cfg.WorkerPoolSize),
	}
}

// Run loops until ctx is cancelled, then drains in-flight workers up to the
// configured drain timeout. Workers interrupted by the cancellation nack
// their task back to the queue for another node.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info("scheduler started",
		slog.Int("pool_size", s.cfg.WorkerPoolSize),
		slog.Duration("poll_interval", s.cfg.PollInterval),
		slog.Duration("reclaim_interval", s.cfg.ReclaimInterval))

	reclaimTicker := time.NewTicker(s.cfg.ReclaimInterval)
	defer reclaimTicker.Stop()
	pollTicker := time.NewTicker(s.cfg.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case <-reclaimTicker.C:
			s.reclaim(ctx)
		case <-pollTicker.C:
			s.poll(ctx)
		}
	}
}

// poll reserves up to the pool's free capacity and hands each reservation to
// a goroutine. The admission caps are enforced inside the queue; the
// semaphore only bounds this node's parallelism.
func (s *Scheduler) poll(ctx context.Context) {
	free := cap(s.sem) - len(s.sem)
	if free <= 0 {
		return
	}
	start := time.Now()
	reservations, err := s.queue.Reserve(ctx, s.worker.id, free)
	observability.QueueReserveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		s.log.Error("reserve failed", slog.Any("err", err))
		return
	}
	for _, res := range reservations {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutdown between reserve and dispatch: give the lease back.
			if _, _, err := s.queue.Nack(context.WithoutCancel(ctx), res.TaskID, s.worker.id, true); err != nil {
				s.log.Error("undispatched nack failed", slog.Any("err", err))
			}
			continue
		}
		s.wg.Add(1)
		go func(res domain.Reservation) {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.worker.Process(ctx, res)
		}(res)
	}
}

// reclaim sweeps expired leases. Requeued tasks revert to pending in the
// store; tasks past their retry budget are recorded as failed.
func (s *Scheduler) reclaim(ctx context.Context) {
	requeued, dropped, err := s.queue.ReclaimExpired(ctx)
	if err != nil {
		s.log.Error("reclaim sweep failed", slog.Any("err", err))
		return
	}
	for _, id := range requeued {
		observability.QueueReclaimedTotal.Inc()
		changed, err := s.repo.UpdateStatus(ctx, id, domain.StatusUpdate{
			Status:   domain.TaskPending,
			WorkerID: ptr(""),
		})
		if err != nil {
			s.log.Error("reclaim revert failed", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		if changed {
			s.log.Warn("expired lease reclaimed", slog.String("task_id", id))
		}
	}
	for _, id := range dropped {
		msg := "visibility timeout exceeded and retry budget exhausted"
		if _, err := s.repo.UpdateStatus(ctx, id, domain.StatusUpdate{
			Status:       domain.TaskFailed,
			ErrorMessage: &msg,
			CompletedAt:  ptr(time.Now()),
		}); err != nil {
			s.log.Error("reclaim failure write failed", slog.String("task_id", id), slog.Any("err", err))
			continue
		}
		observability.TasksFinishedTotal.WithLabelValues("failed").Inc()
		s.log.Error("task dropped after repeated lease expiry", slog.String("task_id", id))
	}
	s.publishStats(ctx)
}

func (s *Scheduler) publishStats(ctx context.Context) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.log.Debug("queue stats failed", slog.Any("err", err))
		return
	}
	observability.QueueReady.Set(float64(stats.Ready))
	observability.QueueInflight.Set(float64(stats.Inflight))
}

func (s *Scheduler) drain() error {
	s.log.Info("scheduler draining", slog.Duration("timeout", s.cfg.DrainTimeout))
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("scheduler drained")
		return nil
	case <-time.After(s.cfg.DrainTimeout):
		return fmt.Errorf("op=scheduler.drain: %d workers still running after %s", len(s.sem), s.cfg.DrainTimeout)
	}
}
