package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// StatusService reads task and batch state for API consumers, enforcing that
// callers only see their own records.
type StatusService struct {
	Tasks   domain.TaskRepository
	Batches domain.BatchRepository
	Queue   domain.Queue
}

// NewStatusService constructs a StatusService.
func NewStatusService(tasks domain.TaskRepository, batches domain.BatchRepository, q domain.Queue) StatusService {
	return StatusService{Tasks: tasks, Batches: batches, Queue: q}
}

// BatchView is a batch with read-time derived fields.
type BatchView struct {
	domain.Batch
	ProgressPercent float64       `json:"progress_percent"`
	Tasks           []domain.Task `json:"tasks,omitempty"`
}

// GetTask returns one task. Records owned by other users surface as not found
// rather than forbidden so ids cannot be probed.
func (s StatusService) GetTask(ctx domain.Context, userID, taskID string) (domain.Task, error) {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.UserID != userID {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	return t, nil
}

// ListTasks returns the caller's tasks under the given filter.
func (s StatusService) ListTasks(ctx domain.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	return s.Tasks.List(ctx, userID, f)
}

// GetBatch returns one batch with its tasks and read-time progress. The
// stored status is re-derived from the counters so a reader never sees a
// stale aggregate.
func (s StatusService) GetBatch(ctx domain.Context, userID, batchID string) (BatchView, error) {
	b, err := s.Batches.Get(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	if b.UserID != userID {
		return BatchView{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, batchID)
	}
	tasks, err := s.Tasks.List(ctx, userID, domain.TaskFilter{BatchID: batchID, Limit: MaxBatchTasks})
	if err != nil {
		return BatchView{}, err
	}
	b.Status = domain.BatchStatusFor(b)
	view := BatchView{Batch: b, Tasks: tasks}
	if b.TotalTasks > 0 {
		done := b.CompletedCount + b.FailedCount + b.CancelledCount
		view.ProgressPercent = 100 * float64(done) / float64(b.TotalTasks)
	}
	return view, nil
}

// QueueStats exposes queue occupancy for the operator endpoint.
func (s StatusService) QueueStats(ctx domain.Context) (domain.QueueStats, error) {
	return s.Queue.Stats(ctx)
}
