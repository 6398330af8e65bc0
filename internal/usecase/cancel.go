package usecase

import (
	"fmt"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// CancelService requests cancellation of a task. Queued tasks are cancelled
// immediately; running tasks get a cancel flag the worker observes at its next
// progress checkpoint.
type CancelService struct {
	Tasks    domain.TaskRepository
	Queue    domain.Queue
	Progress domain.ProgressStore
}

// NewCancelService constructs a CancelService.
func NewCancelService(tasks domain.TaskRepository, q domain.Queue, p domain.ProgressStore) CancelService {
	return CancelService{Tasks: tasks, Queue: q, Progress: p}
}

// Cancel requests cancellation and returns the task's resulting status.
// Cancelling an already-terminal task returns ErrConflict; repeating a cancel
// on an already-cancelled flag is a no-op from the caller's view.
func (s CancelService) Cancel(ctx domain.Context, userID, taskID string) (domain.TaskStatus, error) {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.UserID != userID {
		return "", fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	if domain.IsTerminal(t.Status) {
		return t.Status, fmt.Errorf("%w: task %s already %s", domain.ErrConflict, taskID, t.Status)
	}

	// Flag first so a worker mid-flight sees the request even if the row
	// update below races with its terminal write.
	if err := s.Progress.RequestCancel(ctx, taskID); err != nil {
		return "", fmt.Errorf("op=cancel task=%s: %w", taskID, err)
	}

	if t.Status == domain.TaskPending {
		changed, err := s.Tasks.CancelTask(ctx, taskID)
		if err != nil {
			return "", fmt.Errorf("op=cancel task=%s: %w", taskID, err)
		}
		if err := s.Queue.Remove(ctx, taskID); err != nil {
			return "", fmt.Errorf("op=cancel task=%s: %w", taskID, err)
		}
		if changed {
			return domain.TaskCancelled, nil
		}
		// A worker won the race; the flag will stop it at the next checkpoint.
	}
	return domain.TaskRunning, nil
}
