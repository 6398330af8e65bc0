package usecase

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// StreamService feeds progress snapshots to streaming consumers. It polls the
// progress store, falling back to the task row when no live snapshot exists
// (task not started yet, or snapshot expired after completion).
type StreamService struct {
	Tasks    domain.TaskRepository
	Progress domain.ProgressStore

	PollInterval time.Duration
	Heartbeat    time.Duration

	now func() time.Time
}

// NewStreamService constructs a StreamService with the given cadence.
func NewStreamService(tasks domain.TaskRepository, progress domain.ProgressStore,
	poll, heartbeat time.Duration) StreamService {
	return StreamService{
		Tasks:        tasks,
		Progress:     progress,
		PollInterval: poll,
		Heartbeat:    heartbeat,
		now:          time.Now,
	}
}

// Snapshot returns the current progress view for a task, synthesized from the
// task row when the store has no live snapshot.
func (s StreamService) Snapshot(ctx domain.Context, userID, taskID string) (domain.ProgressSnapshot, error) {
	t, err := s.Tasks.Get(ctx, taskID)
	if err != nil {
		return domain.ProgressSnapshot{}, err
	}
	if t.UserID != userID {
		return domain.ProgressSnapshot{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, taskID)
	}
	snap, ok, err := s.Progress.Load(ctx, taskID)
	if err != nil {
		return domain.ProgressSnapshot{}, fmt.Errorf("op=stream task=%s: %w", taskID, err)
	}
	// The task row is authoritative for lifecycle state; a stale running
	// snapshot must not outlive the row's terminal verdict.
	if !ok || (domain.IsTerminal(t.Status) && !domain.IsTerminal(snap.Status)) {
		return synthesize(t, s.now()), nil
	}
	return snap, nil
}

// Stream emits snapshots until the task reaches a terminal state or ctx ends.
// A snapshot is emitted on attach, then whenever it changes, and at least once
// per heartbeat interval. The terminal snapshot is always the last event.
func (s StreamService) Stream(ctx domain.Context, userID, taskID string, emit func(domain.ProgressSnapshot) error) error {
	last, err := s.Snapshot(ctx, userID, taskID)
	if err != nil {
		return err
	}
	if err := emit(last); err != nil {
		return err
	}
	if domain.IsTerminal(last.Status) {
		return nil
	}

	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	lastEmit := s.now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		snap, err := s.Snapshot(ctx, userID, taskID)
		if err != nil {
			return err
		}
		if changed(last, snap) || s.now().Sub(lastEmit) >= s.Heartbeat {
			if err := emit(snap); err != nil {
				return err
			}
			last, lastEmit = snap, s.now()
		}
		if domain.IsTerminal(snap.Status) {
			return nil
		}
	}
}

func changed(a, b domain.ProgressSnapshot) bool {
	return a.Status != b.Status ||
		a.Progress != b.Progress ||
		a.CurrentStep != b.CurrentStep ||
		a.Message != b.Message ||
		!a.LastUpdate.Equal(b.LastUpdate)
}

func synthesize(t domain.Task, now time.Time) domain.ProgressSnapshot {
	start := t.CreatedAt
	if t.StartedAt != nil {
		start = *t.StartedAt
	}
	snap := domain.ProgressSnapshot{
		TaskID:      t.TaskID,
		Status:      t.Status,
		Progress:    t.Progress,
		CurrentStep: t.CurrentStep,
		Message:     t.Message,
		StartTime:   start,
		LastUpdate:  t.UpdatedAt,
	}
	switch {
	case t.Status == domain.TaskCompleted:
		snap.Progress = 100
		snap.EndTime = t.CompletedAt
	case domain.IsTerminal(t.Status):
		snap.EndTime = t.CompletedAt
	case t.Status == domain.TaskRunning:
		snap.ElapsedSeconds = now.Sub(start).Seconds()
	}
	if snap.EndTime != nil {
		snap.ElapsedSeconds = snap.EndTime.Sub(start).Seconds()
	}
	return snap
}
