package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

func streamFixture(tasks *taskRepoFake, progress *progressFake) StreamService {
	return NewStreamService(tasks, progress, 5*time.Millisecond, 50*time.Millisecond)
}

func TestSnapshot_PrefersLiveStoreSnapshot(t *testing.T) {
	tasks := newTaskRepoFake(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskRunning})
	progress := newProgressFake()
	progress.snapshots["t1"] = domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskRunning, Progress: 42, CurrentStep: "news analysis",
	}
	s := streamFixture(tasks, progress)

	snap, err := s.Snapshot(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, 42, snap.Progress)
	assert.Equal(t, "news analysis", snap.CurrentStep)
}

func TestSnapshot_SynthesizesFromTaskRow(t *testing.T) {
	started := time.Now().Add(-30 * time.Second)
	done := time.Now()
	tasks := newTaskRepoFake(domain.Task{
		TaskID: "t1", UserID: "u1", Status: domain.TaskCompleted,
		Progress: 95, StartedAt: &started, CompletedAt: &done,
	})
	s := streamFixture(tasks, newProgressFake())

	snap, err := s.Snapshot(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress, "completed rows read as fully done")
	require.NotNil(t, snap.EndTime)
	assert.InDelta(t, 30, snap.ElapsedSeconds, 1)
}

func TestSnapshot_TaskRowOverridesStaleRunningSnapshot(t *testing.T) {
	tasks := newTaskRepoFake(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskCancelled})
	progress := newProgressFake()
	progress.snapshots["t1"] = domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskRunning, Progress: 60,
	}
	s := streamFixture(tasks, progress)

	snap, err := s.Snapshot(context.Background(), "u1", "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCancelled, snap.Status)
}

func TestStream_EmitsUntilTerminal(t *testing.T) {
	tasks := newTaskRepoFake(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskRunning})
	progress := newProgressFake()
	progress.snapshots["t1"] = domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskRunning, Progress: 10, LastUpdate: time.Unix(1, 0),
	}
	s := streamFixture(tasks, progress)

	var got []domain.ProgressSnapshot
	done := make(chan error, 1)
	go func() {
		done <- s.Stream(context.Background(), "u1", "t1", func(snap domain.ProgressSnapshot) error {
			got = append(got, snap)
			return nil
		})
	}()

	time.Sleep(20 * time.Millisecond)
	progress.Save(context.Background(), domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskRunning, Progress: 55, LastUpdate: time.Unix(2, 0),
	})
	time.Sleep(20 * time.Millisecond)
	progress.Save(context.Background(), domain.ProgressSnapshot{
		TaskID: "t1", Status: domain.TaskCompleted, Progress: 100, LastUpdate: time.Unix(3, 0),
	})

	require.NoError(t, <-done)
	require.GreaterOrEqual(t, len(got), 3)
	assert.Equal(t, 10, got[0].Progress, "attach snapshot first")
	last := got[len(got)-1]
	assert.Equal(t, domain.TaskCompleted, last.Status, "terminal snapshot is the final event")
}

func TestStream_TerminalOnAttachEmitsOnce(t *testing.T) {
	tasks := newTaskRepoFake(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskFailed})
	s := streamFixture(tasks, newProgressFake())

	count := 0
	err := s.Stream(context.Background(), "u1", "t1", func(domain.ProgressSnapshot) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStream_StopsWhenContextEnds(t *testing.T) {
	tasks := newTaskRepoFake(domain.Task{TaskID: "t1", UserID: "u1", Status: domain.TaskRunning})
	progress := newProgressFake()
	progress.snapshots["t1"] = domain.ProgressSnapshot{TaskID: "t1", Status: domain.TaskRunning}
	s := streamFixture(tasks, progress)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Stream(ctx, "u1", "t1", func(domain.ProgressSnapshot) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
