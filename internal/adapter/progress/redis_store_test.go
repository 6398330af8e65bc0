package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, 30*time.Minute, 30*time.Minute), mr
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)
	snap := domain.ProgressSnapshot{
		TaskID:                "t1",
		Status:                domain.TaskRunning,
		Progress:              42,
		CurrentStep:           "fundamentals analysis",
		Message:               "analyzing balance sheet",
		ElapsedSeconds:        33.5,
		RemainingSeconds:      46.2,
		EstimatedTotalSeconds: 79.7,
		Steps:                 []string{"preparation", "fundamentals analysis"},
		StartTime:             start,
		LastUpdate:            start.Add(33 * time.Second),
	}
	require.NoError(t, s.Save(ctx, snap))

	got, ok, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap.Progress, got.Progress)
	assert.Equal(t, snap.CurrentStep, got.CurrentStep)
	assert.Equal(t, snap.Steps, got.Steps)
	assert.True(t, snap.StartTime.Equal(got.StartTime))
	assert.Nil(t, got.EndTime)
}

func TestStore_LoadMissing(t *testing.T) {
	s, _ := newStore(t)
	_, ok, err := s.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SnapshotsExpire(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, domain.ProgressSnapshot{TaskID: "t1", Status: domain.TaskRunning}))

	mr.FastForward(time.Hour)
	_, ok, err := s.Load(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_CancelFlag(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	got, err := s.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got)

	require.NoError(t, s.RequestCancel(ctx, "t1"))
	got, err = s.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, got)

	mr.FastForward(time.Hour)
	got, err = s.CancelRequested(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, got, "flag expires with its TTL")
}

func TestStore_SaveRejectsEmptyTaskID(t *testing.T) {
	s, _ := newStore(t)
	err := s.Save(context.Background(), domain.ProgressSnapshot{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
