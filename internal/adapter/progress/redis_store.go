// Package progress persists live task progress snapshots and cancellation
// flags in Redis so API readers and streaming clients see worker progress
// without touching the primary store.
package progress

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

const (
	snapshotKeyPrefix = "progress:"
	cancelKeyPrefix   = "cancel:"
)

// Store implements domain.ProgressStore on Redis. Snapshots and cancel flags
// carry a TTL so abandoned tasks age out of the cache on their own.
type Store struct {
	rdb           redis.UniversalClient
	snapshotTTL   time.Duration
	cancelFlagTTL time.Duration
}

// NewStore builds a Store; non-positive TTLs fall back to one hour.
func NewStore(rdb redis.UniversalClient, snapshotTTL, cancelFlagTTL time.Duration) *Store {
	if snapshotTTL <= 0 {
		snapshotTTL = time.Hour
	}
	if cancelFlagTTL <= 0 {
		cancelFlagTTL = time.Hour
	}
	return &Store{rdb: rdb, snapshotTTL: snapshotTTL, cancelFlagTTL: cancelFlagTTL}
}

func (s *Store) Save(ctx domain.Context, snap domain.ProgressSnapshot) error {
	if snap.TaskID == "" {
		return fmt.Errorf("op=progress.Save: empty task id: %w", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("op=progress.Save task=%s: %w", snap.TaskID, err)
	}
	if err := s.rdb.Set(ctx, snapshotKeyPrefix+snap.TaskID, b, s.snapshotTTL).Err(); err != nil {
		return fmt.Errorf("op=progress.Save task=%s: %w", snap.TaskID, err)
	}
	return nil
}

func (s *Store) Load(ctx domain.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	b, err := s.rdb.Get(ctx, snapshotKeyPrefix+taskID).Bytes()
	if err == redis.Nil {
		return domain.ProgressSnapshot{}, false, nil
	}
	if err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Load task=%s: %w", taskID, err)
	}
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Load task=%s: %w", taskID, err)
	}
	return snap, true, nil
}

// RequestCancel raises the cooperative cancellation flag. Workers observe it
// at their next progress checkpoint.
func (s *Store) RequestCancel(ctx domain.Context, taskID string) error {
	if err := s.rdb.Set(ctx, cancelKeyPrefix+taskID, "1", s.cancelFlagTTL).Err(); err != nil {
		return fmt.Errorf("op=progress.RequestCancel task=%s: %w", taskID, err)
	}
	return nil
}

func (s *Store) CancelRequested(ctx domain.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, cancelKeyPrefix+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("op=progress.CancelRequested task=%s: %w", taskID, err)
	}
	return n > 0, nil
}

var _ domain.ProgressStore = (*Store)(nil)
