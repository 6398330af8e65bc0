package usecase

import (
	"fmt"
	"sync"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

type taskRepoFake struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	updates []domain.StatusUpdate
}

func newTaskRepoFake(tasks ...domain.Task) *taskRepoFake {
	f := &taskRepoFake{tasks: map[string]domain.Task{}}
	for _, t := range tasks {
		f.tasks[t.TaskID] = t
	}
	return f
}

func (f *taskRepoFake) Create(_ domain.Context, t domain.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[t.TaskID]; ok {
		return domain.ErrConflict
	}
	f.tasks[t.TaskID] = t
	return nil
}

func (f *taskRepoFake) Get(_ domain.Context, id string) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, nil
}

func (f *taskRepoFake) List(_ domain.Context, userID string, filter domain.TaskFilter) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, t := range f.tasks {
		if t.UserID != userID {
			continue
		}
		if filter.BatchID != "" && t.BatchID != filter.BatchID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *taskRepoFake) UpdateStatus(_ domain.Context, id string, upd domain.StatusUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if !domain.CanTransition(t.Status, upd.Status) {
		return false, nil
	}
	t.Status = upd.Status
	if upd.ErrorMessage != nil {
		t.ErrorMessage = *upd.ErrorMessage
	}
	f.tasks[id] = t
	f.updates = append(f.updates, upd)
	return true, nil
}

func (f *taskRepoFake) CancelTask(_ domain.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if domain.IsTerminal(t.Status) {
		return false, nil
	}
	t.Status = domain.TaskCancelled
	f.tasks[id] = t
	return true, nil
}

func (f *taskRepoFake) UpdateProgress(_ domain.Context, id, _ string, progress int, step, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tasks[id]
	t.Progress, t.CurrentStep, t.Message = progress, step, message
	f.tasks[id] = t
	return nil
}

type batchRepoFake struct {
	batches   map[string]domain.Batch
	tasks     *taskRepoFake
	createErr error
}

func newBatchRepoFake(tasks *taskRepoFake) *batchRepoFake {
	return &batchRepoFake{batches: map[string]domain.Batch{}, tasks: tasks}
}

func (f *batchRepoFake) Create(ctx domain.Context, b domain.Batch, tasks []domain.Task) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.batches[b.BatchID] = b
	for _, t := range tasks {
		if err := f.tasks.Create(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (f *batchRepoFake) Get(_ domain.Context, id string) (domain.Batch, error) {
	b, ok := f.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return b, nil
}

type queueFake struct {
	enqueued    []string
	removed     []string
	enqueueErr  map[string]error
	statsResult domain.QueueStats
}

func newQueueFake() *queueFake { return &queueFake{enqueueErr: map[string]error{}} }

func (f *queueFake) Enqueue(_ domain.Context, _, taskID string) error {
	if err := f.enqueueErr[taskID]; err != nil {
		return err
	}
	f.enqueued = append(f.enqueued, taskID)
	return nil
}

func (f *queueFake) Reserve(domain.Context, string, int) ([]domain.Reservation, error) {
	return nil, nil
}
func (f *queueFake) Renew(domain.Context, string, string) error { return nil }
func (f *queueFake) Ack(domain.Context, string, string) error   { return nil }
func (f *queueFake) Nack(domain.Context, string, string, bool) (bool, int, error) {
	return false, 0, nil
}
func (f *queueFake) Remove(_ domain.Context, taskID string) error {
	f.removed = append(f.removed, taskID)
	return nil
}
func (f *queueFake) ReclaimExpired(domain.Context) ([]string, []string, error) {
	return nil, nil, nil
}
func (f *queueFake) Stats(domain.Context) (domain.QueueStats, error) {
	return f.statsResult, nil
}

type settingsFake struct {
	settings domain.Settings
	err      error
}

func (f settingsFake) Effective(domain.Context) (domain.Settings, error) {
	return f.settings, f.err
}

type registryFake struct{ known map[string]bool }

func (f registryFake) Known(model string) bool     { return f.known[model] }
func (f registryFake) Recommend() (string, string) { return "qwen-turbo", "qwen-max" }

type basicsFake struct{ names map[string]string }

func (f basicsFake) UpsertMany(domain.Context, []domain.StockBasic) error { return nil }
func (f basicsFake) GetByCode(_ domain.Context, code string) (domain.StockBasic, error) {
	name, ok := f.names[code]
	if !ok {
		return domain.StockBasic{}, fmt.Errorf("%w: %s", domain.ErrNotFound, code)
	}
	return domain.StockBasic{Code: code, Name: name}, nil
}

type progressFake struct {
	mu        sync.Mutex
	snapshots map[string]domain.ProgressSnapshot
	cancels   map[string]bool
	loadErr   error
}

func newProgressFake() *progressFake {
	return &progressFake{snapshots: map[string]domain.ProgressSnapshot{}, cancels: map[string]bool{}}
}

func (f *progressFake) Save(_ domain.Context, snap domain.ProgressSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[snap.TaskID] = snap
	return nil
}

func (f *progressFake) Load(_ domain.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return domain.ProgressSnapshot{}, false, f.loadErr
	}
	snap, ok := f.snapshots[taskID]
	return snap, ok, nil
}

func (f *progressFake) RequestCancel(_ domain.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels[taskID] = true
	return nil
}

func (f *progressFake) CancelRequested(_ domain.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancels[taskID], nil
}
