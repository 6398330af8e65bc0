package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/registry"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/usecase"
)

type taskStore struct {
	mu    sync.Mutex
	tasks map[string]domain.Task
}

func newTaskStore(tasks ...domain.Task) *taskStore {
	s := &taskStore{tasks: map[string]domain.Task{}}
	for _, t := range tasks {
		s.tasks[t.TaskID] = t
	}
	return s
}

func (s *taskStore) Create(_ domain.Context, t domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.TaskID] = t
	return nil
}

func (s *taskStore) Get(_ domain.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, nil
}

func (s *taskStore) List(_ domain.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.UserID == userID && (f.BatchID == "" || t.BatchID == f.BatchID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *taskStore) UpdateStatus(_ domain.Context, id string, upd domain.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if !domain.CanTransition(t.Status, upd.Status) {
		return false, nil
	}
	t.Status = upd.Status
	s.tasks[id] = t
	return true, nil
}

func (s *taskStore) CancelTask(_ domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	if domain.IsTerminal(t.Status) {
		return false, nil
	}
	t.Status = domain.TaskCancelled
	s.tasks[id] = t
	return true, nil
}

func (s *taskStore) UpdateProgress(domain.Context, string, string, int, string, string) error {
	return nil
}

type batchStore struct {
	batches map[string]domain.Batch
	tasks   *taskStore
}

func (s *batchStore) Create(ctx domain.Context, b domain.Batch, tasks []domain.Task) error {
	s.batches[b.BatchID] = b
	for _, t := range tasks {
		if err := s.tasks.Create(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *batchStore) Get(_ domain.Context, id string) (domain.Batch, error) {
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, fmt.Errorf("%w: batch %s", domain.ErrNotFound, id)
	}
	return b, nil
}

type queueStub struct {
	enqueued []string
	stats    domain.QueueStats
}

func (q *queueStub) Enqueue(_ domain.Context, _, taskID string) error {
	q.enqueued = append(q.enqueued, taskID)
	return nil
}
func (q *queueStub) Reserve(domain.Context, string, int) ([]domain.Reservation, error) {
	return nil, nil
}
func (q *queueStub) Renew(domain.Context, string, string) error { return nil }
func (q *queueStub) Ack(domain.Context, string, string) error   { return nil }
func (q *queueStub) Nack(domain.Context, string, string, bool) (bool, int, error) {
	return false, 0, nil
}
func (q *queueStub) Remove(domain.Context, string) error { return nil }
func (q *queueStub) ReclaimExpired(domain.Context) ([]string, []string, error) {
	return nil, nil, nil
}
func (q *queueStub) Stats(domain.Context) (domain.QueueStats, error) { return q.stats, nil }

type progressStub struct {
	mu        sync.Mutex
	snapshots map[string]domain.ProgressSnapshot
	cancels   map[string]bool
}

func newProgressStub() *progressStub {
	return &progressStub{snapshots: map[string]domain.ProgressSnapshot{}, cancels: map[string]bool{}}
}

func (p *progressStub) Save(_ domain.Context, snap domain.ProgressSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots[snap.TaskID] = snap
	return nil
}

func (p *progressStub) Load(_ domain.Context, taskID string) (domain.ProgressSnapshot, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.snapshots[taskID]
	return snap, ok, nil
}

func (p *progressStub) RequestCancel(_ domain.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels[taskID] = true
	return nil
}

func (p *progressStub) CancelRequested(_ domain.Context, taskID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancels[taskID], nil
}

type settingsStub struct{}

func (settingsStub) Effective(domain.Context) (domain.Settings, error) {
	return domain.Settings{
		QuickAnalysisModel: "qwen-turbo", DeepAnalysisModel: "qwen-max",
		MaxConcurrentGlobal: 6, MaxConcurrentPerUser: 2,
	}, nil
}

type fixture struct {
	server   *Server
	tasks    *taskStore
	batches  *batchStore
	queue    *queueStub
	progress *progressStub
	router   http.Handler
}

func newFixture(tasks ...domain.Task) *fixture {
	store := newTaskStore(tasks...)
	batches := &batchStore{batches: map[string]domain.Batch{}, tasks: store}
	q := &queueStub{}
	progress := newProgressStub()
	models, err := registry.Load()
	if err != nil {
		panic(err)
	}

	cfg := config.Config{DefaultMarketType: "a_share"}
	submit := usecase.NewSubmitService(store, batches, q, nil, settingsStub{}, models, cfg.DefaultMarketType)
	status := usecase.NewStatusService(store, batches, q)
	cancel := usecase.NewCancelService(store, q, progress)
	stream := usecase.NewStreamService(store, progress, 5*time.Millisecond, 20*time.Millisecond)

	okCheck := func(context.Context) error { return nil }
	srv := NewServer(cfg, submit, status, cancel, stream, models, okCheck, okCheck)

	r := chi.NewRouter()
	r.Get("/healthz", srv.HealthHandler())
	r.Get("/readyz", srv.ReadyHandler())
	r.Route("/v1", func(r chi.Router) {
		r.Use(UserIdentity)
		r.Post("/analysis", srv.SubmitHandler())
		r.Post("/analysis/batch", srv.SubmitBatchHandler())
		r.Get("/analysis", srv.ListTasksHandler())
		r.Get("/analysis/{taskID}", srv.GetTaskHandler())
		r.Post("/analysis/{taskID}/cancel", srv.CancelHandler())
		r.Get("/analysis/{taskID}/stream", srv.StreamHandler())
		r.Get("/batches/{batchID}", srv.GetBatchHandler())
		r.Get("/queue/stats", srv.QueueStatsHandler())
		r.Get("/models", srv.ModelsHandler())
	})

	return &fixture{server: srv, tasks: store, batches: batches, queue: q, progress: progress, router: r}
}
