// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// MaxBatchTasks caps how many stocks one batch submission may carry.
const MaxBatchTasks = 50

var stockCodePatterns = map[string]*regexp.Regexp{
	"a_share": regexp.MustCompile(`^\d{6}$`),
	"hk":      regexp.MustCompile(`^\d{4,5}$`),
	"us":      regexp.MustCompile(`^[A-Za-z]{1,6}(\.[A-Za-z]{1,2})?$`),
}

// ValidateStockCode checks the code shape for the given market.
func ValidateStockCode(code, marketType string) error {
	re, ok := stockCodePatterns[marketType]
	if !ok {
		return fmt.Errorf("%w: unknown market_type %q", domain.ErrInvalidArgument, marketType)
	}
	if !re.MatchString(code) {
		return fmt.Errorf("%w: stock code %q is not valid for market %s", domain.ErrInvalidArgument, code, marketType)
	}
	return nil
}

// SubmitService validates submissions, persists pending tasks and hands them
// to the queue.
type SubmitService struct {
	Tasks    domain.TaskRepository
	Batches  domain.BatchRepository
	Queue    domain.Queue
	Basics   domain.StockBasicsRepository
	Settings domain.SettingsProvider
	Registry domain.ModelRegistry

	DefaultMarketType string

	now   func() time.Time
	newID func() string
}

// NewSubmitService constructs a SubmitService with its dependencies. basics
// may be nil when no reference data source is configured.
func NewSubmitService(tasks domain.TaskRepository, batches domain.BatchRepository, q domain.Queue,
	basics domain.StockBasicsRepository, settings domain.SettingsProvider, reg domain.ModelRegistry,
	defaultMarket string) SubmitService {
	return SubmitService{
		Tasks:             tasks,
		Batches:           batches,
		Queue:             q,
		Basics:            basics,
		Settings:          settings,
		Registry:          reg,
		DefaultMarketType: defaultMarket,
		now:               time.Now,
		newID:             func() string { return ulid.Make().String() },
	}
}

// Submit creates one pending task and enqueues it. An enqueue failure marks
// the task failed before the error is returned, so no orphaned pending row is
// left behind.
func (s SubmitService) Submit(ctx domain.Context, userID, stockCode string, p domain.AnalysisParameters) (domain.Task, error) {
	t, err := s.buildTask(ctx, userID, stockCode, "", &p)
	if err != nil {
		return domain.Task{}, err
	}
	if err := s.Tasks.Create(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("op=submit task=%s: %w", t.TaskID, err)
	}
	if err := s.Queue.Enqueue(ctx, t.UserID, t.TaskID); err != nil {
		s.markEnqueueFailed(ctx, t.TaskID)
		return domain.Task{}, fmt.Errorf("op=submit task=%s: %w", t.TaskID, err)
	}
	return t, nil
}

// markEnqueueFailed compensates a row whose queue entry never materialized.
// A compensation error is logged rather than stacked on top of the enqueue
// error the caller already reports.
func (s SubmitService) markEnqueueFailed(ctx domain.Context, taskID string) {
	msg := "enqueue failed"
	if _, err := s.Tasks.UpdateStatus(ctx, taskID, domain.StatusUpdate{
		Status:       domain.TaskFailed,
		ErrorMessage: &msg,
	}); err != nil {
		slog.ErrorContext(ctx, "enqueue compensation failed",
			slog.String("task_id", taskID), slog.Any("err", err))
	}
}

// SubmitBatch creates one batch with a task per stock code, then enqueues all
// tasks. A task whose enqueue fails is marked failed individually; the batch
// itself still stands.
func (s SubmitService) SubmitBatch(ctx domain.Context, userID, title, description string,
	stockCodes []string, p domain.AnalysisParameters) (domain.Batch, []domain.Task, error) {
	if len(stockCodes) == 0 {
		return domain.Batch{}, nil, fmt.Errorf("%w: empty stock list", domain.ErrInvalidArgument)
	}
	if len(stockCodes) > MaxBatchTasks {
		return domain.Batch{}, nil, fmt.Errorf("%w: batch of %d exceeds the limit of %d",
			domain.ErrInvalidArgument, len(stockCodes), MaxBatchTasks)
	}
	seen := make(map[string]struct{}, len(stockCodes))
	for _, code := range stockCodes {
		if _, dup := seen[code]; dup {
			return domain.Batch{}, nil, fmt.Errorf("%w: duplicate stock code %q", domain.ErrInvalidArgument, code)
		}
		seen[code] = struct{}{}
	}

	batchID := s.newID()
	tasks := make([]domain.Task, 0, len(stockCodes))
	for _, code := range stockCodes {
		params := p
		t, err := s.buildTask(ctx, userID, code, batchID, &params)
		if err != nil {
			return domain.Batch{}, nil, err
		}
		tasks = append(tasks, t)
	}

	b := domain.Batch{
		BatchID:      batchID,
		UserID:       userID,
		Title:        title,
		Description:  description,
		Status:       domain.BatchPending,
		TotalTasks:   len(tasks),
		PendingCount: len(tasks),
		Parameters:   tasks[0].Parameters,
		CreatedAt:    s.now().UTC(),
		UpdatedAt:    s.now().UTC(),
	}
	if err := s.Batches.Create(ctx, b, tasks); err != nil {
		return domain.Batch{}, nil, fmt.Errorf("op=submitBatch batch=%s: %w", batchID, err)
	}
	for _, t := range tasks {
		if err := s.Queue.Enqueue(ctx, t.UserID, t.TaskID); err != nil {
			s.markEnqueueFailed(ctx, t.TaskID)
		}
	}
	return b, tasks, nil
}

func (s SubmitService) buildTask(ctx domain.Context, userID, stockCode, batchID string, p *domain.AnalysisParameters) (domain.Task, error) {
	if userID == "" {
		return domain.Task{}, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if err := p.Normalize(); err != nil {
		return domain.Task{}, err
	}
	if p.MarketType == "" {
		p.MarketType = s.DefaultMarketType
	}
	if err := ValidateStockCode(stockCode, p.MarketType); err != nil {
		return domain.Task{}, err
	}
	for _, model := range []string{p.QuickAnalysisModel, p.DeepAnalysisModel} {
		if model != "" && !s.Registry.Known(model) {
			return domain.Task{}, fmt.Errorf("%w: unknown model %q", domain.ErrInvalidArgument, model)
		}
	}
	if p.QuickAnalysisModel == "" || p.DeepAnalysisModel == "" {
		eff, err := s.Settings.Effective(ctx)
		if err != nil {
			return domain.Task{}, fmt.Errorf("op=submit: %w", err)
		}
		if p.QuickAnalysisModel == "" {
			p.QuickAnalysisModel = eff.QuickAnalysisModel
		}
		if p.DeepAnalysisModel == "" {
			p.DeepAnalysisModel = eff.DeepAnalysisModel
		}
	}

	now := s.now().UTC()
	t := domain.Task{
		TaskID:     s.newID(),
		UserID:     userID,
		BatchID:    batchID,
		StockCode:  stockCode,
		Status:     domain.TaskPending,
		Parameters: *p,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if s.Basics != nil {
		basic, err := s.Basics.GetByCode(ctx, stockCode)
		switch {
		case err == nil:
			t.StockName = basic.Name
		case errors.Is(err, domain.ErrNotFound):
			// name enrichment is best effort
		default:
			return domain.Task{}, fmt.Errorf("op=submit: %w", err)
		}
	}
	return t, nil
}
