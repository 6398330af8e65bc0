package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// BatchRepo persists batches. Batch counters move with task transitions in
// TaskRepo; this repo only creates and reads.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

// Create inserts the batch and all of its tasks atomically.
func (r *BatchRepo) Create(ctx domain.Context, b domain.Batch, tasks []domain.Task) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Create")
	defer span.End()

	if len(tasks) != b.TotalTasks {
		return fmt.Errorf("op=batches.create: %d tasks for total %d: %w",
			len(tasks), b.TotalTasks, domain.ErrInvalidArgument)
	}
	params, err := json.Marshal(b.Parameters)
	if err != nil {
		return fmt.Errorf("op=batches.create: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batches.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	q := `INSERT INTO batches (id, user_id, title, description, status, total_tasks,
		pending_count, parameters, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	_, err = tx.Exec(ctx, q, b.BatchID, b.UserID, b.Title, b.Description,
		domain.BatchPending, b.TotalTasks, b.TotalTasks, params, now, now)
	if err != nil {
		return fmt.Errorf("op=batches.create id=%s: %w", b.BatchID, err)
	}

	taskQ := `INSERT INTO tasks (id, user_id, batch_id, stock_code, stock_name, status, progress,
		current_step, message, parameters, error_message, retry_count, worker_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	for _, t := range tasks {
		tp, err := json.Marshal(t.Parameters)
		if err != nil {
			return fmt.Errorf("op=batches.create task=%s: %w", t.TaskID, err)
		}
		_, err = tx.Exec(ctx, taskQ, t.TaskID, t.UserID, b.BatchID, t.StockCode, t.StockName,
			t.Status, t.Progress, t.CurrentStep, t.Message, tp, t.ErrorMessage,
			t.RetryCount, t.WorkerID, now, now)
		if err != nil {
			return fmt.Errorf("op=batches.create task=%s: %w", t.TaskID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batches.create id=%s: %w", b.BatchID, err)
	}
	return nil
}

// Get loads a batch by id.
func (r *BatchRepo) Get(ctx domain.Context, id string) (domain.Batch, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()

	q := `SELECT id, user_id, title, description, status, total_tasks, pending_count,
		running_count, completed_count, failed_count, cancelled_count, parameters,
		created_at, updated_at, completed_at FROM batches WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var b domain.Batch
	var params []byte
	err := row.Scan(&b.BatchID, &b.UserID, &b.Title, &b.Description, &b.Status,
		&b.TotalTasks, &b.PendingCount, &b.RunningCount, &b.CompletedCount,
		&b.FailedCount, &b.CancelledCount, &params, &b.CreatedAt, &b.UpdatedAt, &b.CompletedAt)
	if err == pgx.ErrNoRows {
		return domain.Batch{}, fmt.Errorf("op=batches.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Batch{}, fmt.Errorf("op=batches.get id=%s: %w", id, err)
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &b.Parameters); err != nil {
			return domain.Batch{}, fmt.Errorf("op=batches.get id=%s: %w", id, err)
		}
	}
	return b, nil
}

var _ domain.BatchRepository = (*BatchRepo)(nil)
