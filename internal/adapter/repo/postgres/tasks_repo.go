package postgres

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// TaskRepo persists analysis tasks. Status transitions run inside a
// transaction that also moves the owning batch's counters, so the batch
// invariant (counts sum to total_tasks) holds under concurrent workers.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, user_id, COALESCE(batch_id,''), stock_code, stock_name, status, progress,
	current_step, message, parameters, result, error_message, retry_count, worker_id,
	created_at, started_at, completed_at, updated_at`

var batchCountColumn = map[domain.TaskStatus]string{
	domain.TaskPending:   "pending_count",
	domain.TaskRunning:   "running_count",
	domain.TaskCompleted: "completed_count",
	domain.TaskFailed:    "failed_count",
	domain.TaskCancelled: "cancelled_count",
}

// Create inserts a new task.
func (r *TaskRepo) Create(ctx domain.Context, t domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Create")
	defer span.End()

	params, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("op=tasks.create: %w", err)
	}
	now := time.Now().UTC()
	var batchID *string
	if t.BatchID != "" {
		batchID = &t.BatchID
	}
	q := `INSERT INTO tasks (id, user_id, batch_id, stock_code, stock_name, status, progress,
		current_step, message, parameters, error_message, retry_count, worker_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = r.Pool.Exec(ctx, q, t.TaskID, t.UserID, batchID, t.StockCode, t.StockName,
		t.Status, t.Progress, t.CurrentStep, t.Message, params, t.ErrorMessage,
		t.RetryCount, t.WorkerID, now, now)
	if err != nil {
		return fmt.Errorf("op=tasks.create: %w", err)
	}
	return nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err == pgx.ErrNoRows {
		return domain.Task{}, fmt.Errorf("op=tasks.get id=%s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("op=tasks.get id=%s: %w", id, err)
	}
	return t, nil
}

// List returns the user's tasks, newest first.
func (r *TaskRepo) List(ctx domain.Context, userID string, f domain.TaskFilter) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.List")
	defer span.End()

	where := []string{"user_id=$1"}
	args := []any{userID}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.BatchID != "" {
		args = append(args, f.BatchID)
		where = append(where, fmt.Sprintf("batch_id=$%d", len(args)))
	}
	if f.StockCode != "" {
		args = append(args, f.StockCode)
		where = append(where, fmt.Sprintf("stock_code=$%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	args = append(args, limit, f.Offset)
	q := fmt.Sprintf(`SELECT %s FROM tasks WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		taskColumns, strings.Join(where, " AND "), len(args)-1, len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=tasks.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=tasks.list: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=tasks.list: %w", err)
	}
	return out, nil
}

// UpdateStatus applies one guarded status transition. It reports changed=false
// without error when the transition is illegal for the current state or the
// worker guard does not match, so callers can distinguish a lost race from a
// storage failure.
func (r *TaskRepo) UpdateStatus(ctx domain.Context, id string, upd domain.StatusUpdate) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateStatus")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("op=tasks.update_status: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur domain.TaskStatus
	var batchID, workerID string
	row := tx.QueryRow(ctx, `SELECT status, COALESCE(batch_id,''), worker_id FROM tasks WHERE id=$1 FOR UPDATE`, id)
	if err := row.Scan(&cur, &batchID, &workerID); err != nil {
		if err == pgx.ErrNoRows {
			return false, fmt.Errorf("op=tasks.update_status id=%s: %w", id, domain.ErrNotFound)
		}
		return false, fmt.Errorf("op=tasks.update_status id=%s: %w", id, err)
	}
	if upd.WorkerGuard != "" && workerID != upd.WorkerGuard {
		return false, nil
	}
	if !domain.CanTransition(cur, upd.Status) {
		return false, nil
	}

	now := time.Now().UTC()
	sets := []string{"status=$2", "updated_at=$3"}
	args := []any{id, upd.Status, now}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if upd.WorkerID != nil {
		add("worker_id", *upd.WorkerID)
	}
	if upd.StartedAt != nil {
		add("started_at", upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		add("completed_at", upd.CompletedAt.UTC())
	}
	if upd.Result != nil {
		b, err := json.Marshal(upd.Result)
		if err != nil {
			return false, fmt.Errorf("op=tasks.update_status id=%s: %w", id, err)
		}
		add("result", b)
	}
	if upd.ErrorMessage != nil {
		add("error_message", *upd.ErrorMessage)
	}
	if upd.RetryCount != nil {
		add("retry_count", *upd.RetryCount)
	}
	if upd.Progress != nil {
		add("progress", *upd.Progress)
	}
	q := fmt.Sprintf("UPDATE tasks SET %s WHERE id=$1", strings.Join(sets, ", "))
	if _, err := tx.Exec(ctx, q, args...); err != nil {
		return false, fmt.Errorf("op=tasks.update_status id=%s: %w", id, err)
	}

	if batchID != "" {
		if err := moveBatchCounter(ctx, tx, batchID, cur, upd.Status, now); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("op=tasks.update_status id=%s: %w", id, err)
	}
	return true, nil
}

// CancelTask sets cancelled iff the task is non-terminal.
func (r *TaskRepo) CancelTask(ctx domain.Context, id string) (bool, error) {
	now := time.Now().UTC()
	changed, err := r.UpdateStatus(ctx, id, domain.StatusUpdate{
		Status:      domain.TaskCancelled,
		CompletedAt: &now,
	})
	if err != nil {
		return false, fmt.Errorf("op=tasks.cancel id=%s: %w", id, err)
	}
	return changed, nil
}

// UpdateProgress mirrors the live progress onto the durable row. Only running
// tasks accept progress, and only from the current lease holder, so neither a
// late write nor a reclaimed worker can dirty the record.
func (r *TaskRepo) UpdateProgress(ctx domain.Context, id, workerID string, progress int, step, message string) error {
	q := `UPDATE tasks SET progress=$2, current_step=$3, message=$4, updated_at=$5
		WHERE id=$1 AND status='running' AND worker_id=$6`
	if _, err := r.Pool.Exec(ctx, q, id, progress, step, message, time.Now().UTC(), workerID); err != nil {
		return fmt.Errorf("op=tasks.update_progress id=%s: %w", id, err)
	}
	return nil
}

// moveBatchCounter shifts one task between the batch's per-status counters and
// re-derives the batch status from the new counts.
func moveBatchCounter(ctx domain.Context, tx pgx.Tx, batchID string, from, to domain.TaskStatus, now time.Time) error {
	fromCol, toCol := batchCountColumn[from], batchCountColumn[to]
	if fromCol == "" || toCol == "" || fromCol == toCol {
		return nil
	}
	q := fmt.Sprintf(`UPDATE batches SET %s=%s-1, %s=%s+1, updated_at=$2 WHERE id=$1`,
		fromCol, fromCol, toCol, toCol)
	if _, err := tx.Exec(ctx, q, batchID, now); err != nil {
		return fmt.Errorf("op=tasks.move_batch_counter batch=%s: %w", batchID, err)
	}

	var b domain.Batch
	row := tx.QueryRow(ctx, `SELECT total_tasks, pending_count, running_count, completed_count,
		failed_count, cancelled_count FROM batches WHERE id=$1 FOR UPDATE`, batchID)
	if err := row.Scan(&b.TotalTasks, &b.PendingCount, &b.RunningCount,
		&b.CompletedCount, &b.FailedCount, &b.CancelledCount); err != nil {
		return fmt.Errorf("op=tasks.move_batch_counter batch=%s: %w", batchID, err)
	}
	status := domain.BatchStatusFor(b)
	terminal := status != domain.BatchPending && status != domain.BatchProcessing
	q = `UPDATE batches SET status=$2,
		completed_at = CASE WHEN $3 AND completed_at IS NULL THEN $4 ELSE completed_at END
		WHERE id=$1`
	if _, err := tx.Exec(ctx, q, batchID, status, terminal, now); err != nil {
		return fmt.Errorf("op=tasks.move_batch_counter batch=%s: %w", batchID, err)
	}
	return nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	var params []byte
	var result []byte
	if err := row.Scan(&t.TaskID, &t.UserID, &t.BatchID, &t.StockCode, &t.StockName,
		&t.Status, &t.Progress, &t.CurrentStep, &t.Message, &params, &result,
		&t.ErrorMessage, &t.RetryCount, &t.WorkerID,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt); err != nil {
		return domain.Task{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return domain.Task{}, err
		}
	}
	if len(result) > 0 {
		var res domain.AnalysisResult
		if err := json.Unmarshal(result, &res); err != nil {
			return domain.Task{}, err
		}
		t.Result = &res
	}
	return t, nil
}

var _ domain.TaskRepository = (*TaskRepo)(nil)
