// Package domain defines the core entities and ports of the stock analysis
// orchestrator: tasks, batches, the queue contract with visibility-timeout
// reservations, progress snapshots and the executor port.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrLeaseLost          = errors.New("lease lost")
	ErrCancelled          = errors.New("cancelled")
	ErrTransientExecution = errors.New("transient execution error")
	ErrPermanentExecution = errors.New("permanent execution error")
	ErrAnalysisTimeout    = errors.New("analysis timeout")
	ErrStorage            = errors.New("storage unavailable")
	ErrInternal           = errors.New("internal error")
)

// TaskStatus enumerates the task lifecycle states.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// BatchStatus enumerates batch lifecycle states.
type BatchStatus string

const (
	BatchPending        BatchStatus = "pending"
	BatchProcessing     BatchStatus = "processing"
	BatchCompleted      BatchStatus = "completed"
	BatchPartialSuccess BatchStatus = "partial_success"
	BatchFailed         BatchStatus = "failed"
	BatchCancelled      BatchStatus = "cancelled"
)

// Task is the durable record of one stock analysis.
type Task struct {
	TaskID       string
	UserID       string
	BatchID      string
	StockCode    string
	StockName    string
	Status       TaskStatus
	Progress     int
	CurrentStep  string
	Message      string
	Parameters   AnalysisParameters
	Result       *AnalysisResult
	ErrorMessage string
	RetryCount   int
	WorkerID     string
	CreatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	UpdatedAt    time.Time
}

// Batch aggregates a set of tasks submitted together. Invariant: the
// per-status counts always sum to TotalTasks.
type Batch struct {
	BatchID        string
	UserID         string
	Title          string
	Description    string
	Status         BatchStatus
	TotalTasks     int
	PendingCount   int
	RunningCount   int
	CompletedCount int
	FailedCount    int
	CancelledCount int
	Parameters     AnalysisParameters
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
}

// AnalysisResult is the executor's final output for one stock.
type AnalysisResult struct {
	Summary          string         `json:"summary"`
	Recommendation   string         `json:"recommendation"`
	ConfidenceScore  float64        `json:"confidence_score"`
	RiskLevel        string         `json:"risk_level"`
	KeyPoints        []string       `json:"key_points,omitempty"`
	DetailedAnalysis map[string]any `json:"detailed_analysis,omitempty"`
	TokensUsed       int            `json:"tokens_used"`
	ExecutionTime    float64        `json:"execution_time"`
}

// Reservation is a queue lease granted to a worker until Deadline.
type Reservation struct {
	TaskID     string
	UserID     string
	RetryCount int
	Deadline   time.Time
}

// QueueStats is a point-in-time view of queue occupancy.
type QueueStats struct {
	Ready      int
	Inflight   int
	ReadyUsers int
	PerUser    map[string]UserQueueStats
}

// UserQueueStats holds per-user queue occupancy.
type UserQueueStats struct {
	Ready    int
	Inflight int
}

// ProgressSnapshot is the live view of one task's progress, serialized to the
// shared cache for streaming readers.
type ProgressSnapshot struct {
	TaskID                string     `json:"task_id"`
	Status                TaskStatus `json:"status"`
	Progress              int        `json:"progress"`
	CurrentStep           string     `json:"current_step"`
	Message               string     `json:"message"`
	ElapsedSeconds        float64    `json:"elapsed_time"`
	RemainingSeconds      float64    `json:"remaining_time"`
	EstimatedTotalSeconds float64    `json:"estimated_total_time"`
	Steps                 []string   `json:"steps"`
	StartTime             time.Time  `json:"start_time"`
	LastUpdate            time.Time  `json:"last_update"`
	EndTime               *time.Time `json:"end_time,omitempty"`
}

// TaskFilter narrows List queries.
type TaskFilter struct {
	Status    TaskStatus
	BatchID   string
	StockCode string
	Limit     int
	Offset    int
}

// StatusUpdate describes one status transition of a task. When WorkerGuard is
// non-empty the repository applies the update only where
// worker_id = WorkerGuard AND status IN (pending, running); a zero-row update
// reports changed=false so a worker that lost its lease discards its result.
type StatusUpdate struct {
	Status       TaskStatus
	WorkerGuard  string
	WorkerID     *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       *AnalysisResult
	ErrorMessage *string
	RetryCount   *int
	Progress     *int
}

// Repositories (ports)

type TaskRepository interface {
	Create(ctx Context, t Task) error
	Get(ctx Context, id string) (Task, error)
	List(ctx Context, userID string, f TaskFilter) ([]Task, error)
	// UpdateStatus applies a guarded status transition; it refuses transitions
	// out of terminal states and moves batch counters in the same transaction.
	UpdateStatus(ctx Context, id string, upd StatusUpdate) (bool, error)
	// CancelTask sets cancelled iff the task is non-terminal and reports
	// whether a state change occurred.
	CancelTask(ctx Context, id string) (bool, error)
	// UpdateProgress mirrors live progress onto the row. workerID must match
	// the current lease holder so a reclaimed worker cannot dirty the row.
	UpdateProgress(ctx Context, id, workerID string, progress int, step, message string) error
}

type BatchRepository interface {
	Create(ctx Context, b Batch, tasks []Task) error
	Get(ctx Context, id string) (Batch, error)
}

// Queue (port)
//
// A distributed multi-queue keyed by user with a global in-flight set.
// Reservations carry a visibility deadline; expired leases are returned to the
// ready queue by ReclaimExpired with an incremented retry count.
type Queue interface {
	// Enqueue is idempotent by task id: a task already ready or in flight is
	// absorbed as a no-op.
	Enqueue(ctx Context, userID, taskID string) error
	// Reserve grants up to max leases under the global and per-user admission
	// caps, selecting users round-robin for fairness.
	Reserve(ctx Context, workerID string, max int) ([]Reservation, error)
	// Renew extends the lease deadline; returns ErrLeaseLost when the caller
	// no longer owns the reservation.
	Renew(ctx Context, taskID, workerID string) error
	Ack(ctx Context, taskID, workerID string) error
	// Nack releases the lease. When retryable and the retry budget is not
	// exhausted the task is re-enqueued with backoff and requeued=true is
	// returned; otherwise the caller owns the terminal write.
	Nack(ctx Context, taskID, workerID string, retryable bool) (requeued bool, retryCount int, err error)
	// Remove drops a task from ready or in-flight regardless of owner.
	Remove(ctx Context, taskID string) error
	// ReclaimExpired sweeps expired leases back to the ready queue with an
	// incremented retry count. Tasks whose retry budget is exhausted are
	// dropped from the queue and returned separately so the caller can record
	// the terminal failure.
	ReclaimExpired(ctx Context) (requeued, dropped []string, err error)
	Stats(ctx Context) (QueueStats, error)
}

// ProgressStore (port) persists live progress snapshots and cancel flags in
// the shared cache. Writes are best-effort.
type ProgressStore interface {
	Save(ctx Context, snap ProgressSnapshot) error
	Load(ctx Context, taskID string) (ProgressSnapshot, bool, error)
	RequestCancel(ctx Context, taskID string) error
	CancelRequested(ctx Context, taskID string) (bool, error)
}

// ProgressSink receives progress messages from the executor. Returning an
// error (ErrCancelled) tells the executor to abort at its next checkpoint.
type ProgressSink func(message string) error

// AnalysisExecutor (port) performs the multi-step reasoning over one stock.
// It blocks for the duration of the analysis and honours ctx cancellation and
// sink errors at its checkpoints.
type AnalysisExecutor interface {
	Execute(ctx Context, t Task, sink ProgressSink) (AnalysisResult, error)
}

// Settings are the effective runtime settings merged from environment and
// database by the settings provider.
type Settings struct {
	QuickAnalysisModel   string
	DeepAnalysisModel    string
	MaxConcurrentGlobal  int
	MaxConcurrentPerUser int
}

type SettingsProvider interface {
	Effective(ctx Context) (Settings, error)
}

// SettingsRepository stores operator-tunable settings as key/value rows.
type SettingsRepository interface {
	All(ctx Context) (map[string]string, error)
	Set(ctx Context, key, value string) error
}

// StockBasic is reference data for one listed stock, synced periodically from
// an external provider and used to enrich submissions with stock names.
type StockBasic struct {
	Code       string
	Name       string
	MarketType string
	Industry   string
	UpdatedAt  time.Time
}

type StockBasicsRepository interface {
	UpsertMany(ctx Context, basics []StockBasic) error
	GetByCode(ctx Context, code string) (StockBasic, error)
}

// StockBasicsProvider fetches the full basics universe from an external
// source (exchange API, vendor file).
type StockBasicsProvider interface {
	FetchAll(ctx Context) ([]StockBasic, error)
}

// ModelRegistry maps model names to capability metadata; the orchestrator only
// consumes its validation and default recommendation.
type ModelRegistry interface {
	Known(model string) bool
	Recommend() (quick, deep string)
}

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context
