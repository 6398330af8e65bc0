package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/adapter/registry"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/config"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg    config.Config
	Submit usecase.SubmitService
	Status usecase.StatusService
	Cancel usecase.CancelService
	Stream usecase.StreamService
	Models *registry.Registry

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, submit usecase.SubmitService, status usecase.StatusService,
	cancel usecase.CancelService, stream usecase.StreamService, models *registry.Registry,
	dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{
		Cfg: cfg, Submit: submit, Status: status, Cancel: cancel, Stream: stream,
		Models: models, DBCheck: dbCheck, RedisCheck: redisCheck,
	}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

type submitRequest struct {
	StockCode          string   `json:"stock_code" validate:"required,max=12"`
	ResearchDepth      string   `json:"research_depth" validate:"omitempty,max=20"`
	SelectedAnalysts   []string `json:"selected_analysts" validate:"omitempty,max=4,dive,max=20"`
	QuickAnalysisModel string   `json:"quick_analysis_model" validate:"omitempty,max=64"`
	DeepAnalysisModel  string   `json:"deep_analysis_model" validate:"omitempty,max=64"`
	MarketType         string   `json:"market_type" validate:"omitempty,max=16"`
	AnalysisDate       string   `json:"analysis_date" validate:"omitempty,datetime=2006-01-02"`
}

func (req submitRequest) params() domain.AnalysisParameters {
	analysts := make([]domain.AnalystRole, 0, len(req.SelectedAnalysts))
	for _, a := range req.SelectedAnalysts {
		analysts = append(analysts, domain.AnalystRole(a))
	}
	return domain.AnalysisParameters{
		ResearchDepth:      domain.ResearchDepth(req.ResearchDepth),
		SelectedAnalysts:   analysts,
		QuickAnalysisModel: req.QuickAnalysisModel,
		DeepAnalysisModel:  req.DeepAnalysisModel,
		MarketType:         req.MarketType,
		AnalysisDate:       req.AnalysisDate,
	}
}

type batchRequest struct {
	Title              string   `json:"title" validate:"omitempty,max=120"`
	Description        string   `json:"description" validate:"omitempty,max=1000"`
	StockCodes         []string `json:"stock_codes" validate:"required,min=1,max=50,dive,max=12"`
	ResearchDepth      string   `json:"research_depth" validate:"omitempty,max=20"`
	SelectedAnalysts   []string `json:"selected_analysts" validate:"omitempty,max=4,dive,max=20"`
	QuickAnalysisModel string   `json:"quick_analysis_model" validate:"omitempty,max=64"`
	DeepAnalysisModel  string   `json:"deep_analysis_model" validate:"omitempty,max=64"`
	MarketType         string   `json:"market_type" validate:"omitempty,max=16"`
	AnalysisDate       string   `json:"analysis_date" validate:"omitempty,datetime=2006-01-02"`
}

func (req batchRequest) params() domain.AnalysisParameters {
	return submitRequest{
		ResearchDepth:      req.ResearchDepth,
		SelectedAnalysts:   req.SelectedAnalysts,
		QuickAnalysisModel: req.QuickAnalysisModel,
		DeepAnalysisModel:  req.DeepAnalysisModel,
		MarketType:         req.MarketType,
		AnalysisDate:       req.AnalysisDate,
	}.params()
}

type taskDTO struct {
	TaskID       string                     `json:"task_id"`
	BatchID      string                     `json:"batch_id,omitempty"`
	StockCode    string                     `json:"stock_code"`
	StockName    string                     `json:"stock_name,omitempty"`
	Status       domain.TaskStatus          `json:"status"`
	Progress     int                        `json:"progress"`
	CurrentStep  string                     `json:"current_step,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Parameters   domain.AnalysisParameters  `json:"parameters"`
	Result       *domain.AnalysisResult     `json:"result,omitempty"`
	ErrorMessage string                     `json:"error_message,omitempty"`
	RetryCount   int                        `json:"retry_count"`
	CreatedAt    time.Time                  `json:"created_at"`
	StartedAt    *time.Time                 `json:"started_at,omitempty"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

func toTaskDTO(t domain.Task) taskDTO {
	return taskDTO{
		TaskID:       t.TaskID,
		BatchID:      t.BatchID,
		StockCode:    t.StockCode,
		StockName:    t.StockName,
		Status:       t.Status,
		Progress:     t.Progress,
		CurrentStep:  t.CurrentStep,
		Message:      t.Message,
		Parameters:   t.Parameters,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		RetryCount:   t.RetryCount,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

type batchDTO struct {
	BatchID         string             `json:"batch_id"`
	Title           string             `json:"title,omitempty"`
	Description     string             `json:"description,omitempty"`
	Status          domain.BatchStatus `json:"status"`
	TotalTasks      int                `json:"total_tasks"`
	PendingCount    int                `json:"pending_count"`
	RunningCount    int                `json:"running_count"`
	CompletedCount  int                `json:"completed_count"`
	FailedCount     int                `json:"failed_count"`
	CancelledCount  int                `json:"cancelled_count"`
	ProgressPercent float64            `json:"progress_percent"`
	CreatedAt       time.Time          `json:"created_at"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	Tasks           []taskDTO          `json:"tasks,omitempty"`
}

func toBatchDTO(v usecase.BatchView) batchDTO {
	dto := batchDTO{
		BatchID:         v.BatchID,
		Title:           v.Title,
		Description:     v.Description,
		Status:          v.Status,
		TotalTasks:      v.TotalTasks,
		PendingCount:    v.PendingCount,
		RunningCount:    v.RunningCount,
		CompletedCount:  v.CompletedCount,
		FailedCount:     v.FailedCount,
		CancelledCount:  v.CancelledCount,
		ProgressPercent: v.ProgressPercent,
		CreatedAt:       v.CreatedAt,
		CompletedAt:     v.CompletedAt,
	}
	for _, t := range v.Tasks {
		dto.Tasks = append(dto.Tasks, toTaskDTO(t))
	}
	return dto
}

func decodeAndValidate(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: malformed json body", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// SubmitHandler accepts one analysis submission.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		t, err := s.Submit.Submit(r.Context(), userID(r), req.StockCode, req.params())
		if err != nil {
			writeError(w, r, err, map[string]string{"stock_code": req.StockCode})
			return
		}
		writeJSON(w, http.StatusAccepted, toTaskDTO(t))
	}
}

// SubmitBatchHandler accepts a multi-stock batch submission.
func (s *Server) SubmitBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		b, tasks, err := s.Submit.SubmitBatch(r.Context(), userID(r), req.Title, req.Description,
			req.StockCodes, req.params())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		ids := make([]string, 0, len(tasks))
		for _, t := range tasks {
			ids = append(ids, t.TaskID)
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"batch_id":    b.BatchID,
			"status":      b.Status,
			"total_tasks": b.TotalTasks,
			"task_ids":    ids,
		})
	}
}

// ListTasksHandler lists the caller's tasks.
func (s *Server) ListTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		offset, _ := strconv.Atoi(q.Get("offset"))
		f := domain.TaskFilter{
			Status:    domain.TaskStatus(q.Get("status")),
			BatchID:   q.Get("batch_id"),
			StockCode: q.Get("stock_code"),
			Limit:     limit,
			Offset:    offset,
		}
		tasks, err := s.Status.ListTasks(r.Context(), userID(r), f)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]taskDTO, 0, len(tasks))
		for _, t := range tasks {
			out = append(out, toTaskDTO(t))
		}
		writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
	}
}

// GetTaskHandler returns one task by id.
func (s *Server) GetTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t, err := s.Status.GetTask(r.Context(), userID(r), chi.URLParam(r, "taskID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toTaskDTO(t))
	}
}

// CancelHandler requests cancellation of one task.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskID")
		status, err := s.Cancel.Cancel(r.Context(), userID(r), taskID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "status": status})
	}
}

// GetBatchHandler returns one batch with derived progress.
func (s *Server) GetBatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := s.Status.GetBatch(r.Context(), userID(r), chi.URLParam(r, "batchID"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toBatchDTO(view))
	}
}

// QueueStatsHandler exposes queue occupancy.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Status.QueueStats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// ModelsHandler lists the model-capability catalog.
func (s *Server) ModelsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		quick, deep := s.Models.Recommend()
		writeJSON(w, http.StatusOK, map[string]any{
			"models":            s.Models.All(),
			"recommended_quick": quick,
			"recommended_deep":  deep,
		})
	}
}

// HealthHandler reports process liveness.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyHandler reports readiness of the backing stores.
func (s *Server) ReadyHandler() http.HandlerFunc {
	type check struct {
		Name string `json:"name"`
		OK   bool   `json:"ok"`
		Err  string `json:"error,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := []check{}
		allOK := true
		for name, fn := range map[string]func(context.Context) error{
			"postgres": s.DBCheck,
			"redis":    s.RedisCheck,
		} {
			c := check{Name: name, OK: true}
			if fn == nil {
				c.OK = false
				c.Err = "check not configured"
			} else if err := fn(ctx); err != nil {
				c.OK = false
				c.Err = err.Error()
			}
			allOK = allOK && c.OK
			checks = append(checks, c)
		}
		status := http.StatusOK
		if !allOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"ready": allOK, "checks": checks})
	}
}
