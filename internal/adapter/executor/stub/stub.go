// Package stub provides a deterministic in-process analysis executor. It walks
// the same pipeline stages a real engine would report, pausing briefly between
// stages, and derives its verdict from the stock code so repeated runs agree.
// It stands in for the reasoning engine in development and in end-to-end tests
// of the orchestration path.
package stub

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
	"github.com/fairyhunter13/ai-stock-analyzer/internal/worker"
)

// Executor emits one progress message per pipeline stage and then fabricates a
// result. StepDelay defaults to 10ms so a quick run finishes in well under a
// second.
type Executor struct {
	StepDelay time.Duration
	now       func() time.Time
}

// New returns a stub executor with the default step delay.
func New() *Executor {
	return &Executor{StepDelay: 10 * time.Millisecond, now: time.Now}
}

// Execute walks the stage table for the task's parameters, reporting each
// stage through the sink. It returns early on context cancellation or when the
// sink asks for an abort.
func (e *Executor) Execute(ctx domain.Context, t domain.Task, sink domain.ProgressSink) (domain.AnalysisResult, error) {
	started := e.now()
	for _, step := range worker.BuildSteps(t.Parameters) {
		select {
		case <-ctx.Done():
			return domain.AnalysisResult{}, fmt.Errorf("op=stub.Execute task=%s: %w", t.TaskID, ctx.Err())
		case <-time.After(e.StepDelay):
		}
		if err := sink(step.Label); err != nil {
			return domain.AnalysisResult{}, fmt.Errorf("op=stub.Execute task=%s: %w", t.TaskID, err)
		}
	}
	return e.result(t, e.now().Sub(started)), nil
}

var verdicts = []struct {
	recommendation string
	risk           string
}{
	{"buy", "low"},
	{"buy", "medium"},
	{"hold", "medium"},
	{"hold", "low"},
	{"sell", "high"},
}

func (e *Executor) result(t domain.Task, elapsed time.Duration) domain.AnalysisResult {
	h := fnv.New32a()
	h.Write([]byte(t.StockCode))
	sum := h.Sum32()
	v := verdicts[sum%uint32(len(verdicts))]
	confidence := 0.5 + float64(sum%40)/100

	name := t.StockName
	if name == "" {
		name = t.StockCode
	}
	return domain.AnalysisResult{
		Summary:         fmt.Sprintf("%s analysis of %s finished with a %s stance.", t.Parameters.ResearchDepth, name, v.recommendation),
		Recommendation:  v.recommendation,
		ConfidenceScore: confidence,
		RiskLevel:       v.risk,
		KeyPoints: []string{
			fmt.Sprintf("analysts consulted: %d", len(t.Parameters.SelectedAnalysts)),
			fmt.Sprintf("debate rounds: %d", t.Parameters.ResearchDepth.DebateRounds()),
		},
		DetailedAnalysis: map[string]any{
			"stock_code":  t.StockCode,
			"market_type": t.Parameters.MarketType,
		},
		TokensUsed:    int(sum % 10_000),
		ExecutionTime: elapsed.Seconds(),
	}
}

var _ domain.AnalysisExecutor = (*Executor)(nil)
