package worker

import (
	"sync"
	"time"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
	"github.com/fairyhunter13/ai-stock-analyzer/pkg/textx"
)

// maxMessageLen bounds what one executor message may contribute to snapshots
// and the tasks table.
const maxMessageLen = 500

// Tracker maintains the live progress view of one task for the duration of a
// single reservation. It is the sole writer for its task; streaming readers
// consume the snapshots it produces.
//
// Percent derives from the position in the step table:
// min(95, 100*(index+1)/total) for a matched step, 100 only at completion.
// Percent and last-update are monotonic within the tracker's lifetime.
type Tracker struct {
	mu sync.Mutex

	taskID  string
	depth   domain.ResearchDepth
	steps   []Step
	stepIdx int // index of the current step, -1 before the first match
	percent int
	labels  []string // labels seen, in order of first appearance
	status  domain.TaskStatus
	step    string
	message string
	start   time.Time
	last    time.Time
	end     *time.Time

	now func() time.Time
}

// NewTracker builds a tracker with the step table derived from the task's
// parameters. The clock parameter exists for tests; pass nil for time.Now.
func NewTracker(taskID string, p domain.AnalysisParameters, clock func() time.Time) *Tracker {
	if clock == nil {
		clock = time.Now
	}
	now := clock()
	return &Tracker{
		taskID:  taskID,
		depth:   p.ResearchDepth,
		steps:   BuildSteps(p),
		stepIdx: -1,
		status:  domain.TaskRunning,
		step:    "queued",
		message: "analysis starting",
		start:   now,
		last:    now,
		now:     clock,
	}
}

// Update records an executor progress message. A message matching a step at
// or past the current position advances the percent; matches behind the
// current position and unknown messages update the message only.
func (t *Tracker) Update(message string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isTerminal() {
		return
	}
	message = textx.Truncate(textx.SanitizeText(message), maxMessageLen)
	t.message = message
	t.touch()

	idx := t.detect(message)
	if idx < 0 {
		t.appendLabel(message)
		return
	}
	if idx < t.stepIdx {
		return
	}
	t.stepIdx = idx
	t.step = t.steps[idx].Label
	t.appendLabel(t.steps[idx].Label)
	if p := min(95, 100*(idx+1)/len(t.steps)); p > t.percent {
		t.percent = p
	}
}

// MarkCompleted finalizes the tracker at 100%.
func (t *Tracker) MarkCompleted(message string) { t.finish(domain.TaskCompleted, message, 100) }

// MarkFailed finalizes the tracker preserving the last percent.
func (t *Tracker) MarkFailed(message string) { t.finish(domain.TaskFailed, message, -1) }

// MarkCancelled finalizes the tracker preserving the last percent.
func (t *Tracker) MarkCancelled(message string) { t.finish(domain.TaskCancelled, message, -1) }

func (t *Tracker) finish(status domain.TaskStatus, message string, percent int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isTerminal() {
		return
	}
	t.status = status
	t.message = textx.Truncate(textx.SanitizeText(message), maxMessageLen)
	t.step = string(status)
	t.appendLabel(string(status))
	if percent >= 0 {
		t.percent = percent
	}
	t.touch()
	end := t.last
	t.end = &end
}

// Snapshot returns the current progress view with time estimates.
//
// The remaining-time heuristic blends the configured per-depth estimate with
// the pace observed so far: estimated_total = max(base, elapsed/fraction).
func (t *Tracker) Snapshot() domain.ProgressSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.end != nil {
		now = *t.end
	}
	elapsed := now.Sub(t.start).Seconds()
	const epsilon = 0.01
	fraction := float64(t.percent) / 100
	if fraction < epsilon {
		fraction = epsilon
	}
	estimated := t.depth.BaseEstimate().Seconds()
	if paced := elapsed / fraction; paced > estimated {
		estimated = paced
	}
	remaining := estimated - elapsed
	if remaining < 0 || t.end != nil {
		remaining = 0
	}

	labels := make([]string, len(t.labels))
	copy(labels, t.labels)
	return domain.ProgressSnapshot{
		TaskID:                t.taskID,
		Status:                t.status,
		Progress:              t.percent,
		CurrentStep:           t.step,
		Message:               t.message,
		ElapsedSeconds:        elapsed,
		RemainingSeconds:      remaining,
		EstimatedTotalSeconds: estimated,
		Steps:                 labels,
		StartTime:             t.start,
		LastUpdate:            t.last,
		EndTime:               t.end,
	}
}

func (t *Tracker) detect(message string) int {
	// Prefer the first match at or after the current position so a generic
	// keyword cannot drag progress backwards.
	for i := max(t.stepIdx, 0); i < len(t.steps); i++ {
		if t.steps[i].matches(message) {
			return i
		}
	}
	for i := 0; i < t.stepIdx && i < len(t.steps); i++ {
		if t.steps[i].matches(message) {
			return i
		}
	}
	return -1
}

func (t *Tracker) appendLabel(label string) {
	for _, l := range t.labels {
		if l == label {
			return
		}
	}
	t.labels = append(t.labels, label)
}

func (t *Tracker) touch() {
	if now := t.now(); now.After(t.last) {
		t.last = now
	}
}

func (t *Tracker) isTerminal() bool {
	return t.status != domain.TaskRunning
}
