package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newFakeClock() *fakeClock                 { return &fakeClock{t: time.Unix(1_756_000_000, 0)} }

func standardParams() domain.AnalysisParameters {
	p := domain.AnalysisParameters{ResearchDepth: domain.DepthStandard}
	_ = p.Normalize()
	return p
}

func TestBuildSteps_DepthShapesDebateRounds(t *testing.T) {
	t.Parallel()
	quick := domain.AnalysisParameters{ResearchDepth: domain.DepthQuick}
	require.NoError(t, quick.Normalize())
	deep := domain.AnalysisParameters{ResearchDepth: domain.DepthDeep}
	require.NoError(t, deep.Normalize())

	assert.Len(t, BuildSteps(deep), len(BuildSteps(quick))+2, "deep runs two extra debate rounds")

	one := domain.AnalysisParameters{ResearchDepth: domain.DepthQuick, SelectedAnalysts: []domain.AnalystRole{domain.AnalystNews}}
	require.NoError(t, one.Normalize())
	assert.Len(t, BuildSteps(quick), len(BuildSteps(one))+3, "one analyst instead of four")
}

func TestTracker_PercentAdvancesOnKnownSteps(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)
	total := len(BuildSteps(standardParams()))

	tr.Update("preparation: validating stock code 000001")
	snap := tr.Snapshot()
	assert.Equal(t, min(95, 100*1/total), snap.Progress)
	assert.Equal(t, "preparation", snap.CurrentStep)

	clock.advance(5 * time.Second)
	tr.Update("market analysis in progress")
	snap = tr.Snapshot()
	assert.Equal(t, "market analysis", snap.CurrentStep)
	assert.Contains(t, snap.Steps, "preparation")
	assert.Contains(t, snap.Steps, "market analysis")
	assert.Greater(t, snap.Progress, min(95, 100*1/total))
}

func TestTracker_UnknownMessagesDoNotAdvancePercent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)

	tr.Update("preparation started")
	before := tr.Snapshot().Progress

	clock.advance(time.Second)
	tr.Update("thinking very hard about nothing in particular")
	snap := tr.Snapshot()
	assert.Equal(t, before, snap.Progress)
	assert.Equal(t, "preparation", snap.CurrentStep, "current step unchanged")
	assert.Equal(t, "thinking very hard about nothing in particular", snap.Message)
	assert.Contains(t, snap.Steps, "thinking very hard about nothing in particular")
}

func TestTracker_MonotonicWithinLease(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)

	tr.Update("report generation")
	high := tr.Snapshot().Progress
	assert.Equal(t, 95, high, "capped at 95 before completion")

	// A late message matching an earlier step must not regress the percent.
	clock.advance(time.Second)
	tr.Update("preparation cleanup")
	snap := tr.Snapshot()
	assert.Equal(t, high, snap.Progress)
	assert.True(t, !snap.LastUpdate.Before(snap.StartTime))
}

func TestTracker_EstimateBlendsBaseAndPace(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)

	// Early on, the configured 300s estimate for standard depth dominates.
	clock.advance(10 * time.Second)
	tr.Update("preparation")
	snap := tr.Snapshot()
	assert.InDelta(t, 300, snap.EstimatedTotalSeconds, 1e-6)
	assert.InDelta(t, 290, snap.RemainingSeconds, 1e-6)

	// A slow run pushes the estimate past the base: 400s at 50% -> 800s total.
	tr2 := NewTracker("t2", standardParams(), clock.now)
	tr2.Update("research debate round 1") // half-way through the table
	half := tr2.Snapshot().Progress
	require.GreaterOrEqual(t, half, 40)
	clock.advance(400 * time.Second)
	tr2.Update("still debating")
	snap = tr2.Snapshot()
	assert.Greater(t, snap.EstimatedTotalSeconds, 300.0)
	assert.InDelta(t, 400/(float64(half)/100), snap.EstimatedTotalSeconds, 1)
}

func TestTracker_MarkCompleted(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)
	tr.Update("preparation")
	clock.advance(30 * time.Second)
	tr.MarkCompleted("analysis complete")

	snap := tr.Snapshot()
	assert.Equal(t, domain.TaskCompleted, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Zero(t, snap.RemainingSeconds)
	require.NotNil(t, snap.EndTime)
	assert.Equal(t, clock.t, *snap.EndTime)

	// Terminal is absorbing: later updates are ignored.
	tr.Update("late message")
	tr.MarkFailed("late failure")
	snap = tr.Snapshot()
	assert.Equal(t, domain.TaskCompleted, snap.Status)
	assert.Equal(t, "analysis complete", snap.Message)
}

func TestTracker_MarkFailedKeepsPercent(t *testing.T) {
	t.Parallel()
	clock := newFakeClock()
	tr := NewTracker("t1", standardParams(), clock.now)
	tr.Update("market analysis")
	before := tr.Snapshot().Progress

	tr.MarkFailed("executor blew up")
	snap := tr.Snapshot()
	assert.Equal(t, domain.TaskFailed, snap.Status)
	assert.Equal(t, before, snap.Progress)
	assert.NotNil(t, snap.EndTime)
}

func TestTracker_MarkCancelled(t *testing.T) {
	t.Parallel()
	tr := NewTracker("t1", standardParams(), newFakeClock().now)
	tr.MarkCancelled("cancel requested by user")
	snap := tr.Snapshot()
	assert.Equal(t, domain.TaskCancelled, snap.Status)
	assert.Contains(t, snap.Steps, "cancelled")
}
