package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalysisParameters_Normalize_Defaults(t *testing.T) {
	t.Parallel()
	p := AnalysisParameters{}
	require.NoError(t, p.Normalize())
	assert.Equal(t, DepthStandard, p.ResearchDepth)
	assert.Equal(t, DefaultAnalysts(), p.SelectedAnalysts)
	assert.Empty(t, p.AnalysisDate, "analysis date is filled at reserve time, not submission")
}

func TestAnalysisParameters_Normalize_Rejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		p    AnalysisParameters
	}{
		{"unknown depth", AnalysisParameters{ResearchDepth: "thorough"}},
		{"unknown analyst", AnalysisParameters{SelectedAnalysts: []AnalystRole{"astrology"}}},
		{"duplicate analyst", AnalysisParameters{SelectedAnalysts: []AnalystRole{AnalystNews, AnalystNews}}},
		{"bad date", AnalysisParameters{AnalysisDate: "08/25/2026"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.p.Normalize()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument))
		})
	}
}

func TestResearchDepth_Tables(t *testing.T) {
	t.Parallel()
	for _, d := range Depths {
		assert.True(t, d.Valid())
		assert.Greater(t, d.DebateRounds(), 0)
		assert.Greater(t, d.BaseEstimate(), time.Duration(0))
		assert.GreaterOrEqual(t, d.ExecutionTimeout(), d.BaseEstimate())
	}
	assert.Equal(t, 60*time.Second, DepthQuick.BaseEstimate())
	assert.Equal(t, 900*time.Second, DepthComprehensive.BaseEstimate())
	assert.Equal(t, 10*time.Minute, DepthStandard.ExecutionTimeout())
	assert.Equal(t, 30*time.Minute, DepthComprehensive.ExecutionTimeout())
	assert.False(t, ResearchDepth("exhaustive").Valid())
}
