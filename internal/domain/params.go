package domain

import (
	"fmt"
	"time"
)

// ResearchDepth selects how elaborate the executor's pipeline will be; it
// influences timeout and estimate defaults.
type ResearchDepth string

const (
	DepthQuick         ResearchDepth = "quick"
	DepthBasic         ResearchDepth = "basic"
	DepthStandard      ResearchDepth = "standard"
	DepthDeep          ResearchDepth = "deep"
	DepthComprehensive ResearchDepth = "comprehensive"
)

// Depths lists all recognized research depths in increasing order.
var Depths = []ResearchDepth{DepthQuick, DepthBasic, DepthStandard, DepthDeep, DepthComprehensive}

// Valid reports whether d is a recognized depth.
func (d ResearchDepth) Valid() bool {
	for _, v := range Depths {
		if d == v {
			return true
		}
	}
	return false
}

// DebateRounds returns the number of research debate rounds for the depth.
func (d ResearchDepth) DebateRounds() int {
	switch d {
	case DepthQuick:
		return 1
	case DepthBasic:
		return 1
	case DepthStandard:
		return 2
	case DepthDeep:
		return 3
	case DepthComprehensive:
		return 3
	default:
		return 2
	}
}

// BaseEstimate is the configured wall-clock estimate used to seed the progress
// tracker's remaining-time heuristic.
func (d ResearchDepth) BaseEstimate() time.Duration {
	switch d {
	case DepthQuick:
		return 60 * time.Second
	case DepthBasic:
		return 120 * time.Second
	case DepthStandard:
		return 300 * time.Second
	case DepthDeep:
		return 600 * time.Second
	case DepthComprehensive:
		return 900 * time.Second
	default:
		return 300 * time.Second
	}
}

// ExecutionTimeout is the per-task wall-clock budget; exceeding it fails the
// attempt with reason timeout.
func (d ResearchDepth) ExecutionTimeout() time.Duration {
	switch d {
	case DepthQuick:
		return 5 * time.Minute
	case DepthBasic:
		return 8 * time.Minute
	case DepthStandard:
		return 10 * time.Minute
	case DepthDeep:
		return 20 * time.Minute
	case DepthComprehensive:
		return 30 * time.Minute
	default:
		return 10 * time.Minute
	}
}

// AnalystRole tags one analyst in the executor's team stage.
type AnalystRole string

const (
	AnalystMarket       AnalystRole = "market"
	AnalystFundamentals AnalystRole = "fundamentals"
	AnalystNews         AnalystRole = "news"
	AnalystSocial       AnalystRole = "social"
)

var knownAnalysts = map[AnalystRole]struct{}{
	AnalystMarket:       {},
	AnalystFundamentals: {},
	AnalystNews:         {},
	AnalystSocial:       {},
}

// DefaultAnalysts is the analyst team used when a submission leaves
// selected_analysts empty.
func DefaultAnalysts() []AnalystRole {
	return []AnalystRole{AnalystMarket, AnalystFundamentals, AnalystNews, AnalystSocial}
}

// AnalysisParameters configure one analysis run. Unspecified models are filled
// at submission time from effective settings.
type AnalysisParameters struct {
	ResearchDepth      ResearchDepth `json:"research_depth"`
	SelectedAnalysts   []AnalystRole `json:"selected_analysts"`
	QuickAnalysisModel string        `json:"quick_analysis_model,omitempty"`
	DeepAnalysisModel  string        `json:"deep_analysis_model,omitempty"`
	MarketType         string        `json:"market_type,omitempty"`
	AnalysisDate       string        `json:"analysis_date,omitempty"`
}

// Normalize fills zero values with defaults and validates the closed enums.
// The analysis date deliberately stays empty here; it defaults to "today" at
// reserve time, not at submission time.
func (p *AnalysisParameters) Normalize() error {
	if p.ResearchDepth == "" {
		p.ResearchDepth = DepthStandard
	}
	if !p.ResearchDepth.Valid() {
		return fmt.Errorf("%w: unknown research_depth %q", ErrInvalidArgument, p.ResearchDepth)
	}
	if len(p.SelectedAnalysts) == 0 {
		p.SelectedAnalysts = DefaultAnalysts()
	}
	seen := map[AnalystRole]struct{}{}
	for _, a := range p.SelectedAnalysts {
		if _, ok := knownAnalysts[a]; !ok {
			return fmt.Errorf("%w: unknown analyst %q", ErrInvalidArgument, a)
		}
		if _, dup := seen[a]; dup {
			return fmt.Errorf("%w: duplicate analyst %q", ErrInvalidArgument, a)
		}
		seen[a] = struct{}{}
	}
	if p.AnalysisDate != "" {
		if _, err := time.Parse("2006-01-02", p.AnalysisDate); err != nil {
			return fmt.Errorf("%w: analysis_date must be YYYY-MM-DD", ErrInvalidArgument)
		}
	}
	return nil
}
