package worker

import (
	"fmt"
	"strings"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

// Step is one stage of the executor pipeline. Keywords are matched
// case-insensitively against executor progress messages to detect which stage
// the executor has reached.
type Step struct {
	Label    string
	Keywords []string
}

func (s Step) matches(msg string) bool {
	m := strings.ToLower(msg)
	if strings.Contains(m, strings.ToLower(s.Label)) {
		return true
	}
	for _, k := range s.Keywords {
		if strings.Contains(m, k) {
			return true
		}
	}
	return false
}

var analystSteps = map[domain.AnalystRole]Step{
	domain.AnalystMarket:       {Label: "market analysis", Keywords: []string{"market analyst", "technical"}},
	domain.AnalystFundamentals: {Label: "fundamentals analysis", Keywords: []string{"fundamentals analyst", "financial statement", "balance sheet"}},
	domain.AnalystNews:         {Label: "news analysis", Keywords: []string{"news analyst", "headline"}},
	domain.AnalystSocial:       {Label: "social sentiment analysis", Keywords: []string{"social analyst", "sentiment"}},
}

// BuildSteps derives the ordered step table for one analysis run from the
// selected analysts and the research depth. Depth contributes its number of
// researcher debate rounds; everything else is fixed pipeline structure.
func BuildSteps(p domain.AnalysisParameters) []Step {
	steps := []Step{
		{Label: "preparation", Keywords: []string{"validating", "prepare"}},
		{Label: "environment check", Keywords: []string{"api key", "data source"}},
		{Label: "cost estimation", Keywords: []string{"estimating cost"}},
		{Label: "parameter setup", Keywords: []string{"configuring", "model selection"}},
		{Label: "engine start", Keywords: []string{"starting engine", "initializing engine"}},
	}
	for _, a := range p.SelectedAnalysts {
		if s, ok := analystSteps[a]; ok {
			steps = append(steps, s)
		}
	}
	steps = append(steps,
		Step{Label: "bull researcher", Keywords: []string{"bullish case"}},
		Step{Label: "bear researcher", Keywords: []string{"bearish case"}},
	)
	for i := 0; i < p.ResearchDepth.DebateRounds(); i++ {
		steps = append(steps, Step{
			Label:    fmt.Sprintf("research debate round %d", i+1),
			Keywords: []string{fmt.Sprintf("debate round %d", i+1)},
		})
	}
	steps = append(steps,
		Step{Label: "research manager", Keywords: []string{"research consensus"}},
		Step{Label: "trader decision", Keywords: []string{"trading strategy"}},
		Step{Label: "aggressive risk assessment", Keywords: []string{"aggressive risk"}},
		Step{Label: "conservative risk assessment", Keywords: []string{"conservative risk"}},
		Step{Label: "neutral risk assessment", Keywords: []string{"neutral risk"}},
		Step{Label: "risk manager", Keywords: []string{"risk control"}},
		Step{Label: "signal processing", Keywords: []string{"trading signal"}},
		Step{Label: "report generation", Keywords: []string{"generating report", "final report"}},
	)
	return steps
}
