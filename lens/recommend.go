package lens

import (
	"fmt"
	"math"
)

// action bands for the recommendation composer.
const (
	ActionMerge       = "merge"
	ActionConsolidate = "consolidate"
	ActionReview      = "review"
	ActionMonitor     = "monitor"

	actionMergeGate       = 0.95
	actionConsolidateGate = 0.85
	actionReviewGate      = 0.70
)

// ComposeRecommendations enriches analyzer findings with an action, a
// human-readable rationale, a numeric priority, and savings estimates.
// Input ordering is preserved.
func ComposeRecommendations(findings []Finding, features []FeatureRecord) []EnrichedFinding {
	linesCovered := make(map[string]int, len(features))
	for _, feature := range features {
		linesCovered[feature.TestID] = feature.Metadata.LinesCovered
	}

	enriched := make([]EnrichedFinding, len(findings))
	for i, finding := range findings {
		enriched[i] = EnrichedFinding{
			Finding:          finding,
			Action:           actionForScore(finding.RedundancyScore),
			Rationale:        rationaleFor(finding),
			NumericPriority:  numericPriority(finding),
			PotentialSavings: savingsFor(finding, linesCovered),
		}
	}
	return enriched
}

func actionForScore(score float64) string {
	switch {
	case score >= actionMergeGate:
		return ActionMerge
	case score >= actionConsolidateGate:
		return ActionConsolidate
	case score >= actionReviewGate:
		return ActionReview
	default:
		return ActionMonitor
	}
}

func rationaleFor(finding Finding) []string {
	percent := int(math.Round(finding.RedundancyScore * 100))
	rationale := []string{
		fmt.Sprintf("Cluster of %d tests with %d%% average similarity", finding.Analysis.ClusterSize, percent),
	}
	switch {
	case finding.RedundancyScore >= actionMergeGate:
		rationale = append(rationale,
			"Tests are near-duplicates; the representative preserves their coverage",
			fmt.Sprintf("Removing %d tests saves %.1fs per run", len(finding.RedundantTestIDs), finding.Analysis.ExecutionTimeSavedSec))
	case finding.RedundancyScore >= actionConsolidateGate:
		rationale = append(rationale,
			"Tests exercise overlapping paths and could be merged or parameterized")
	case finding.RedundancyScore >= actionReviewGate:
		rationale = append(rationale,
			"Moderate overlap; worth a manual review before acting")
	default:
		rationale = append(rationale,
			"Low overlap; monitor and revisit as the suite grows")
	}
	if len(finding.RedundantTestIDs) >= highRedundantCount {
		rationale = append(rationale,
			fmt.Sprintf("%d redundant members make this cluster a high-impact target", len(finding.RedundantTestIDs)))
	}
	return rationale
}

// numericPriority combines the priority band base with score, redundant
// count, and time-saved contributions.
func numericPriority(finding Finding) float64 {
	var base float64
	switch finding.Priority {
	case PriorityHigh:
		base = 100
	case PriorityMedium:
		base = 50
	default:
		base = 10
	}
	timeSavedMs := finding.Analysis.ExecutionTimeSavedSec * 1000
	return base +
		finding.RedundancyScore*20 +
		math.Min(float64(len(finding.RedundantTestIDs))*2, 20) +
		math.Min(timeSavedMs/100, 10)
}

func savingsFor(finding Finding, linesCovered map[string]int) Savings {
	timeSavedMs := int64(math.Round(finding.Analysis.ExecutionTimeSavedSec * 1000))
	var linesReduction int
	for _, testID := range finding.RedundantTestIDs {
		linesReduction += linesCovered[testID]
	}
	var percentage float64
	if finding.Analysis.ClusterSize > 0 {
		percentage = float64(len(finding.RedundantTestIDs)) / float64(finding.Analysis.ClusterSize) * 100
	}
	return Savings{
		TimeSavedMs:         timeSavedMs,
		TimeSavedSec:        finding.Analysis.ExecutionTimeSavedSec,
		LinesReduction:      linesReduction,
		TestCountReduction:  len(finding.RedundantTestIDs),
		PercentageReduction: percentage,
	}
}
