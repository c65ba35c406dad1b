package lens

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionForScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		score  float64
		expect string
	}{
		{score: 0.99, expect: ActionMerge},
		{score: 0.95, expect: ActionMerge},
		{score: 0.90, expect: ActionConsolidate},
		{score: 0.85, expect: ActionConsolidate},
		{score: 0.75, expect: ActionReview},
		{score: 0.70, expect: ActionReview},
		{score: 0.50, expect: ActionMonitor},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expect, actionForScore(tc.score), "score %v", tc.score)
	}
}

func TestComposeRecommendations(t *testing.T) {
	t.Parallel()

	finding := Finding{
		ClusterID:            0,
		RepresentativeTestID: "T::rep",
		RedundantTestIDs:     []string{"T::r1", "T::r2"},
		RedundancyScore:      1.0,
		Priority:             PriorityHigh,
		Analysis: FindingAnalysis{
			AvgSimilarity:         1.0,
			ClusterSize:           3,
			RedundantCount:        2,
			ExecutionTimeSavedSec: 0.2,
		},
	}
	features := []FeatureRecord{
		featureWith("T::rep", nil, lineRange("a.php", 1, 5), 100),
		featureWith("T::r1", nil, lineRange("a.php", 1, 5), 100),
		featureWith("T::r2", nil, lineRange("a.php", 1, 4), 100),
	}

	enriched := ComposeRecommendations([]Finding{finding}, features)
	require.Len(t, enriched, 1)

	result := enriched[0]
	assert.Equal(t, ActionMerge, result.Action)
	assert.NotEmpty(t, result.Rationale)
	// base 100 + score 20 + 2 redundants * 2 + 200ms/100
	assert.InDelta(t, 126.0, result.NumericPriority, 1e-9)
	assert.Equal(t, int64(200), result.PotentialSavings.TimeSavedMs)
	assert.InDelta(t, 0.2, result.PotentialSavings.TimeSavedSec, 1e-9)
	assert.Equal(t, 9, result.PotentialSavings.LinesReduction) // 5 + 4
	assert.Equal(t, 2, result.PotentialSavings.TestCountReduction)
	assert.InDelta(t, 66.666, result.PotentialSavings.PercentageReduction, 0.001)
}

func TestNumericPriorityCaps(t *testing.T) {
	t.Parallel()

	redundant := make([]string, 30)
	for i := range redundant {
		redundant[i] = "T::r"
	}
	finding := Finding{
		RedundantTestIDs: redundant,
		RedundancyScore:  0.9,
		Priority:         PriorityMedium,
		Analysis:         FindingAnalysis{ExecutionTimeSavedSec: 100},
	}

	// base 50 + 0.9*20 + capped 20 + capped 10
	assert.InDelta(t, 98.0, numericPriority(finding), 1e-9)
}

func TestRationaleBands(t *testing.T) {
	t.Parallel()

	low := rationaleFor(Finding{RedundancyScore: 0.5, Analysis: FindingAnalysis{ClusterSize: 2}})
	assert.Contains(t, low[1], "monitor")

	review := rationaleFor(Finding{RedundancyScore: 0.75, Analysis: FindingAnalysis{ClusterSize: 2}})
	assert.Contains(t, review[1], "review")

	big := rationaleFor(Finding{
		RedundancyScore:  0.9,
		RedundantTestIDs: make([]string, 12),
		Analysis:         FindingAnalysis{ClusterSize: 13},
	})
	assert.Contains(t, big[len(big)-1], "high-impact")
}
