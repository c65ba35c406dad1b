package lens

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/go-analyze/bulk"
)

const (
	// semanticRedundancyGate is the minimum representative similarity
	// for a member to be considered redundant.
	semanticRedundancyGate = 0.85
	// coveragePreservationGate requires a redundant candidate's coverage
	// to be at least this contained in the representative's.
	coveragePreservationGate = 0.95
	// highScoreGate and the redundant-count gates drive priority bands.
	highScoreGate        = 0.95
	highRedundantCount   = 10
	mediumRedundantCount = 5
	// coverageOverlapSampleSize bounds the pairwise Jaccard diagnostic.
	coverageOverlapSampleSize = 10
)

// AnalyzeClusters scores every cluster of size two or more and emits one
// finding per cluster with surviving redundancy candidates. Findings are
// ordered by priority then redundancy score, both descending.
func AnalyzeClusters(ctx context.Context, partition ClusterPartition, features []FeatureRecord) ([]Finding, error) {
	featureByID := make(map[string]FeatureRecord, len(features))
	for _, feature := range features {
		featureByID[feature.TestID] = feature
	}

	clusterIDs := partition.SortedClusterIDs()
	results := make([]*Finding, len(clusterIDs))
	errGroup := ErrGroupLimitCPU()
	for slot, clusterID := range clusterIDs {
		errGroup.Go(func() error {
			members := partition.Clusters[clusterID]
			if len(members) < 2 {
				return nil
			}
			memberFeatures := make([]FeatureRecord, len(members))
			for i, testID := range members {
				feature, ok := featureByID[testID]
				if !ok {
					return &ClusterConsistencyError{Reason: fmt.Sprintf("cluster %d references unknown test %s", clusterID, testID)}
				}
				memberFeatures[i] = feature
			}
			results[slot] = analyzeCluster(clusterID, memberFeatures)
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	findings := make([]Finding, 0, len(results))
	for _, finding := range results {
		if finding != nil {
			findings = append(findings, *finding)
		}
	}
	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Priority.rank() != findings[j].Priority.rank() {
			return findings[i].Priority.rank() > findings[j].Priority.rank()
		}
		return findings[i].RedundancyScore > findings[j].RedundancyScore
	})
	return findings, nil
}

// analyzeCluster produces the finding for one cluster, or nil when no
// redundancy candidate survives both gates.
func analyzeCluster(clusterID int, members []FeatureRecord) *Finding {
	k := len(members)
	similarity := make([][]float64, k)
	for i := range similarity {
		similarity[i] = make([]float64, k)
		similarity[i][i] = 1
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			s := cosineSimilarity(members[i].Vector, members[j].Vector)
			similarity[i][j] = s
			similarity[j][i] = s
		}
	}

	representative := selectRepresentative(members, similarity)
	repCoverage := coverageSet(members[representative])

	// candidates keep cluster member order
	var redundant []string
	var timeSavedMs int64
	var linesReduction int
	for j := range members {
		if j == representative || similarity[representative][j] < semanticRedundancyGate {
			continue
		}
		candCoverage := coverageSet(members[j])
		if !coveragePreserved(candCoverage, repCoverage) {
			continue
		}
		redundant = append(redundant, members[j].TestID)
		timeSavedMs += members[j].Metadata.ExecutionTimeMs
		linesReduction += members[j].Metadata.LinesCovered
	}
	if len(redundant) == 0 {
		return nil
	}

	var scoreTotal float64
	var pairs int
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			scoreTotal += similarity[i][j]
			pairs++
		}
	}
	var score float64
	if pairs > 0 {
		score = scoreTotal / float64(pairs)
	}

	var priority Priority
	switch {
	case score >= highScoreGate || len(redundant) >= highRedundantCount:
		priority = PriorityHigh
	case score >= semanticRedundancyGate || len(redundant) >= mediumRedundantCount:
		priority = PriorityMedium
	default:
		priority = PriorityLow
	}

	return &Finding{
		ClusterID:            clusterID,
		RepresentativeTestID: members[representative].TestID,
		RedundantTestIDs:     redundant,
		RedundancyScore:      score,
		Recommendation:       recommendationText(score, len(redundant)),
		Priority:             priority,
		Analysis: FindingAnalysis{
			AvgSimilarity:         score,
			ClusterSize:           k,
			RedundantCount:        len(redundant),
			ExecutionTimeSavedSec: float64(timeSavedMs) / 1000,
			CoverageOverlapPct:    coverageOverlapPct(members),
		},
	}
}

// selectRepresentative scores each member on similarity centrality,
// execution speed, and coverage breadth, returning the argmax index with
// ties broken by the lowest index.
func selectRepresentative(members []FeatureRecord, similarity [][]float64) int {
	k := len(members)
	best, bestScore := 0, math.Inf(-1)
	for i := 0; i < k; i++ {
		var avgSim float64
		for j := 0; j < k; j++ {
			if j != i {
				avgSim += similarity[i][j]
			}
		}
		if k > 1 {
			avgSim /= float64(k - 1)
		}
		speed := 1 / (1 + float64(members[i].Metadata.ExecutionTimeMs)/1000)
		coverage := math.Min(float64(members[i].Metadata.LinesCovered)/100, 1)
		score := 0.7*avgSim + 0.2*speed + 0.1*coverage
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return best
}

// coveragePreserved reports whether removing the candidate keeps at least
// 95% of its covered lines covered by the representative. Empty candidate
// coverage is always preserved.
func coveragePreserved(candidate, representative map[string]struct{}) bool {
	if len(candidate) == 0 {
		return true
	}
	var intersect int
	for key := range candidate {
		if _, ok := representative[key]; ok {
			intersect++
		}
	}
	return float64(intersect)/float64(len(candidate)) >= coveragePreservationGate
}

// coverageOverlapPct averages the pairwise coverage Jaccard over the
// first members of the cluster, bounding the work on large clusters.
func coverageOverlapPct(members []FeatureRecord) float64 {
	sample := members
	if len(sample) > coverageOverlapSampleSize {
		sample = sample[:coverageOverlapSampleSize]
	}
	sets := make([]map[string]struct{}, len(sample))
	for i, member := range sample {
		sets[i] = coverageSet(member)
	}
	var total float64
	var pairs int
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs) * 100
}

func coverageSet(feature FeatureRecord) map[string]struct{} {
	set := make(map[string]struct{}, len(feature.Metadata.CoverageLines))
	for _, key := range bulk.SliceFilter(func(k string) bool { return k != "" }, feature.Metadata.CoverageLines) {
		set[key] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	var intersect int
	for key := range a {
		if _, ok := b[key]; ok {
			intersect++
		}
	}
	union := len(a) + len(b) - intersect
	if union == 0 {
		return 0
	}
	return float64(intersect) / float64(union)
}

// recommendationText keys the literal recommendation off the score band.
func recommendationText(score float64, redundantCount int) string {
	percent := int(math.Round(score * 100))
	switch {
	case score >= highScoreGate:
		return fmt.Sprintf("Remove %d highly redundant tests (%d%% similar). Keep only the representative test for this functionality.",
			redundantCount, percent)
	case score >= semanticRedundancyGate:
		return fmt.Sprintf("Consider consolidating %d similar tests (%d%% overlap). Review for potential merge or parameterization opportunities.",
			redundantCount, percent)
	default:
		return fmt.Sprintf("Review %d related tests for optimization opportunities. Minor redundancy detected (%d%% similarity).",
			redundantCount, percent)
	}
}
