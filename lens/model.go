package lens

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// FingerprintSize is the fixed length of every coverage fingerprint.
const FingerprintSize = 256

// SemanticVectorSize is the fixed length of every semantic TF-IDF vector.
const SemanticVectorSize = 384

// NoiseClusterID is the DBSCAN bucket for points not assigned to any cluster.
// Members of this bucket are excluded from analysis.
const NoiseClusterID = -1

// CoverageLine identifies a single executed source line.
type CoverageLine struct {
	// File is the source file path.
	File string `msgpack:"f" json:"file"`
	// Line is the 1-based line number.
	Line int `msgpack:"l" json:"line"`
}

// Key returns the canonical "<file>:<line>" form. Equality is bytewise.
func (c CoverageLine) Key() string {
	return c.File + ":" + strconv.Itoa(c.Line)
}

// ParseCoverageLine parses the canonical "<file>:<line>" form.
func ParseCoverageLine(key string) (CoverageLine, error) {
	idx := strings.LastIndex(key, ":")
	if idx <= 0 || idx == len(key)-1 {
		return CoverageLine{}, fmt.Errorf("invalid coverage line key: %q", key)
	}
	line, err := strconv.Atoi(key[idx+1:])
	if err != nil || line <= 0 {
		return CoverageLine{}, fmt.Errorf("invalid coverage line number in key: %q", key)
	}
	return CoverageLine{File: key[:idx], Line: line}, nil
}

// TestRecord is a single test read from the run store. TestID has the
// form "<class_or_path>::<method>".
type TestRecord struct {
	// TestID uniquely identifies the test within a run.
	TestID string `msgpack:"id" json:"test_id"`
	// Path is the class name or source file path containing the test.
	Path string `msgpack:"p" json:"path"`
	// Method is the test method name.
	Method string `msgpack:"m" json:"method"`
	// ExecTimeMs is the recorded execution time in milliseconds.
	ExecTimeMs int64 `msgpack:"t" json:"exec_time_ms"`
	// RecentFailRate is the recent failure rate in [0,1].
	RecentFailRate float64 `msgpack:"fr" json:"recent_fail_rate"`
	// SourceText is the UTF-8 method source, empty when unavailable.
	SourceText string `msgpack:"src,omitempty" json:"source_text,omitempty"`
	// CoverageLines lists the lines executed by this test.
	CoverageLines []CoverageLine `msgpack:"cov" json:"coverage_lines"`
}

// LineKeys returns the deduplicated canonical line keys, preserving the
// first-seen order.
func (r TestRecord) LineKeys() []string {
	seen := make(map[string]bool, len(r.CoverageLines))
	keys := make([]string, 0, len(r.CoverageLines))
	for _, cl := range r.CoverageLines {
		key := cl.Key()
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}

// Fingerprint is a length-256 MinHash sketch with every element in [0,1].
type Fingerprint []float64

// zero reports whether every position is zero.
func (f Fingerprint) zero() bool {
	for _, v := range f {
		if v != 0 {
			return false
		}
	}
	return true
}

// FingerprintSimilarity estimates sketch agreement as the fraction of
// positions equal within a 1e-4 tolerance. Diagnostics only; the
// analyzer scores semantic vectors, never fingerprints.
func FingerprintSimilarity(a, b Fingerprint) float64 {
	checkFingerprintDimension(len(a))
	checkFingerprintDimension(len(b))
	var matches int
	for i := range a {
		diff := a[i] - b[i]
		if diff < 0 {
			diff = -diff
		}
		if diff <= 1e-4 {
			matches++
		}
	}
	return float64(matches) / float64(FingerprintSize)
}

// FeatureMetadata carries the per-test attributes bound to a feature record.
type FeatureMetadata struct {
	// CoverageLines holds the raw (pre-exclusion) canonical line keys,
	// used by the analyzer's coverage-preservation check.
	CoverageLines []string `json:"coverage_lines"`
	// ExecutionTimeMs is the test execution time in milliseconds.
	ExecutionTimeMs int64 `json:"execution_time_ms"`
	// LinesCovered is the distinct covered line count.
	LinesCovered int `json:"lines_covered"`
	// Path is the class name or file path containing the test.
	Path string `json:"path"`
	// Method is the test method name.
	Method string `json:"method"`
}

// FeatureRecord binds a test to its semantic vector and metadata.
type FeatureRecord struct {
	TestID   string          `json:"test_id"`
	Vector   []float64       `json:"vector"`
	Metadata FeatureMetadata `json:"metadata"`
}

// ClusterPartition maps cluster IDs to member test IDs, with a consistent
// inverse. Every test that entered clustering appears in exactly one
// cluster; NoiseClusterID is permitted for DBSCAN outliers.
type ClusterPartition struct {
	Clusters   map[int][]string `json:"clusters" yaml:"clusters"`
	Assignment map[string]int   `json:"assignment" yaml:"assignment"`
}

// NewClusterPartition builds a partition and its inverse from cluster
// member lists.
func NewClusterPartition(clusters map[int][]string) ClusterPartition {
	assignment := make(map[string]int)
	for id, members := range clusters {
		for _, testID := range members {
			assignment[testID] = id
		}
	}
	return ClusterPartition{Clusters: clusters, Assignment: assignment}
}

// validate checks the partition covers exactly the given test IDs, each
// appearing once. The noise bucket is allowed.
func (p ClusterPartition) validate(testIDs []string) error {
	seen := make(map[string]int, len(testIDs))
	for id, members := range p.Clusters {
		if id < 0 && id != NoiseClusterID {
			return &ClusterConsistencyError{Reason: fmt.Sprintf("invalid cluster id %d", id)}
		}
		for _, testID := range members {
			seen[testID]++
		}
	}
	for _, testID := range testIDs {
		switch seen[testID] {
		case 1:
		case 0:
			return &ClusterConsistencyError{Reason: fmt.Sprintf("test %s missing from partition", testID)}
		default:
			return &ClusterConsistencyError{Reason: fmt.Sprintf("test %s assigned to multiple clusters", testID)}
		}
	}
	if len(seen) != len(testIDs) {
		return &ClusterConsistencyError{Reason: "partition contains unknown test ids"}
	}
	return nil
}

// SortedClusterIDs returns the non-noise cluster IDs in ascending order.
func (p ClusterPartition) SortedClusterIDs() []int {
	ids := make([]int, 0, len(p.Clusters))
	for id := range p.Clusters {
		if id != NoiseClusterID {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// Priority classifies how urgently a finding should be acted on.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// rank orders priorities for sorting, higher first.
func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// FindingAnalysis carries the per-cluster diagnostics attached to a finding.
type FindingAnalysis struct {
	AvgSimilarity         float64 `json:"avg_similarity" yaml:"avg_similarity"`
	ClusterSize           int     `json:"cluster_size" yaml:"cluster_size"`
	RedundantCount        int     `json:"redundant_count" yaml:"redundant_count"`
	ExecutionTimeSavedSec float64 `json:"execution_time_saved_sec" yaml:"execution_time_saved_sec"`
	CoverageOverlapPct    float64 `json:"coverage_overlap_pct" yaml:"coverage_overlap_pct"`
}

// Finding reports redundant tests within a single cluster.
type Finding struct {
	ClusterID            int             `json:"cluster_id" yaml:"cluster_id"`
	RepresentativeTestID string          `json:"representative_test_id" yaml:"representative_test_id"`
	RedundantTestIDs     []string        `json:"redundant_test_ids" yaml:"redundant_test_ids"`
	RedundancyScore      float64         `json:"redundancy_score" yaml:"redundancy_score"`
	Recommendation       string          `json:"recommendation" yaml:"recommendation"`
	Priority             Priority        `json:"priority" yaml:"priority"`
	Analysis             FindingAnalysis `json:"analysis" yaml:"analysis"`
}

// Savings estimates what removing the redundant tests would recover.
type Savings struct {
	TimeSavedMs         int64   `json:"time_saved_ms" yaml:"time_saved_ms"`
	TimeSavedSec        float64 `json:"time_saved_sec" yaml:"time_saved_sec"`
	LinesReduction      int     `json:"lines_reduction" yaml:"lines_reduction"`
	TestCountReduction  int     `json:"test_count_reduction" yaml:"test_count_reduction"`
	PercentageReduction float64 `json:"percentage_reduction" yaml:"percentage_reduction"`
}

// EnrichedFinding is a Finding with the composer's action, rationale,
// numeric priority, and savings estimates attached.
type EnrichedFinding struct {
	Finding          `yaml:",inline"`
	Action           string   `json:"action" yaml:"action"`
	Rationale        []string `json:"rationale" yaml:"rationale"`
	NumericPriority  float64  `json:"numeric_priority" yaml:"numeric_priority"`
	PotentialSavings Savings  `json:"potential_savings" yaml:"potential_savings"`
}

// RunMetrics summarizes a completed engine run.
type RunMetrics struct {
	TotalTests          int     `json:"total_tests" yaml:"total_tests"`
	ClustersFound       int     `json:"clusters_found" yaml:"clusters_found"`
	RedundancyFindings  int     `json:"redundancy_findings" yaml:"redundancy_findings"`
	RedundantTests      int     `json:"redundant_tests" yaml:"redundant_tests"`
	ReductionPercentage float64 `json:"reduction_percentage" yaml:"reduction_percentage"`
}

// RunResult is the successful output of an engine run.
type RunResult struct {
	Findings         []EnrichedFinding `json:"findings" yaml:"findings"`
	Partition        ClusterPartition  `json:"cluster_partition" yaml:"cluster_partition"`
	Metrics          RunMetrics        `json:"metrics" yaml:"metrics"`
	ExecutionTimeSec float64           `json:"execution_time_sec" yaml:"execution_time_sec"`
}
