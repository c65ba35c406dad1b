package lens

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"time"
)

// Output format selectors for findings reports.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
	FormatYAML     = "yaml"
	FormatHTML     = "html"
)

// Config holds settings for an engine run.
type Config struct {
	// Algorithm selects the clustering collaborator variant.
	Algorithm string
	// Threshold documents the intended similarity gate; the analyzer's
	// hard gates are constants.
	Threshold float64
	// OutputFormat selects the findings report renderer.
	OutputFormat string
	// MaxClusters bounds the cluster count requested from the collaborator.
	MaxClusters int
	// MinClusterSize is the smallest cluster the collaborator should form.
	MinClusterSize int
	// UseDimensionalityReduction reduces the vectors handed to the
	// collaborator; the analyzer always scores full vectors.
	UseDimensionalityReduction bool
	// ReducedDimensions is the target dimension count when reduction is on.
	ReducedDimensions int
	// TimeoutSeconds guards the clustering collaborator call.
	TimeoutSeconds int
	// DBSCANEps is the neighborhood radius; nil requests auto-selection.
	DBSCANEps *float64
	// DBSCANMinSamples is the core-point neighbor minimum.
	DBSCANMinSamples int
	// HierarchicalNClusters pins the cut level; nil requests auto-selection.
	HierarchicalNClusters *int
	// HierarchicalLinkage selects the agglomerative merge criterion.
	HierarchicalLinkage string
	// ExcludeSharedCoverage drops ubiquitous lines before fingerprinting.
	ExcludeSharedCoverage bool
	// UseIdfWeighting weights fingerprint hashes by line rarity.
	UseIdfWeighting bool
	// Debug is forwarded to the clustering collaborator.
	Debug bool

	prepared bool
}

// DefaultConfig returns a Config with the documented defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Algorithm:             string(AlgorithmKMeans),
		Threshold:             0.85,
		OutputFormat:          FormatJSON,
		MaxClusters:           50,
		MinClusterSize:        2,
		TimeoutSeconds:        300,
		DBSCANMinSamples:      3,
		HierarchicalLinkage:   linkageWard,
		ExcludeSharedCoverage: true,
		UseIdfWeighting:       true,
	}
}

// Prepare validates the configuration. It must succeed before any work
// starts; every violation is reported as a ConfigError.
func (c *Config) Prepare() error {
	if c.prepared {
		return &ConfigError{Field: "config", Reason: "already prepared"}
	}

	switch ClusterAlgorithm(c.Algorithm) {
	case AlgorithmKMeans, AlgorithmDBSCAN, AlgorithmHierarchical:
	default:
		return &ConfigError{Field: "algorithm", Reason: fmt.Sprintf("must be one of kmeans, dbscan, hierarchical, got %q", c.Algorithm)}
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return &ConfigError{Field: "threshold", Reason: fmt.Sprintf("must be in [0,1], got %v", c.Threshold)}
	}
	switch c.OutputFormat {
	case FormatMarkdown, FormatJSON, FormatYAML, FormatHTML:
	default:
		return &ConfigError{Field: "outputFormat", Reason: fmt.Sprintf("must be one of markdown, json, yaml, html, got %q", c.OutputFormat)}
	}
	if c.MaxClusters < 1 {
		return &ConfigError{Field: "maxClusters", Reason: fmt.Sprintf("must be positive, got %d", c.MaxClusters)}
	}
	if c.MinClusterSize < 1 {
		return &ConfigError{Field: "minClusterSize", Reason: fmt.Sprintf("must be positive, got %d", c.MinClusterSize)}
	}
	if c.UseDimensionalityReduction {
		if c.ReducedDimensions < 1 || c.ReducedDimensions > SemanticVectorSize {
			return &ConfigError{Field: "reducedDimensions", Reason: fmt.Sprintf("must be in [1,%d], got %d", SemanticVectorSize, c.ReducedDimensions)}
		}
	}
	if c.TimeoutSeconds < 1 {
		return &ConfigError{Field: "timeout", Reason: fmt.Sprintf("must be positive, got %d", c.TimeoutSeconds)}
	}
	if c.DBSCANEps != nil && *c.DBSCANEps <= 0 {
		return &ConfigError{Field: "dbscanEps", Reason: fmt.Sprintf("must be positive, got %v", *c.DBSCANEps)}
	}
	if c.DBSCANMinSamples < 1 {
		return &ConfigError{Field: "dbscanMinSamples", Reason: fmt.Sprintf("must be positive, got %d", c.DBSCANMinSamples)}
	}
	if c.HierarchicalNClusters != nil && *c.HierarchicalNClusters < 1 {
		return &ConfigError{Field: "hierarchicalNClusters", Reason: fmt.Sprintf("must be positive, got %d", *c.HierarchicalNClusters)}
	}
	switch c.HierarchicalLinkage {
	case linkageWard, linkageAverage, linkageComplete, linkageSingle:
	default:
		return &ConfigError{Field: "hierarchicalLinkage", Reason: fmt.Sprintf("must be one of ward, average, complete, single, got %q", c.HierarchicalLinkage)}
	}

	c.prepared = true
	return nil
}

func (c *Config) clusterParams() ClusterParams {
	return ClusterParams{
		MinClusterSize:        c.MinClusterSize,
		MaxClusters:           c.MaxClusters,
		DBSCANEps:             c.DBSCANEps,
		DBSCANMinSamples:      c.DBSCANMinSamples,
		HierarchicalNClusters: c.HierarchicalNClusters,
		HierarchicalLinkage:   c.HierarchicalLinkage,
	}
}

// Engine runs the redundancy-detection pipeline: run inputs are read,
// fingerprints and semantic vectors are built in parallel, features are
// dispatched to the clustering collaborator, and clusters are analyzed
// into ranked findings. All intermediate artifacts are owned by the run
// and released when it completes.
type Engine struct {
	Config    *Config
	RunReader TestRunReader
	Clusterer Clusterer
}

// NewEngine creates an Engine with the in-process clustering collaborator.
func NewEngine(config *Config, reader TestRunReader) *Engine {
	return &Engine{
		Config:    config,
		RunReader: reader,
		Clusterer: &InProcessClusterer{},
	}
}

// Run executes the pipeline for one test run. On success the result
// carries the findings, the partition, and run metrics; on any abort a
// RunFailure error wraps the causes along with the time spent.
func (e *Engine) Run(ctx context.Context, runID string) (*RunResult, error) {
	startTime := time.Now()
	fail := func(errs ...error) (*RunResult, error) {
		return nil, &RunFailure{
			Errors:           errs,
			ExecutionTimeSec: time.Since(startTime).Seconds(),
		}
	}

	if !e.Config.prepared {
		if err := e.Config.Prepare(); err != nil {
			return fail(err)
		}
	}

	stats, tests, err := e.RunReader.ReadRun(ctx, runID)
	if err != nil {
		return fail(err)
	}
	log.Printf("Run %s: %d tests, %d coverage lines, %d files",
		runID, stats.TestCount, stats.CoverageLineCount, stats.UniqueFiles)
	// canonical record order makes the run independent of store iteration order
	tests = append([]TestRecord(nil), tests...)
	sort.Slice(tests, func(i, j int) bool { return tests[i].TestID < tests[j].TestID })
	if err := ctx.Err(); err != nil {
		return fail(ErrCancelled)
	}

	if len(tests) == 0 {
		return &RunResult{
			Findings:         []EnrichedFinding{},
			Partition:        NewClusterPartition(map[int][]string{}),
			Metrics:          RunMetrics{},
			ExecutionTimeSec: time.Since(startTime).Seconds(),
		}, nil
	}

	// fingerprints and semantic vectors build in parallel; each produces
	// a fully owned result
	var fingerprints map[string]Fingerprint
	var vectors map[string][]float64
	errGroup := ErrGroupLimitCPU()
	errGroup.Go(func() error {
		builder := NewFingerprintBuilder(FingerprintConfig{
			ExcludeSharedCoverage: e.Config.ExcludeSharedCoverage,
			UseIdfWeighting:       e.Config.UseIdfWeighting,
		})
		fingerprints = builder.Build(tests)
		return nil
	})
	errGroup.Go(func() error {
		var vErr error
		vectors, _, vErr = BuildSemanticVectors(tests)
		return vErr
	})
	if err := errGroup.Wait(); err != nil {
		return fail(err)
	}
	log.Printf("Built %d fingerprints and %d semantic vectors", len(fingerprints), len(vectors))
	if err := ctx.Err(); err != nil {
		return fail(ErrCancelled)
	}

	features := AssembleFeatures(tests, vectors)

	dispatcher := &Dispatcher{
		Clusterer: e.Clusterer,
		Timeout:   time.Duration(e.Config.TimeoutSeconds) * time.Second,
	}
	dispatchFeatures := features
	if e.Config.UseDimensionalityReduction {
		dispatchFeatures = reduceFeatureVectors(features, e.Config.ReducedDimensions)
	}
	partition, metadata, err := dispatcher.Dispatch(ctx, dispatchFeatures,
		ClusterAlgorithm(e.Config.Algorithm), e.Config.clusterParams(), e.Config.Debug)
	if err != nil {
		return fail(err)
	}
	clustersFound := len(partition.SortedClusterIDs())
	log.Printf("Collaborator returned %d clusters (metadata: %v)", clustersFound, metadata)
	if err := ctx.Err(); err != nil {
		return fail(ErrCancelled)
	}

	findings, err := AnalyzeClusters(ctx, partition, features)
	if err != nil {
		return fail(err)
	}
	enriched := ComposeRecommendations(findings, features)

	var redundantTests int
	for _, finding := range enriched {
		redundantTests += len(finding.RedundantTestIDs)
	}
	metrics := RunMetrics{
		TotalTests:         len(tests),
		ClustersFound:      clustersFound,
		RedundancyFindings: len(enriched),
		RedundantTests:     redundantTests,
	}
	if metrics.TotalTests > 0 {
		metrics.ReductionPercentage = roundTwoDecimals(
			float64(redundantTests) / float64(metrics.TotalTests) * 100)
	}
	log.Printf("Found %d redundancy findings covering %d tests (%.2f%% reduction)",
		metrics.RedundancyFindings, metrics.RedundantTests, metrics.ReductionPercentage)

	return &RunResult{
		Findings:         enriched,
		Partition:        partition,
		Metrics:          metrics,
		ExecutionTimeSec: time.Since(startTime).Seconds(),
	}, nil
}

// reduceFeatureVectors projects the dispatch vectors onto the highest
// variance components, applied uniformly so positions stay comparable.
// The analyzer keeps scoring the full vectors.
func reduceFeatureVectors(features []FeatureRecord, dims int) []FeatureRecord {
	if len(features) == 0 || dims >= len(features[0].Vector) {
		return features
	}
	width := len(features[0].Vector)
	means := make([]float64, width)
	for _, feature := range features {
		for d, v := range feature.Vector {
			means[d] += v
		}
	}
	for d := range means {
		means[d] /= float64(len(features))
	}
	variances := make([]float64, width)
	for _, feature := range features {
		for d, v := range feature.Vector {
			diff := v - means[d]
			variances[d] += diff * diff
		}
	}

	indexes := make([]int, width)
	for i := range indexes {
		indexes[i] = i
	}
	sort.SliceStable(indexes, func(i, j int) bool {
		return variances[indexes[i]] > variances[indexes[j]]
	})
	kept := append([]int(nil), indexes[:dims]...)
	sort.Ints(kept) // preserve relative component order

	reduced := make([]FeatureRecord, len(features))
	for i, feature := range features {
		vector := make([]float64, dims)
		for d, idx := range kept {
			vector[d] = feature.Vector[idx]
		}
		reduced[i] = feature
		reduced[i].Vector = vector
	}
	return reduced
}

func roundTwoDecimals(v float64) float64 {
	return math.Round(v*100) / 100
}
