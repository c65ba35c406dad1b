package cmd

import (
	"errors"
	"flag"

	"github.com/TestLens/go-redundancy-lens/lens"
)

// Options holds the CLI settings that live outside the engine Config.
type Options struct {
	// InputFile is a JSON run file to analyze.
	InputFile string
	// StoreDir is a badger store directory holding ingested runs.
	StoreDir string
	// RunID selects the run within the store.
	RunID string
	// OutputFile receives the findings report.
	OutputFile string
	// ChartsFile optionally receives the findings overview chart.
	ChartsFile string
	// CacheMB is the source-cache memory budget for store-backed runs.
	CacheMB int
	// Ingest persists the JSON run into the store before analyzing.
	Ingest bool
	// ClusterCommand optionally delegates clustering to an external
	// process (program plus arguments).
	ClusterCommand []string
}

// ParseFlags builds the engine Config and CLI Options from flags.
func ParseFlags(args []string) (*lens.Config, *Options, error) {
	flags := flag.NewFlagSet("testlens", flag.ContinueOnError)

	inputFile := flags.String("input", "", "Path to a JSON run file to analyze")
	storeDir := flags.String("storedir", "", "Path to a run store directory")
	runID := flags.String("run", "", "Run identifier within the store")
	outputFile := flags.String("output", "redundancy.json", "File to output the findings report")
	chartsFile := flags.String("charts", "", "Optional file to output a findings overview chart image")
	cacheMB := flags.Int("cachemb", 200, "Cache memory budget in MB for store-backed source loading")
	ingest := flags.Bool("ingest", false, "Persist the -input run into -storedir before analyzing")

	algorithm := flags.String("algorithm", "kmeans", "Clustering algorithm: kmeans, dbscan (recommended), hierarchical")
	format := flags.String("format", "json", "Report format: markdown, json, yaml, html")
	threshold := flags.Float64("threshold", 0.85, "Documented similarity threshold in [0,1]")
	maxClusters := flags.Int("maxclusters", 50, "Maximum cluster count requested from the collaborator")
	minClusterSize := flags.Int("minclustersize", 2, "Minimum cluster size requested from the collaborator")
	timeoutSec := flags.Int("timeout", 300, "Clustering collaborator timeout in seconds")
	dbscanEps := flags.Float64("eps", 0, "DBSCAN neighborhood radius, 0 selects automatically")
	dbscanMinSamples := flags.Int("minsamples", 3, "DBSCAN minimum neighbors for a core point")
	hierNClusters := flags.Int("nclusters", 0, "Hierarchical cluster count, 0 selects automatically")
	hierLinkage := flags.String("linkage", "ward", "Hierarchical linkage: ward, average, complete, single")
	useReduction := flags.Bool("reduce", false, "Reduce vector dimensionality before clustering")
	reducedDims := flags.Int("reduceddims", 128, "Target dimensions when -reduce is set")
	excludeShared := flags.Bool("sharedexclude", true, "Exclude lines covered by most tests from fingerprints")
	idfWeighting := flags.Bool("idf", true, "Weight fingerprint hashes by line rarity")
	debug := flags.Bool("debug", false, "Forward debug flag to the clustering collaborator")

	if err := flags.Parse(args); err != nil {
		return nil, nil, err
	}

	if *ingest {
		if *inputFile == "" || *storeDir == "" || *runID == "" {
			return nil, nil, errors.New("-ingest requires -input, -storedir, and -run")
		}
	} else if *inputFile == "" && (*storeDir == "" || *runID == "") {
		return nil, nil, errors.New("usage: -input run.json\n   or: -storedir ./runs -run <run-id>\n   or: -ingest -input run.json -storedir ./runs -run <run-id>")
	} else if *inputFile != "" && *storeDir != "" {
		return nil, nil, errors.New("-input and -storedir are mutually exclusive without -ingest")
	}

	config := lens.DefaultConfig()
	config.Algorithm = *algorithm
	config.OutputFormat = *format
	config.Threshold = *threshold
	config.MaxClusters = *maxClusters
	config.MinClusterSize = *minClusterSize
	config.TimeoutSeconds = *timeoutSec
	if *dbscanEps > 0 {
		config.DBSCANEps = dbscanEps
	}
	config.DBSCANMinSamples = *dbscanMinSamples
	if *hierNClusters > 0 {
		config.HierarchicalNClusters = hierNClusters
	}
	config.HierarchicalLinkage = *hierLinkage
	config.UseDimensionalityReduction = *useReduction
	config.ReducedDimensions = *reducedDims
	config.ExcludeSharedCoverage = *excludeShared
	config.UseIdfWeighting = *idfWeighting
	config.Debug = *debug

	options := &Options{
		Ingest:         *ingest,
		InputFile:      *inputFile,
		StoreDir:       *storeDir,
		RunID:          *runID,
		OutputFile:     *outputFile,
		ChartsFile:     *chartsFile,
		CacheMB:        *cacheMB,
		ClusterCommand: flags.Args(),
	}
	return config, options, nil
}
