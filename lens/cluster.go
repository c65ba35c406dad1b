package lens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ClusterAlgorithm selects the clustering collaborator variant.
type ClusterAlgorithm string

const (
	AlgorithmKMeans       ClusterAlgorithm = "kmeans"
	AlgorithmDBSCAN       ClusterAlgorithm = "dbscan"
	AlgorithmHierarchical ClusterAlgorithm = "hierarchical"
)

// ClusterParams carries the algorithm parameters of the clustering
// contract. Nil pointer fields request automatic selection.
type ClusterParams struct {
	MinClusterSize        int      `json:"min_cluster_size"`
	MaxClusters           int      `json:"max_clusters"`
	DBSCANEps             *float64 `json:"dbscan_eps,omitempty"`
	DBSCANMinSamples      int      `json:"dbscan_min_samples"`
	HierarchicalNClusters *int     `json:"hierarchical_n_clusters,omitempty"`
	HierarchicalLinkage   string   `json:"hierarchical_linkage"`
}

// VectorEntry pairs a test ID with its semantic vector on the wire.
type VectorEntry struct {
	TestID string    `json:"test_id"`
	Vector []float64 `json:"vector"`
}

// ClusterRequest is the single payload sent to the clustering
// collaborator per run.
type ClusterRequest struct {
	Vectors   []VectorEntry    `json:"vectors"`
	Algorithm ClusterAlgorithm `json:"algorithm"`
	Params    ClusterParams    `json:"params"`
	Debug     bool             `json:"debug"`
}

// ClusterGroup is one cluster in a collaborator response. The wire form
// is either a bare test ID array or an object with tests and a score.
type ClusterGroup struct {
	Tests []string `json:"tests"`
	Score float64  `json:"score,omitempty"`
}

func (g *ClusterGroup) UnmarshalJSON(data []byte) error {
	var tests []string
	if err := json.Unmarshal(data, &tests); err == nil {
		g.Tests = tests
		g.Score = 0
		return nil
	}
	type wireGroup ClusterGroup
	var wire wireGroup
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("cluster group must be a test id array or object: %w", err)
	}
	*g = ClusterGroup(wire)
	return nil
}

// ClusterResponse is the collaborator's partition plus free-form metadata.
type ClusterResponse struct {
	Clusters map[int]ClusterGroup   `json:"clusters"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Clusterer is the clustering collaborator contract: vectors plus
// parameters in, a partition of test IDs out. Implementations may run in
// process or delegate to an external process; only the payload shape is
// fixed.
type Clusterer interface {
	Cluster(ctx context.Context, req ClusterRequest) (*ClusterResponse, error)
}

// Dispatcher hands feature vectors to the clustering collaborator and
// validates the returned partition. A single dispatcher call is in
// flight per run.
type Dispatcher struct {
	Clusterer Clusterer
	// Timeout guards the collaborator call; zero disables the guard.
	Timeout time.Duration
}

// Dispatch invokes the collaborator once and validates the returned
// partition against the dispatched inputs. Every input test ID must
// appear in exactly one cluster; the noise bucket is permitted.
func (d *Dispatcher) Dispatch(ctx context.Context, features []FeatureRecord,
	algorithm ClusterAlgorithm, params ClusterParams, debug bool) (ClusterPartition, map[string]interface{}, error) {
	req := ClusterRequest{
		Vectors:   make([]VectorEntry, len(features)),
		Algorithm: algorithm,
		Params:    params,
		Debug:     debug,
	}
	testIDs := make([]string, len(features))
	for i, feature := range features {
		req.Vectors[i] = VectorEntry{TestID: feature.TestID, Vector: feature.Vector}
		testIDs[i] = feature.TestID
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	resp, err := d.Clusterer.Cluster(ctx, req)
	if err != nil {
		var clusterErr *ClusteringError
		if errors.As(err, &clusterErr) {
			return ClusterPartition{}, nil, err
		} else if errors.Is(err, context.DeadlineExceeded) {
			return ClusterPartition{}, nil, &ClusteringError{Cause: fmt.Errorf("timeout after %s", d.Timeout)}
		}
		return ClusterPartition{}, nil, &ClusteringError{Cause: err}
	}

	clusters := make(map[int][]string, len(resp.Clusters))
	for id, group := range resp.Clusters {
		clusters[id] = group.Tests
	}
	partition := NewClusterPartition(clusters)
	if err := partition.validate(testIDs); err != nil {
		return ClusterPartition{}, nil, err
	}
	return partition, resp.Metadata, nil
}

// intraClusterCohesion reports the mean pairwise cosine similarity of a
// cluster's vectors, used as the per-cluster score in the in-process
// clusterer's response.
func intraClusterCohesion(vectors [][]float64) float64 {
	var total float64
	var pairs int
	for i := 0; i < len(vectors); i++ {
		for j := i + 1; j < len(vectors); j++ {
			total += cosineSimilarity(vectors[i], vectors[j])
			pairs++
		}
	}
	if pairs == 0 {
		return 0
	}
	return total / float64(pairs)
}
