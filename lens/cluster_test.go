package lens

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClusterer returns a canned response or error.
type stubClusterer struct {
	resp *ClusterResponse
	err  error
}

func (s *stubClusterer) Cluster(context.Context, ClusterRequest) (*ClusterResponse, error) {
	return s.resp, s.err
}

// blockingClusterer waits for context cancellation.
type blockingClusterer struct{}

func (b *blockingClusterer) Cluster(ctx context.Context, _ ClusterRequest) (*ClusterResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func vectorFeatures(vectors map[string][]float64) []FeatureRecord {
	ids := make([]string, 0, len(vectors))
	for id := range vectors {
		ids = append(ids, id)
	}
	sort.Strings(ids) // deterministic input order for dispatch assertions
	features := make([]FeatureRecord, len(ids))
	for i, id := range ids {
		features[i] = FeatureRecord{TestID: id, Vector: vectors[id]}
	}
	return features
}

func TestClusterGroupUnmarshal(t *testing.T) {
	t.Parallel()

	t.Run("bare_array", func(t *testing.T) {
		var group ClusterGroup
		require.NoError(t, json.Unmarshal([]byte(`["T::a","T::b"]`), &group))
		assert.Equal(t, []string{"T::a", "T::b"}, group.Tests)
		assert.Zero(t, group.Score)
	})

	t.Run("scored_object", func(t *testing.T) {
		var group ClusterGroup
		require.NoError(t, json.Unmarshal([]byte(`{"tests":["T::a"],"score":0.92}`), &group))
		assert.Equal(t, []string{"T::a"}, group.Tests)
		assert.InDelta(t, 0.92, group.Score, 1e-9)
	})

	t.Run("invalid", func(t *testing.T) {
		var group ClusterGroup
		assert.Error(t, json.Unmarshal([]byte(`42`), &group))
	})

	t.Run("response_with_noise_bucket", func(t *testing.T) {
		var resp ClusterResponse
		require.NoError(t, json.Unmarshal(
			[]byte(`{"clusters":{"0":["T::a","T::b"],"-1":["T::x"]},"metadata":{"eps":0.4}}`), &resp))
		assert.Len(t, resp.Clusters, 2)
		assert.Equal(t, []string{"T::x"}, resp.Clusters[NoiseClusterID].Tests)
	})
}

func TestDispatcher(t *testing.T) {
	t.Parallel()

	features := vectorFeatures(map[string][]float64{
		"T::a": {1, 0},
		"T::b": {0.9, 0.1},
		"T::c": {0, 1},
	})
	params := ClusterParams{MinClusterSize: 2, MaxClusters: 10, DBSCANMinSamples: 3}

	t.Run("valid_partition", func(t *testing.T) {
		stub := &stubClusterer{resp: &ClusterResponse{
			Clusters: map[int]ClusterGroup{
				0: {Tests: []string{"T::a", "T::b"}},
				1: {Tests: []string{"T::c"}},
			},
			Metadata: map[string]interface{}{"k": 2.0},
		}}
		dispatcher := &Dispatcher{Clusterer: stub}

		partition, metadata, err := dispatcher.Dispatch(context.Background(), features, AlgorithmKMeans, params, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"T::a", "T::b"}, partition.Clusters[0])
		assert.Equal(t, 0, partition.Assignment["T::b"])
		assert.Equal(t, 1, partition.Assignment["T::c"])
		assert.Equal(t, 2.0, metadata["k"])
	})

	t.Run("noise_bucket_permitted", func(t *testing.T) {
		stub := &stubClusterer{resp: &ClusterResponse{
			Clusters: map[int]ClusterGroup{
				0:              {Tests: []string{"T::a"}},
				NoiseClusterID: {Tests: []string{"T::b", "T::c"}},
			},
		}}
		dispatcher := &Dispatcher{Clusterer: stub}

		partition, _, err := dispatcher.Dispatch(context.Background(), features, AlgorithmDBSCAN, params, false)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, partition.SortedClusterIDs())
		assert.Equal(t, NoiseClusterID, partition.Assignment["T::c"])
	})

	t.Run("missing_test_inconsistent", func(t *testing.T) {
		stub := &stubClusterer{resp: &ClusterResponse{
			Clusters: map[int]ClusterGroup{0: {Tests: []string{"T::a", "T::b"}}},
		}}
		dispatcher := &Dispatcher{Clusterer: stub}

		_, _, err := dispatcher.Dispatch(context.Background(), features, AlgorithmKMeans, params, false)
		var consistencyErr *ClusterConsistencyError
		assert.ErrorAs(t, err, &consistencyErr)
	})

	t.Run("duplicated_test_inconsistent", func(t *testing.T) {
		stub := &stubClusterer{resp: &ClusterResponse{
			Clusters: map[int]ClusterGroup{
				0: {Tests: []string{"T::a", "T::b"}},
				1: {Tests: []string{"T::b", "T::c"}},
			},
		}}
		dispatcher := &Dispatcher{Clusterer: stub}

		_, _, err := dispatcher.Dispatch(context.Background(), features, AlgorithmKMeans, params, false)
		var consistencyErr *ClusterConsistencyError
		assert.ErrorAs(t, err, &consistencyErr)
	})

	t.Run("unknown_test_inconsistent", func(t *testing.T) {
		stub := &stubClusterer{resp: &ClusterResponse{
			Clusters: map[int]ClusterGroup{
				0: {Tests: []string{"T::a", "T::b", "T::c", "T::ghost"}},
			},
		}}
		dispatcher := &Dispatcher{Clusterer: stub}

		_, _, err := dispatcher.Dispatch(context.Background(), features, AlgorithmKMeans, params, false)
		var consistencyErr *ClusterConsistencyError
		assert.ErrorAs(t, err, &consistencyErr)
	})

	t.Run("timeout", func(t *testing.T) {
		dispatcher := &Dispatcher{Clusterer: &blockingClusterer{}, Timeout: 20 * time.Millisecond}

		_, _, err := dispatcher.Dispatch(context.Background(), features, AlgorithmKMeans, params, false)
		var clusterErr *ClusteringError
		require.ErrorAs(t, err, &clusterErr)
		assert.Contains(t, clusterErr.Error(), "timeout")
	})
}

func TestInProcessClustererKMeans(t *testing.T) {
	t.Parallel()

	req := ClusterRequest{
		Vectors: []VectorEntry{
			{TestID: "T::a1", Vector: []float64{1, 0, 0}},
			{TestID: "T::a2", Vector: []float64{0.95, 0.05, 0}},
			{TestID: "T::a3", Vector: []float64{0.9, 0.1, 0}},
			{TestID: "T::b1", Vector: []float64{0, 1, 0}},
			{TestID: "T::b2", Vector: []float64{0.05, 0.95, 0}},
			{TestID: "T::b3", Vector: []float64{0.1, 0.9, 0}},
		},
		Algorithm: AlgorithmKMeans,
		Params:    ClusterParams{MaxClusters: 4},
	}
	resp, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Clusters, 2)

	groupOf := func(testID string) int {
		for id, group := range resp.Clusters {
			for _, member := range group.Tests {
				if member == testID {
					return id
				}
			}
		}
		t.Fatalf("test %s not clustered", testID)
		return -2
	}
	assert.Equal(t, groupOf("T::a1"), groupOf("T::a2"))
	assert.Equal(t, groupOf("T::a1"), groupOf("T::a3"))
	assert.Equal(t, groupOf("T::b1"), groupOf("T::b2"))
	assert.NotEqual(t, groupOf("T::a1"), groupOf("T::b1"))

	for id, group := range resp.Clusters {
		assert.Greater(t, group.Score, 0.9, "cluster %d cohesion", id)
	}
}

func TestInProcessClustererKMeansIdenticalPoints(t *testing.T) {
	t.Parallel()

	req := ClusterRequest{
		Vectors: []VectorEntry{
			{TestID: "T::a", Vector: []float64{1, 0}},
			{TestID: "T::b", Vector: []float64{1, 0}},
			{TestID: "T::c", Vector: []float64{1, 0}},
		},
		Algorithm: AlgorithmKMeans,
		Params:    ClusterParams{MaxClusters: 50},
	}
	resp, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, resp.Clusters, 1)
	assert.Len(t, resp.Clusters[0].Tests, 3)
}

func TestInProcessClustererDBSCAN(t *testing.T) {
	t.Parallel()

	eps := 0.5
	req := ClusterRequest{
		Vectors: []VectorEntry{
			{TestID: "T::a", Vector: []float64{0, 0}},
			{TestID: "T::b", Vector: []float64{0, 0.1}},
			{TestID: "T::c", Vector: []float64{0.1, 0}},
			{TestID: "T::outlier", Vector: []float64{10, 10}},
		},
		Algorithm: AlgorithmDBSCAN,
		Params:    ClusterParams{DBSCANEps: &eps, DBSCANMinSamples: 2},
	}
	resp, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
	require.NoError(t, err)

	require.Contains(t, resp.Clusters, 0)
	assert.ElementsMatch(t, []string{"T::a", "T::b", "T::c"}, resp.Clusters[0].Tests)
	require.Contains(t, resp.Clusters, NoiseClusterID)
	assert.Equal(t, []string{"T::outlier"}, resp.Clusters[NoiseClusterID].Tests)
}

func TestInProcessClustererHierarchical(t *testing.T) {
	t.Parallel()

	two := 2
	for _, linkage := range []string{linkageWard, linkageAverage, linkageComplete, linkageSingle} {
		t.Run(linkage, func(t *testing.T) {
			req := ClusterRequest{
				Vectors: []VectorEntry{
					{TestID: "T::a1", Vector: []float64{0, 0}},
					{TestID: "T::a2", Vector: []float64{0, 0.1}},
					{TestID: "T::b1", Vector: []float64{5, 5}},
					{TestID: "T::b2", Vector: []float64{5, 5.1}},
				},
				Algorithm: AlgorithmHierarchical,
				Params:    ClusterParams{HierarchicalNClusters: &two, HierarchicalLinkage: linkage},
			}
			resp, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
			require.NoError(t, err)
			require.Len(t, resp.Clusters, 2)

			for _, group := range resp.Clusters {
				assert.Len(t, group.Tests, 2)
			}
		})
	}

	t.Run("auto_cut", func(t *testing.T) {
		req := ClusterRequest{
			Vectors: []VectorEntry{
				{TestID: "T::a1", Vector: []float64{0, 0}},
				{TestID: "T::a2", Vector: []float64{0, 0.1}},
				{TestID: "T::b1", Vector: []float64{5, 5}},
				{TestID: "T::b2", Vector: []float64{5, 5.1}},
			},
			Algorithm: AlgorithmHierarchical,
			Params:    ClusterParams{HierarchicalLinkage: linkageAverage},
		}
		resp, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
		require.NoError(t, err)
		assert.Len(t, resp.Clusters, 2)
	})

	t.Run("unknown_linkage", func(t *testing.T) {
		req := ClusterRequest{
			Vectors:   []VectorEntry{{TestID: "T::a", Vector: []float64{0}}, {TestID: "T::b", Vector: []float64{1}}},
			Algorithm: AlgorithmHierarchical,
			Params:    ClusterParams{HierarchicalLinkage: "centroid"},
		}
		_, err := (&InProcessClusterer{}).Cluster(context.Background(), req)
		assert.Error(t, err)
	})
}

func TestSubprocessClusterer(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		clusterer := &SubprocessClusterer{Command: []string{"sh", "-c",
			`cat >/dev/null; printf '{"clusters":{"0":["T::a","T::b"]},"metadata":{"source":"external"}}'`}}

		resp, err := clusterer.Cluster(context.Background(), ClusterRequest{
			Vectors:   []VectorEntry{{TestID: "T::a", Vector: []float64{1}}, {TestID: "T::b", Vector: []float64{1}}},
			Algorithm: AlgorithmKMeans,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"T::a", "T::b"}, resp.Clusters[0].Tests)
		assert.Equal(t, "external", resp.Metadata["source"])
	})

	t.Run("failure_captures_stderr", func(t *testing.T) {
		clusterer := &SubprocessClusterer{Command: []string{"sh", "-c",
			`cat >/dev/null; echo "collaborator exploded" >&2; exit 3`}}

		_, err := clusterer.Cluster(context.Background(), ClusterRequest{})
		var clusterErr *ClusteringError
		require.ErrorAs(t, err, &clusterErr)
		assert.Equal(t, 3, clusterErr.ExitCode)
		assert.Contains(t, clusterErr.Stderr, "collaborator exploded")
	})

	t.Run("invalid_response", func(t *testing.T) {
		clusterer := &SubprocessClusterer{Command: []string{"sh", "-c", `cat >/dev/null; echo not-json`}}

		_, err := clusterer.Cluster(context.Background(), ClusterRequest{})
		var clusterErr *ClusteringError
		assert.ErrorAs(t, err, &clusterErr)
	})
}
