package lens

import (
	"context"
	"fmt"
	"math"
	"sort"
)

const (
	kmeansMaxIterations  = 100
	kmeansMaxCandidateK  = 16
	dbscanEpsPercentile  = 0.9
	linkageWard          = "ward"
	linkageAverage       = "average"
	linkageComplete      = "complete"
	linkageSingle        = "single"
)

// InProcessClusterer satisfies the clustering contract without leaving
// the process. All three algorithm variants are deterministic: identical
// inputs always produce identical partitions.
type InProcessClusterer struct{}

func (c *InProcessClusterer) Cluster(_ context.Context, req ClusterRequest) (*ClusterResponse, error) {
	vectors := make([][]float64, len(req.Vectors))
	for i, entry := range req.Vectors {
		vectors[i] = entry.Vector
	}

	var labels []int
	switch req.Algorithm {
	case AlgorithmKMeans:
		labels = kmeansLabels(vectors, req.Params)
	case AlgorithmDBSCAN:
		labels = dbscanLabels(vectors, req.Params)
	case AlgorithmHierarchical:
		var err error
		labels, err = hierarchicalLabels(vectors, req.Params)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown clustering algorithm: %s", req.Algorithm)
	}

	groups := make(map[int]ClusterGroup)
	memberVectors := make(map[int][][]float64)
	relabel := make(map[int]int)
	next := 0
	for i, label := range labels {
		id := label
		if label != NoiseClusterID {
			mapped, ok := relabel[label]
			if !ok {
				mapped = next
				relabel[label] = mapped
				next++
			}
			id = mapped
		}
		group := groups[id]
		group.Tests = append(group.Tests, req.Vectors[i].TestID)
		groups[id] = group
		memberVectors[id] = append(memberVectors[id], vectors[i])
	}
	for id, group := range groups {
		if id != NoiseClusterID {
			group.Score = intraClusterCohesion(memberVectors[id])
			groups[id] = group
		}
	}

	metadata := map[string]interface{}{
		"algorithm":     string(req.Algorithm),
		"cluster_count": len(relabel),
	}
	return &ClusterResponse{Clusters: groups, Metadata: metadata}, nil
}

// kmeansLabels runs Lloyd iterations with deterministic farthest-point
// seeding, selecting k by silhouette over 2..min(MaxClusters, n, 16).
func kmeansLabels(vectors [][]float64, params ClusterParams) []int {
	n := len(vectors)
	if n < 2 {
		return make([]int, n)
	}

	maxK := params.MaxClusters
	if maxK < 2 {
		maxK = 2
	}
	if maxK > n {
		maxK = n
	}
	candidateHigh := maxK
	if candidateHigh > kmeansMaxCandidateK {
		candidateHigh = kmeansMaxCandidateK
	}

	bestLabels := make([]int, n)
	bestScore := math.Inf(-1)
	for k := 2; k <= candidateHigh; k++ {
		labels := lloyd(vectors, k)
		score := silhouetteScore(vectors, labels)
		if score > bestScore {
			bestScore = score
			bestLabels = labels
		}
	}
	return bestLabels
}

// lloyd assigns points to the nearest of k deterministically seeded
// centroids, iterating to a fixed point.
func lloyd(vectors [][]float64, k int) []int {
	n := len(vectors)
	dim := len(vectors[0])

	// farthest-point seeding from index zero, ties to the lowest index
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, append([]float64(nil), vectors[0]...))
	for len(centroids) < k {
		bestIdx, bestDist := 0, -1.0
		for i, v := range vectors {
			nearest := math.Inf(1)
			for _, c := range centroids {
				if d := squaredEuclidean(v, c); d < nearest {
					nearest = d
				}
			}
			if nearest > bestDist {
				bestDist = nearest
				bestIdx = i
			}
		}
		centroids = append(centroids, append([]float64(nil), vectors[bestIdx]...))
	}

	labels := make([]int, n)
	for iter := 0; iter < kmeansMaxIterations; iter++ {
		changed := false
		for i, v := range vectors {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := squaredEuclidean(v, centroid); d < bestDist {
					bestDist = d
					best = c
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, v := range vectors {
			counts[labels[i]]++
			for d, val := range v {
				sums[labels[i]][d] += val
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				continue // empty cluster keeps its centroid
			}
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] / float64(counts[c])
			}
		}
	}
	return labels
}

// silhouetteScore computes the mean silhouette over all points; clusters
// of size one and degenerate splits contribute zero.
func silhouetteScore(vectors [][]float64, labels []int) float64 {
	members := make(map[int][]int)
	for i, label := range labels {
		members[label] = append(members[label], i)
	}
	if len(members) < 2 {
		return 0
	}

	var total float64
	for i, label := range labels {
		own := members[label]
		if len(own) < 2 {
			continue
		}
		var a float64
		for _, j := range own {
			if j != i {
				a += math.Sqrt(squaredEuclidean(vectors[i], vectors[j]))
			}
		}
		a /= float64(len(own) - 1)

		b := math.Inf(1)
		for other, idxs := range members {
			if other == label {
				continue
			}
			var d float64
			for _, j := range idxs {
				d += math.Sqrt(squaredEuclidean(vectors[i], vectors[j]))
			}
			d /= float64(len(idxs))
			if d < b {
				b = d
			}
		}

		if denom := math.Max(a, b); denom > 0 {
			total += (b - a) / denom
		}
	}
	return total / float64(len(vectors))
}

// dbscanLabels runs density clustering with the configured or
// automatically selected eps; unassigned points land in the noise bucket.
func dbscanLabels(vectors [][]float64, params ClusterParams) []int {
	n := len(vectors)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseClusterID
	}
	if n == 0 {
		return labels
	}

	minSamples := params.DBSCANMinSamples
	if minSamples < 1 {
		minSamples = 1
	}
	var eps float64
	if params.DBSCANEps != nil {
		eps = *params.DBSCANEps
	} else {
		eps = autoEps(vectors, minSamples)
	}

	neighborhoods := make([][]int, n)
	for i := range vectors {
		for j := range vectors {
			if math.Sqrt(squaredEuclidean(vectors[i], vectors[j])) <= eps {
				neighborhoods[i] = append(neighborhoods[i], j)
			}
		}
	}

	cluster := 0
	visited := make([]bool, n)
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		if len(neighborhoods[i]) < minSamples {
			continue // noise unless later reached from a core point
		}

		labels[i] = cluster
		queue := append([]int(nil), neighborhoods[i]...)
		for qi := 0; qi < len(queue); qi++ {
			j := queue[qi]
			if labels[j] == NoiseClusterID {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			if len(neighborhoods[j]) >= minSamples {
				queue = append(queue, neighborhoods[j]...)
			}
		}
		cluster++
	}
	return labels
}

// autoEps selects eps from the k-distance distribution, mirroring the
// percentile heuristic used when no eps is supplied.
func autoEps(vectors [][]float64, k int) float64 {
	n := len(vectors)
	kDistances := make([]float64, 0, n)
	for i := range vectors {
		distances := make([]float64, 0, n-1)
		for j := range vectors {
			if i != j {
				distances = append(distances, math.Sqrt(squaredEuclidean(vectors[i], vectors[j])))
			}
		}
		sort.Float64s(distances)
		idx := k - 1
		if idx >= len(distances) {
			idx = len(distances) - 1
		}
		if idx >= 0 {
			kDistances = append(kDistances, distances[idx])
		}
	}
	if len(kDistances) == 0 {
		return 0
	}
	sort.Float64s(kDistances)
	idx := int(math.Ceil(dbscanEpsPercentile*float64(len(kDistances)))) - 1
	if idx < 0 {
		idx = 0
	}
	return kDistances[idx]
}

// hierarchicalLabels performs agglomerative clustering with the requested
// linkage, cutting at the configured cluster count or at the largest
// merge-distance gap.
func hierarchicalLabels(vectors [][]float64, params ClusterParams) ([]int, error) {
	n := len(vectors)
	if n == 0 {
		return nil, nil
	}
	linkage := params.HierarchicalLinkage
	if linkage == "" {
		linkage = linkageWard
	}
	switch linkage {
	case linkageWard, linkageAverage, linkageComplete, linkageSingle:
	default:
		return nil, fmt.Errorf("unknown hierarchical linkage: %s", linkage)
	}
	if n == 1 {
		return []int{0}, nil
	}

	// active cluster state; distances merged via Lance-Williams updates
	type node struct {
		members []int
		size    int
	}
	active := make(map[int]*node, n)
	dist := make(map[[2]int]float64)
	pairKey := func(a, b int) [2]int {
		if a > b {
			a, b = b, a
		}
		return [2]int{a, b}
	}
	for i := 0; i < n; i++ {
		active[i] = &node{members: []int{i}, size: 1}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := math.Sqrt(squaredEuclidean(vectors[i], vectors[j]))
			if linkage == linkageWard {
				d = squaredEuclidean(vectors[i], vectors[j]) / 2
			}
			dist[pairKey(i, j)] = d
		}
	}

	merges := make([]hierarchicalMerge, 0, n-1)
	snapshot := func() map[int][]int {
		snap := make(map[int][]int, len(active))
		for id, nd := range active {
			snap[id] = append([]int(nil), nd.members...)
		}
		return snap
	}

	nextID := n
	for len(active) > 1 {
		// find the closest active pair, ties to the lowest ids
		bestA, bestB, bestDist := -1, -1, math.Inf(1)
		ids := make([]int, 0, len(active))
		for id := range active {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for x := 0; x < len(ids); x++ {
			for y := x + 1; y < len(ids); y++ {
				if d := dist[pairKey(ids[x], ids[y])]; d < bestDist {
					bestDist = d
					bestA, bestB = ids[x], ids[y]
				}
			}
		}

		a, b := active[bestA], active[bestB]
		merged := &node{
			members: append(append([]int(nil), a.members...), b.members...),
			size:    a.size + b.size,
		}
		for _, id := range ids {
			if id == bestA || id == bestB {
				continue
			}
			dA := dist[pairKey(bestA, id)]
			dB := dist[pairKey(bestB, id)]
			var d float64
			switch linkage {
			case linkageSingle:
				d = math.Min(dA, dB)
			case linkageComplete:
				d = math.Max(dA, dB)
			case linkageAverage:
				d = (float64(a.size)*dA + float64(b.size)*dB) / float64(a.size+b.size)
			case linkageWard:
				other := active[id]
				total := float64(a.size + b.size + other.size)
				d = (float64(a.size+other.size)*dA +
					float64(b.size+other.size)*dB -
					float64(other.size)*bestDist) / total
			}
			dist[pairKey(nextID, id)] = d
		}
		delete(active, bestA)
		delete(active, bestB)
		active[nextID] = merged
		nextID++

		merges = append(merges, hierarchicalMerge{distance: bestDist, clusters: snapshot()})
	}

	targetClusters := 0
	if params.HierarchicalNClusters != nil {
		targetClusters = *params.HierarchicalNClusters
	}
	if targetClusters < 1 {
		targetClusters = clusterCountByDistanceGap(merges, n)
	}
	if targetClusters > n {
		targetClusters = n
	}

	// merges[i] leaves n-1-i clusters; pick the snapshot with the target count
	var chosen map[int][]int
	if targetClusters >= n {
		chosen = make(map[int][]int, n)
		for i := 0; i < n; i++ {
			chosen[i] = []int{i}
		}
	} else {
		chosen = merges[n-1-targetClusters].clusters
	}

	labels := make([]int, n)
	ids := make([]int, 0, len(chosen))
	for id := range chosen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for label, id := range ids {
		for _, member := range chosen[id] {
			labels[member] = label
		}
	}
	return labels, nil
}

// hierarchicalMerge records the cluster snapshot after one merge step.
type hierarchicalMerge struct {
	distance float64
	clusters map[int][]int
}

// clusterCountByDistanceGap picks the cut with the largest jump between
// consecutive merge distances, defaulting to two clusters.
func clusterCountByDistanceGap(merges []hierarchicalMerge, n int) int {
	if n <= 2 {
		return n
	}
	bestGap, bestCount := -1.0, 2
	for i := 1; i < len(merges); i++ {
		gap := merges[i].distance - merges[i-1].distance
		if gap > bestGap {
			bestGap = gap
			// cutting before merge i leaves n-i clusters
			bestCount = n - i
		}
	}
	if bestCount < 2 {
		bestCount = 2
	}
	return bestCount
}
