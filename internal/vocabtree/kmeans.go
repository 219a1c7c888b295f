package vocabtree

// points is a corpus copied into one contiguous slice, row i at
// [i*dim, (i+1)*dim).
type points struct {
	data []float32
	dim  int
}

func (p points) row(i int32) []float32 {
	start := int(i) * p.dim
	return p.data[start : start+p.dim : start+p.dim]
}

func (p points) mean(members []int32) []float32 {
	sum := make([]float64, p.dim)
	for _, m := range members {
		for j, v := range p.row(m) {
			sum[j] += float64(v)
		}
	}
	out := make([]float32, p.dim)
	for j := range sum {
		out[j] = float32(sum[j] / float64(len(members)))
	}
	return out
}

// cluster runs k-means over members and returns the centroids of the
// non-empty clusters with their members, both in cluster order.
//
// Initialization is farthest-first: the first member seeds cluster 0 and
// each further seed is the member farthest from its nearest seed, lowest
// position on ties. When fewer than k distinct members exist cluster
// returns nil. Lloyd iterations stop when no assignment changes or after
// iterations rounds; the returned partition is always the nearest-centroid
// assignment against the returned centroids.
func cluster(p points, members []int32, k, iterations int) ([][]float32, [][]int32) {
	if len(members) < k {
		return nil, nil
	}
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, append([]float32(nil), p.row(members[0])...))
	minDist := make([]float32, len(members))
	for i, m := range members {
		minDist[i] = distance(p.row(m), centroids[0])
	}
	for len(centroids) < k {
		best, bestDist := -1, float32(0)
		for i, d := range minDist {
			if d > bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			return nil, nil
		}
		seed := append([]float32(nil), p.row(members[best])...)
		centroids = append(centroids, seed)
		for i, m := range members {
			if d := distance(p.row(m), seed); d < minDist[i] {
				minDist[i] = d
			}
		}
	}

	assign := make([]int, len(members))
	for i, m := range members {
		assign[i] = nearest(p.row(m), centroids)
	}
	for iter := 0; iter < iterations; iter++ {
		updateCentroids(p, members, assign, centroids)
		changed := false
		for i, m := range members {
			if c := nearest(p.row(m), centroids); c != assign[i] {
				assign[i] = c
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	groups := make([][]int32, k)
	for i, m := range members {
		groups[assign[i]] = append(groups[assign[i]], m)
	}
	outCentroids := make([][]float32, 0, k)
	outGroups := make([][]int32, 0, k)
	for c, g := range groups {
		if len(g) == 0 {
			continue
		}
		outCentroids = append(outCentroids, centroids[c])
		outGroups = append(outGroups, g)
	}
	return outCentroids, outGroups
}

// updateCentroids moves every non-empty centroid to the mean of its
// members. Empty clusters keep their previous centroid.
func updateCentroids(p points, members []int32, assign []int, centroids [][]float32) {
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i, m := range members {
		c := assign[i]
		if sums[c] == nil {
			sums[c] = make([]float64, p.dim)
		}
		for j, v := range p.row(m) {
			sums[c][j] += float64(v)
		}
		counts[c]++
	}
	for c := range centroids {
		if counts[c] == 0 {
			continue
		}
		for j := range centroids[c] {
			centroids[c][j] = float32(sums[c][j] / float64(counts[c]))
		}
	}
}
