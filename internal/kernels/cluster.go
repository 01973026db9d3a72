package kernels

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/graph/community"
	"gonum.org/v1/gonum/graph/simple"
)

// SNN edge weighting schemes.
const (
	SchemeRank    = "rank"
	SchemeNumber  = "number"
	SchemeJaccard = "jaccard"
)

// Edge is a weighted undirected edge of a shared nearest neighbour graph.
type Edge struct {
	From, To int32
	Weight   float64
}

// BuildSNNGraph connects cells sharing at least one nearest neighbour.
// Each cell counts as its own neighbour of rank zero.
func BuildSNNGraph(nn *Neighbors, scheme string) ([]Edge, error) {
	switch scheme {
	case SchemeRank, SchemeNumber, SchemeJaccard:
	default:
		return nil, fmt.Errorf("unknown SNN weighting scheme %q", scheme)
	}
	n := len(nn.Index)
	k := nn.K()

	type member struct {
		cell int32
		rank int
	}
	holders := make([][]member, n)
	for i := 0; i < n; i++ {
		holders[i] = append(holders[i], member{int32(i), 0})
		for r, j := range nn.Index[i] {
			holders[j] = append(holders[j], member{int32(i), r + 1})
		}
	}

	var edges []Edge
	shared := make(map[int32]int)
	best := make(map[int32]int)
	for i := 0; i < n; i++ {
		clear(shared)
		clear(best)
		own := append([]int32{int32(i)}, nn.Index[i]...)
		for ri, s := range own {
			for _, h := range holders[s] {
				if int(h.cell) <= i {
					continue
				}
				shared[h.cell]++
				if cur, ok := best[h.cell]; !ok || ri+h.rank < cur {
					best[h.cell] = ri + h.rank
				}
			}
		}
		others := make([]int32, 0, len(shared))
		for j := range shared {
			others = append(others, j)
		}
		sort.Slice(others, func(a, b int) bool { return others[a] < others[b] })
		for _, j := range others {
			var w float64
			switch scheme {
			case SchemeRank:
				w = float64(k) - 0.5*float64(best[j])
			case SchemeNumber:
				w = float64(shared[j])
			case SchemeJaccard:
				c := float64(shared[j])
				w = c / (2*float64(k+1) - c)
			}
			if w <= 0 {
				w = 1e-6
			}
			edges = append(edges, Edge{From: int32(i), To: j, Weight: w})
		}
	}
	return edges, nil
}

// ClusterSNNGraph partitions the graph by modularity optimisation at the
// given resolution. The seed fixes the node visiting order.
func ClusterSNNGraph(n int, edges []Edge, resolution float64, seed int64) []int32 {
	g := simple.NewWeightedUndirectedGraph(0, 0)
	for i := 0; i < n; i++ {
		g.AddNode(simple.Node(i))
	}
	for _, e := range edges {
		g.SetWeightedEdge(g.NewWeightedEdge(simple.Node(e.From), simple.Node(e.To), e.Weight))
	}

	labels := make([]int32, n)
	reduced := community.Modularize(g, resolution, exprand.NewSource(uint64(seed)))
	for c, members := range reduced.Communities() {
		for _, node := range members {
			labels[node.ID()] = int32(c)
		}
	}
	return RelabelBySize(labels)
}

// KMeans clusters points into k groups with k-means++ seeding followed by
// Lloyd iterations.
func KMeans(points Points, k int, seed int64, maxIter int) ([]int32, error) {
	n := points.N()
	if k < 1 {
		return nil, fmt.Errorf("number of clusters must be positive, got %d", k)
	}
	if k > n {
		k = n
	}
	labels := make([]int32, n)
	if n == 0 {
		return labels, nil
	}
	rng := rand.New(rand.NewSource(seed))
	dim := points.Dim

	centers := NewPoints(k, dim)
	copy(centers.Row(0), points.Row(rng.Intn(n)))
	closest := make([]float64, n)
	for i := range closest {
		closest[i] = sqdist(points.Row(i), centers.Row(0))
	}
	for c := 1; c < k; c++ {
		total := 0.0
		for _, d := range closest {
			total += d
		}
		chosen := rng.Intn(n)
		if total > 0 {
			target := rng.Float64() * total
			for i, d := range closest {
				target -= d
				if target <= 0 {
					chosen = i
					break
				}
			}
		}
		copy(centers.Row(c), points.Row(chosen))
		for i := range closest {
			closest[i] = math.Min(closest[i], sqdist(points.Row(i), centers.Row(c)))
		}
	}

	counts := make([]int, k)
	for iter := 0; iter < maxIter; iter++ {
		moved := iter == 0
		for i := 0; i < n; i++ {
			best, bestD := int32(0), math.Inf(1)
			for c := 0; c < k; c++ {
				if d := sqdist(points.Row(i), centers.Row(c)); d < bestD {
					best, bestD = int32(c), d
				}
			}
			if labels[i] != best {
				labels[i] = best
				moved = true
			}
		}
		if !moved {
			break
		}
		for c := range counts {
			counts[c] = 0
		}
		next := NewPoints(k, dim)
		for i, l := range labels {
			counts[l]++
			row := next.Row(int(l))
			for d, v := range points.Row(i) {
				row[d] += v
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				copy(next.Row(c), centers.Row(c))
				continue
			}
			row := next.Row(c)
			for d := range row {
				row[d] /= float64(counts[c])
			}
		}
		centers = next
	}
	return RelabelBySize(labels), nil
}

// RelabelBySize renumbers labels so cluster 0 is the largest; ties go to
// the cluster whose first member comes first.
func RelabelBySize(labels []int32) []int32 {
	size := map[int32]int{}
	first := map[int32]int{}
	for i, l := range labels {
		if _, ok := first[l]; !ok {
			first[l] = i
		}
		size[l]++
	}
	ids := make([]int32, 0, len(size))
	for l := range size {
		ids = append(ids, l)
	}
	sort.Slice(ids, func(a, b int) bool {
		if size[ids[a]] != size[ids[b]] {
			return size[ids[a]] > size[ids[b]]
		}
		return first[ids[a]] < first[ids[b]]
	})
	remap := make(map[int32]int32, len(ids))
	for to, from := range ids {
		remap[from] = int32(to)
	}
	out := make([]int32, len(labels))
	for i, l := range labels {
		out[i] = remap[l]
	}
	return out
}

// NumClusters returns one more than the largest label.
func NumClusters(labels []int32) int {
	m := int32(-1)
	for _, l := range labels {
		m = max(m, l)
	}
	return int(m) + 1
}
