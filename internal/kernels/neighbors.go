package kernels

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Neighbors lists, for each point, the indices and Euclidean distances of
// its nearest neighbours in increasing distance.
type Neighbors struct {
	Index    [][]int32
	Distance [][]float64
}

// K returns the number of neighbours per point.
func (n *Neighbors) K() int {
	if len(n.Index) == 0 {
		return 0
	}
	return len(n.Index[0])
}

// Index is a nearest-neighbour search index over a fixed set of points.
type Index struct {
	points Points
	trees  []*rpNode
}

// Approximate search parameters.
const (
	rpTrees    = 8
	rpLeafSize = 32
)

// BuildNeighborIndex indexes points for k-nearest-neighbour queries. With
// approximate set, a random projection forest restricts each search to the
// points sharing a leaf with the query.
func BuildNeighborIndex(points Points, approximate bool, seed int64) *Index {
	idx := &Index{points: points}
	if !approximate || points.N() <= rpLeafSize {
		return idx
	}
	rng := rand.New(rand.NewSource(seed))
	all := make([]int32, points.N())
	for i := range all {
		all[i] = int32(i)
	}
	for t := 0; t < rpTrees; t++ {
		idx.trees = append(idx.trees, buildRPTree(points, append([]int32(nil), all...), rng))
	}
	return idx
}

// N returns the number of indexed points.
func (x *Index) N() int { return x.points.N() }

// Points returns the indexed points.
func (x *Index) Points() Points { return x.points }

// Approximate reports whether the index uses a projection forest.
func (x *Index) Approximate() bool { return len(x.trees) > 0 }

// FindNearest returns the k nearest neighbours of every indexed point,
// excluding the point itself. k is capped at N-1.
func (x *Index) FindNearest(k int) *Neighbors {
	n := x.N()
	if k > n-1 {
		k = n - 1
	}
	if k < 0 {
		k = 0
	}
	out := &Neighbors{Index: make([][]int32, n), Distance: make([][]float64, n)}
	for i := 0; i < n; i++ {
		out.Index[i], out.Distance[i] = x.query(x.points.Row(i), k, i)
	}
	return out
}

// Query returns the k nearest indexed points to q.
func (x *Index) Query(q []float64, k int) ([]int32, []float64) {
	if k > x.N() {
		k = x.N()
	}
	return x.query(q, k, -1)
}

func (x *Index) query(q []float64, k int, self int) ([]int32, []float64) {
	if k == 0 {
		return []int32{}, []float64{}
	}
	h := &maxHeap{}
	consider := func(j int) {
		if j == self {
			return
		}
		d := sqdist(q, x.points.Row(j))
		if h.Len() < k {
			heap.Push(h, candidate{int32(j), d})
		} else if d < (*h)[0].dist {
			(*h)[0] = candidate{int32(j), d}
			heap.Fix(h, 0)
		}
	}

	if len(x.trees) > 0 {
		seen := make(map[int32]struct{})
		for _, t := range x.trees {
			for _, j := range t.leaf(q) {
				if _, dup := seen[j]; !dup {
					seen[j] = struct{}{}
					consider(int(j))
				}
			}
		}
	}
	if h.Len() < k {
		// exact scan when the forest yields too few candidates
		*h = (*h)[:0]
		for j := 0; j < x.N(); j++ {
			consider(j)
		}
	}

	res := append([]candidate(nil), (*h)...)
	sort.Slice(res, func(a, b int) bool {
		if res[a].dist != res[b].dist {
			return res[a].dist < res[b].dist
		}
		return res[a].index < res[b].index
	})
	idx := make([]int32, len(res))
	dist := make([]float64, len(res))
	for i, c := range res {
		idx[i] = c.index
		dist[i] = math.Sqrt(c.dist)
	}
	return idx, dist
}

type candidate struct {
	index int32
	dist  float64
}

type maxHeap []candidate

func (h maxHeap) Len() int { return len(h) }
func (h maxHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist > h[j].dist
	}
	return h[i].index > h[j].index
}
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x any)   { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() any {
	old := *h
	c := old[len(old)-1]
	*h = old[:len(old)-1]
	return c
}

type rpNode struct {
	normal      []float64
	offset      float64
	left, right *rpNode
	members     []int32
}

func buildRPTree(points Points, members []int32, rng *rand.Rand) *rpNode {
	if len(members) <= rpLeafSize {
		return &rpNode{members: members}
	}
	a := points.Row(int(members[rng.Intn(len(members))]))
	b := points.Row(int(members[rng.Intn(len(members))]))
	normal := make([]float64, points.Dim)
	mid := 0.0
	for d := range normal {
		normal[d] = a[d] - b[d]
		mid += normal[d] * (a[d] + b[d]) / 2
	}

	var left, right []int32
	for _, m := range members {
		if floats.Dot(normal, points.Row(int(m))) < mid {
			left = append(left, m)
		} else {
			right = append(right, m)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		// degenerate split, e.g. duplicate points; halve at random
		rng.Shuffle(len(members), func(i, j int) { members[i], members[j] = members[j], members[i] })
		half := len(members) / 2
		return &rpNode{
			normal: nil,
			left:   &rpNode{members: members[:half]},
			right:  &rpNode{members: members[half:]},
		}
	}
	return &rpNode{
		normal: normal,
		offset: mid,
		left:   buildRPTree(points, left, rng),
		right:  buildRPTree(points, right, rng),
	}
}

func (n *rpNode) leaf(q []float64) []int32 {
	for n.left != nil {
		if n.normal == nil {
			// random split: search both halves
			return append(append([]int32(nil), n.left.members...), n.right.members...)
		}
		if floats.Dot(n.normal, q) < n.offset {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.members
}
