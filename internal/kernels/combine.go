package kernels

import (
	"math"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
)

// ScaleByNeighbors combines several embeddings of the same cells into one.
// Each embedding is scaled so that its median distance to the k-th nearest
// neighbour matches that of the first embedding, then multiplied by its
// weight; the scaled embeddings are concatenated per cell. It returns the
// combined points and the scale applied to each input.
func ScaleByNeighbors(embeddings []Points, weights []float64, k int, approximate bool) (Points, []float64, error) {
	if len(embeddings) == 0 {
		return Points{}, nil, nil
	}
	n := embeddings[0].N()
	total := 0
	for i, e := range embeddings {
		if e.N() != n {
			return Points{}, nil, errs.New(errs.ShapeMismatch, strconv.Itoa(i), strconv.Itoa(e.N()), strconv.Itoa(n))
		}
		total += e.Dim
	}

	dists := make([]float64, len(embeddings))
	for i, e := range embeddings {
		nn := BuildNeighborIndex(e, approximate, int64(i)+1).FindNearest(k)
		last := make([]float64, 0, n)
		for _, d := range nn.Distance {
			if len(d) > 0 {
				last = append(last, d[len(d)-1])
			}
		}
		dists[i] = median(last)
	}

	scales := make([]float64, len(embeddings))
	for i := range embeddings {
		s := 1.0
		if i > 0 && dists[i] > 0 && !math.IsNaN(dists[0]) && dists[0] > 0 {
			s = dists[0] / dists[i]
		}
		if weights != nil {
			s *= weights[i]
		}
		scales[i] = s
	}

	out := NewPoints(n, total)
	for c := 0; c < n; c++ {
		dst := out.Row(c)
		off := 0
		for i, e := range embeddings {
			for d, v := range e.Row(c) {
				dst[off+d] = v * scales[i]
			}
			off += e.Dim
		}
	}
	return out, scales, nil
}
