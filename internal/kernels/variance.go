package kernels

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// VarianceModel holds per-feature statistics from ModelGeneVar.
type VarianceModel struct {
	Means     []float64
	Variances []float64
	Fitted    []float64
	Residuals []float64
}

// maxAnchors bounds the number of local regressions in the trend fit.
const maxAnchors = 200

// ModelGeneVar computes the mean and variance of each feature of a
// log-normalised matrix, fits a mean-variance trend with a LOWESS-like
// smoother of the given span and reports residuals from the trend. With a
// block, statistics are computed per block and averaged over blocks with
// at least two cells.
func ModelGeneVar(x *matrix.Sparse, block []int32, nblocks int, span float64) *VarianceModel {
	nfeat := x.NumRows()
	groups := byBlock(x.NumColumns(), block, nblocks)
	out := &VarianceModel{
		Means:     make([]float64, nfeat),
		Variances: make([]float64, nfeat),
		Fitted:    make([]float64, nfeat),
		Residuals: make([]float64, nfeat),
	}

	used := 0
	for _, idx := range groups {
		if len(idx) < 2 {
			continue
		}
		means, vars := rowMeanVar(x, idx)
		fitted := fitTrend(means, vars, span)
		for i := 0; i < nfeat; i++ {
			out.Means[i] += means[i]
			out.Variances[i] += vars[i]
			out.Fitted[i] += fitted[i]
		}
		used++
	}
	if used == 0 {
		return out
	}
	for i := 0; i < nfeat; i++ {
		out.Means[i] /= float64(used)
		out.Variances[i] /= float64(used)
		out.Fitted[i] /= float64(used)
		out.Residuals[i] = out.Variances[i] - out.Fitted[i]
	}
	return out
}

// rowMeanVar computes per-row means and sample variances over the columns
// in idx.
func rowMeanVar(x *matrix.Sparse, idx []int) ([]float64, []float64) {
	nfeat := x.NumRows()
	sum := make([]float64, nfeat)
	sumsq := make([]float64, nfeat)
	for _, j := range idx {
		rows, vals := x.Column(j)
		for k, v := range vals {
			sum[rows[k]] += v
			sumsq[rows[k]] += v * v
		}
	}
	n := float64(len(idx))
	means := make([]float64, nfeat)
	vars := make([]float64, nfeat)
	for i := range sum {
		means[i] = sum[i] / n
		vars[i] = (sumsq[i] - n*means[i]*means[i]) / (n - 1)
		if vars[i] < 0 {
			vars[i] = 0
		}
	}
	return means, vars
}

// fitTrend fits weighted local linear regressions of vars on means at a
// set of anchor points and interpolates linearly between them.
func fitTrend(means, vars []float64, span float64) []float64 {
	n := len(means)
	fitted := make([]float64, n)
	if n == 0 {
		return fitted
	}
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return means[order[a]] < means[order[b]] })
	xs := make([]float64, n)
	ys := make([]float64, n)
	for k, i := range order {
		xs[k] = means[i]
		ys[k] = vars[i]
	}

	window := int(math.Ceil(span * float64(n)))
	if window < 2 {
		window = 2
	}
	if window > n {
		window = n
	}

	nanchor := min(n, maxAnchors)
	anchors := make([]int, 0, nanchor)
	for a := 0; a < nanchor; a++ {
		pos := 0
		if nanchor > 1 {
			pos = a * (n - 1) / (nanchor - 1)
		}
		if len(anchors) == 0 || anchors[len(anchors)-1] != pos {
			anchors = append(anchors, pos)
		}
	}

	atAnchor := make([]float64, len(anchors))
	weights := make([]float64, window)
	for a, pos := range anchors {
		lo := pos - window/2
		if lo < 0 {
			lo = 0
		}
		if lo+window > n {
			lo = n - window
		}
		hi := lo + window
		maxd := math.Max(xs[pos]-xs[lo], xs[hi-1]-xs[pos])
		for k := lo; k < hi; k++ {
			w := 1.0
			if maxd > 0 {
				d := math.Abs(xs[k]-xs[pos]) / (maxd * 1.0000001)
				w = math.Pow(1-d*d*d, 3)
			}
			weights[k-lo] = w
		}
		alpha, beta := stat.LinearRegression(xs[lo:hi], ys[lo:hi], weights[:hi-lo], false)
		v := alpha + beta*xs[pos]
		if math.IsNaN(v) {
			v = stat.Mean(ys[lo:hi], nil)
		}
		atAnchor[a] = math.Max(v, 0)
	}

	a := 0
	for k := 0; k < n; k++ {
		for a+1 < len(anchors) && anchors[a+1] < k {
			a++
		}
		var v float64
		switch {
		case len(anchors) == 1 || k <= anchors[0]:
			v = atAnchor[0]
		case a+1 >= len(anchors):
			v = atAnchor[len(anchors)-1]
		default:
			x0, x1 := xs[anchors[a]], xs[anchors[a+1]]
			if x1 > x0 {
				t := (xs[k] - x0) / (x1 - x0)
				v = atAnchor[a] + t*(atAnchor[a+1]-atAnchor[a])
			} else {
				v = atAnchor[a]
			}
		}
		fitted[order[k]] = v
	}
	return fitted
}

// SortedResiduals returns a sorted copy of the residuals.
func SortedResiduals(residuals []float64, dst []float64) []float64 {
	dst = append(dst[:0], residuals...)
	sort.Float64s(dst)
	return dst
}
