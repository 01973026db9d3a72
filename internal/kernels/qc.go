package kernels

import (
	"fmt"
	"math"

	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// RNAMetrics holds per-cell RNA quality control metrics.
type RNAMetrics struct {
	Sums     []float64
	Detected []float64
	// SubsetProportions has one vector per feature subset.
	SubsetProportions [][]float64
}

// ADTMetrics holds per-cell ADT quality control metrics.
type ADTMetrics struct {
	Sums         []float64
	Detected     []float64
	SubsetTotals [][]float64
}

// CRISPRMetrics holds per-cell CRISPR quality control metrics.
type CRISPRMetrics struct {
	Sums          []float64
	Detected      []float64
	MaxProportion []float64
	MaxIndex      []int32
}

// countColumns accumulates sums, detected counts and per-subset totals.
func countColumns(x *matrix.Sparse, subsets [][]bool) (sums, detected []float64, totals [][]float64, err error) {
	for s, sub := range subsets {
		if len(sub) != x.NumRows() {
			return nil, nil, nil, fmt.Errorf("subset %d has length %d, want %d", s, len(sub), x.NumRows())
		}
	}
	n := x.NumColumns()
	sums = make([]float64, n)
	detected = make([]float64, n)
	totals = make([][]float64, len(subsets))
	for s := range totals {
		totals[s] = make([]float64, n)
	}
	for j := 0; j < n; j++ {
		rows, vals := x.Column(j)
		for k, v := range vals {
			sums[j] += v
			if v > 0 {
				detected[j]++
			}
			for s, sub := range subsets {
				if sub[rows[k]] {
					totals[s][j] += v
				}
			}
		}
	}
	return sums, detected, totals, nil
}

// PerCellRNAQCMetrics computes library sizes, detected features and the
// proportion of counts in each feature subset.
func PerCellRNAQCMetrics(x *matrix.Sparse, subsets [][]bool) (*RNAMetrics, error) {
	sums, detected, totals, err := countColumns(x, subsets)
	if err != nil {
		return nil, err
	}
	for _, t := range totals {
		for j := range t {
			if sums[j] > 0 {
				t[j] /= sums[j]
			} else {
				t[j] = math.NaN()
			}
		}
	}
	return &RNAMetrics{Sums: sums, Detected: detected, SubsetProportions: totals}, nil
}

// PerCellADTQCMetrics computes library sizes, detected tags and the total
// count in each tag subset.
func PerCellADTQCMetrics(x *matrix.Sparse, subsets [][]bool) (*ADTMetrics, error) {
	sums, detected, totals, err := countColumns(x, subsets)
	if err != nil {
		return nil, err
	}
	return &ADTMetrics{Sums: sums, Detected: detected, SubsetTotals: totals}, nil
}

// PerCellCRISPRQCMetrics computes library sizes, detected guides and the
// proportion and index of the most abundant guide.
func PerCellCRISPRQCMetrics(x *matrix.Sparse) (*CRISPRMetrics, error) {
	sums, detected, _, err := countColumns(x, nil)
	if err != nil {
		return nil, err
	}
	n := x.NumColumns()
	out := &CRISPRMetrics{
		Sums:          sums,
		Detected:      detected,
		MaxProportion: make([]float64, n),
		MaxIndex:      make([]int32, n),
	}
	for j := 0; j < n; j++ {
		rows, vals := x.Column(j)
		best, at := 0.0, int32(-1)
		for k, v := range vals {
			if v > best {
				best, at = v, rows[k]
			}
		}
		out.MaxIndex[j] = at
		if sums[j] > 0 {
			out.MaxProportion[j] = best / sums[j]
		}
	}
	return out, nil
}

// Direction says which side of the distribution a threshold bounds.
type Direction int

const (
	Lower Direction = iota
	Upper
)

// MADThresholds computes one threshold per block at nmads scaled MADs from
// the median. With log set, the statistics are taken on the log scale and
// the threshold is transformed back. Blocks without cells get NaN.
func MADThresholds(x []float64, block []int32, nblocks int, nmads float64, dir Direction, log bool) []float64 {
	groups := byBlock(len(x), block, nblocks)
	out := make([]float64, len(groups))
	for b, idx := range groups {
		if len(idx) == 0 {
			out[b] = math.NaN()
			continue
		}
		vals := pick(x, idx)
		if log {
			for i, v := range vals {
				vals[i] = math.Log(v)
			}
		}
		finite := vals[:0]
		for _, v := range vals {
			if !math.IsNaN(v) {
				finite = append(finite, v)
			}
		}
		if len(finite) == 0 {
			out[b] = math.NaN()
			continue
		}
		med, mad := medianMAD(finite)
		thr := med - nmads*mad
		if dir == Upper {
			thr = med + nmads*mad
		}
		if math.IsNaN(thr) {
			// more than half of the values are infinite
			thr = med
		}
		if log {
			thr = math.Exp(thr)
		}
		out[b] = thr
	}
	return out
}

// BlockMedians returns the median of x within each block.
func BlockMedians(x []float64, block []int32, nblocks int) []float64 {
	groups := byBlock(len(x), block, nblocks)
	out := make([]float64, len(groups))
	for b, idx := range groups {
		out[b] = median(pick(x, idx))
	}
	return out
}

// Check is one metric compared against per-block thresholds.
type Check struct {
	Values     []float64
	Thresholds []float64
	Dir        Direction
}

// KeepMask marks cells passing every check in their block. NaN metric
// values fail an upper-bound check only if the threshold is finite.
func KeepMask(n int, block []int32, checks []Check, dst []uint8) []uint8 {
	if dst == nil {
		dst = make([]uint8, n)
	}
	for i := 0; i < n; i++ {
		b := 0
		if block != nil {
			b = int(block[i])
		}
		keep := uint8(1)
		for _, c := range checks {
			thr := c.Thresholds[b]
			v := c.Values[i]
			if math.IsNaN(thr) || math.IsNaN(v) {
				continue
			}
			if (c.Dir == Lower && v < thr) || (c.Dir == Upper && v > thr) {
				keep = 0
				break
			}
		}
		dst[i] = keep
	}
	return dst
}
