package kernels

import (
	"math"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// CenterSizeFactors scales sf in place so the factors in each block have a
// mean of one. Non-positive or non-finite factors are replaced by the
// smallest positive factor of the block first.
func CenterSizeFactors(sf []float64, block []int32, nblocks int) {
	for _, idx := range byBlock(len(sf), block, nblocks) {
		lowest := math.Inf(1)
		for _, i := range idx {
			if v := sf[i]; v > 0 && v < lowest && !math.IsInf(v, 1) {
				lowest = v
			}
		}
		if math.IsInf(lowest, 1) {
			lowest = 1
		}
		total := 0.0
		for _, i := range idx {
			if v := sf[i]; !(v > 0) || math.IsInf(v, 1) {
				sf[i] = lowest
			}
			total += sf[i]
		}
		if len(idx) == 0 || total == 0 {
			continue
		}
		mean := total / float64(len(idx))
		for _, i := range idx {
			sf[i] /= mean
		}
	}
}

// LogNormCounts divides each column of x by its size factor and returns
// log2(x/sf + 1).
func LogNormCounts(x *matrix.Sparse, sf []float64) (*matrix.Sparse, error) {
	if len(sf) != x.NumColumns() {
		return nil, errs.New(errs.SizeFactorLengthMismatch, strconv.Itoa(len(sf)), strconv.Itoa(x.NumColumns()))
	}
	return x.Transform(func(v float64, j int) float64 {
		return math.Log2(v/sf[j] + 1)
	}), nil
}

// CLRM1Factors computes size factors from the expm1 of the mean log1p count
// of each cell, which is robust to a handful of very abundant tags.
func CLRM1Factors(x *matrix.Sparse) []float64 {
	n := x.NumColumns()
	nrow := float64(x.NumRows())
	out := make([]float64, n)
	if nrow == 0 {
		return out
	}
	for j := 0; j < n; j++ {
		_, vals := x.Column(j)
		s := 0.0
		for _, v := range vals {
			s += math.Log1p(v)
		}
		out[j] = math.Expm1(s / nrow)
	}
	return out
}

// MedianRatioFactors computes size factors as the median ratio of each
// cell's counts to the average profile, over features expressed in the
// average profile. Cells without such features fall back to their
// library size relative to the mean library size.
func MedianRatioFactors(x *matrix.Sparse) []float64 {
	n := x.NumColumns()
	ref := make([]float64, x.NumRows())
	sums := x.ColumnSums()
	meanSum := meanOf(sums)
	for j := 0; j < n; j++ {
		rows, vals := x.Column(j)
		for k, v := range vals {
			if sums[j] > 0 {
				ref[rows[k]] += v / sums[j]
			}
		}
	}
	for i := range ref {
		ref[i] /= float64(n)
	}

	out := make([]float64, n)
	dense := make([]float64, x.NumRows())
	for j := 0; j < n; j++ {
		dense = x.DenseColumn(j, dense)
		var ratios []float64
		for i, r := range ref {
			if r > 0 {
				ratios = append(ratios, dense[i]/r)
			}
		}
		out[j] = median(ratios)
		if !(out[j] > 0) && meanSum > 0 {
			out[j] = sums[j] / meanSum
		}
	}
	return out
}
