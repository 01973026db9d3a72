// Package kernels holds the numerical routines the pipeline steps call:
// quality control, normalisation, variance modelling, PCA, neighbour
// search, batch correction, clustering, embeddings and marker scoring.
//
// Dense per-cell coordinates are stored cell-major in Points. Sparse inputs
// are feature-by-cell matrix.Sparse values.
package kernels

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// madConstant scales the MAD to a normal standard deviation.
const madConstant = 1.4826

// Points is a dense set of n points in dim dimensions, stored point-major.
type Points struct {
	Data []float64
	Dim  int
}

// NewPoints allocates n zeroed points.
func NewPoints(n, dim int) Points {
	return Points{Data: make([]float64, n*dim), Dim: dim}
}

// N returns the number of points.
func (p Points) N() int {
	if p.Dim == 0 {
		return 0
	}
	return len(p.Data) / p.Dim
}

// Row returns point i as a slice into Data.
func (p Points) Row(i int) []float64 {
	return p.Data[i*p.Dim : (i+1)*p.Dim]
}

func median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// medianMAD returns the median and the scaled median absolute deviation.
func medianMAD(x []float64) (float64, float64) {
	med := median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return med, median(dev) * madConstant
}

// byBlock splits the indices 0..n-1 by block code. A nil block puts every
// index in block 0.
func byBlock(n int, block []int32, nblocks int) [][]int {
	if block == nil {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	out := make([][]int, nblocks)
	for i, b := range block {
		if b >= 0 && int(b) < nblocks {
			out[b] = append(out[b], i)
		}
	}
	return out
}

func pick(x []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for i, j := range idx {
		out[i] = x[j]
	}
	return out
}

func sqdist(a, b []float64) float64 {
	d := 0.0
	for i := range a {
		t := a[i] - b[i]
		d += t * t
	}
	return d
}

func meanOf(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return floats.Sum(x) / float64(len(x))
}
