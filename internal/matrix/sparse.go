// Package matrix holds the compressed sparse column matrices that carry
// feature-by-cell counts, and the multi-modal collection binding them.
package matrix

import (
	"fmt"
	"math"
	"sort"
)

// Sparse is an immutable feature-by-cell matrix in compressed sparse column
// layout. Row indices within a column are strictly increasing.
type Sparse struct {
	nrow, ncol int
	colptr     []int
	rows       []int32
	vals       []float64
}

// NewSparse wraps CSC arrays after validating their shape.
func NewSparse(nrow, ncol int, colptr []int, rows []int32, vals []float64) (*Sparse, error) {
	if len(colptr) != ncol+1 {
		return nil, fmt.Errorf("colptr has %d entries, want %d", len(colptr), ncol+1)
	}
	if len(rows) != len(vals) || colptr[ncol] != len(rows) {
		return nil, fmt.Errorf("inconsistent nonzero count: colptr=%d rows=%d vals=%d", colptr[ncol], len(rows), len(vals))
	}
	for j := 0; j < ncol; j++ {
		if colptr[j] > colptr[j+1] {
			return nil, fmt.Errorf("colptr decreases at column %d", j)
		}
		prev := int32(-1)
		for p := colptr[j]; p < colptr[j+1]; p++ {
			r := rows[p]
			if r <= prev || int(r) >= nrow {
				return nil, fmt.Errorf("bad row index %d in column %d", r, j)
			}
			prev = r
		}
	}
	return &Sparse{nrow: nrow, ncol: ncol, colptr: colptr, rows: rows, vals: vals}, nil
}

// FromTriplets assembles a matrix from coordinate entries. Duplicate
// coordinates are summed and explicit zeros dropped.
func FromTriplets(nrow, ncol int, is, js []int, xs []float64) (*Sparse, error) {
	if len(is) != len(js) || len(is) != len(xs) {
		return nil, fmt.Errorf("triplet slices differ in length")
	}
	order := make([]int, len(is))
	for k := range order {
		if is[k] < 0 || is[k] >= nrow || js[k] < 0 || js[k] >= ncol {
			return nil, fmt.Errorf("entry (%d, %d) outside %dx%d", is[k], js[k], nrow, ncol)
		}
		order[k] = k
	}
	sort.Slice(order, func(a, b int) bool {
		ka, kb := order[a], order[b]
		if js[ka] != js[kb] {
			return js[ka] < js[kb]
		}
		return is[ka] < is[kb]
	})

	colptr := make([]int, ncol+1)
	rows := make([]int32, 0, len(is))
	vals := make([]float64, 0, len(is))
	for p := 0; p < len(order); {
		k := order[p]
		i, j, x := is[k], js[k], xs[k]
		p++
		for p < len(order) && is[order[p]] == i && js[order[p]] == j {
			x += xs[order[p]]
			p++
		}
		if x == 0 {
			continue
		}
		rows = append(rows, int32(i))
		vals = append(vals, x)
		colptr[j+1]++
	}
	for j := 0; j < ncol; j++ {
		colptr[j+1] += colptr[j]
	}
	return &Sparse{nrow: nrow, ncol: ncol, colptr: colptr, rows: rows, vals: vals}, nil
}

// FromDense builds a matrix from column-major values.
func FromDense(nrow, ncol int, data []float64) (*Sparse, error) {
	if len(data) != nrow*ncol {
		return nil, fmt.Errorf("dense data has %d values, want %d", len(data), nrow*ncol)
	}
	colptr := make([]int, ncol+1)
	var rows []int32
	var vals []float64
	for j := 0; j < ncol; j++ {
		for i := 0; i < nrow; i++ {
			if v := data[j*nrow+i]; v != 0 {
				rows = append(rows, int32(i))
				vals = append(vals, v)
			}
		}
		colptr[j+1] = len(rows)
	}
	return &Sparse{nrow: nrow, ncol: ncol, colptr: colptr, rows: rows, vals: vals}, nil
}

func (m *Sparse) NumRows() int    { return m.nrow }
func (m *Sparse) NumColumns() int { return m.ncol }
func (m *Sparse) NNZ() int        { return len(m.vals) }

// Raw exposes the CSC arrays. Callers must not modify them.
func (m *Sparse) Raw() (colptr []int, rows []int32, vals []float64) {
	return m.colptr, m.rows, m.vals
}

// Column returns the nonzero entries of column j.
func (m *Sparse) Column(j int) ([]int32, []float64) {
	lo, hi := m.colptr[j], m.colptr[j+1]
	return m.rows[lo:hi], m.vals[lo:hi]
}

// DenseColumn expands column j into dst, which is grown as needed.
func (m *Sparse) DenseColumn(j int, dst []float64) []float64 {
	if cap(dst) < m.nrow {
		dst = make([]float64, m.nrow)
	}
	dst = dst[:m.nrow]
	for i := range dst {
		dst[i] = 0
	}
	rows, vals := m.Column(j)
	for k, r := range rows {
		dst[r] = vals[k]
	}
	return dst
}

// At returns the value at (i, j).
func (m *Sparse) At(i, j int) float64 {
	rows, vals := m.Column(j)
	k := sort.Search(len(rows), func(k int) bool { return int(rows[k]) >= i })
	if k < len(rows) && int(rows[k]) == i {
		return vals[k]
	}
	return 0
}

// IsInteger reports whether every stored value is a whole number.
func (m *Sparse) IsInteger() bool {
	for _, v := range m.vals {
		if v != math.Trunc(v) {
			return false
		}
	}
	return true
}

// ColumnSums returns per-column totals.
func (m *Sparse) ColumnSums() []float64 {
	out := make([]float64, m.ncol)
	for j := range out {
		_, vals := m.Column(j)
		for _, v := range vals {
			out[j] += v
		}
	}
	return out
}

// SubsetColumns keeps columns idx in the given order.
func (m *Sparse) SubsetColumns(idx []int) *Sparse {
	colptr := make([]int, len(idx)+1)
	nnz := 0
	for k, j := range idx {
		nnz += m.colptr[j+1] - m.colptr[j]
		colptr[k+1] = nnz
	}
	rows := make([]int32, 0, nnz)
	vals := make([]float64, 0, nnz)
	for _, j := range idx {
		r, v := m.Column(j)
		rows = append(rows, r...)
		vals = append(vals, v...)
	}
	return &Sparse{nrow: m.nrow, ncol: len(idx), colptr: colptr, rows: rows, vals: vals}
}

// SubsetRows keeps rows idx in the given order. idx must not repeat rows.
func (m *Sparse) SubsetRows(idx []int) *Sparse {
	remap := make([]int32, m.nrow)
	for i := range remap {
		remap[i] = -1
	}
	for k, i := range idx {
		remap[i] = int32(k)
	}
	colptr := make([]int, m.ncol+1)
	var rows []int32
	var vals []float64
	type entry struct {
		r int32
		v float64
	}
	var scratch []entry
	for j := 0; j < m.ncol; j++ {
		scratch = scratch[:0]
		r, v := m.Column(j)
		for k, old := range r {
			if nr := remap[old]; nr >= 0 {
				scratch = append(scratch, entry{nr, v[k]})
			}
		}
		sort.Slice(scratch, func(a, b int) bool { return scratch[a].r < scratch[b].r })
		for _, e := range scratch {
			rows = append(rows, e.r)
			vals = append(vals, e.v)
		}
		colptr[j+1] = len(rows)
	}
	return &Sparse{nrow: len(idx), ncol: m.ncol, colptr: colptr, rows: rows, vals: vals}
}

// Transform applies fn to every stored value, passing the column index.
// Zeros stay zero, so fn(0, j) must be 0.
func (m *Sparse) Transform(fn func(v float64, j int) float64) *Sparse {
	vals := make([]float64, len(m.vals))
	for j := 0; j < m.ncol; j++ {
		for p := m.colptr[j]; p < m.colptr[j+1]; p++ {
			vals[p] = fn(m.vals[p], j)
		}
	}
	return &Sparse{nrow: m.nrow, ncol: m.ncol, colptr: m.colptr, rows: m.rows, vals: vals}
}

// Transpose returns the cell-by-feature matrix, i.e. the CSR view of m.
func (m *Sparse) Transpose() *Sparse {
	colptr := make([]int, m.nrow+1)
	for _, r := range m.rows {
		colptr[r+1]++
	}
	for i := 0; i < m.nrow; i++ {
		colptr[i+1] += colptr[i]
	}
	next := append([]int(nil), colptr[:m.nrow]...)
	rows := make([]int32, len(m.rows))
	vals := make([]float64, len(m.vals))
	for j := 0; j < m.ncol; j++ {
		for p := m.colptr[j]; p < m.colptr[j+1]; p++ {
			r := m.rows[p]
			q := next[r]
			rows[q] = int32(j)
			vals[q] = m.vals[p]
			next[r]++
		}
	}
	return &Sparse{nrow: m.ncol, ncol: m.nrow, colptr: colptr, rows: rows, vals: vals}
}

// CBind concatenates matrices with equal row counts column-wise.
func CBind(mats []*Sparse) (*Sparse, error) {
	if len(mats) == 0 {
		return nil, fmt.Errorf("no matrices to bind")
	}
	nrow := mats[0].nrow
	ncol, nnz := 0, 0
	for _, x := range mats {
		if x.nrow != nrow {
			return nil, fmt.Errorf("row counts differ: %d vs %d", x.nrow, nrow)
		}
		ncol += x.ncol
		nnz += len(x.vals)
	}
	colptr := make([]int, 1, ncol+1)
	rows := make([]int32, 0, nnz)
	vals := make([]float64, 0, nnz)
	for _, x := range mats {
		base := len(rows)
		for j := 1; j <= x.ncol; j++ {
			colptr = append(colptr, base+x.colptr[j])
		}
		rows = append(rows, x.rows...)
		vals = append(vals, x.vals...)
	}
	return &Sparse{nrow: nrow, ncol: ncol, colptr: colptr, rows: rows, vals: vals}, nil
}
