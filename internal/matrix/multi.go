package matrix

import (
	"sort"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
)

// Multi maps modality names to matrices that share the same cells in the
// same column order.
type Multi struct {
	mats map[string]*Sparse
	ncol int
}

// NewMulti creates an empty collection.
func NewMulti() *Multi {
	return &Multi{mats: make(map[string]*Sparse), ncol: -1}
}

// Add stores a modality. Every modality must have the same number of cells.
func (m *Multi) Add(name string, x *Sparse) error {
	if m.ncol >= 0 && x.ncol != m.ncol {
		return errs.New(errs.CellCountMismatch, name, strconv.Itoa(x.ncol), strconv.Itoa(m.ncol))
	}
	m.ncol = x.ncol
	m.mats[name] = x
	return nil
}

// Get returns the matrix for a modality.
func (m *Multi) Get(name string) (*Sparse, bool) {
	x, ok := m.mats[name]
	return x, ok
}

// Has reports whether a modality is present.
func (m *Multi) Has(name string) bool {
	_, ok := m.mats[name]
	return ok
}

// Available lists modalities in sorted order.
func (m *Multi) Available() []string {
	out := make([]string, 0, len(m.mats))
	for k := range m.mats {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// NumColumns is the shared cell count, or 0 for an empty collection.
func (m *Multi) NumColumns() int {
	if m.ncol < 0 {
		return 0
	}
	return m.ncol
}

// SubsetColumns applies the same column selection to every modality.
func (m *Multi) SubsetColumns(idx []int) *Multi {
	out := NewMulti()
	for name, x := range m.mats {
		out.mats[name] = x.SubsetColumns(idx)
	}
	out.ncol = len(idx)
	return out
}
