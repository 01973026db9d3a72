package steps

import (
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// SubsetDescriptor selects cells by an annotation column. Exactly one of
// Values (categorical match) or Ranges (inclusive numeric intervals) is
// used; non-empty Values win over Ranges.
type SubsetDescriptor struct {
	Field  string      `json:"field" yaml:"field"`
	Values []string    `json:"values,omitempty" yaml:"values,omitempty"`
	Ranges [][]float64 `json:"ranges,omitempty" yaml:"ranges,omitempty"`
}

// DirectSubsetOptions controls SetDirectSubset.
type DirectSubsetOptions struct {
	// Copy stores a private copy of the indices instead of taking ownership.
	Copy bool
	// OnOriginal says the indices refer to the cells before any subsetting.
	OnOriginal bool
}

// resolve returns the ascending row indices of cells matching d.
func (d *SubsetDescriptor) resolve(cells *table.Table) ([]int, error) {
	col, ok := cells.Column(d.Field)
	if !ok {
		return nil, errs.New(errs.SubsetFieldUnknown, d.Field)
	}
	n := cells.NumRows()
	var keep []int

	if len(d.Values) > 0 {
		allowed := make(map[string]struct{}, len(d.Values))
		for _, v := range d.Values {
			allowed[v] = struct{}{}
		}
		for i := 0; i < n; i++ {
			s, ok := col.Text(i)
			if !ok {
				continue
			}
			if _, hit := allowed[s]; hit {
				keep = append(keep, i)
			}
		}
		return keep, nil
	}

	for r, rng := range d.Ranges {
		if len(rng) != 2 {
			return nil, errs.New(errs.IllegalValue, d.Field, "range "+strconv.Itoa(r))
		}
		if rng[0] > rng[1] || (r > 0 && rng[0] <= d.Ranges[r-1][1]) {
			return nil, errs.New(errs.SubsetRangesUnsorted, d.Field, strconv.Itoa(r))
		}
	}
	for i := 0; i < n; i++ {
		if col.IsMissing(i) {
			continue
		}
		v, ok := col.Float(i)
		if !ok {
			return nil, errs.New(errs.SubsetFieldUnknown, d.Field, "not numeric")
		}
		if inRanges(v, d.Ranges) {
			keep = append(keep, i)
		}
	}
	return keep, nil
}

// inRanges does a binary search over sorted disjoint inclusive ranges.
func inRanges(v float64, ranges [][]float64) bool {
	lo, hi := 0, len(ranges)
	for lo < hi {
		mid := (lo + hi) / 2
		switch {
		case v < ranges[mid][0]:
			hi = mid
		case v > ranges[mid][1]:
			lo = mid + 1
		default:
			return true
		}
	}
	return false
}

// checkIndices verifies that indices are strictly ascending and below n.
func checkIndices(indices []int, n int) error {
	for i, x := range indices {
		if i > 0 && x <= indices[i-1] {
			return errs.New(errs.SubsetUnsorted, strconv.Itoa(i))
		}
		if x < 0 || x >= n {
			return errs.New(errs.SubsetOutOfRange, strconv.Itoa(x))
		}
	}
	return nil
}

// dropInvalid intersects keep with the cells whose block is valid. A nil
// keep stands for every cell; the result is nil when nothing is dropped.
func dropInvalid(keep []int, n int, block *table.Factor) []int {
	if block == nil {
		return keep
	}
	if keep == nil {
		all := true
		for _, c := range block.Codes {
			if c == table.InvalidBlock {
				all = false
				break
			}
		}
		if all {
			return nil
		}
		keep = make([]int, n)
		for i := range keep {
			keep[i] = i
		}
	}
	out := make([]int, 0, len(keep))
	for _, i := range keep {
		if block.Codes[i] != table.InvalidBlock {
			out = append(out, i)
		}
	}
	return out
}
