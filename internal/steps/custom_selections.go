package steps

import (
	"sort"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// CustomSelections scores user-chosen sets of filtered cells against all
// other cells.
type CustomSelections struct {
	base
	params params.Tracker[MarkerParams]

	selections map[string][]int
	results    map[string]map[string]*kernels.GroupMarkers
	// upstream is false while the filtering retains no cells.
	upstream bool
}

// NewCustomSelections creates the custom selection step.
func NewCustomSelections() *CustomSelections {
	return &CustomSelections{
		base:       newBase(NameCustomSelections),
		selections: map[string][]int{},
		results:    map[string]map[string]*kernels.GroupMarkers{},
	}
}

// Compute rescores every selection when the normalised data, the filtering
// or the parameters changed. Selections that no longer fit the filtered
// cells are dropped, as is everything when no cells are retained.
func (s *CustomSelections) Compute(norms []*Normalization, filt *CellFiltering, p MarkerParams) error {
	s.changed = false
	mats, normChanged := normalizedInputs(norms)
	if !filt.Valid() || len(mats) == 0 {
		if s.upstream || len(s.selections) > 0 {
			s.Free()
			s.changed = true
		}
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.upstream && !paramsChanged && !normChanged && !filt.Changed() {
		return nil
	}

	ncells := filt.NumCells()
	results := make(map[string]map[string]*kernels.GroupMarkers, len(s.selections))
	kept := make(map[string][]int, len(s.selections))
	for id, sel := range s.selections {
		if len(sel) > 0 && sel[len(sel)-1] >= ncells {
			continue
		}
		res, err := scoreSelection(mats, sel, ncells, filt, p)
		if err != nil {
			return err
		}
		kept[id] = sel
		results[id] = res
	}

	if !s.upstream || len(kept) != len(s.selections) || len(s.selections) > 0 {
		s.changed = true
	}
	s.selections, s.results = kept, results
	s.upstream = true
	s.params.Commit(p)
	return nil
}

// scoreSelection scores one selection in every modality.
func scoreSelection(mats map[string]*matrix.Sparse, sel []int, ncells int, filt *CellFiltering, p MarkerParams) (map[string]*kernels.GroupMarkers, error) {
	groups := make([]int32, ncells)
	for _, i := range sel {
		groups[i] = 1
	}
	out := make(map[string]*kernels.GroupMarkers, len(mats))
	for mod, x := range mats {
		res, err := kernels.ScoreMarkers(x, groups, 2, filt.FetchFilteredBlock(), nblocksOf(filt.FetchBlockLevels()), p.options())
		if err != nil {
			return nil, errs.Wrap(errs.Kernel, err, NameCustomSelections, mod)
		}
		out[mod] = res.Groups[1]
	}
	return out, nil
}

// AddSelection stores and immediately scores a selection of filtered
// cells. Indices must be strictly ascending; the slice is copied.
func (s *CustomSelections) AddSelection(id string, indices []int, norms []*Normalization, filt *CellFiltering) error {
	if !s.upstream || !filt.Valid() {
		return errs.New(errs.NotComputed, s.name, id)
	}
	n := filt.NumCells()
	for i, x := range indices {
		if i > 0 && x <= indices[i-1] {
			return errs.New(errs.SubsetUnsorted, id, strconv.Itoa(i))
		}
		if x < 0 || x >= n {
			return errs.New(errs.FilterOutOfRange, id, strconv.Itoa(x))
		}
	}
	sel := append([]int(nil), indices...)
	mats, _ := normalizedInputs(norms)
	p, _ := s.params.Last()
	res, err := scoreSelection(mats, sel, n, filt, p)
	if err != nil {
		return err
	}
	s.selections[id] = sel
	s.results[id] = res
	return nil
}

// RemoveSelection forgets a selection.
func (s *CustomSelections) RemoveSelection(id string) {
	delete(s.selections, id)
	delete(s.results, id)
}

// FetchSelection returns the filtered cell indices of a selection.
func (s *CustomSelections) FetchSelection(id string) ([]int, bool) {
	sel, ok := s.selections[id]
	return sel, ok
}

// Selections lists the selection IDs in sorted order.
func (s *CustomSelections) Selections() []string {
	out := make([]string, 0, len(s.selections))
	for id := range s.selections {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// FetchResults returns the markers of a selection in one modality.
func (s *CustomSelections) FetchResults(id, modality string) *kernels.GroupMarkers {
	return s.results[id][modality]
}

// Valid reports whether the step has run against retained cells. An empty
// set of selections is then a valid state.
func (s *CustomSelections) Valid() bool { return s.upstream }

func (s *CustomSelections) Free() {
	s.cache.FreeAll()
	s.selections = map[string][]int{}
	s.results = map[string]map[string]*kernels.GroupMarkers{}
	s.upstream = false
	s.params.Reset()
}
