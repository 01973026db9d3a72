package steps

import (
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/buffer"
	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// FilteringParams chooses which QC keep masks are combined.
type FilteringParams struct {
	UseRNA    bool `json:"use_rna" yaml:"use_rna"`
	UseADT    bool `json:"use_adt" yaml:"use_adt"`
	UseCRISPR bool `json:"use_crispr" yaml:"use_crispr"`
}

func (p FilteringParams) uses(modality string) bool {
	switch modality {
	case data.RNA:
		return p.UseRNA
	case data.ADT:
		return p.UseADT
	case data.CRISPR:
		return p.UseCRISPR
	}
	return false
}

// CellFiltering combines the QC keep masks and removes the failing cells.
type CellFiltering struct {
	base
	params params.Tracker[FilteringParams]

	retained []int // nil when no filtering is performed
	matrix   *matrix.Multi
	levels   []string
	ncells   int
	computed bool
}

// NewCellFiltering creates the filtering step.
func NewCellFiltering() *CellFiltering {
	return &CellFiltering{base: newBase(NameCellFiltering)}
}

// Compute ANDs the keep masks of every valid QC step whose modality is
// enabled. A single mask is used through a view; without any mask the
// inputs pass through unfiltered.
func (s *CellFiltering) Compute(in *Inputs, qcs []QualityControl, p FilteringParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	upstream := in.Changed()
	for _, qc := range qcs {
		upstream = upstream || qc.Changed()
	}
	if s.computed && !paramsChanged && !upstream {
		return nil
	}

	var chosen []QualityControl
	for _, qc := range qcs {
		if qc.Valid() && p.uses(qc.Modality()) {
			chosen = append(chosen, qc)
		}
	}

	counts := in.FetchCountMatrix()
	n := in.NumCells()
	var keep []uint8
	switch len(chosen) {
	case 0:
	case 1:
		buf, _ := chosen[0].Cache().Get("keep")
		keep = s.cache.View("keep", buf).Uint8()
	default:
		buf, err := s.cache.Allocate("keep", n, buffer.Uint8)
		if err != nil {
			return err
		}
		keep = buf.Uint8()
		for i := range keep {
			keep[i] = 1
		}
		for _, qc := range chosen {
			for i, k := range qc.FetchKeep() {
				keep[i] &= k
			}
		}
	}
	if keep == nil {
		s.cache.Free("keep")
	}

	var retained []int
	filtered := counts
	if keep != nil {
		retained = make([]int, 0, n)
		for i, k := range keep {
			if k != 0 {
				retained = append(retained, i)
			}
		}
		filtered = counts.SubsetColumns(retained)
	}

	if block, ok := in.Cache().Get("block"); ok {
		if keep == nil {
			s.cache.View("block", block)
		} else {
			if err := storeInt32(s.cache, "block", pickInt32(block.Int32(), retained)); err != nil {
				return err
			}
		}
	} else {
		s.cache.Free("block")
	}

	s.retained = retained
	s.matrix = filtered
	s.levels = in.FetchBlockLevels()
	s.ncells = n
	if retained != nil {
		s.ncells = len(retained)
	}
	s.computed = true
	s.params.Commit(p)
	s.changed = true
	return nil
}

func pickInt32(x []int32, idx []int) []int32 {
	out := make([]int32, len(idx))
	for j, i := range idx {
		out[j] = x[i]
	}
	return out
}

// Valid reports whether any cell survived filtering.
func (s *CellFiltering) Valid() bool { return s.computed && s.ncells > 0 }

// Free releases every buffer.
func (s *CellFiltering) Free() {
	s.cache.FreeAll()
	s.retained, s.matrix, s.levels = nil, nil, nil
	s.ncells, s.computed = 0, false
	s.params.Reset()
}

// FetchFilteredMatrix returns the counts of the retained cells.
func (s *CellFiltering) FetchFilteredMatrix() *matrix.Multi { return s.matrix }

// FetchFilteredBlock returns the block codes of the retained cells, or nil.
// Codes and levels are those of the unfiltered block.
func (s *CellFiltering) FetchFilteredBlock() []int32 { return int32Buffer(s.cache, "block") }

// FetchBlockLevels names the block codes.
func (s *CellFiltering) FetchBlockLevels() []string { return s.levels }

// FetchKeep returns the combined keep mask, or nil when nothing is
// filtered.
func (s *CellFiltering) FetchKeep() []uint8 { return uint8Buffer(s.cache, "keep") }

// FetchRetained returns the unfiltered index of every retained cell, or nil
// when nothing is filtered.
func (s *CellFiltering) FetchRetained() []int { return s.retained }

// NumCells is the number of retained cells.
func (s *CellFiltering) NumCells() int { return s.ncells }

// ApplyFilter returns the entries of x belonging to retained cells. x must
// have one entry per unfiltered cell.
func ApplyFilter[T any](f *CellFiltering, x []T) ([]T, error) {
	if f.retained == nil {
		if len(x) != f.ncells {
			return nil, errs.New(errs.FilterLengthMismatch, strconv.Itoa(len(x)), strconv.Itoa(f.ncells))
		}
		return append([]T(nil), x...), nil
	}
	keep := f.FetchKeep()
	if len(x) != len(keep) {
		return nil, errs.New(errs.FilterLengthMismatch, strconv.Itoa(len(x)), strconv.Itoa(len(keep)))
	}
	out := make([]T, len(f.retained))
	for j, i := range f.retained {
		out[j] = x[i]
	}
	return out, nil
}

// UndoFilter replaces filtered cell indices with their unfiltered
// counterparts in place.
func (s *CellFiltering) UndoFilter(indices []int) error {
	for _, x := range indices {
		if x < 0 || x >= s.ncells {
			return errs.New(errs.FilterOutOfRange, strconv.Itoa(x))
		}
	}
	if s.retained == nil {
		return nil
	}
	for i, x := range indices {
		indices[i] = s.retained[x]
	}
	return nil
}
