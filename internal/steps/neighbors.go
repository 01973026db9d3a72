package steps

import (
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// neighborSeed fixes the random projections of approximate indices.
const neighborSeed = 42

// NeighborIndexParams configures the neighbour search index.
type NeighborIndexParams struct {
	Approximate bool `json:"approximate" yaml:"approximate"`
}

// NeighborIndex builds a nearest-neighbour index over the corrected
// embedding.
type NeighborIndex struct {
	base
	params params.Tracker[NeighborIndexParams]
	index  *kernels.Index
}

// NewNeighborIndex creates the neighbour index step.
func NewNeighborIndex() *NeighborIndex {
	return &NeighborIndex{base: newBase(NameNeighborIndex)}
}

func (s *NeighborIndex) Compute(batch *BatchCorrection, p NeighborIndexParams) error {
	s.changed = false
	if !batch.Valid() {
		if s.index != nil {
			s.Free()
			s.changed = true
		}
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.index != nil && !paramsChanged && !batch.Changed() {
		return nil
	}

	// the index retains its points
	pts := batch.FetchCorrected()
	own := kernels.Points{Data: append([]float64(nil), pts.Data...), Dim: pts.Dim}
	s.index = kernels.BuildNeighborIndex(own, p.Approximate, neighborSeed)
	s.params.Commit(p)
	s.changed = true
	return nil
}

func (s *NeighborIndex) Valid() bool { return s.index != nil }

func (s *NeighborIndex) Free() {
	s.index = nil
	s.params.Reset()
}

// FetchIndex returns the search index.
func (s *NeighborIndex) FetchIndex() *kernels.Index { return s.index }

// FindNearest returns the k nearest neighbours of every cell.
func (s *NeighborIndex) FindNearest(k int) *kernels.Neighbors {
	return s.index.FindNearest(k)
}
