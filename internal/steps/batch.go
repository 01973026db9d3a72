package steps

import (
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// Batch correction methods.
const (
	CorrectionNone = "none"
	CorrectionMNN  = "mnn"
)

// BatchCorrectionParams configures batch correction.
type BatchCorrectionParams struct {
	Method       string `json:"method" yaml:"method"`
	NumNeighbors int    `json:"num_neighbors" yaml:"num_neighbors"`
	Approximate  bool   `json:"approximate" yaml:"approximate"`
}

// BatchCorrection removes block effects from the combined embedding.
type BatchCorrection struct {
	base
	params params.Tracker[BatchCorrectionParams]
	dim    int
}

// NewBatchCorrection creates the batch correction step.
func NewBatchCorrection() *BatchCorrection {
	return &BatchCorrection{base: newBase(NameBatchCorrection)}
}

// Compute runs MNN correction when the cells are blocked and MNN is
// requested; otherwise the corrected embedding is a view of the combined
// one.
func (s *BatchCorrection) Compute(comb *CombineEmbeddings, filt *CellFiltering, p BatchCorrectionParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	if !comb.Valid() {
		if s.Valid() {
			s.Free()
			s.changed = true
		}
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.Valid() && !paramsChanged && !comb.Changed() && !filt.Changed() {
		return nil
	}

	switch p.Method {
	case CorrectionNone, CorrectionMNN:
	default:
		return errs.New(errs.IllegalValue, "method", p.Method)
	}

	points := comb.FetchCombined()
	block := filt.FetchFilteredBlock()
	nblocks := nblocksOf(filt.FetchBlockLevels())
	if p.Method == CorrectionMNN && block != nil && nblocks > 1 {
		corrected := kernels.MNNCorrect(points, block, nblocks, p.NumNeighbors, p.Approximate)
		if err := storeFloat64(s.cache, "corrected", corrected.Data); err != nil {
			return err
		}
	} else {
		buf, _ := comb.Cache().Get("combined")
		s.cache.View("corrected", buf)
	}
	s.dim = points.Dim
	s.params.Commit(p)
	s.changed = true
	return nil
}

// Valid reports whether a corrected embedding exists.
func (s *BatchCorrection) Valid() bool {
	_, ok := s.cache.Get("corrected")
	return ok
}

func (s *BatchCorrection) Free() {
	s.cache.FreeAll()
	s.params.Reset()
	s.dim = 0
}

// FetchCorrected returns the corrected embedding.
func (s *BatchCorrection) FetchCorrected() kernels.Points {
	return pointsOf(s.cache, "corrected", s.dim)
}
