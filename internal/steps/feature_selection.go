package steps

import (
	"errors"

	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// FeatureSelectionParams configures the mean-variance trend.
type FeatureSelectionParams struct {
	Span float64 `json:"span" yaml:"span"`
}

// FeatureSelection models per-gene variance in the normalised RNA data.
type FeatureSelection struct {
	base
	params params.Tracker[FeatureSelectionParams]
}

// NewFeatureSelection creates the feature selection step.
func NewFeatureSelection() *FeatureSelection {
	return &FeatureSelection{base: newBase(NameFeatureSelection)}
}

func (s *FeatureSelection) Compute(norm *Normalization, filt *CellFiltering, p FeatureSelectionParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	if !norm.Valid() {
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
	if s.Valid() && !paramsChanged && !norm.Changed() {
		return nil
	}

	model := kernels.ModelGeneVar(norm.FetchNormalizedMatrix(), filt.FetchFilteredBlock(),
		nblocksOf(filt.FetchBlockLevels()), p.Span)
	sorted := kernels.SortedResiduals(model.Residuals, nil)
	err = errors.Join(
		storeFloat64(s.cache, "means", model.Means),
		storeFloat64(s.cache, "variances", model.Variances),
		storeFloat64(s.cache, "fitted", model.Fitted),
		storeFloat64(s.cache, "residuals", model.Residuals),
		storeFloat64(s.cache, "sorted_residuals", sorted),
	)
	if err != nil {
		return err
	}
	s.params.Commit(p)
	s.changed = true
	return nil
}

// Valid reports whether a variance model is available.
func (s *FeatureSelection) Valid() bool {
	_, ok := s.cache.Get("residuals")
	return ok
}

func (s *FeatureSelection) Free() {
	s.cache.FreeAll()
	s.params.Reset()
}

func (s *FeatureSelection) FetchMeans() []float64     { return float64Buffer(s.cache, "means") }
func (s *FeatureSelection) FetchVariances() []float64 { return float64Buffer(s.cache, "variances") }
func (s *FeatureSelection) FetchFitted() []float64    { return float64Buffer(s.cache, "fitted") }
func (s *FeatureSelection) FetchResiduals() []float64 { return float64Buffer(s.cache, "residuals") }

// FetchSortedResiduals returns the residuals in ascending order.
func (s *FeatureSelection) FetchSortedResiduals() []float64 {
	return float64Buffer(s.cache, "sorted_residuals")
}

// TopFeatures marks the n genes with the largest residuals. Ties at the
// cutoff are all kept.
func (s *FeatureSelection) TopFeatures(n int) []bool {
	res := s.FetchResiduals()
	sorted := s.FetchSortedResiduals()
	out := make([]bool, len(res))
	if n <= 0 || len(sorted) == 0 {
		return out
	}
	if n > len(sorted) {
		n = len(sorted)
	}
	cutoff := sorted[len(sorted)-n]
	for i, r := range res {
		out[i] = r >= cutoff
	}
	return out
}
