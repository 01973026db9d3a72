package steps

import (
	"context"
	"errors"
	"math"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// ADTSubsetParams chooses the isotype control tags.
type ADTSubsetParams struct {
	Prefix    string `json:"igg_prefix" yaml:"igg_prefix"`
	Automatic bool   `json:"automatic" yaml:"automatic"`
	Column    string `json:"tag_id_column" yaml:"tag_id_column"`
}

// ADTFilterParams chooses the ADT filter thresholds.
type ADTFilterParams struct {
	Strategy string  `json:"filter_strategy" yaml:"filter_strategy"`
	NMADs    float64 `json:"nmads" yaml:"nmads"`
	// MinDetectedDrop caps the detected threshold at this fraction below
	// the block median, so a tight distribution does not drop good cells.
	MinDetectedDrop   float64 `json:"min_detected_drop" yaml:"min_detected_drop"`
	DetectedThreshold float64 `json:"detected_threshold" yaml:"detected_threshold"`
	IgGThreshold      float64 `json:"igg_threshold" yaml:"igg_threshold"`
}

// ADTQCParams configures ADT quality control.
type ADTQCParams struct {
	Subset ADTSubsetParams `json:"subset" yaml:"subset"`
	Filter ADTFilterParams `json:"filter" yaml:"filter"`
}

// ADTQC filters cells on detected tags and isotype control totals.
type ADTQC struct {
	qcBase
	subset params.Tracker[ADTSubsetParams]
	filter params.Tracker[ADTFilterParams]
}

// NewADTQC creates the ADT quality control step.
func NewADTQC() *ADTQC {
	return &ADTQC{qcBase: qcBase{base: newBase(NameADTQC), modality: data.ADT}}
}

// Compute follows the same two-stage recomputation as RNAQC.Compute.
func (s *ADTQC) Compute(ctx context.Context, in *Inputs, p ADTQCParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	x := in.FetchCountMatrix()
	if x == nil || !x.Has(s.modality) {
		s.invalidate()
		s.subset.Reset()
		s.filter.Reset()
		return nil
	}
	counts, _ := x.Get(s.modality)

	subsetChanged, err := s.subset.Changed(p.Subset)
	if err != nil {
		return err
	}
	filterChanged, err := s.filter.Changed(p.Filter)
	if err != nil {
		return err
	}

	recompute := in.Changed() || subsetChanged || !s.Valid()
	var metrics *kernels.ADTMetrics
	if recompute {
		features := in.FetchFeatureAnnotations()[s.modality]
		mask := make([]bool, counts.NumRows())
		if p.Subset.Prefix != "" {
			match := func(name string) bool { return hasPrefixFold(name, p.Subset.Prefix) }
			if mask, err = featureSubset(features, p.Subset.Automatic, p.Subset.Column, match); err != nil {
				return err
			}
		}
		metrics, err = kernels.PerCellADTQCMetrics(counts, [][]bool{mask})
		if err != nil {
			return errs.Wrap(errs.Kernel, err, s.name)
		}
	} else if filterChanged {
		metrics = &kernels.ADTMetrics{
			Sums:         s.FetchSums(),
			Detected:     s.FetchDetected(),
			SubsetTotals: [][]float64{s.FetchSubsetTotals()},
		}
	}

	if metrics == nil {
		return nil
	}

	block := in.FetchBlock()
	nblocks := nblocksOf(in.FetchBlockLevels())
	f := p.Filter
	detThr, err := thresholds(f.Strategy, metrics.Detected, block, nblocks, f.NMADs, kernels.Lower, true, f.DetectedThreshold)
	if err != nil {
		return err
	}
	if f.Strategy == StrategyAutomatic && f.MinDetectedDrop > 0 {
		medians := kernels.BlockMedians(metrics.Detected, block, nblocks)
		for b, m := range medians {
			if limit := (1 - f.MinDetectedDrop) * m; !math.IsNaN(limit) && detThr[b] > limit {
				detThr[b] = limit
			}
		}
	}
	iggThr, _ := thresholds(f.Strategy, metrics.SubsetTotals[0], block, nblocks, f.NMADs, kernels.Upper, true, f.IgGThreshold)
	if f.Strategy == StrategyAutomatic && allZero(metrics.SubsetTotals[0]) {
		// no isotype controls: the MADs collapse to zero
		for b := range iggThr {
			iggThr[b] = math.Inf(1)
		}
	}
	keep := kernels.KeepMask(len(metrics.Sums), block, []kernels.Check{
		{Values: metrics.Detected, Thresholds: detThr, Dir: kernels.Lower},
		{Values: metrics.SubsetTotals[0], Thresholds: iggThr, Dir: kernels.Upper},
	}, nil)

	if recompute {
		err = errors.Join(
			storeFloat64(s.cache, "sums", metrics.Sums),
			storeFloat64(s.cache, "detected", metrics.Detected),
			storeFloat64(s.cache, "subset_totals", metrics.SubsetTotals[0]),
		)
	}
	err = errors.Join(err,
		storeFloat64(s.cache, "detected_thresholds", detThr),
		storeFloat64(s.cache, "subset_totals_thresholds", iggThr),
		storeUint8(s.cache, "keep", keep),
	)
	if err != nil {
		return err
	}
	s.changed = true
	s.subset.Commit(p.Subset)
	s.filter.Commit(p.Filter)
	return nil
}

func allZero(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}

// FetchSubsetTotals returns the per-cell isotype control total.
func (s *ADTQC) FetchSubsetTotals() []float64 {
	return float64Buffer(s.cache, "subset_totals")
}

func (s *ADTQC) FetchDetectedThresholds() []float64 {
	return float64Buffer(s.cache, "detected_thresholds")
}

// FetchSubsetTotalsThresholds returns the upper thresholds of subset i.
// Only subset 0 exists.
func (s *ADTQC) FetchSubsetTotalsThresholds(i int) ([]float64, error) {
	return subsetThreshold(&s.qcBase, "subset_totals_thresholds", i)
}

// Free releases every buffer.
func (s *ADTQC) Free() {
	s.cache.FreeAll()
	s.subset.Reset()
	s.filter.Reset()
}
