package steps

import (
	"context"
	"errors"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// RNASubsetParams chooses the mitochondrial genes.
type RNASubsetParams struct {
	// UseReference matches against reference lists of mitochondrial genes
	// instead of the name prefix.
	UseReference bool     `json:"use_reference_mito" yaml:"use_reference_mito"`
	Species      []string `json:"species" yaml:"species"`
	GeneIDType   string   `json:"gene_id_type" yaml:"gene_id_type"`
	Prefix       string   `json:"mito_prefix" yaml:"mito_prefix"`
	// Automatic scans every feature column; otherwise Column is used.
	Automatic bool   `json:"automatic" yaml:"automatic"`
	Column    string `json:"gene_id_column" yaml:"gene_id_column"`
}

// RNAFilterParams chooses the RNA filter thresholds.
type RNAFilterParams struct {
	Strategy          string  `json:"filter_strategy" yaml:"filter_strategy"`
	NMADs             float64 `json:"nmads" yaml:"nmads"`
	SumThreshold      float64 `json:"sum_threshold" yaml:"sum_threshold"`
	DetectedThreshold float64 `json:"detected_threshold" yaml:"detected_threshold"`
	MitoThreshold     float64 `json:"mito_threshold" yaml:"mito_threshold"`
}

// RNAQCParams configures RNA quality control.
type RNAQCParams struct {
	Subset RNASubsetParams `json:"subset" yaml:"subset"`
	Filter RNAFilterParams `json:"filter" yaml:"filter"`
}

// RNAQC filters cells on library size, detected genes and mitochondrial
// proportion.
type RNAQC struct {
	qcBase
	subset params.Tracker[RNASubsetParams]
	filter params.Tracker[RNAFilterParams]
}

// NewRNAQC creates the RNA quality control step.
func NewRNAQC() *RNAQC {
	return &RNAQC{qcBase: qcBase{base: newBase(NameRNAQC), modality: data.RNA}}
}

// Compute recomputes the metrics when the inputs or the subset parameters
// changed, and the thresholds when the metrics or filter parameters did.
func (s *RNAQC) Compute(ctx context.Context, in *Inputs, refs ReferenceSource, p RNAQCParams) (err error) {
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
	var metrics *kernels.RNAMetrics
	if recompute {
		mask, err := s.mitoSubset(ctx, in, refs, p.Subset)
		if err != nil {
			return err
		}
		metrics, err = kernels.PerCellRNAQCMetrics(counts, [][]bool{mask})
		if err != nil {
			return errs.Wrap(errs.Kernel, err, s.name)
		}
	} else if filterChanged {
		metrics = &kernels.RNAMetrics{
			Sums:              s.FetchSums(),
			Detected:          s.FetchDetected(),
			SubsetProportions: [][]float64{s.FetchSubsetProportions()},
		}
	}

	if metrics != nil {
		block := in.FetchBlock()
		nblocks := nblocksOf(in.FetchBlockLevels())
		f := p.Filter
		sumThr, err := thresholds(f.Strategy, metrics.Sums, block, nblocks, f.NMADs, kernels.Lower, true, f.SumThreshold)
		if err != nil {
			return err
		}
		detThr, _ := thresholds(f.Strategy, metrics.Detected, block, nblocks, f.NMADs, kernels.Lower, true, f.DetectedThreshold)
		mitoThr, _ := thresholds(f.Strategy, metrics.SubsetProportions[0], block, nblocks, f.NMADs, kernels.Upper, false, f.MitoThreshold)
		keep := kernels.KeepMask(len(metrics.Sums), block, []kernels.Check{
			{Values: metrics.Sums, Thresholds: sumThr, Dir: kernels.Lower},
			{Values: metrics.Detected, Thresholds: detThr, Dir: kernels.Lower},
			{Values: metrics.SubsetProportions[0], Thresholds: mitoThr, Dir: kernels.Upper},
		}, nil)

		if recompute {
			err = errors.Join(
				storeFloat64(s.cache, "sums", metrics.Sums),
				storeFloat64(s.cache, "detected", metrics.Detected),
				storeFloat64(s.cache, "subset_proportions", metrics.SubsetProportions[0]),
			)
		}
		err = errors.Join(err,
			storeFloat64(s.cache, "sums_thresholds", sumThr),
			storeFloat64(s.cache, "detected_thresholds", detThr),
			storeFloat64(s.cache, "subset_proportions_thresholds", mitoThr),
			storeUint8(s.cache, "keep", keep),
		)
		if err != nil {
			return err
		}
		s.changed = true
	}

	s.subset.Commit(p.Subset)
	s.filter.Commit(p.Filter)
	return nil
}

// mitoSubset marks the mitochondrial genes.
func (s *RNAQC) mitoSubset(ctx context.Context, in *Inputs, refs ReferenceSource, p RNASubsetParams) ([]bool, error) {
	features := in.FetchFeatureAnnotations()[s.modality]
	match := func(name string) bool { return hasPrefixFold(name, p.Prefix) }
	if p.UseReference {
		if refs == nil {
			return nil, errs.New(errs.Reader, s.name, "no reference source")
		}
		known := map[string]struct{}{}
		for _, sp := range p.Species {
			genes, err := refs.MitochondrialGenes(ctx, sp, p.GeneIDType)
			if err != nil {
				return nil, errs.Wrap(errs.Reader, err, sp, p.GeneIDType)
			}
			for _, g := range genes {
				known[g] = struct{}{}
			}
		}
		match = func(name string) bool {
			_, ok := known[name]
			return ok
		}
	} else if p.Prefix == "" {
		return make([]bool, features.NumRows()), nil
	}
	return featureSubset(features, p.Automatic, p.Column, match)
}

// FetchSubsetProportions returns the per-cell mitochondrial proportion.
func (s *RNAQC) FetchSubsetProportions() []float64 {
	return float64Buffer(s.cache, "subset_proportions")
}

// FetchSumsThresholds returns the lower library size threshold per block.
func (s *RNAQC) FetchSumsThresholds() []float64 {
	return float64Buffer(s.cache, "sums_thresholds")
}

func (s *RNAQC) FetchDetectedThresholds() []float64 {
	return float64Buffer(s.cache, "detected_thresholds")
}

// FetchSubsetProportionsThresholds returns the upper thresholds of subset
// i. Only subset 0 exists.
func (s *RNAQC) FetchSubsetProportionsThresholds(i int) ([]float64, error) {
	return subsetThreshold(&s.qcBase, "subset_proportions_thresholds", i)
}

// Free releases every buffer.
func (s *RNAQC) Free() {
	s.cache.FreeAll()
	s.subset.Reset()
	s.filter.Reset()
}
