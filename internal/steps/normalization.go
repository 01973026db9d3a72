package steps

import (
	"fmt"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// Composition bias corrections.
const (
	BiasCLRM1 = "clrm1"
	BiasQuick = "quick"
)

// NormalizationParams configures a normalisation step. Bias correction only
// applies to ADT.
type NormalizationParams struct {
	RemoveBias bool   `json:"remove_bias" yaml:"remove_bias"`
	Method     string `json:"method" yaml:"method"`
}

// Normalization derives per-cell size factors for one modality and
// log-normalises its filtered counts.
type Normalization struct {
	base
	modality string

	last       NormalizationParams
	computed   bool
	normalized *matrix.Sparse
}

// NewRNANormalization creates the RNA normalisation step.
func NewRNANormalization() *Normalization { return newNormalization(NameRNANormalization, data.RNA) }

// NewADTNormalization creates the ADT normalisation step.
func NewADTNormalization() *Normalization { return newNormalization(NameADTNormalization, data.ADT) }

// NewCRISPRNormalization creates the CRISPR normalisation step.
func NewCRISPRNormalization() *Normalization {
	return newNormalization(NameCRISPRNormalization, data.CRISPR)
}

func newNormalization(name, modality string) *Normalization {
	return &Normalization{base: newBase(name), modality: modality}
}

func (s *Normalization) Modality() string { return s.modality }

// biasChanged compares the bias settings, ignoring the method while
// correction is off.
func (s *Normalization) biasChanged(p NormalizationParams) bool {
	if s.modality != data.ADT {
		return false
	}
	if p.RemoveBias != s.last.RemoveBias {
		return true
	}
	return p.RemoveBias && p.Method != s.last.Method
}

// Compute recomputes size factors and the normalised matrix when the QC
// metrics, the filtering or the bias settings changed.
func (s *Normalization) Compute(qc QualityControl, filt *CellFiltering, p NormalizationParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	var counts *matrix.Sparse
	if qc.Valid() && filt.Valid() {
		counts, _ = filt.FetchFilteredMatrix().Get(s.modality)
	}
	if counts == nil {
		if s.computed {
			s.Free()
			s.changed = true
		}
		return nil
	}
	if s.computed && !qc.Changed() && !filt.Changed() && !s.biasChanged(p) {
		return nil
	}

	var sf []float64
	if s.modality == data.ADT && p.RemoveBias {
		switch p.Method {
		case BiasCLRM1:
			sf = kernels.CLRM1Factors(counts)
		case BiasQuick:
			sf = kernels.MedianRatioFactors(counts)
		default:
			return errs.New(errs.IllegalValue, s.name, fmt.Sprintf("method %q", p.Method))
		}
	} else {
		if sf, err = ApplyFilter(filt, qc.FetchSums()); err != nil {
			return err
		}
	}
	if len(sf) != counts.NumColumns() {
		return errs.Newf(errs.SizeFactorLengthMismatch, "%d != %d", len(sf), counts.NumColumns())
	}
	kernels.CenterSizeFactors(sf, filt.FetchFilteredBlock(), nblocksOf(filt.FetchBlockLevels()))

	normalized, err := kernels.LogNormCounts(counts, sf)
	if err != nil {
		return err
	}
	if err := storeFloat64(s.cache, "size_factors", sf); err != nil {
		return err
	}

	s.normalized = normalized
	s.last = p
	s.computed = true
	s.changed = true
	return nil
}

// Valid reports whether the modality has normalised output.
func (s *Normalization) Valid() bool { return s.computed }

// Free releases the size factors and the normalised matrix.
func (s *Normalization) Free() {
	s.cache.FreeAll()
	s.normalized = nil
	s.computed = false
	s.last = NormalizationParams{}
}

// FetchSizeFactors returns one centred size factor per filtered cell.
func (s *Normalization) FetchSizeFactors() []float64 {
	return float64Buffer(s.cache, "size_factors")
}

// FetchNormalizedMatrix returns the log-normalised filtered counts.
func (s *Normalization) FetchNormalizedMatrix() *matrix.Sparse { return s.normalized }
