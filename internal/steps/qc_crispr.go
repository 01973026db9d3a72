package steps

import (
	"context"
	"errors"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// CRISPRQCParams configures CRISPR quality control. Cells are filtered on
// the count of their most abundant guide.
type CRISPRQCParams struct {
	Strategy     string  `json:"filter_strategy" yaml:"filter_strategy"`
	NMADs        float64 `json:"nmads" yaml:"nmads"`
	MaxThreshold float64 `json:"max_threshold" yaml:"max_threshold"`
}

// CRISPRQC filters cells whose dominant guide has too few counts.
type CRISPRQC struct {
	qcBase
	params params.Tracker[CRISPRQCParams]
}

// NewCRISPRQC creates the CRISPR quality control step.
func NewCRISPRQC() *CRISPRQC {
	return &CRISPRQC{qcBase: qcBase{base: newBase(NameCRISPRQC), modality: data.CRISPR}}
}

func (s *CRISPRQC) Compute(ctx context.Context, in *Inputs, p CRISPRQCParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	x := in.FetchCountMatrix()
	if x == nil || !x.Has(s.modality) {
		s.invalidate()
		s.params.Reset()
		return nil
	}
	counts, _ := x.Get(s.modality)

	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	recompute := in.Changed() || !s.Valid()
	if !recompute && !paramsChanged {
		return nil
	}

	var sums, detected, maxProp []float64
	var maxIndex []int32
	if recompute {
		m, err := kernels.PerCellCRISPRQCMetrics(counts)
		if err != nil {
			return errs.Wrap(errs.Kernel, err, s.name)
		}
		sums, detected, maxProp, maxIndex = m.Sums, m.Detected, m.MaxProportion, m.MaxIndex
	} else {
		sums, detected, maxProp = s.FetchSums(), s.FetchDetected(), s.FetchMaxProportions()
	}

	maxCount := make([]float64, len(sums))
	for i := range maxCount {
		maxCount[i] = sums[i] * maxProp[i]
	}
	block := in.FetchBlock()
	nblocks := nblocksOf(in.FetchBlockLevels())
	thr, err := thresholds(p.Strategy, maxCount, block, nblocks, p.NMADs, kernels.Lower, true, p.MaxThreshold)
	if err != nil {
		return err
	}
	keep := kernels.KeepMask(len(sums), block, []kernels.Check{
		{Values: maxCount, Thresholds: thr, Dir: kernels.Lower},
	}, nil)

	if recompute {
		err = errors.Join(
			storeFloat64(s.cache, "sums", sums),
			storeFloat64(s.cache, "detected", detected),
			storeFloat64(s.cache, "max_proportion", maxProp),
			storeInt32(s.cache, "max_index", maxIndex),
		)
	}
	err = errors.Join(err,
		storeFloat64(s.cache, "max_count_thresholds", thr),
		storeUint8(s.cache, "keep", keep),
	)
	if err != nil {
		return err
	}
	s.changed = true
	s.params.Commit(p)
	return nil
}

// FetchMaxProportions returns the share of counts in each cell's dominant
// guide.
func (s *CRISPRQC) FetchMaxProportions() []float64 {
	return float64Buffer(s.cache, "max_proportion")
}

// FetchMaxIndex returns the row of each cell's dominant guide, -1 for empty
// cells.
func (s *CRISPRQC) FetchMaxIndex() []int32 { return int32Buffer(s.cache, "max_index") }

func (s *CRISPRQC) FetchMaxCountThresholds() []float64 {
	return float64Buffer(s.cache, "max_count_thresholds")
}

// Free releases every buffer.
func (s *CRISPRQC) Free() {
	s.cache.FreeAll()
	s.params.Reset()
}
