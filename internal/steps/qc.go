package steps

import (
	"context"
	"strconv"
	"strings"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Filter strategies.
const (
	StrategyAutomatic = "automatic"
	StrategyManual    = "manual"
)

// QualityControl is the view the filtering and normalisation steps take of
// a per-modality QC step.
type QualityControl interface {
	Step
	Modality() string
	// FetchSums returns the per-cell total counts before filtering.
	FetchSums() []float64
	// FetchKeep returns the keep mask, 1 for retained cells.
	FetchKeep() []uint8
}

// ReferenceSource supplies reference feature lists.
type ReferenceSource interface {
	// MitochondrialGenes lists the mitochondrial genes of a species as
	// identifiers of the given type, e.g. "ENSEMBL" or "SYMBOL".
	MitochondrialGenes(ctx context.Context, species, idType string) ([]string, error)
}

// qcBase holds what every QC step shares.
type qcBase struct {
	base
	modality string
}

func (s *qcBase) Modality() string { return s.modality }

func (s *qcBase) FetchSums() []float64 { return float64Buffer(s.cache, "sums") }

func (s *qcBase) FetchDetected() []float64 { return float64Buffer(s.cache, "detected") }

func (s *qcBase) FetchKeep() []uint8 { return uint8Buffer(s.cache, "keep") }

// Valid reports whether the modality was present in the inputs.
func (s *qcBase) Valid() bool {
	_, ok := s.cache.Get("keep")
	return ok
}

// invalidate drops every result when the modality disappears.
func (s *qcBase) invalidate() {
	if len(s.cache.Names()) > 0 {
		s.changed = true
	}
	s.cache.FreeAll()
}

// NumDiscarded counts the cells failing the filters.
func (s *qcBase) NumDiscarded() int {
	n := 0
	for _, k := range s.FetchKeep() {
		if k == 0 {
			n++
		}
	}
	return n
}

func nblocksOf(levels []string) int {
	if len(levels) == 0 {
		return 1
	}
	return len(levels)
}

// thresholds derives one threshold per block, either by the MAD rule or by
// broadcasting the manual value.
func thresholds(strategy string, x []float64, block []int32, nblocks int, nmads float64, dir kernels.Direction, log bool, manual float64) ([]float64, error) {
	switch strategy {
	case StrategyAutomatic:
		return kernels.MADThresholds(x, block, nblocks, nmads, dir, log), nil
	case StrategyManual:
		out := make([]float64, nblocks)
		for i := range out {
			out[i] = manual
		}
		return out, nil
	}
	return nil, errs.New(errs.UnknownStrategy, strategy)
}

// subsetThreshold fetches the thresholds of feature subset i. Only a single
// subset is tracked.
func subsetThreshold(s *qcBase, name string, i int) ([]float64, error) {
	if i != 0 {
		return nil, errs.New(errs.IndexUnsupported, s.name, strconv.Itoa(i))
	}
	return float64Buffer(s.cache, name), nil
}

// findFeatureColumn resolves a manually chosen feature column by name, or by
// position when no column carries that name.
func findFeatureColumn(features *table.Table, name string) (*table.Column, error) {
	if col, ok := features.Column(name); ok {
		return col, nil
	}
	if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < features.NumColumns() {
		return features.Columns()[i], nil
	}
	return nil, errs.New(errs.SubsetFieldUnknown, name)
}

// matchColumn marks the features of col satisfying match.
func matchColumn(col *table.Column, match func(string) bool) ([]bool, int) {
	n := col.Len()
	out := make([]bool, n)
	hits := 0
	for i := 0; i < n; i++ {
		s, ok := col.Text(i)
		if ok && match(s) {
			out[i] = true
			hits++
		}
	}
	return out, hits
}

// guessFeatureSubset scans every string column of features and keeps the
// one with the most matches. With no match anywhere the subset is empty.
func guessFeatureSubset(features *table.Table, match func(string) bool) []bool {
	best := make([]bool, features.NumRows())
	bestHits := 0
	for _, col := range features.Columns() {
		if col.Kind != table.String {
			continue
		}
		mask, hits := matchColumn(col, match)
		if hits > bestHits {
			best, bestHits = mask, hits
		}
	}
	return best
}

// hasPrefixFold reports whether s starts with prefix, ignoring case.
func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// featureSubset identifies a feature subset from a prefix or reference list,
// either on an explicit column or on the best matching one.
func featureSubset(features *table.Table, automatic bool, column string, match func(string) bool) ([]bool, error) {
	if automatic {
		return guessFeatureSubset(features, match), nil
	}
	col, err := findFeatureColumn(features, column)
	if err != nil {
		return nil, err
	}
	mask, _ := matchColumn(col, match)
	return mask, nil
}
