package steps

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/data/memory"
	"github.com/kanaverse/bakana-sub002/internal/errs"
)

// adtCells builds six cells with one isotype control and three markers; the
// last cell lacks CD8.
func adtCells(t *testing.T, igg []float64) map[string]data.Dataset {
	t.Helper()
	rows := [][]float64{
		igg,
		{5, 5, 5, 5, 5, 5},
		{5, 5, 5, 5, 5, 5},
		{5, 5, 5, 5, 5, 0},
	}
	return map[string]data.Dataset{"x": memory.New(map[string]memory.Modality{
		data.ADT: modality(t, []string{"IgG1", "CD3", "CD4", "CD8"}, rows),
	}, nil)}
}

func TestADTQCThresholds(t *testing.T) {
	zeros := []float64{0, 0, 0, 0, 0, 0}
	subset := ADTSubsetParams{Prefix: "IgG", Automatic: true}

	tests := []struct {
		name     string
		igg      []float64
		filter   ADTFilterParams
		lastKept bool
		// keep is checked in full when set
		keep        []uint8
		detected    float64
		iggInfinite bool
		iggLimit    float64
	}{
		{
			name:        "automatic",
			igg:         zeros,
			filter:      ADTFilterParams{Strategy: StrategyAutomatic, NMADs: 3},
			detected:    3,
			iggInfinite: true,
		},
		{
			name:        "automatic with min_detected_drop",
			igg:         zeros,
			filter:      ADTFilterParams{Strategy: StrategyAutomatic, NMADs: 3, MinDetectedDrop: 0.5},
			lastKept:    true,
			keep:        []uint8{1, 1, 1, 1, 1, 1},
			detected:    1.5,
			iggInfinite: true,
		},
		{
			name:     "manual ignores min_detected_drop",
			igg:      zeros,
			filter:   ADTFilterParams{Strategy: StrategyManual, DetectedThreshold: 3, MinDetectedDrop: 0.5},
			keep:     []uint8{1, 1, 1, 1, 1, 0},
			detected: 3,
			iggLimit: 0,
		},
		{
			name:     "manual isotype threshold",
			igg:      []float64{0, 0, 0, 0, 0, 40},
			filter:   ADTFilterParams{Strategy: StrategyManual, DetectedThreshold: 1, IgGThreshold: 10},
			keep:     []uint8{1, 1, 1, 1, 1, 0},
			detected: 1,
			iggLimit: 10,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := computeInputs(t, adtCells(t, tt.igg), InputsParams{})
			qc := NewADTQC()
			require.NoError(t, qc.Compute(context.Background(), in, ADTQCParams{Subset: subset, Filter: tt.filter}))
			assert.True(t, qc.Valid())

			keep := qc.FetchKeep()
			require.Len(t, keep, 6)
			assert.Equal(t, tt.lastKept, keep[5] == 1)
			if tt.keep != nil {
				assert.Equal(t, tt.keep, keep)
			}
			assert.InDelta(t, tt.detected, qc.FetchDetectedThresholds()[0], 1e-9)

			thr, err := qc.FetchSubsetTotalsThresholds(0)
			require.NoError(t, err)
			if tt.iggInfinite {
				assert.True(t, math.IsInf(thr[0], 1))
			} else {
				assert.Equal(t, tt.iggLimit, thr[0])
			}
		})
	}

	t.Run("automatic isotype outlier", func(t *testing.T) {
		in := computeInputs(t, adtCells(t, []float64{1, 2, 1, 2, 1, 200}), InputsParams{})
		qc := NewADTQC()
		p := ADTQCParams{Subset: subset, Filter: ADTFilterParams{Strategy: StrategyAutomatic, NMADs: 3}}
		require.NoError(t, qc.Compute(context.Background(), in, p))
		assert.Equal(t, []float64{1, 2, 1, 2, 1, 200}, qc.FetchSubsetTotals())
		thr, err := qc.FetchSubsetTotalsThresholds(0)
		require.NoError(t, err)
		assert.Greater(t, thr[0], 2.0)
		assert.Less(t, thr[0], 200.0)
		assert.Equal(t, uint8(0), qc.FetchKeep()[5])

		_, err = qc.FetchSubsetTotalsThresholds(1)
		assert.ErrorIs(t, err, errs.IndexUnsupported)
	})
}

func TestADTQCFilterOnlyChange(t *testing.T) {
	datasets := adtCells(t, []float64{0, 0, 0, 0, 0, 0})
	in := computeInputs(t, datasets, InputsParams{})
	qc := NewADTQC()
	p := ADTQCParams{Filter: ADTFilterParams{Strategy: StrategyManual, DetectedThreshold: 3}}
	require.NoError(t, qc.Compute(context.Background(), in, p))
	sums := qc.FetchSums()

	require.NoError(t, in.Compute(context.Background(), datasets, InputsParams{}))
	require.False(t, in.Changed())
	require.NoError(t, qc.Compute(context.Background(), in, p))
	assert.False(t, qc.Changed())

	p.Filter.DetectedThreshold = 2
	require.NoError(t, qc.Compute(context.Background(), in, p))
	assert.True(t, qc.Changed())
	assert.Equal(t, []uint8{1, 1, 1, 1, 1, 1}, qc.FetchKeep())
	// metrics are reused
	assert.Same(t, &sums[0], &qc.FetchSums()[0])
}

func TestCRISPRQCThresholds(t *testing.T) {
	rows := [][]float64{
		{10, 12, 11, 10, 12, 1},
		{0, 1, 0, 2, 0, 1},
	}
	datasets := map[string]data.Dataset{"x": memory.New(map[string]memory.Modality{
		data.CRISPR: modality(t, []string{"guide1", "guide2"}, rows),
	}, nil)}

	tests := []struct {
		name    string
		params  CRISPRQCParams
		keep    []uint8
		wantErr error
	}{
		{"automatic", CRISPRQCParams{Strategy: StrategyAutomatic, NMADs: 3}, []uint8{1, 1, 1, 1, 1, 0}, nil},
		{"manual", CRISPRQCParams{Strategy: StrategyManual, MaxThreshold: 11}, []uint8{0, 1, 1, 0, 1, 0}, nil},
		{"unknown strategy", CRISPRQCParams{Strategy: "sometimes"}, nil, errs.UnknownStrategy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := computeInputs(t, datasets, InputsParams{})
			qc := NewCRISPRQC()
			err := qc.Compute(context.Background(), in, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, qc.Valid())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.keep, qc.FetchKeep())
			assert.Equal(t, []int32{0, 0, 0, 0, 0, 0}, qc.FetchMaxIndex())
			assert.InDelta(t, 0.5, qc.FetchMaxProportions()[5], 1e-12)

			require.NoError(t, in.Compute(context.Background(), datasets, InputsParams{}))
			require.NoError(t, qc.Compute(context.Background(), in, tt.params))
			assert.False(t, qc.Changed())
		})
	}
}

func TestNormalizationRecomputesOnBiasChange(t *testing.T) {
	rows := [][]float64{
		{10, 20, 30, 40, 50, 60},
		{5, 3, 8, 2, 9, 4},
		{1, 7, 2, 6, 3, 5},
	}
	datasets := map[string]data.Dataset{"x": memory.New(map[string]memory.Modality{
		data.ADT: modality(t, []string{"CD3", "CD4", "CD8"}, rows),
	}, nil)}
	in := NewInputs()
	qc := NewADTQC()
	filt := NewCellFiltering()
	norm := NewADTNormalization()
	qcParams := ADTQCParams{Filter: ADTFilterParams{Strategy: StrategyAutomatic, NMADs: 3}}

	sequence := []struct {
		name    string
		params  NormalizationParams
		changed bool
	}{
		{"first run", NormalizationParams{}, true},
		{"unchanged", NormalizationParams{}, false},
		{"method ignored without bias removal", NormalizationParams{Method: BiasQuick}, false},
		{"enable bias removal", NormalizationParams{RemoveBias: true, Method: BiasCLRM1}, true},
		{"same bias settings", NormalizationParams{RemoveBias: true, Method: BiasCLRM1}, false},
		{"switch method", NormalizationParams{RemoveBias: true, Method: BiasQuick}, true},
		{"disable bias removal", NormalizationParams{Method: BiasQuick}, true},
	}
	for _, step := range sequence {
		t.Run(step.name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, in.Compute(ctx, datasets, InputsParams{}))
			require.NoError(t, qc.Compute(ctx, in, qcParams))
			require.NoError(t, filt.Compute(in, []QualityControl{qc}, FilteringParams{}))
			require.NoError(t, norm.Compute(qc, filt, step.params))
			assert.Equal(t, step.changed, norm.Changed())
			assert.True(t, norm.Valid())
		})
	}

	t.Run("unknown method", func(t *testing.T) {
		err := norm.Compute(qc, filt, NormalizationParams{RemoveBias: true, Method: "psychic"})
		assert.ErrorIs(t, err, errs.IllegalValue)
	})
}
