package steps

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/data/memory"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// modality builds a memory modality from row-major counts.
func modality(t *testing.T, ids []string, rows [][]float64) memory.Modality {
	t.Helper()
	nrow, ncol := len(rows), len(rows[0])
	vals := make([]float64, nrow*ncol)
	for i, r := range rows {
		for j, v := range r {
			vals[j*nrow+i] = v
		}
	}
	x, err := matrix.FromDense(nrow, ncol, vals)
	require.NoError(t, err)
	feat := table.New(nrow)
	require.NoError(t, feat.SetString("id", ids))
	return memory.Modality{Matrix: x, Features: feat, PrimaryColumn: "id"}
}

func computeInputs(t *testing.T, datasets map[string]data.Dataset, p InputsParams) *Inputs {
	t.Helper()
	in := NewInputs()
	require.NoError(t, in.Compute(context.Background(), datasets, p))
	return in
}

func featureIDs(t *testing.T, in *Inputs, mod string) []string {
	t.Helper()
	col, ok := in.FetchFeatureAnnotations()[mod].Column("id")
	require.True(t, ok)
	return col.Strings()
}

func TestInputsIntersectsDatasets(t *testing.T) {
	a := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"g1", "g2"}, [][]float64{{1, 2, 3}, {4, 5, 6}}),
		data.ADT: modality(t, []string{"a1"}, [][]float64{{7, 8, 9}}),
	}, nil)
	b := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"g2", "g3"}, [][]float64{{10, 11}, {12, 13}}),
		data.ADT: modality(t, []string{"a1", "a2"}, [][]float64{{14, 15}, {16, 17}}),
	}, nil)

	in := computeInputs(t, map[string]data.Dataset{"B": b, "A": a}, InputsParams{})
	assert.True(t, in.Changed())
	assert.Equal(t, []string{"g2"}, featureIDs(t, in, data.RNA))
	assert.Equal(t, []string{"a1"}, featureIDs(t, in, data.ADT))
	assert.Equal(t, 5, in.NumCells())
	assert.Equal(t, []int32{0, 0, 0, 1, 1}, in.FetchBlock())
	assert.Equal(t, []string{"A", "B"}, in.FetchBlockLevels())
	assert.Equal(t, []string{"A", "B"}, in.FetchDatasetNames())

	batch, ok := in.FetchCellAnnotations().Column(BatchColumn)
	require.True(t, ok)
	assert.Equal(t, []string{"A", "A", "A", "B", "B"}, batch.Strings())

	rna, _ := in.FetchCountMatrix().Get(data.RNA)
	assert.Equal(t, 4.0, rna.At(0, 0))
	assert.Equal(t, 10.0, rna.At(0, 3))

	require.NoError(t, in.Compute(context.Background(), map[string]data.Dataset{"B": b, "A": a}, InputsParams{}))
	assert.False(t, in.Changed())
}

func TestInputsMissingPrimaryIDs(t *testing.T) {
	m := modality(t, []string{"g1"}, [][]float64{{1, 2}})
	m.PrimaryColumn = "symbol"
	a := memory.New(map[string]memory.Modality{data.RNA: m}, nil)
	b := memory.New(map[string]memory.Modality{data.RNA: modality(t, []string{"g1"}, [][]float64{{3}})}, nil)

	err := NewInputs().Compute(context.Background(), map[string]data.Dataset{"a": a, "b": b}, InputsParams{})
	assert.ErrorIs(t, err, errs.MissingPrimaryID)
}

func tenCells(t *testing.T) *memory.Dataset {
	t.Helper()
	row := make([]float64, 10)
	for i := range row {
		row[i] = float64(i + 1)
	}
	cells := table.New(10)
	require.NoError(t, cells.SetFloat64("score", row))
	return memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"g1"}, [][]float64{row}),
	}, cells)
}

func TestDirectSubset(t *testing.T) {
	in := computeInputs(t, map[string]data.Dataset{"x": tenCells(t)}, InputsParams{})
	ds := in.FetchDatasets()

	require.NoError(t, in.SetDirectSubset([]int{1, 3, 5, 7, 9}, DirectSubsetOptions{OnOriginal: true, Copy: true}))
	require.NoError(t, in.Compute(context.Background(), ds, InputsParams{}))
	assert.True(t, in.Changed())
	assert.Equal(t, 5, in.NumCells())
	assert.Equal(t, 10, in.NumOriginalCells())

	idx := []int{0, 4}
	require.NoError(t, in.UndoSubset(idx))
	assert.Equal(t, []int{1, 9}, idx)
	assert.ErrorIs(t, in.UndoSubset([]int{5}), errs.SubsetOutOfRange)

	// relative to the current subset
	require.NoError(t, in.SetDirectSubset([]int{0, 2}, DirectSubsetOptions{}))
	assert.Equal(t, []int{1, 5}, in.FetchDirectSubset())

	assert.ErrorIs(t, in.SetDirectSubset([]int{3, 2}, DirectSubsetOptions{OnOriginal: true}), errs.SubsetUnsorted)
	assert.ErrorIs(t, in.SetDirectSubset([]int{10}, DirectSubsetOptions{OnOriginal: true}), errs.SubsetOutOfRange)

	require.NoError(t, in.SetDirectSubset(nil, DirectSubsetOptions{}))
	require.NoError(t, in.Compute(context.Background(), ds, InputsParams{}))
	assert.Equal(t, 10, in.NumCells())
}

func TestSubsetDescriptor(t *testing.T) {
	ds := map[string]data.Dataset{"x": tenCells(t)}
	in := computeInputs(t, ds, InputsParams{Subset: &SubsetDescriptor{
		Field:  "score",
		Ranges: [][]float64{{2, 3}, {8, 20}},
	}})
	assert.Equal(t, 5, in.NumCells())
	idx := []int{0, 1, 2, 3, 4}
	require.NoError(t, in.UndoSubset(idx))
	assert.Equal(t, []int{1, 2, 7, 8, 9}, idx)

	err := NewInputs().Compute(context.Background(), ds, InputsParams{Subset: &SubsetDescriptor{
		Field:  "score",
		Ranges: [][]float64{{5, 6}, {1, 2}},
	}})
	assert.ErrorIs(t, err, errs.SubsetRangesUnsorted)

	err = NewInputs().Compute(context.Background(), ds, InputsParams{Subset: &SubsetDescriptor{Field: "nope", Values: []string{"a"}}})
	assert.ErrorIs(t, err, errs.SubsetFieldUnknown)
}

func TestInvalidBlockDropsCells(t *testing.T) {
	cells := table.New(4)
	require.NoError(t, cells.SetNullableString("sample", []string{"X", "", "Y", ""}, []bool{true, false, true, false}))
	ds := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"g1"}, [][]float64{{1, 2, 3, 4}}),
	}, cells)

	in := computeInputs(t, map[string]data.Dataset{"x": ds}, InputsParams{BlockFactor: "sample"})
	assert.Equal(t, 2, in.NumCells())
	idx := []int{0, 1}
	require.NoError(t, in.UndoSubset(idx))
	assert.Equal(t, []int{0, 2}, idx)
	assert.Equal(t, []int32{0, 1}, in.FetchBlock())
	assert.Equal(t, []string{"X", "Y"}, in.FetchBlockLevels())

	err := NewInputs().Compute(context.Background(), map[string]data.Dataset{"x": ds}, InputsParams{BlockFactor: "missing"})
	assert.ErrorIs(t, err, errs.SubsetFieldUnknown)
}

func rnaQCParams() RNAQCParams {
	return RNAQCParams{
		Subset: RNASubsetParams{Prefix: "mt-", Automatic: true},
		Filter: RNAFilterParams{Strategy: StrategyAutomatic, NMADs: 3},
	}
}

func TestRNAQCAndFiltering(t *testing.T) {
	ds := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"GENE1"}, [][]float64{{100, 120, 130, 5}}),
	}, nil)
	in := computeInputs(t, map[string]data.Dataset{"x": ds}, InputsParams{})

	qc := NewRNAQC()
	require.NoError(t, qc.Compute(context.Background(), in, nil, rnaQCParams()))
	assert.Equal(t, []uint8{1, 1, 1, 0}, qc.FetchKeep())
	assert.Equal(t, 1, qc.NumDiscarded())
	assert.InDelta(t, 61, qc.FetchSumsThresholds()[0], 1)
	assert.Equal(t, []float64{0, 0, 0, 0}, qc.FetchSubsetProportions())

	filt := NewCellFiltering()
	require.NoError(t, filt.Compute(in, []QualityControl{qc}, FilteringParams{UseRNA: true}))
	assert.Equal(t, 3, filt.NumCells())
	buf, ok := filt.Cache().Get("keep")
	require.True(t, ok)
	assert.True(t, buf.IsView())

	got, err := ApplyFilter(filt, []string{"w", "x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"w", "x", "y"}, got)
	_, err = ApplyFilter(filt, []string{"w"})
	assert.ErrorIs(t, err, errs.FilterLengthMismatch)

	idx := []int{0, 2}
	require.NoError(t, filt.UndoFilter(idx))
	assert.Equal(t, []int{0, 2}, idx)
	assert.ErrorIs(t, filt.UndoFilter([]int{3}), errs.FilterOutOfRange)

	// disabling the RNA mask passes every cell through
	require.NoError(t, filt.Compute(in, []QualityControl{qc}, FilteringParams{}))
	assert.Equal(t, 4, filt.NumCells())
	assert.Nil(t, filt.FetchKeep())
	assert.Nil(t, filt.FetchRetained())
}

// fixedQC is a QC step with a preset keep mask.
type fixedQC struct {
	base
	modality string
}

func newFixedQC(t *testing.T, mod string, keep []uint8) *fixedQC {
	q := &fixedQC{base: newBase(mod + "_fixed"), modality: mod}
	require.NoError(t, storeUint8(q.cache, "keep", keep))
	q.changed = true
	return q
}

func (q *fixedQC) Modality() string     { return q.modality }
func (q *fixedQC) FetchSums() []float64 { return nil }
func (q *fixedQC) FetchKeep() []uint8   { return uint8Buffer(q.cache, "keep") }
func (q *fixedQC) Valid() bool          { return true }
func (q *fixedQC) Free()                { q.cache.FreeAll() }

func TestFilteringCombinesMasks(t *testing.T) {
	ds := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"g1"}, [][]float64{{1, 2, 3, 4}}),
		data.ADT: modality(t, []string{"a1"}, [][]float64{{5, 6, 7, 8}}),
	}, nil)
	in := computeInputs(t, map[string]data.Dataset{"x": ds}, InputsParams{})
	rna := newFixedQC(t, data.RNA, []uint8{1, 1, 0, 1})
	adt := newFixedQC(t, data.ADT, []uint8{1, 0, 1, 1})

	filt := NewCellFiltering()
	require.NoError(t, filt.Compute(in, []QualityControl{rna, adt}, FilteringParams{UseRNA: true, UseADT: true}))
	assert.Equal(t, []uint8{1, 0, 0, 1}, filt.FetchKeep())
	assert.Equal(t, []int{0, 3}, filt.FetchRetained())
	buf, _ := filt.Cache().Get("keep")
	assert.False(t, buf.IsView())

	x, ok := filt.FetchFilteredMatrix().Get(data.ADT)
	require.True(t, ok)
	assert.Equal(t, 2, x.NumColumns())
	assert.Equal(t, 8.0, x.At(0, 1))

	// unchanged inputs leave the step untouched
	rna.changed, adt.changed = false, false
	in.changed = false
	require.NoError(t, filt.Compute(in, []QualityControl{rna, adt}, FilteringParams{UseRNA: true, UseADT: true}))
	assert.False(t, filt.Changed())

	require.NoError(t, filt.Compute(in, []QualityControl{rna, adt}, FilteringParams{UseADT: true}))
	assert.True(t, filt.Changed())
	assert.Equal(t, []int{0, 2, 3}, filt.FetchRetained())
}

func TestRNAQCRollsBackOnError(t *testing.T) {
	ds := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"mt-1", "g2"}, [][]float64{{1, 0, 2, 1, 0}, {50, 60, 70, 65, 3}}),
	}, nil)
	in := computeInputs(t, map[string]data.Dataset{"x": ds}, InputsParams{})

	qc := NewRNAQC()
	p := rnaQCParams()
	require.NoError(t, qc.Compute(context.Background(), in, nil, p))
	keep := qc.FetchKeep()
	allocs := qc.Cache().Allocations()

	bad := p
	bad.Filter.Strategy = "sometimes"
	err := qc.Compute(context.Background(), in, nil, bad)
	assert.ErrorIs(t, err, errs.UnknownStrategy)
	assert.False(t, qc.Changed())
	assert.Same(t, &keep[0], &qc.FetchKeep()[0])
	assert.Equal(t, allocs, qc.Cache().Allocations())

	manual := p
	manual.Filter = RNAFilterParams{Strategy: StrategyManual, SumThreshold: 60, DetectedThreshold: 1, MitoThreshold: 1}
	require.NoError(t, qc.Compute(context.Background(), in, nil, manual))
	assert.True(t, qc.Changed())
	assert.Equal(t, []uint8{0, 1, 1, 1, 0}, qc.FetchKeep())
}

type staticRefs map[string][]string

func (r staticRefs) MitochondrialGenes(_ context.Context, species, idType string) ([]string, error) {
	return r[species+"/"+idType], nil
}

func TestRNAQCReferenceMito(t *testing.T) {
	ds := memory.New(map[string]memory.Modality{
		data.RNA: modality(t, []string{"ENSG1", "ENSG2"}, [][]float64{{10, 0, 5}, {10, 20, 5}}),
	}, nil)
	in := computeInputs(t, map[string]data.Dataset{"x": ds}, InputsParams{})

	p := rnaQCParams()
	p.Subset = RNASubsetParams{UseReference: true, Species: []string{"human"}, GeneIDType: "ENSEMBL", Automatic: true}
	qc := NewRNAQC()
	require.NoError(t, qc.Compute(context.Background(), in, staticRefs{"human/ENSEMBL": {"ENSG1"}}, p))
	assert.Equal(t, []float64{0.5, 0, 0.5}, qc.FetchSubsetProportions())
}
