package kernels

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// twoGroups returns 2*n cells in dim dimensions, half around the origin
// and half around (offset, offset, ...).
func twoGroups(n, dim int, offset float64, seed int64) Points {
	rng := rand.New(rand.NewSource(seed))
	p := NewPoints(2*n, dim)
	for i := 0; i < 2*n; i++ {
		for d := 0; d < dim; d++ {
			v := rng.NormFloat64() * 0.1
			if i >= n {
				v += offset
			}
			p.Row(i)[d] = v
		}
	}
	return p
}

// markerMatrix has 3 features; feature 0 is high in the first half of the
// cells and feature 1 in the second half.
func markerMatrix(t *testing.T, n int) *matrix.Sparse {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	data := make([]float64, 3*2*n)
	for j := 0; j < 2*n; j++ {
		hi, lo := 0, 1
		if j >= n {
			hi, lo = 1, 0
		}
		data[j*3+hi] = 5 + rng.Float64()
		data[j*3+lo] = rng.Float64() * 0.5
		data[j*3+2] = 1 + rng.Float64()
	}
	x, err := matrix.FromDense(3, 2*n, data)
	require.NoError(t, err)
	return x
}

func TestMADThresholdsFlagsLowOutlier(t *testing.T) {
	sums := []float64{100, 120, 130, 5}
	thr := MADThresholds(sums, nil, 1, 3, Lower, true)
	require.Len(t, thr, 1)
	assert.Greater(t, thr[0], 5.0)
	assert.Less(t, thr[0], 100.0)

	keep := KeepMask(4, nil, []Check{{Values: sums, Thresholds: thr, Dir: Lower}}, nil)
	assert.Equal(t, []uint8{1, 1, 1, 0}, keep)
}

func TestMADThresholdsPerBlock(t *testing.T) {
	x := []float64{1, 2, 3, 100, 200, 300}
	block := []int32{0, 0, 0, 1, 1, 1}
	thr := MADThresholds(x, block, 3, 3, Upper, false)
	require.Len(t, thr, 3)
	assert.InDelta(t, 2+3*1.4826, thr[0], 1e-9)
	assert.InDelta(t, 200+3*100*1.4826, thr[1], 1e-9)
	assert.True(t, math.IsNaN(thr[2]))
}

func TestQCMetrics(t *testing.T) {
	// 3 features x 2 cells
	x, err := matrix.FromDense(3, 2, []float64{1, 0, 3, 0, 2, 2})
	require.NoError(t, err)

	rna, err := PerCellRNAQCMetrics(x, [][]bool{{false, false, true}})
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 4}, rna.Sums)
	assert.Equal(t, []float64{2, 2}, rna.Detected)
	assert.Equal(t, []float64{0.75, 0.5}, rna.SubsetProportions[0])

	_, err = PerCellRNAQCMetrics(x, [][]bool{{true}})
	assert.Error(t, err)

	crispr, err := PerCellCRISPRQCMetrics(x)
	require.NoError(t, err)
	assert.Equal(t, []int32{2, 1}, crispr.MaxIndex)
	assert.Equal(t, []float64{0.75, 0.5}, crispr.MaxProportion)
}

func TestCenterSizeFactors(t *testing.T) {
	sf := []float64{1, 3, 10, 30, 0}
	CenterSizeFactors(sf, []int32{0, 0, 1, 1, 1}, 2)
	assert.InDelta(t, 0.5, sf[0], 1e-12)
	assert.InDelta(t, 1.5, sf[1], 1e-12)
	assert.InDelta(t, 1.0, (sf[2]+sf[3]+sf[4])/3, 1e-12)
	assert.Equal(t, sf[2], sf[4], "zero factor replaced by the block minimum")
}

func TestLogNormCounts(t *testing.T) {
	x, err := matrix.FromDense(2, 2, []float64{1, 3, 0, 4})
	require.NoError(t, err)

	_, err = LogNormCounts(x, []float64{1})
	assert.True(t, errors.Is(err, errs.SizeFactorLengthMismatch))

	y, err := LogNormCounts(x, []float64{1, 2})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, y.At(0, 0), 1e-12)
	assert.InDelta(t, 2.0, y.At(1, 0), 1e-12)
	assert.InDelta(t, math.Log2(3), y.At(1, 1), 1e-12)
}

func TestModelGeneVar(t *testing.T) {
	x := markerMatrix(t, 20)
	m := ModelGeneVar(x, nil, 1, 0.3)
	require.Len(t, m.Means, 3)
	for i := range m.Means {
		assert.InDelta(t, m.Variances[i]-m.Fitted[i], m.Residuals[i], 1e-12)
	}
	// the two marker features vary far more than the housekeeping one
	assert.Greater(t, m.Variances[0], m.Variances[2])
	sorted := SortedResiduals(m.Residuals, nil)
	assert.True(t, sorted[0] <= sorted[1] && sorted[1] <= sorted[2])
}

func TestRunPCASeparatesGroups(t *testing.T) {
	x := markerMatrix(t, 15)
	res, err := RunPCA(x, []bool{true, true, true}, 2, nil, 1, BlockNone)
	require.NoError(t, err)
	assert.Equal(t, 30, res.Components.N())
	assert.Equal(t, 2, res.Components.Dim)

	first := res.Components.Row(0)[0]
	last := res.Components.Row(29)[0]
	assert.True(t, first*last < 0, "first PC should split the groups")
	assert.Greater(t, res.VarianceExplained[0], res.VarianceExplained[1])
	assert.LessOrEqual(t, res.VarianceExplained[0], res.TotalVariance+1e-9)

	_, err = RunPCA(x, []bool{true}, 2, nil, 1, BlockNone)
	assert.Error(t, err)

	block := make([]int32, 30)
	for i := 15; i < 30; i++ {
		block[i] = 1
	}
	for _, method := range []string{BlockRegress, BlockProject} {
		res, err := RunPCA(x, []bool{true, true, true}, 2, block, 2, method)
		require.NoError(t, err, method)
		assert.Equal(t, 30, res.Components.N(), method)
	}
}

func TestNeighborIndex(t *testing.T) {
	p := twoGroups(50, 3, 10, 1)
	exact := BuildNeighborIndex(p, false, 1).FindNearest(5)
	approx := BuildNeighborIndex(p, true, 1).FindNearest(5)
	require.Len(t, exact.Index, 100)
	assert.Equal(t, 5, exact.K())
	for i := 0; i < 100; i++ {
		for k, j := range exact.Index[i] {
			assert.NotEqual(t, int32(i), j)
			assert.Equal(t, i < 50, j < 50, "neighbours stay in their group")
			if k > 0 {
				assert.LessOrEqual(t, exact.Distance[i][k-1], exact.Distance[i][k])
			}
		}
		assert.Len(t, approx.Index[i], 5)
		assert.GreaterOrEqual(t, approx.Distance[i][4], exact.Distance[i][4]-1e-12)
	}

	small := NewPoints(2, 1)
	nn := BuildNeighborIndex(small, false, 1).FindNearest(10)
	assert.Equal(t, 1, nn.K())
}

func TestScaleByNeighbors(t *testing.T) {
	a := twoGroups(20, 2, 5, 1)
	b := twoGroups(20, 3, 50, 2)
	combined, scales, err := ScaleByNeighbors([]Points{a, b}, []float64{1, 2}, 5, false)
	require.NoError(t, err)
	assert.Equal(t, 5, combined.Dim)
	assert.Equal(t, 40, combined.N())
	assert.Equal(t, 1.0, scales[0])
	assert.InDelta(t, b.Row(3)[1]*scales[1], combined.Row(3)[3], 1e-12)

	_, _, err = ScaleByNeighbors([]Points{a, NewPoints(3, 2)}, nil, 5, false)
	assert.True(t, errors.Is(err, errs.ShapeMismatch))
}

func TestMNNCorrectMergesShiftedBlocks(t *testing.T) {
	n := 40
	p := twoGroups(n/2, 2, 0, 3)
	block := make([]int32, n)
	for i := 0; i < n; i++ {
		if i%2 == 1 {
			block[i] = 1
			p.Row(i)[0] += 20
		}
	}
	orig := append([]float64(nil), p.Data...)
	before := centroidGap(p, block)
	out := MNNCorrect(p, block, 2, 5, false)
	after := centroidGap(out, block)
	assert.Greater(t, before, 19.0)
	assert.Less(t, after, 2.0)
	assert.Equal(t, orig, p.Data, "input left untouched")
}

func centroidGap(p Points, block []int32) float64 {
	var c [2][]float64
	var n [2]float64
	for b := range c {
		c[b] = make([]float64, p.Dim)
	}
	for i, b := range block {
		for d, v := range p.Row(i) {
			c[b][d] += v
		}
		n[b]++
	}
	for b := range c {
		for d := range c[b] {
			c[b][d] /= n[b]
		}
	}
	return math.Sqrt(sqdist(c[0], c[1]))
}

func TestSNNClustering(t *testing.T) {
	p := twoGroups(30, 2, 10, 4)
	nn := BuildNeighborIndex(p, false, 1).FindNearest(8)
	for _, scheme := range []string{SchemeRank, SchemeNumber, SchemeJaccard} {
		edges, err := BuildSNNGraph(nn, scheme)
		require.NoError(t, err)
		labels := ClusterSNNGraph(60, edges, 0.1, 42)
		assert.Equal(t, 2, NumClusters(labels), scheme)
		for i := 1; i < 30; i++ {
			assert.Equal(t, labels[0], labels[i])
			assert.Equal(t, labels[30], labels[30+i])
		}
		assert.NotEqual(t, labels[0], labels[30])
	}
	_, err := BuildSNNGraph(nn, "bogus")
	assert.Error(t, err)
}

func TestKMeans(t *testing.T) {
	p := twoGroups(25, 3, 8, 5)
	labels, err := KMeans(p, 2, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, NumClusters(labels))
	for i := 1; i < 25; i++ {
		assert.Equal(t, labels[0], labels[i])
	}
	assert.NotEqual(t, labels[0], labels[25])

	again, err := KMeans(p, 2, 42, 100)
	require.NoError(t, err)
	assert.Equal(t, labels, again)

	_, err = KMeans(p, 0, 1, 10)
	assert.Error(t, err)
}

func TestRelabelBySize(t *testing.T) {
	assert.Equal(t, []int32{1, 0, 0, 2}, RelabelBySize([]int32{5, 3, 3, 9}))
}

func TestTSNEAndUMAPProduceFiniteLayouts(t *testing.T) {
	p := twoGroups(20, 4, 10, 6)
	nn := BuildNeighborIndex(p, false, 1).FindNearest(15)

	ts := NewTSNE(nn, 5, 42)
	for i := 0; i < 50; i++ {
		ts.Step()
	}
	assert.Equal(t, 50, ts.Iteration())
	x, y := ts.Coordinates()
	for i := range x {
		assert.False(t, math.IsNaN(x[i]) || math.IsNaN(y[i]))
	}

	um := NewUMAP(nn, 0.1, 30, 42)
	for um.Epoch() < um.Epochs() {
		um.Step()
	}
	um.Step()
	assert.Equal(t, 30, um.Epoch())
	x, y = um.Coordinates()
	for i := range x {
		assert.False(t, math.IsNaN(x[i]) || math.IsNaN(y[i]))
	}

	um.SetCoordinates([]float64{1}, []float64{2}, 3)
	x, y = um.Coordinates()
	assert.Equal(t, 1.0, x[0])
	assert.Equal(t, 2.0, y[0])
	assert.Equal(t, 3, um.Epoch())
}

func TestFitUMAPCurve(t *testing.T) {
	a, b := FitUMAPCurve(0.1, 1)
	assert.InDelta(t, 1.58, a, 0.15)
	assert.InDelta(t, 0.90, b, 0.1)
}

func TestScoreMarkers(t *testing.T) {
	n := 20
	x := markerMatrix(t, n)
	groups := make([]int32, 2*n)
	for j := n; j < 2*n; j++ {
		groups[j] = 1
	}

	res, err := ScoreMarkers(x, groups, 2, nil, 1, MarkerOptions{ComputeAUC: true})
	require.NoError(t, err)
	require.Len(t, res.Groups, 2)

	g0 := res.Groups[0]
	assert.Greater(t, g0.Means[0], g0.Means[1])
	assert.Equal(t, 1.0, g0.Detected[0])
	assert.Equal(t, 1.0, g0.Effects[EffectAUC].Min[0])
	assert.Equal(t, 0.0, g0.Effects[EffectAUC].Min[1])
	assert.Equal(t, 1.0, g0.Effects[EffectLFC].MinRank[0])
	assert.Greater(t, g0.Effects[EffectCohen].Mean[0], 0.0)
	assert.Equal(t, 1.0, res.Groups[1].Effects[EffectLFC].MinRank[1])

	noAUC, err := ScoreMarkers(x, groups, 2, nil, 1, MarkerOptions{})
	require.NoError(t, err)
	_, ok := noAUC.Groups[0].Effects[EffectAUC]
	assert.False(t, ok)
	assert.Len(t, noAUC.Groups[0].Effects, 3)

	_, err = ScoreMarkers(x, groups[:3], 2, nil, 1, MarkerOptions{})
	assert.Error(t, err)
}

func TestAUCMatchesRankSum(t *testing.T) {
	a := []float64{0.5, 1, 1, 3}
	b := []float64{1, 2}
	fast := aucSorted(a, 6, b, 5)
	slow, p := mannWhitneyU(a, 6, b, 5)
	assert.InDelta(t, slow, fast, 1e-12)
	assert.True(t, p > 0 && p <= 1)
}

func TestScoreVersus(t *testing.T) {
	n := 15
	x := markerMatrix(t, n)
	groups := make([]int32, 2*n)
	for j := n; j < 2*n; j++ {
		groups[j] = 1
	}
	res, err := ScoreVersus(x, groups, 1, 0, nil, 1, MarkerOptions{ComputeAUC: true})
	require.NoError(t, err)
	assert.Less(t, res.Effects[EffectLFC][0], 0.0)
	assert.Greater(t, res.Effects[EffectLFC][1], 0.0)
	assert.Less(t, res.PValues[1], 1e-6)
	assert.Less(t, res.FDR[1], 1e-5)
	assert.Equal(t, 1.0, res.Effects[EffectAUC][1])
	assert.Less(t, res.RankSumPValues[1], 1e-3)

	_, err = ScoreVersus(x, groups, 0, 0, nil, 1, MarkerOptions{})
	assert.Error(t, err)
	_, err = ScoreVersus(x, groups, 0, 2, nil, 1, MarkerOptions{})
	assert.Error(t, err)
}

func TestBenjaminiHochberg(t *testing.T) {
	fdr := benjaminiHochberg([]float64{0.01, 0.04, 0.03, 0.2})
	assert.InDelta(t, 0.04, fdr[0], 1e-12)
	assert.InDelta(t, 0.04*4/3, fdr[1], 1e-12)
	assert.InDelta(t, 0.04*4/3, fdr[2], 1e-12)
	assert.InDelta(t, 0.2, fdr[3], 1e-12)
}
