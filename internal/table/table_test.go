package table

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndSubset(t *testing.T) {
	tab := New(3)
	require.NoError(t, tab.SetString("id", []string{"a", "b", "c"}))
	require.NoError(t, tab.SetFloat64("score", []float64{1, 2, 3}))
	assert.Error(t, tab.SetInt32("bad", []int32{1}))

	sub := tab.SubsetRows([]int{2, 0})
	assert.Equal(t, 2, sub.NumRows())
	col, ok := sub.Column("id")
	require.True(t, ok)
	assert.Equal(t, []string{"c", "a"}, col.Str)

	tab.Remove("id")
	assert.Equal(t, []string{"score"}, tab.Names())
	assert.True(t, sub.Has("id"))
}

func TestRbind(t *testing.T) {
	a := New(2)
	require.NoError(t, a.SetString("type", []string{"T", "B"}))
	require.NoError(t, a.SetInt32("n", []int32{1, 2}))
	b := New(1)
	require.NoError(t, b.SetString("type", []string{"NK"}))
	require.NoError(t, b.SetFloat64("qc", []float64{0.5}))

	out, err := Rbind([]*Table{a, b})
	require.NoError(t, err)
	assert.Equal(t, 3, out.NumRows())
	assert.Equal(t, []string{"type", "n", "qc"}, out.Names())

	n, _ := out.Column("n")
	assert.Equal(t, Float64, n.Kind)
	assert.True(t, math.IsNaN(n.F64[2]))

	qc, _ := out.Column("qc")
	assert.True(t, qc.IsMissing(0))
	assert.Equal(t, 0.5, qc.F64[2])
}

func TestFactorize(t *testing.T) {
	tab := New(4)
	require.NoError(t, tab.SetNullableString("sample", []string{"X", "", "Y", ""}, []bool{true, false, true, false}))
	col, _ := tab.Column("sample")

	f := Factorize(col)
	assert.Equal(t, []int32{0, InvalidBlock, 1, InvalidBlock}, f.Codes)
	assert.Equal(t, []string{"X", "Y"}, f.Levels)
	assert.Equal(t, []int{1, 1}, f.Counts())

	sub := f.Subset([]int{2})
	assert.Equal(t, []int32{0}, sub.Codes)
	assert.Equal(t, []string{"Y"}, sub.Levels)
	assert.Equal(t, []string{"Y"}, sub.Labels())
}

func TestFactorizeNumeric(t *testing.T) {
	tab := New(3)
	require.NoError(t, tab.SetInt32("batch", []int32{10, 2, 10}))
	col, _ := tab.Column("batch")
	f := Factorize(col)
	assert.Equal(t, []string{"10", "2"}, f.Levels)
	assert.Equal(t, []int32{0, 1, 0}, f.Codes)
}
