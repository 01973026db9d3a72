package params

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/errs"
)

type nested struct {
	Field  string
	Ranges [][2]float64
}

type record struct {
	NMads   float64
	Species []string
	Subset  *nested
	Weights map[string]float64
	Extra   any
}

type fakeBuffer struct{}

func (fakeBuffer) NumericBuffer() {}

func TestDiffer(t *testing.T) {
	base := record{
		NMads:   3,
		Species: []string{"9606"},
		Subset:  &nested{Field: "age", Ranges: [][2]float64{{math.Inf(-1), 10}, {20, math.Inf(1)}}},
		Weights: map[string]float64{"RNA": 1, "ADT": 0.5},
	}

	t.Run("identical", func(t *testing.T) {
		d, err := Differ(base, Clone(base))
		require.NoError(t, err)
		assert.False(t, d)
	})

	t.Run("infinities compare equal", func(t *testing.T) {
		d, err := Differ(math.Inf(1), math.Inf(1))
		require.NoError(t, err)
		assert.False(t, d)
		d, err = Differ(math.Inf(1), math.Inf(-1))
		require.NoError(t, err)
		assert.True(t, d)
	})

	t.Run("nested change", func(t *testing.T) {
		other := Clone(base)
		other.Subset.Ranges[1][0] = 21
		d, err := Differ(base, other)
		require.NoError(t, err)
		assert.True(t, d)
		assert.Equal(t, 20.0, base.Subset.Ranges[1][0])
	})

	t.Run("map keys", func(t *testing.T) {
		other := Clone(base)
		delete(other.Weights, "ADT")
		other.Weights["CRISPR"] = 0.5
		d, err := Differ(base, other)
		require.NoError(t, err)
		assert.True(t, d)
	})

	t.Run("nil versus empty", func(t *testing.T) {
		d, err := Differ(record{}, record{Species: []string{}, Weights: map[string]float64{}})
		require.NoError(t, err)
		assert.False(t, d)
		d, err = Differ(record{}, record{Species: []string{"9606"}})
		require.NoError(t, err)
		assert.True(t, d)
	})

	t.Run("binary blob", func(t *testing.T) {
		_, err := Differ(record{Extra: []byte("x")}, record{Extra: []byte("x")})
		assert.True(t, errors.Is(err, errs.IllegalValue))
	})

	t.Run("numeric buffer", func(t *testing.T) {
		_, err := Differ(record{}, record{Extra: fakeBuffer{}})
		assert.True(t, errors.Is(err, errs.IllegalValue))
	})

	t.Run("illegal content behind a mismatch", func(t *testing.T) {
		tests := []struct {
			name string
			a, b record
		}{
			{"surplus slice element", record{Extra: []any{1.0}}, record{Extra: []any{1.0, []byte("x")}}},
			{"shorter slice", record{Extra: []any{2.0, fakeBuffer{}}}, record{Extra: []any{2.0}}},
			{"key only on the left", record{Extra: map[string]any{"a": 1.0, "b": math.NaN()}}, record{Extra: map[string]any{"a": 1.0}}},
			{"key only on the right", record{Extra: map[string]any{"a": 1.0}}, record{Extra: map[string]any{"c": []byte("x")}}},
			{"mismatched types", record{Extra: "x"}, record{Extra: []any{fakeBuffer{}}}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := Differ(tt.a, tt.b)
				assert.ErrorIs(t, err, errs.IllegalValue)
				_, err = Differ(tt.b, tt.a)
				assert.ErrorIs(t, err, errs.IllegalValue)
			})
		}
	})

	t.Run("NaN", func(t *testing.T) {
		_, err := Differ(math.NaN(), 1.0)
		assert.True(t, errors.Is(err, errs.IllegalValue))
	})
}

func TestTracker(t *testing.T) {
	var tr Tracker[record]
	next := record{NMads: 3, Species: []string{"9606"}}

	changed, err := tr.Changed(next)
	require.NoError(t, err)
	assert.True(t, changed)

	tr.Commit(next)
	next.Species[0] = "10090"

	changed, err = tr.Changed(record{NMads: 3, Species: []string{"9606"}})
	require.NoError(t, err)
	assert.False(t, changed, "committed record must be a private copy")

	last, ok := tr.Last()
	require.True(t, ok)
	assert.Equal(t, []string{"9606"}, last.Species)

	tr.Reset()
	changed, _ = tr.Changed(last)
	assert.True(t, changed)
}
