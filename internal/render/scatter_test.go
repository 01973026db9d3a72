package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, b []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	return img
}

func rgba(c color.Color) color.RGBA {
	r, g, b, a := c.RGBA()
	return color.RGBA{uint8(r >> 8), uint8(g >> 8), uint8(b >> 8), uint8(a >> 8)}
}

func TestScatterPlacesPointsInCorners(t *testing.T) {
	r := NewRenderer(Config{Size: 64, PointRadius: 3, Margin: 4})
	out, err := r.Scatter([]float64{0, 10}, []float64{0, 10}, Style{Categories: []int32{0, 1}})
	require.NoError(t, err)
	img := decode(t, out)
	assert.Equal(t, 64, img.Bounds().Dx())

	// the first point sits bottom-left, the second top-right
	assert.Equal(t, color.RGBA{31, 119, 180, 255}, rgba(img.At(4, 60)))
	assert.Equal(t, color.RGBA{255, 127, 14, 255}, rgba(img.At(60, 4)))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgba(img.At(32, 32)))
}

func TestScatterSkipsNegativeCategories(t *testing.T) {
	r := NewRenderer(Config{Size: 32, PointRadius: 3, Margin: 4})
	out, err := r.Scatter([]float64{0, 1}, []float64{0, 1}, Style{Categories: []int32{-1, 0}})
	require.NoError(t, err)
	img := decode(t, out)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, rgba(img.At(4, 28)))
}

func TestScatterValuesAndHighlight(t *testing.T) {
	r := NewRenderer(Config{Size: 32, PointRadius: 3, Margin: 4})
	_, err := r.Scatter([]float64{0, 1, 2}, []float64{0, 1, 2}, Style{
		Values:   []float64{0, math.NaN(), 5},
		Colormap: "seurat",
	})
	require.NoError(t, err)

	out, err := r.Scatter([]float64{0, 1}, []float64{0, 1}, Style{Highlight: []int{1}})
	require.NoError(t, err)
	img := decode(t, out)
	assert.Equal(t, background, rgba(img.At(4, 28)))
}

func TestScatterValidation(t *testing.T) {
	r := NewRenderer(Config{})
	_, err := r.Scatter([]float64{0}, nil, Style{})
	assert.Error(t, err)
	_, err = r.Scatter([]float64{0}, []float64{0}, Style{Categories: []int32{1, 2}})
	assert.Error(t, err)
	_, err = r.Scatter([]float64{0}, []float64{0}, Style{Values: []float64{1}, Colormap: "jet"})
	assert.ErrorContains(t, err, "jet")
	_, err = r.Scatter([]float64{0}, []float64{0}, Style{Highlight: []int{3}})
	assert.Error(t, err)

	out, err := r.Scatter(nil, nil, Style{})
	require.NoError(t, err)
	assert.Equal(t, 512, decode(t, out).Bounds().Dx())
}
