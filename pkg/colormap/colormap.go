// Package colormap provides palettes for embedding plots: gradients for
// per-cell values and distinct colours for clusters and blocks.
package colormap

import (
	"image/color"
	"math"
	"sort"
)

// Colormap maps normalized values [0, 1] or category indices to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// Gradient interpolates linearly between evenly spaced stops.
type Gradient struct {
	stops []color.RGBA
}

// NewGradient builds a gradient from at least two stops.
func NewGradient(stops ...color.RGBA) Gradient {
	if len(stops) < 2 {
		panic("colormap: a gradient needs two stops")
	}
	return Gradient{stops: stops}
}

// At returns the color at position t. NaN maps to the first stop.
func (g Gradient) At(t float64) color.Color {
	if math.IsNaN(t) || t <= 0 {
		return g.stops[0]
	}
	last := len(g.stops) - 1
	if t >= 1 {
		return g.stops[last]
	}
	pos := t * float64(last)
	lo := int(pos)
	return blend(g.stops[lo], g.stops[lo+1], pos-float64(lo))
}

// AtIndex spreads n categories over the gradient, wrapping every stop.
func (g Gradient) AtIndex(i int) color.Color {
	return g.stops[mod(i, len(g.stops))]
}

func blend(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 { return uint8(math.Round(float64(x) + t*(float64(y)-float64(x)))) }
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

func mod(i, n int) int {
	i %= n
	if i < 0 {
		i += n
	}
	return i
}

// Palette holds distinct colors for categories.
type Palette struct {
	colors []color.RGBA
}

// At picks the category covering t.
func (p Palette) At(t float64) color.Color {
	i := int(t * float64(len(p.colors)))
	if i >= len(p.colors) {
		i = len(p.colors) - 1
	}
	if i < 0 {
		i = 0
	}
	return p.colors[i]
}

// AtIndex returns the color of category i, cycling past the palette size.
func (p Palette) AtIndex(i int) color.Color {
	return p.colors[mod(i, len(p.colors))]
}

// Len is the number of distinct colors.
func (p Palette) Len() int { return len(p.colors) }

// Viridis is the matplotlib viridis gradient.
var Viridis = NewGradient(
	color.RGBA{68, 1, 84, 255},
	color.RGBA{65, 68, 135, 255},
	color.RGBA{42, 120, 142, 255},
	color.RGBA{34, 168, 132, 255},
	color.RGBA{122, 209, 81, 255},
	color.RGBA{253, 231, 37, 255},
)

// Magma is the matplotlib magma gradient.
var Magma = NewGradient(
	color.RGBA{0, 0, 4, 255},
	color.RGBA{80, 18, 123, 255},
	color.RGBA{182, 54, 121, 255},
	color.RGBA{251, 136, 97, 255},
	color.RGBA{252, 253, 191, 255},
)

// Seurat runs from light grey to red, as in feature plots.
var Seurat = NewGradient(
	color.RGBA{211, 211, 211, 255},
	color.RGBA{255, 0, 0, 255},
)

// Clusters has twenty distinct colors for cluster labels.
var Clusters = Palette{colors: []color.RGBA{
	{31, 119, 180, 255},
	{255, 127, 14, 255},
	{44, 160, 44, 255},
	{214, 39, 40, 255},
	{148, 103, 189, 255},
	{140, 86, 75, 255},
	{227, 119, 194, 255},
	{127, 127, 127, 255},
	{188, 189, 34, 255},
	{23, 190, 207, 255},
	{174, 199, 232, 255},
	{255, 187, 120, 255},
	{152, 223, 138, 255},
	{255, 152, 150, 255},
	{197, 176, 213, 255},
	{196, 156, 148, 255},
	{247, 182, 210, 255},
	{199, 199, 199, 255},
	{219, 219, 141, 255},
	{158, 218, 229, 255},
}}

var named = map[string]Colormap{
	"viridis":  Viridis,
	"magma":    Magma,
	"seurat":   Seurat,
	"clusters": Clusters,
}

// Lookup returns a colormap by name.
func Lookup(name string) (Colormap, bool) {
	c, ok := named[name]
	return c, ok
}

// Names lists the known colormaps.
func Names() []string {
	out := make([]string, 0, len(named))
	for k := range named {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
