// Package render draws embedding scatter plots using fogleman/gg.
package render

import (
	"bytes"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"

	"github.com/kanaverse/bakana-sub002/pkg/colormap"
)

// Config contains renderer configuration.
type Config struct {
	Size            int
	PointRadius     float64
	Margin          float64
	DefaultColormap string
}

// Style selects how points are colored. Either Categories or Values may be
// set, with one entry per point.
type Style struct {
	// Categories holds a non-negative category per point; negative
	// categories are not drawn.
	Categories []int32
	Values     []float64
	Colormap   string
	// Highlight draws only the points at these indices in color and the
	// rest in grey.
	Highlight []int
}

// Renderer renders scatter plots.
type Renderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewRenderer creates a new renderer. Zero fields take defaults.
func NewRenderer(cfg Config) *Renderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	if cfg.PointRadius <= 0 {
		cfg.PointRadius = 1.5
	}
	if cfg.Margin <= 0 {
		cfg.Margin = 8
	}
	if cfg.DefaultColormap == "" {
		cfg.DefaultColormap = "viridis"
	}
	return &Renderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

var background = color.RGBA{160, 160, 160, 255}

// Scatter renders x against y as a PNG.
func (r *Renderer) Scatter(x, y []float64, style Style) ([]byte, error) {
	n := len(x)
	if len(y) != n {
		return nil, fmt.Errorf("render: %d x and %d y coordinates", n, len(y))
	}
	if style.Categories != nil && len(style.Categories) != n {
		return nil, fmt.Errorf("render: %d categories for %d points", len(style.Categories), n)
	}
	if style.Values != nil && len(style.Values) != n {
		return nil, fmt.Errorf("render: %d values for %d points", len(style.Values), n)
	}
	for _, i := range style.Highlight {
		if i < 0 || i >= n {
			return nil, fmt.Errorf("render: highlight index %d out of range", i)
		}
	}

	var cmap colormap.Colormap = colormap.Clusters
	if style.Values != nil {
		name := style.Colormap
		if name == "" {
			name = r.config.DefaultColormap
		}
		var ok bool
		if cmap, ok = colormap.Lookup(name); !ok {
			return nil, fmt.Errorf("render: unknown colormap %q", name)
		}
	}

	dc := gg.NewContext(r.config.Size, r.config.Size)
	dc.SetColor(color.White)
	dc.Clear()
	if n == 0 {
		return r.encode(dc)
	}

	xmin, xmax := bounds(x)
	ymin, ymax := bounds(y)
	vmin, vmax := bounds(style.Values)
	span := float64(r.config.Size) - 2*r.config.Margin
	scale := func(v, lo, hi float64) float64 {
		if hi == lo {
			return 0.5
		}
		return (v - lo) / (hi - lo)
	}

	point := func(i int, c color.Color) {
		px := r.config.Margin + scale(x[i], xmin, xmax)*span
		// image rows grow downwards
		py := r.config.Margin + (1-scale(y[i], ymin, ymax))*span
		dc.SetColor(c)
		dc.DrawCircle(px, py, r.config.PointRadius)
		dc.Fill()
	}
	colorOf := func(i int) (color.Color, bool) {
		switch {
		case style.Categories != nil:
			if style.Categories[i] < 0 {
				return nil, false
			}
			return cmap.AtIndex(int(style.Categories[i])), true
		case style.Values != nil:
			return cmap.At(scale(style.Values[i], vmin, vmax)), true
		}
		return colormap.Clusters.AtIndex(0), true
	}

	if style.Highlight != nil {
		for i := 0; i < n; i++ {
			point(i, background)
		}
		for _, i := range style.Highlight {
			if c, ok := colorOf(i); ok {
				point(i, c)
			}
		}
		return r.encode(dc)
	}
	for i := 0; i < n; i++ {
		if c, ok := colorOf(i); ok {
			point(i, c)
		}
	}
	return r.encode(dc)
}

// bounds ignores NaN and infinite values.
func bounds(v []float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			continue
		}
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

func (r *Renderer) encode(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
