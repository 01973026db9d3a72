package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestSeuratGradientEndpoints(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		t    float64
		want color.RGBA
	}{
		{"low", 0, color.RGBA{R: 211, G: 211, B: 211, A: 255}},
		{"below range", -3, color.RGBA{R: 211, G: 211, B: 211, A: 255}},
		{"nan", math.NaN(), color.RGBA{R: 211, G: 211, B: 211, A: 255}},
		{"high", 1, color.RGBA{R: 255, G: 0, B: 0, A: 255}},
		{"middle", 0.5, color.RGBA{R: 233, G: 106, B: 106, A: 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Seurat.At(tt.t).(color.RGBA)
			if !ok {
				t.Fatalf("expected color.RGBA")
			}
			if got != tt.want {
				t.Fatalf("Seurat.At(%v) = %#v, want %#v", tt.t, got, tt.want)
			}
		})
	}
}

func TestPaletteWraps(t *testing.T) {
	t.Parallel()

	if Clusters.AtIndex(0) != Clusters.AtIndex(Clusters.Len()) {
		t.Fatalf("palette does not wrap")
	}
	if Clusters.AtIndex(-1) != Clusters.AtIndex(Clusters.Len()-1) {
		t.Fatalf("negative index not wrapped")
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	if _, ok := Lookup("viridis"); !ok {
		t.Fatalf("viridis missing")
	}
	if _, ok := Lookup("jet"); ok {
		t.Fatalf("unexpected colormap jet")
	}
	if got := Names(); len(got) != 4 || got[0] != "clusters" {
		t.Fatalf("Names() = %v", got)
	}
}
