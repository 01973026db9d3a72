package service

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/render"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// MarkerRow is one feature of a marker ranking.
type MarkerRow struct {
	Feature  string  `json:"feature"`
	Index    int     `json:"index"`
	Mean     float64 `json:"mean"`
	Detected float64 `json:"detected"`
	Effect   float64 `json:"effect"`
}

// VersusRow is one feature of a pairwise comparison.
type VersusRow struct {
	Feature string  `json:"feature"`
	Index   int     `json:"index"`
	LFC     float64 `json:"lfc"`
	Effect  float64 `json:"effect"`
	PValue  float64 `json:"p_value"`
	FDR     float64 `json:"fdr"`
}

// MarkerQuery selects a marker ranking.
type MarkerQuery struct {
	Modality string
	// Cluster is 0-based.
	Cluster int
	// Effect is one of the kernels effect names; default cohen.
	Effect string
	// Summary is "mean" (default), "min" or "min_rank".
	Summary string
	Limit   int
}

// featureNames returns a display name for every feature: the first string
// column of the feature table, or the row index.
func featureNames(t *table.Table) []string {
	for _, c := range t.Columns() {
		if c.Kind == table.String {
			return c.Strings()
		}
	}
	out := make([]string, t.NumRows())
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	return out
}

func topN(scores []float64, limit int, ascending bool) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	key := func(i int) float64 {
		v := scores[i]
		if math.IsNaN(v) {
			return math.Inf(1)
		}
		if !ascending {
			return -v
		}
		return v
	}
	sort.SliceStable(idx, func(a, b int) bool { return key(idx[a]) < key(idx[b]) })
	if limit > 0 && limit < len(idx) {
		idx = idx[:limit]
	}
	return idx
}

// Markers ranks the features of one cluster.
func (s *RunService) Markers(runID string, q MarkerQuery) ([]MarkerRow, error) {
	if q.Effect == "" {
		q.Effect = kernels.EffectCohen
	}
	var out []MarkerRow
	err := s.with(runID, func(e *engine.Engine) error {
		res := e.MarkerDetection.FetchResults(q.Modality)
		if res == nil {
			return fmt.Errorf("no markers for modality %q", q.Modality)
		}
		if q.Cluster < 0 || q.Cluster >= len(res.Groups) {
			return fmt.Errorf("cluster %d out of range [0, %d)", q.Cluster, len(res.Groups))
		}
		g := res.Groups[q.Cluster]
		sum, ok := g.Effects[q.Effect]
		if !ok {
			return fmt.Errorf("unknown effect %q", q.Effect)
		}
		var scores []float64
		ascending := false
		switch q.Summary {
		case "", "mean":
			scores = sum.Mean
		case "min":
			scores = sum.Min
		case "min_rank":
			scores, ascending = sum.MinRank, true
		default:
			return fmt.Errorf("unknown summary %q", q.Summary)
		}
		names := featureNames(e.Inputs.FetchFeatureAnnotations()[q.Modality])
		for _, i := range topN(scores, q.Limit, ascending) {
			out = append(out, MarkerRow{Feature: names[i], Index: i, Mean: g.Means[i], Detected: g.Detected[i], Effect: scores[i]})
		}
		return nil
	})
	return out, err
}

// Versus compares two 0-based clusters, ranking features by effect.
func (s *RunService) Versus(runID, modality string, left, right int, effect string, limit int) ([]VersusRow, error) {
	if effect == "" {
		effect = kernels.EffectCohen
	}
	var out []VersusRow
	err := s.with(runID, func(e *engine.Engine) error {
		res, err := e.MarkerDetection.ComputeVersus(modality, left, right)
		if err != nil {
			return err
		}
		scores, ok := res.Effects[effect]
		if !ok {
			return fmt.Errorf("unknown effect %q", effect)
		}
		names := featureNames(e.Inputs.FetchFeatureAnnotations()[modality])
		lfc := res.Effects[kernels.EffectLFC]
		for _, i := range topN(scores, limit, false) {
			out = append(out, VersusRow{
				Feature: names[i], Index: i, LFC: lfc[i], Effect: scores[i],
				PValue: res.PValues[i], FDR: res.FDR[i],
			})
		}
		return nil
	})
	return out, err
}

// AddSelection stores a custom selection of filtered cells in a finished
// run.
func (s *RunService) AddSelection(runID, id string, indices []int) error {
	return s.with(runID, func(e *engine.Engine) error {
		return e.AddSelection(id, indices)
	})
}

// RemoveSelection forgets a custom selection.
func (s *RunService) RemoveSelection(runID, id string) error {
	return s.with(runID, func(e *engine.Engine) error {
		e.CustomSelections.RemoveSelection(id)
		return nil
	})
}

// SelectionMarkers ranks the features of a custom selection against the
// remaining cells.
func (s *RunService) SelectionMarkers(runID, id, modality, effect string, limit int) ([]MarkerRow, error) {
	if effect == "" {
		effect = kernels.EffectCohen
	}
	var out []MarkerRow
	err := s.with(runID, func(e *engine.Engine) error {
		g := e.CustomSelections.FetchResults(id, modality)
		if g == nil {
			return fmt.Errorf("no selection %q for modality %q", id, modality)
		}
		sum, ok := g.Effects[effect]
		if !ok {
			return fmt.Errorf("unknown effect %q", effect)
		}
		names := featureNames(e.Inputs.FetchFeatureAnnotations()[modality])
		for _, i := range topN(sum.Mean, limit, false) {
			out = append(out, MarkerRow{Feature: names[i], Index: i, Mean: g.Means[i], Detected: g.Detected[i], Effect: sum.Mean[i]})
		}
		return nil
	})
	return out, err
}

// PlotRequest selects an embedding plot.
type PlotRequest struct {
	// Embedding is tsne, umap or pca.
	Embedding string
	// ColorBy is clusters (default), block, selection:<id> or
	// feature:<modality>:<name>.
	ColorBy  string
	Colormap string
}

// Plot renders an embedding of a finished run as a PNG.
func (s *RunService) Plot(runID string, req PlotRequest) ([]byte, error) {
	if req.ColorBy == "" {
		req.ColorBy = "clusters"
	}
	key := cache.ImageKey(runID, req.Embedding, req.ColorBy, map[string]string{"colormap": req.Colormap})
	if s.cfg.Cache != nil && !strings.HasPrefix(req.ColorBy, "selection:") {
		if b, ok := s.cfg.Cache.GetImage(key); ok {
			return b, nil
		}
	}

	var out []byte
	err := s.with(runID, func(e *engine.Engine) error {
		x, y, err := coordinates(e, req.Embedding)
		if err != nil {
			return err
		}
		style, err := styleFor(e, req.ColorBy, len(x))
		if err != nil {
			return err
		}
		style.Colormap = req.Colormap
		out, err = s.cfg.Renderer.Scatter(x, y, style)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil && !strings.HasPrefix(req.ColorBy, "selection:") {
		if err := s.cfg.Cache.SetImage(key, out); err != nil {
			s.log.WithError(err).Debug("plot not cached")
		}
	}
	return out, nil
}

func coordinates(e *engine.Engine, embedding string) (x, y []float64, err error) {
	switch embedding {
	case "tsne":
		x, y, _ = e.TSNE.FetchCoordinates()
	case "umap":
		x, y, _ = e.UMAP.FetchCoordinates()
	case "pca":
		if !e.BatchCorrection.Valid() {
			break
		}
		p := e.BatchCorrection.FetchCorrected()
		if p.Dim < 2 {
			return nil, nil, fmt.Errorf("pca has %d dimensions", p.Dim)
		}
		x, y = make([]float64, p.N()), make([]float64, p.N())
		for i := range x {
			row := p.Row(i)
			x[i], y[i] = row[0], row[1]
		}
	default:
		return nil, nil, fmt.Errorf("unknown embedding %q", embedding)
	}
	if x == nil {
		return nil, nil, fmt.Errorf("embedding %q is not available", embedding)
	}
	return x, y, nil
}

func styleFor(e *engine.Engine, colorBy string, n int) (render.Style, error) {
	kind, arg, _ := strings.Cut(colorBy, ":")
	switch kind {
	case "clusters":
		if !e.ChooseClustering.Valid() {
			return render.Style{}, fmt.Errorf("no clusters")
		}
		return render.Style{Categories: e.ChooseClustering.FetchClusters()}, nil
	case "block":
		block := e.CellFiltering.FetchFilteredBlock()
		if block == nil {
			return render.Style{}, fmt.Errorf("analysis is not blocked")
		}
		return render.Style{Categories: block}, nil
	case "selection":
		sel, ok := e.CustomSelections.FetchSelection(arg)
		if !ok {
			return render.Style{}, fmt.Errorf("no selection %q", arg)
		}
		return render.Style{Highlight: sel}, nil
	case "feature":
		mod, name, ok := strings.Cut(arg, ":")
		if !ok {
			return render.Style{}, fmt.Errorf("feature coloring needs <modality>:<name>")
		}
		norm, ok := e.Normalization(mod)
		if !ok || !norm.Valid() {
			return render.Style{}, fmt.Errorf("modality %q is not normalised", mod)
		}
		row := -1
		for i, f := range featureNames(e.Inputs.FetchFeatureAnnotations()[mod]) {
			if f == name {
				row = i
				break
			}
		}
		if row < 0 {
			return render.Style{}, fmt.Errorf("unknown feature %q", name)
		}
		x := norm.FetchNormalizedMatrix()
		vals := make([]float64, n)
		for j := range vals {
			vals[j] = x.At(row, j)
		}
		return render.Style{Values: vals}, nil
	}
	return render.Style{}, fmt.Errorf("unknown coloring %q", colorBy)
}
