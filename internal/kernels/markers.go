package kernels

import (
	"fmt"
	"math"
	"sort"

	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// Effect size names.
const (
	EffectLFC           = "lfc"
	EffectDeltaDetected = "delta_detected"
	EffectAUC           = "auc"
	EffectCohen         = "cohen"
)

// Effects lists the effect sizes reported by ScoreMarkers.
func Effects(computeAUC bool) []string {
	if computeAUC {
		return []string{EffectLFC, EffectDeltaDetected, EffectAUC, EffectCohen}
	}
	return []string{EffectLFC, EffectDeltaDetected, EffectCohen}
}

// MarkerOptions tunes ScoreMarkers.
type MarkerOptions struct {
	ComputeAUC   bool
	LFCThreshold float64
}

// Summary condenses the pairwise effects of one group against every other
// group into per-feature statistics.
type Summary struct {
	Min     []float64
	Mean    []float64
	MinRank []float64
}

// GroupMarkers holds the statistics for one group.
type GroupMarkers struct {
	Means    []float64
	Detected []float64
	Effects  map[string]*Summary
}

// MarkerResults holds one GroupMarkers per group.
type MarkerResults struct {
	Groups []*GroupMarkers
}

// groupStats accumulates per-feature moments for each (group, block).
type groupStats struct {
	ngroups, nblocks int
	nfeat            int
	n                []int
	mean, vr, det    [][]float64
}

func (s *groupStats) at(g, b int) int { return g*s.nblocks + b }

func computeGroupStats(x *matrix.Sparse, groups []int32, ngroups int, block []int32, nblocks int) *groupStats {
	if block == nil {
		nblocks = 1
	}
	nfeat := x.NumRows()
	s := &groupStats{ngroups: ngroups, nblocks: nblocks, nfeat: nfeat, n: make([]int, ngroups*nblocks)}
	s.mean = make([][]float64, ngroups*nblocks)
	s.vr = make([][]float64, ngroups*nblocks)
	s.det = make([][]float64, ngroups*nblocks)
	for i := range s.mean {
		s.mean[i] = make([]float64, nfeat)
		s.vr[i] = make([]float64, nfeat)
		s.det[i] = make([]float64, nfeat)
	}
	for j := 0; j < x.NumColumns(); j++ {
		g := int(groups[j])
		if g < 0 || g >= ngroups {
			continue
		}
		b := 0
		if block != nil {
			b = int(block[j])
		}
		at := s.at(g, b)
		s.n[at]++
		rows, vals := x.Column(j)
		for k, v := range vals {
			s.mean[at][rows[k]] += v
			s.vr[at][rows[k]] += v * v
			if v > 0 {
				s.det[at][rows[k]]++
			}
		}
	}
	for at, n := range s.n {
		if n == 0 {
			continue
		}
		nf := float64(n)
		for f := 0; f < nfeat; f++ {
			m := s.mean[at][f] / nf
			ss := s.vr[at][f] - nf*m*m
			s.mean[at][f] = m
			s.det[at][f] /= nf
			if n > 1 {
				s.vr[at][f] = math.Max(ss/(nf-1), 0)
			} else {
				s.vr[at][f] = 0
			}
		}
	}
	return s
}

// pooled returns the mean and detected proportion of group g over all
// blocks, weighting each block by its cell count.
func (s *groupStats) pooled(g int) ([]float64, []float64) {
	means := make([]float64, s.nfeat)
	det := make([]float64, s.nfeat)
	total := 0
	for b := 0; b < s.nblocks; b++ {
		at := s.at(g, b)
		n := float64(s.n[at])
		total += s.n[at]
		for f := 0; f < s.nfeat; f++ {
			means[f] += s.mean[at][f] * n
			det[f] += s.det[at][f] * n
		}
	}
	for f := 0; f < s.nfeat; f++ {
		if total == 0 {
			means[f], det[f] = math.NaN(), math.NaN()
			continue
		}
		means[f] /= float64(total)
		det[f] /= float64(total)
	}
	return means, det
}

// pairEffects computes the effects of g against h for every feature,
// averaged over blocks containing both groups with weight n_g*n_h.
func (s *groupStats) pairEffects(g, h int, threshold float64, auc func(b int) []float64) map[string][]float64 {
	lfc := make([]float64, s.nfeat)
	dd := make([]float64, s.nfeat)
	cohen := make([]float64, s.nfeat)
	var aucOut []float64
	if auc != nil {
		aucOut = make([]float64, s.nfeat)
	}
	wsum := 0.0
	for b := 0; b < s.nblocks; b++ {
		ag, ah := s.at(g, b), s.at(h, b)
		if s.n[ag] == 0 || s.n[ah] == 0 {
			continue
		}
		w := float64(s.n[ag] * s.n[ah])
		wsum += w
		var blockAUC []float64
		if auc != nil {
			blockAUC = auc(b)
		}
		for f := 0; f < s.nfeat; f++ {
			diff := s.mean[ag][f] - s.mean[ah][f]
			lfc[f] += w * diff
			dd[f] += w * (s.det[ag][f] - s.det[ah][f])
			cohen[f] += w * cohenD(diff, s.vr[ag][f], s.vr[ah][f], threshold)
			if blockAUC != nil {
				aucOut[f] += w * blockAUC[f]
			}
		}
	}
	out := map[string][]float64{EffectLFC: lfc, EffectDeltaDetected: dd, EffectCohen: cohen}
	if aucOut != nil {
		out[EffectAUC] = aucOut
	}
	for _, v := range out {
		for f := range v {
			if wsum == 0 {
				v[f] = math.NaN()
			} else {
				v[f] /= wsum
			}
		}
	}
	return out
}

func cohenD(diff, v1, v2, threshold float64) float64 {
	sd := math.Sqrt((v1 + v2) / 2)
	delta := diff
	if threshold > 0 {
		switch {
		case diff > threshold:
			delta = diff - threshold
		case diff < -threshold:
			delta = diff + threshold
		default:
			delta = 0
		}
	}
	if sd == 0 {
		if delta == 0 {
			return 0
		}
		sd = 1e-8
	}
	return delta / sd
}

// sortedValues holds, per (group, block), the sorted nonzero values of one
// feature.
type sortedValues [][]float64

func featureValues(xt *matrix.Sparse, f int, groups []int32, block []int32, s *groupStats) sortedValues {
	out := make(sortedValues, len(s.n))
	cells, vals := xt.Column(f)
	for k, c := range cells {
		g := int(groups[c])
		if g < 0 || g >= s.ngroups {
			continue
		}
		b := 0
		if block != nil {
			b = int(block[c])
		}
		at := s.at(g, b)
		out[at] = append(out[at], vals[k])
	}
	for _, v := range out {
		sort.Float64s(v)
	}
	return out
}

// aucSorted returns P(X > Y) + P(X = Y)/2 for samples with na and nb
// values, of which the listed sorted values are nonzero and the rest zero.
func aucSorted(a []float64, na int, b []float64, nb int) float64 {
	if na == 0 || nb == 0 {
		return math.NaN()
	}
	za, zb := float64(na-len(a)), float64(nb-len(b))
	score := 0.5 * za * zb
	// nonzero values are compared against zeros by sign
	for _, v := range a {
		if v > 0 {
			score += zb
		} else if v == 0 {
			score += 0.5 * zb
		}
	}
	for _, v := range b {
		if v < 0 {
			score += za
		}
	}
	lo, hi := 0, 0
	for _, v := range a {
		for lo < len(b) && b[lo] < v {
			lo++
		}
		if hi < lo {
			hi = lo
		}
		for hi < len(b) && b[hi] == v {
			hi++
		}
		score += float64(lo) + 0.5*float64(hi-lo)
	}
	return score / (float64(na) * float64(nb))
}

// ScoreMarkers computes, for every group, the mean and detected proportion
// of each feature and summaries of the pairwise effects against the other
// groups. groups holds a label in [0, ngroups) per column of x.
func ScoreMarkers(x *matrix.Sparse, groups []int32, ngroups int, block []int32, nblocks int, opts MarkerOptions) (*MarkerResults, error) {
	if len(groups) != x.NumColumns() {
		return nil, fmt.Errorf("group vector has length %d, want %d", len(groups), x.NumColumns())
	}
	if block != nil && len(block) != x.NumColumns() {
		return nil, fmt.Errorf("block vector has length %d, want %d", len(block), x.NumColumns())
	}
	s := computeGroupStats(x, groups, ngroups, block, nblocks)
	nfeat := x.NumRows()

	// auc[g][h][b] per feature, filled feature by feature
	var aucs [][][][]float64
	if opts.ComputeAUC {
		aucs = make([][][][]float64, ngroups)
		for g := range aucs {
			aucs[g] = make([][][]float64, ngroups)
			for h := range aucs[g] {
				if g == h {
					continue
				}
				aucs[g][h] = make([][]float64, s.nblocks)
				for b := range aucs[g][h] {
					aucs[g][h][b] = make([]float64, nfeat)
				}
			}
		}
		xt := x.Transpose()
		for f := 0; f < nfeat; f++ {
			vals := featureValues(xt, f, groups, block, s)
			for g := 0; g < ngroups; g++ {
				for h := 0; h < ngroups; h++ {
					if g == h {
						continue
					}
					for b := 0; b < s.nblocks; b++ {
						ag, ah := s.at(g, b), s.at(h, b)
						aucs[g][h][b][f] = aucSorted(vals[ag], s.n[ag], vals[ah], s.n[ah])
					}
				}
			}
		}
	}

	out := &MarkerResults{Groups: make([]*GroupMarkers, ngroups)}
	effects := Effects(opts.ComputeAUC)
	for g := 0; g < ngroups; g++ {
		means, det := s.pooled(g)
		gm := &GroupMarkers{Means: means, Detected: det, Effects: map[string]*Summary{}}
		var pairs []map[string][]float64
		for h := 0; h < ngroups; h++ {
			if h == g {
				continue
			}
			var auc func(b int) []float64
			if opts.ComputeAUC {
				gg, hh := g, h
				auc = func(b int) []float64 { return aucs[gg][hh][b] }
			}
			pairs = append(pairs, s.pairEffects(g, h, opts.LFCThreshold, auc))
		}
		for _, e := range effects {
			per := make([][]float64, len(pairs))
			for p, m := range pairs {
				per[p] = m[e]
			}
			gm.Effects[e] = summarize(per, nfeat)
		}
		out.Groups[g] = gm
	}
	return out, nil
}

// summarize reduces pairwise effect vectors to min, mean and min-rank.
// Ranks are 1-based over features sorted by decreasing effect; NaN effects
// are skipped.
func summarize(pairs [][]float64, nfeat int) *Summary {
	s := &Summary{
		Min:     make([]float64, nfeat),
		Mean:    make([]float64, nfeat),
		MinRank: make([]float64, nfeat),
	}
	counts := make([]int, nfeat)
	for f := 0; f < nfeat; f++ {
		s.Min[f] = math.Inf(1)
		s.MinRank[f] = math.Inf(1)
	}
	order := make([]int, nfeat)
	for _, eff := range pairs {
		for f, v := range eff {
			if math.IsNaN(v) {
				continue
			}
			s.Min[f] = math.Min(s.Min[f], v)
			s.Mean[f] += v
			counts[f]++
		}
		for f := range order {
			order[f] = f
		}
		sort.SliceStable(order, func(a, b int) bool {
			va, vb := eff[order[a]], eff[order[b]]
			if math.IsNaN(vb) {
				return !math.IsNaN(va)
			}
			return va > vb
		})
		for r, f := range order {
			if !math.IsNaN(eff[f]) {
				s.MinRank[f] = math.Min(s.MinRank[f], float64(r+1))
			}
		}
	}
	for f := 0; f < nfeat; f++ {
		if counts[f] == 0 {
			s.Min[f], s.Mean[f], s.MinRank[f] = math.NaN(), math.NaN(), math.NaN()
			continue
		}
		s.Mean[f] /= float64(counts[f])
	}
	return s
}
