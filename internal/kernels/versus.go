package kernels

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// VersusResult compares two groups feature by feature.
type VersusResult struct {
	Left, Right int
	Effects     map[string][]float64
	// PValues come from Welch's t-test, FDR from Benjamini-Hochberg.
	PValues []float64
	FDR     []float64
	// RankSumPValues come from the Mann-Whitney test when AUCs are computed.
	RankSumPValues []float64
}

// ScoreVersus computes effects of group left against group right, with
// p-values for each feature.
func ScoreVersus(x *matrix.Sparse, groups []int32, left, right int, block []int32, nblocks int, opts MarkerOptions) (*VersusResult, error) {
	if left == right {
		return nil, fmt.Errorf("cannot compare group %d with itself", left)
	}
	ngroups := max(left, right) + 1
	s := computeGroupStats(x, groups, ngroups, block, nblocks)
	if s.pooledCount(left) == 0 || s.pooledCount(right) == 0 {
		return nil, fmt.Errorf("groups %d and %d must both contain cells", left, right)
	}

	out := &VersusResult{Left: left, Right: right}
	nfeat := x.NumRows()
	var xt *matrix.Sparse
	if opts.ComputeAUC {
		xt = x.Transpose()
		out.RankSumPValues = make([]float64, nfeat)
	}
	var auc func(b int) []float64
	if opts.ComputeAUC {
		perBlock := make([][]float64, s.nblocks)
		for b := range perBlock {
			perBlock[b] = make([]float64, nfeat)
		}
		nl, nr := s.pooledCount(left), s.pooledCount(right)
		for f := 0; f < nfeat; f++ {
			vals := featureValues(xt, f, groups, block, s)
			var all1, all2 []float64
			for b := 0; b < s.nblocks; b++ {
				al, ar := s.at(left, b), s.at(right, b)
				perBlock[b][f] = aucSorted(vals[al], s.n[al], vals[ar], s.n[ar])
				all1 = append(all1, vals[al]...)
				all2 = append(all2, vals[ar]...)
			}
			_, out.RankSumPValues[f] = mannWhitneyU(all1, nl, all2, nr)
		}
		auc = func(b int) []float64 { return perBlock[b] }
	}
	out.Effects = s.pairEffects(left, right, opts.LFCThreshold, auc)

	m1, v1, n1 := s.pooledMoments(left)
	m2, v2, n2 := s.pooledMoments(right)
	out.PValues = make([]float64, nfeat)
	for f := 0; f < nfeat; f++ {
		out.PValues[f] = welchTTest(m1[f], v1[f], n1, m2[f], v2[f], n2)
	}
	out.FDR = benjaminiHochberg(out.PValues)
	return out, nil
}

func (s *groupStats) pooledCount(g int) int {
	total := 0
	for b := 0; b < s.nblocks; b++ {
		total += s.n[s.at(g, b)]
	}
	return total
}

// pooledMoments combines per-block means and variances of group g.
func (s *groupStats) pooledMoments(g int) ([]float64, []float64, int) {
	means, _ := s.pooled(g)
	n := s.pooledCount(g)
	vars := make([]float64, s.nfeat)
	if n < 2 {
		return means, vars, n
	}
	for b := 0; b < s.nblocks; b++ {
		at := s.at(g, b)
		nb := float64(s.n[at])
		if nb == 0 {
			continue
		}
		for f := 0; f < s.nfeat; f++ {
			d := s.mean[at][f] - means[f]
			vars[f] += (nb-1)*s.vr[at][f] + nb*d*d
		}
	}
	for f := range vars {
		vars[f] /= float64(n - 1)
	}
	return means, vars, n
}

// welchTTest computes the p-value for Welch's t-test (two-tailed).
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) float64 {
	if n1 < 2 || n2 < 2 {
		return 1.0
	}
	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		if mean1 == mean2 {
			return 1.0
		}
		return 0.0
	}
	t := (mean1 - mean2) / seDiff

	num := (se1 + se2) * (se1 + se2)
	den := 0.0
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return 1.0
	}
	df := math.Max(num/den, 1)
	return 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.CDF(-math.Abs(t))
}

// mannWhitneyU returns the AUC of sample 1 against sample 2 and the
// two-sided normal-approximation p-value. Only nonzero values are listed;
// the remaining n-len(vals) entries of each sample are zero.
func mannWhitneyU(vals1 []float64, n1 int, vals2 []float64, n2 int) (float64, float64) {
	if n1 == 0 || n2 == 0 {
		return math.NaN(), 1.0
	}
	type entry struct {
		val   float64
		group int
	}
	combined := make([]entry, 0, n1+n2)
	for _, v := range vals1 {
		combined = append(combined, entry{val: v, group: 1})
	}
	for _, v := range vals2 {
		combined = append(combined, entry{val: v, group: 2})
	}
	for i := len(vals1); i < n1; i++ {
		combined = append(combined, entry{val: 0, group: 1})
	}
	for i := len(vals2); i < n2; i++ {
		combined = append(combined, entry{val: 0, group: 2})
	}
	sort.Slice(combined, func(i, j int) bool { return combined[i].val < combined[j].val })

	N := len(combined)
	r1, tieSum := 0.0, 0.0
	for i := 0; i < N; {
		j := i
		for j < N && combined[j].val == combined[i].val {
			j++
		}
		avgRank := float64(i+j+1) / 2.0
		for k := i; k < j; k++ {
			if combined[k].group == 1 {
				r1 += avgRank
			}
		}
		if t := float64(j - i); t > 1 {
			tieSum += t*t*t - t
		}
		i = j
	}

	n1f, n2f := float64(n1), float64(n2)
	u1 := r1 - n1f*(n1f+1)/2
	auc := u1 / (n1f * n2f)
	u := math.Min(u1, n1f*n2f-u1)
	muU := n1f * n2f / 2
	Nf := float64(N)
	if N < 2 {
		return auc, 1.0
	}
	sigmaU := math.Sqrt(n1f * n2f * ((Nf + 1) - tieSum/(Nf*(Nf-1))) / 12)
	if sigmaU < 1e-10 {
		return auc, 1.0
	}
	z := (u - muU + 0.5) / sigmaU
	return auc, math.Min(1, 2*distuv.UnitNormal.CDF(-math.Abs(z)))
}

// benjaminiHochberg adjusts p-values for the false discovery rate.
func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return pvals[idx[i]] < pvals[idx[j]] })

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		orig := idx[i]
		adjusted := math.Min(pvals[orig]*float64(n)/float64(i+1), 1)
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[orig] = adjusted
	}
	return fdr
}
