package kernels

import (
	"sort"
)

// MNNCorrect removes block effects from points with mutual nearest
// neighbours. Blocks are merged in decreasing order of size: for each
// block, pairs of cells that are among each other's k nearest neighbours
// across the merged reference and the block define correction vectors,
// and each cell of the block moves by the average correction of its k
// nearest paired cells. The input is not modified.
func MNNCorrect(points Points, block []int32, nblocks, k int, approximate bool) Points {
	out := Points{Data: append([]float64(nil), points.Data...), Dim: points.Dim}
	groups := byBlock(points.N(), block, nblocks)
	order := make([]int, 0, len(groups))
	for b, g := range groups {
		if len(g) > 0 {
			order = append(order, b)
		}
	}
	if len(order) < 2 {
		return out
	}
	sort.SliceStable(order, func(a, b int) bool { return len(groups[order[a]]) > len(groups[order[b]]) })

	ref := append([]int(nil), groups[order[0]]...)
	for step, b := range order[1:] {
		target := groups[b]
		correctBlock(out, ref, target, k, approximate, int64(step))
		ref = append(ref, target...)
	}
	return out
}

func subsetPoints(p Points, idx []int) Points {
	out := NewPoints(len(idx), p.Dim)
	for i, j := range idx {
		copy(out.Row(i), p.Row(j))
	}
	return out
}

func correctBlock(out Points, ref, target []int, k int, approximate bool, seed int64) {
	refPts := subsetPoints(out, ref)
	tgtPts := subsetPoints(out, target)
	refIdx := BuildNeighborIndex(refPts, approximate, seed)
	tgtIdx := BuildNeighborIndex(tgtPts, approximate, seed+1)

	// neighbours of each target cell in the reference and vice versa
	t2r := make([][]int32, len(target))
	for i := range target {
		t2r[i], _ = refIdx.Query(tgtPts.Row(i), k)
	}
	r2t := make([]map[int32]struct{}, len(ref))
	for i := range ref {
		nn, _ := tgtIdx.Query(refPts.Row(i), k)
		set := make(map[int32]struct{}, len(nn))
		for _, j := range nn {
			set[j] = struct{}{}
		}
		r2t[i] = set
	}

	dim := out.Dim
	sum := make(map[int32][]float64)
	count := make(map[int32]int)
	for t, nn := range t2r {
		for _, r := range nn {
			if _, mutual := r2t[r][int32(t)]; !mutual {
				continue
			}
			v, ok := sum[int32(t)]
			if !ok {
				v = make([]float64, dim)
				sum[int32(t)] = v
			}
			rp, tp := refPts.Row(int(r)), tgtPts.Row(t)
			for d := 0; d < dim; d++ {
				v[d] += rp[d] - tp[d]
			}
			count[int32(t)]++
		}
	}
	if len(sum) == 0 {
		return
	}

	paired := make([]int, 0, len(sum))
	for t := range sum {
		paired = append(paired, int(t))
	}
	sort.Ints(paired)
	pairedPts := subsetPoints(tgtPts, paired)
	pairedIdx := BuildNeighborIndex(pairedPts, approximate, seed+2)
	for i, t := range target {
		nn, _ := pairedIdx.Query(tgtPts.Row(i), k)
		if len(nn) == 0 {
			continue
		}
		shift := make([]float64, dim)
		for _, p := range nn {
			pt := int32(paired[p])
			c := float64(count[pt])
			for d, v := range sum[pt] {
				shift[d] += v / c
			}
		}
		dst := out.Row(t)
		for d := range shift {
			dst[d] += shift[d] / float64(len(nn))
		}
	}
}
