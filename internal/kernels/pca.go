package kernels

import (
	"fmt"
	"math"

	"github.com/james-bowman/nlp"
	"gonum.org/v1/gonum/mat"

	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// Block strategies for RunPCA.
const (
	BlockNone    = "none"
	BlockRegress = "regress"
	BlockProject = "project"
)

// PCAResult holds the principal components of each cell.
type PCAResult struct {
	// Components holds one point per cell with one coordinate per PC.
	Components        Points
	VarianceExplained []float64
	TotalVariance     float64
}

// RunPCA computes k principal components over the selected rows of x.
//
// With "regress", each block is centred on its own mean before both the
// fit and the projection. With "project", the rotation is fitted on
// block-centred data with each block weighted equally, and all cells are
// then projected after global centring. Otherwise cells are centred
// globally.
func RunPCA(x *matrix.Sparse, features []bool, k int, block []int32, nblocks int, method string) (*PCAResult, error) {
	if len(features) != x.NumRows() {
		return nil, fmt.Errorf("feature mask has length %d, want %d", len(features), x.NumRows())
	}
	var rows []int
	for i, keep := range features {
		if keep {
			rows = append(rows, i)
		}
	}
	ncells := x.NumColumns()
	nfeat := len(rows)
	if nfeat == 0 || ncells == 0 {
		return nil, fmt.Errorf("no features or cells for PCA (%d x %d)", nfeat, ncells)
	}
	if k > nfeat {
		k = nfeat
	}
	if k > ncells {
		k = ncells
	}

	sub := x.SubsetRows(rows)
	full := mat.NewDense(nfeat, ncells, nil)
	col := make([]float64, nfeat)
	for j := 0; j < ncells; j++ {
		col = sub.DenseColumn(j, col)
		for i, v := range col {
			full.Set(i, j, v)
		}
	}

	if block == nil || nblocks < 2 {
		method = BlockNone
	}
	train := mat.DenseCopyOf(full)
	switch method {
	case BlockRegress:
		centerBlocks(full, block, nblocks, false)
		train = full
	case BlockProject:
		centerBlocks(train, block, nblocks, true)
		centerRows(full)
	default:
		centerRows(full)
		train = full
	}

	pca := nlp.NewPCA(k)
	pca.Fit(train)
	proj, err := pca.Transform(full)
	if err != nil {
		return nil, fmt.Errorf("failed to project cells: %w", err)
	}

	out := &PCAResult{
		Components:        NewPoints(ncells, k),
		VarianceExplained: make([]float64, k),
	}
	for d := 0; d < k; d++ {
		ss := 0.0
		for j := 0; j < ncells; j++ {
			v := proj.At(d, j)
			out.Components.Data[j*k+d] = v
			ss += v * v
		}
		out.VarianceExplained[d] = ss / math.Max(float64(ncells-1), 1)
	}
	total := 0.0
	for i := 0; i < nfeat; i++ {
		row := mat.Row(nil, i, full)
		for _, v := range row {
			total += v * v
		}
	}
	out.TotalVariance = total / math.Max(float64(ncells-1), 1)
	return out, nil
}

func centerRows(m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
		mean := s / float64(c)
		for j := 0; j < c; j++ {
			m.Set(i, j, m.At(i, j)-mean)
		}
	}
}

// centerBlocks subtracts each block's row means. With weighted set, columns
// are also scaled by 1/sqrt(block size) so every block contributes equally
// to the fitted rotation.
func centerBlocks(m *mat.Dense, block []int32, nblocks int, weighted bool) {
	r, c := m.Dims()
	groups := byBlock(c, block, nblocks)
	for _, idx := range groups {
		if len(idx) == 0 {
			continue
		}
		scale := 1.0
		if weighted {
			scale = 1 / math.Sqrt(float64(len(idx)))
		}
		for i := 0; i < r; i++ {
			s := 0.0
			for _, j := range idx {
				s += m.At(i, j)
			}
			mean := s / float64(len(idx))
			for _, j := range idx {
				m.Set(i, j, (m.At(i, j)-mean)*scale)
			}
		}
	}
}
