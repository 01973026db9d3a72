package bundle

import (
	"fmt"
	"path/filepath"

	"github.com/kanaverse/bakana-sub002/internal/h5"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
)

// ReadSparse loads a 10x compressed sparse column matrix stored under group.
func ReadSparse(b h5.Backend, file, group string) (*matrix.Sparse, error) {
	root, err := b.Read(file)
	if err != nil {
		return nil, err
	}
	get := func(name string) ([]float64, error) {
		d, ok := root.Lookup(group + "/" + name)
		if !ok {
			return nil, fmt.Errorf("%s: missing %s/%s", file, group, name)
		}
		return d.Float64s()
	}
	shape, err := get("shape")
	if err != nil {
		return nil, err
	}
	if len(shape) != 2 {
		return nil, fmt.Errorf("%s: shape has %d entries", file, len(shape))
	}
	vals, err := get("data")
	if err != nil {
		return nil, err
	}
	idx, err := get("indices")
	if err != nil {
		return nil, err
	}
	ptr, err := get("indptr")
	if err != nil {
		return nil, err
	}
	colptr := make([]int, len(ptr))
	for i, p := range ptr {
		colptr[i] = int(p)
	}
	rows := make([]int32, len(idx))
	for i, r := range idx {
		rows[i] = int32(r)
	}
	x, err := matrix.NewSparse(int(shape[0]), int(shape[1]), colptr, rows, vals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	return x, nil
}

// CountsResolver resolves delayed array seeds against sparse matrices in
// files relative to base.
func CountsResolver(b h5.Backend, base string) h5.Resolver {
	return func(path, group string) (int, int, []float64, error) {
		x, err := ReadSparse(b, filepath.Join(base, filepath.FromSlash(path)), group)
		if err != nil {
			return 0, 0, nil, err
		}
		nrow, ncol := x.NumRows(), x.NumColumns()
		out := make([]float64, nrow*ncol)
		for j := 0; j < ncol; j++ {
			x.DenseColumn(j, out[j*nrow:(j+1)*nrow])
		}
		return nrow, ncol, out, nil
	}
}
