// Package export writes analysis results as NumPy .npy arrays.
package export

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kshedden/gonpy"

	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// writeNumpy writes one array to path. data is row-major with the given
// shape and must be []float64 or []int32.
func writeNumpy(path string, shape []int, data any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return fmt.Errorf("gonpy.NewWriter: %w", err)
	}
	npw.Shape = shape
	switch v := data.(type) {
	case []float64:
		err = npw.WriteFloat64(v)
	case []int32:
		err = npw.WriteInt32(v)
	default:
		err = fmt.Errorf("cannot export %T", data)
	}
	if err != nil {
		return err
	}
	if err := bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}

func points(p kernels.Points) ([]int, []float64) {
	return []int{p.N(), p.Dim}, p.Data
}

func layout(x, y []float64) ([]int, []float64) {
	out := make([]float64, 2*len(x))
	for i := range x {
		out[2*i], out[2*i+1] = x[i], y[i]
	}
	return []int{len(x), 2}, out
}

// Embeddings writes the principal components, layouts and cluster labels of
// e to dir, one file per result that is available. It returns the written
// file names.
func Embeddings(dir string, e *engine.Engine) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	put := func(name string, shape []int, data any) error {
		if err := writeNumpy(filepath.Join(dir, name), shape, data); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
		written = append(written, name)
		return nil
	}

	if e.BatchCorrection.Valid() {
		shape, vals := points(e.BatchCorrection.FetchCorrected())
		if err := put("pca.npy", shape, vals); err != nil {
			return nil, err
		}
	}
	if x, y, _ := e.TSNE.FetchCoordinates(); x != nil {
		shape, vals := layout(x, y)
		if err := put("tsne.npy", shape, vals); err != nil {
			return nil, err
		}
	}
	if x, y, _ := e.UMAP.FetchCoordinates(); x != nil {
		shape, vals := layout(x, y)
		if err := put("umap.npy", shape, vals); err != nil {
			return nil, err
		}
	}
	if e.ChooseClustering.Valid() {
		labels := e.ChooseClustering.FetchClusters()
		if err := put("clusters.npy", []int{len(labels)}, append([]int32(nil), labels...)); err != nil {
			return nil, err
		}
	}
	return written, nil
}
