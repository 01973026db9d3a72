package export

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kshedden/gonpy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
)

func readNumpy(t *testing.T, path string) *gonpy.NpyReader {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	npy, err := gonpy.NewReader(f)
	require.NoError(t, err)
	return npy
}

func TestWriteNumpyShapes(t *testing.T) {
	dir := t.TempDir()
	p := kernels.NewPoints(3, 2)
	copy(p.Data, []float64{1, 2, 3, 4, 5, 6})
	shape, vals := points(p)
	require.NoError(t, writeNumpy(filepath.Join(dir, "pca.npy"), shape, vals))

	npy := readNumpy(t, filepath.Join(dir, "pca.npy"))
	assert.Equal(t, []int{3, 2}, npy.Shape)
	got, err := npy.GetFloat64()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, got)

	shape, vals = layout([]float64{1, 2}, []float64{-1, -2})
	require.NoError(t, writeNumpy(filepath.Join(dir, "tsne.npy"), shape, vals))
	got, err = readNumpy(t, filepath.Join(dir, "tsne.npy")).GetFloat64()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -1, 2, -2}, got)

	require.NoError(t, writeNumpy(filepath.Join(dir, "clusters.npy"), []int{3}, []int32{0, 2, 1}))
	labels, err := readNumpy(t, filepath.Join(dir, "clusters.npy")).GetInt32()
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 2, 1}, labels)

	assert.Error(t, writeNumpy(filepath.Join(dir, "bad.npy"), []int{1}, []string{"x"}))
}

func TestEmbeddingsSkipsMissingResults(t *testing.T) {
	e, err := engine.New(engine.Env{})
	require.NoError(t, err)
	defer e.Free()

	dir := filepath.Join(t.TempDir(), "npy")
	written, err := Embeddings(dir, e)
	require.NoError(t, err)
	assert.Empty(t, written)
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}
