package mtx

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
)

const matrixText = `%%MatrixMarket matrix coordinate integer general
% written by a test
3 4 5
1 1 3
2 1 1
3 2 7
1 3 2
2 4 4
`

const featuresText = "ENSG1\tGeneA\tGene Expression\nENSG2\tGeneB\tGene Expression\nCD3\tCD3\tAntibody Capture\n"

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if strings.HasSuffix(name, ".gz") {
		f, err := os.Create(p)
		require.NoError(t, err)
		w := pgzip.NewWriter(f)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.NoError(t, f.Close())
		return p
	}
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "matrix.mtx.gz", matrixText)
	writeFile(t, dir, "features.tsv", featuresText)
	writeFile(t, dir, "barcodes.tsv", "AAA\nCCC\nGGG\nTTT\n")
	writeFile(t, dir, "annotations.tsv", "sample\tscore\nX\t1.5\nNA\t2\nY\tNA\nX\t4\n")

	ds, err := FromDirectory(dir)
	require.NoError(t, err)

	loaded, err := ds.Load(context.Background(), data.LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"ADT", "RNA"}, loaded.Matrix.Available())
	rna, _ := loaded.Matrix.Get(data.RNA)
	assert.Equal(t, 2, rna.NumRows())
	assert.Equal(t, 4, rna.NumColumns())
	assert.Equal(t, 3.0, rna.At(0, 0))
	adt, _ := loaded.Matrix.Get(data.ADT)
	assert.Equal(t, 7.0, adt.At(0, 1))

	assert.Equal(t, []string{"ENSG1", "ENSG2"}, loaded.PrimaryIDs[data.RNA])
	assert.False(t, loaded.Features[data.RNA].Has("type"))

	sample, ok := loaded.Cells.Column("sample")
	require.True(t, ok)
	assert.True(t, sample.IsMissing(1))
	score, _ := loaded.Cells.Column("score")
	assert.Equal(t, 4.0, score.F64[3])
	assert.Equal(t, []string{"AAA", "CCC", "GGG", "TTT"}, loaded.Cells.RowNames)
}

func TestAbbreviateAndSerialize(t *testing.T) {
	dir := t.TempDir()
	m := writeFile(t, dir, "matrix.mtx", matrixText)
	ds := &Dataset{Matrix: m}

	a1 := ds.Abbreviate()
	a2 := (&Dataset{Matrix: m}).Abbreviate()
	assert.Equal(t, a1, a2)

	files, err := ds.Serialize(context.Background())
	require.NoError(t, err)
	rebuilt, err := data.Unserialize(Format, files)
	require.NoError(t, err)
	assert.Equal(t, a1, rebuilt.Abbreviate())

	loaded, err := rebuilt.Load(context.Background(), data.LoadOptions{Cache: true})
	require.NoError(t, err)
	again, err := rebuilt.Load(context.Background(), data.LoadOptions{})
	require.NoError(t, err)
	assert.Same(t, loaded, again)
	assert.Equal(t, []string{"gene1", "gene2", "gene3"}, loaded.PrimaryIDs[data.RNA])
}

func TestBadInputs(t *testing.T) {
	_, err := ParseMatrix(strings.NewReader("%%MatrixMarket matrix array real general\n"))
	assert.Error(t, err)

	dir := t.TempDir()
	m := writeFile(t, dir, "matrix.mtx", matrixText)
	b := writeFile(t, dir, "barcodes.tsv", "A\nB\n")
	_, err = (&Dataset{Matrix: m, Barcodes: b}).Load(context.Background(), data.LoadOptions{})
	assert.True(t, errors.Is(err, errs.CellCountMismatch))

	_, err = (&Dataset{Matrix: filepath.Join(dir, "missing.mtx")}).Load(context.Background(), data.LoadOptions{})
	assert.True(t, errors.Is(err, errs.Reader))
}
