package soma

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/data"
)

func TestResolveExperimentURI(t *testing.T) {
	got, err := ResolveExperimentURI("/data/pbmc/soma")
	require.NoError(t, err)
	assert.Equal(t, "/data/pbmc/soma/experiment.soma", got)

	got, err = ResolveExperimentURI(" /data/pbmc/experiment.soma ")
	require.NoError(t, err)
	assert.Equal(t, "/data/pbmc/experiment.soma", got)

	_, err = ResolveExperimentURI("  ")
	assert.Error(t, err)
}

func TestNewAndSerialize(t *testing.T) {
	dir := t.TempDir()
	exp := filepath.Join(dir, "experiment.soma")
	require.NoError(t, os.MkdirAll(filepath.Join(exp, "ms", "RNA"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(exp, "ms", "ADT"), 0o755))

	_, err := New(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	ds, err := New(dir)
	require.NoError(t, err)
	assert.Equal(t, exp, ds.URI)

	ms, err := ds.Measurements()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"RNA", "ADT"}, ms)

	files, err := ds.Serialize(context.Background())
	require.NoError(t, err)
	again, err := data.Unserialize(Format, files)
	require.NoError(t, err)
	assert.Equal(t, ds.Abbreviate(), again.Abbreviate())

	if !Supported() {
		_, err := ds.Load(context.Background(), data.LoadOptions{})
		assert.True(t, errors.Is(err, ErrUnsupported))
	}
}
