package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/data/mtx"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/h5"
	"github.com/kanaverse/bakana-sub002/internal/metrics"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
	"github.com/kanaverse/bakana-sub002/internal/steps"
)

// writeDataset writes a MatrixMarket dataset of 2*n cells in which genes
// 0-9 mark the first half and genes 10-19 the second.
func writeDataset(t *testing.T, n int, seed int64) []data.File {
	t.Helper()
	const ngenes = 30
	dir := t.TempDir()
	rng := rand.New(rand.NewSource(seed))

	var entries []string
	for j := 0; j < 2*n; j++ {
		for i := 0; i < ngenes; i++ {
			mean := 2
			if (j < n && i < 10) || (j >= n && i >= 10 && i < 20) {
				mean = 20
			}
			entries = append(entries, fmt.Sprintf("%d %d %d", i+1, j+1, rng.Intn(mean)+1))
		}
	}
	var mb strings.Builder
	fmt.Fprintf(&mb, "%%%%MatrixMarket matrix coordinate integer general\n%d %d %d\n", ngenes, 2*n, len(entries))
	mb.WriteString(strings.Join(entries, "\n") + "\n")

	var fb strings.Builder
	for i := 0; i < ngenes; i++ {
		fmt.Fprintf(&fb, "ENSG%02d\tGene%02d\n", i, i)
	}

	files := []data.File{
		{Type: mtx.TypeMatrix, Path: filepath.Join(dir, "matrix.mtx")},
		{Type: mtx.TypeFeatures, Path: filepath.Join(dir, "features.tsv")},
	}
	require.NoError(t, os.WriteFile(files[0].Path, []byte(mb.String()), 0o644))
	require.NoError(t, os.WriteFile(files[1].Path, []byte(fb.String()), 0o644))
	return files
}

func testParameters(t *testing.T) json.RawMessage {
	t.Helper()
	p := engine.DefaultParameters()
	p.RNAPCA.NumHVGs = 20
	p.RNAPCA.NumPCs = 5
	p.BatchCorrection.Method = steps.CorrectionNone
	p.SNNGraphCluster.K = 5
	p.TSNE = steps.TSNEParams{Perplexity: 5, Iterations: 20}
	p.UMAP = steps.UMAPParams{NumNeighbors: 5, NumEpochs: 20, MinDist: 0.1}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}

type fixture struct {
	svc     *RunService
	store   *runstore.Store
	metrics *metrics.Collectors
	out     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	store, err := runstore.NewStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cm, err := cache.NewManager(cache.Config{DownloadCacheSizeMB: 8, DownloadTTL: time.Minute, ImageCacheSizeMB: 8, ReferenceEntries: 4})
	require.NoError(t, err)
	t.Cleanup(func() { cm.Close() })

	m := metrics.New(nil)
	out := t.TempDir()
	svc, err := NewRunService(Config{
		OutputDir:   out,
		Backend:     h5.Gob{},
		Env:         engine.Env{Log: log},
		Metrics:     m,
		Cache:       cm,
		KeepEngines: 1,
		Log:         log,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, store: store, metrics: m, out: out}
}

func (f *fixture) submit(t *testing.T, id string, params json.RawMessage, datasets ...runstore.DatasetSpec) {
	t.Helper()
	require.NoError(t, f.store.CreateRun(&runstore.Run{
		ID:        id,
		Name:      id,
		Status:    runstore.RunStatusQueued,
		Params:    runstore.RunParams{Datasets: datasets, Parameters: params},
		CreatedAt: time.Now(),
	}))
}

func TestExecuteRun(t *testing.T) {
	f := newFixture(t)
	spec := runstore.DatasetSpec{Name: "pbmc", Format: mtx.Format, Files: writeDataset(t, 20, 1)}
	f.submit(t, "r1", testParameters(t), spec)

	require.NoError(t, f.svc.Execute(context.Background(), f.store, "r1"))
	assert.True(t, f.svc.Loaded("r1"))

	run, err := f.store.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, 40, run.NumCells)
	assert.Equal(t, filepath.Join(f.out, "r1"), run.BundleDir)
	assert.Equal(t, run.Progress.Done, run.Progress.Total)
	_, err = os.Stat(filepath.Join(run.BundleDir, "analysis", "experiment.json"))
	assert.NoError(t, err)

	stepsDone, err := f.store.ListSteps("r1")
	require.NoError(t, err)
	require.NotEmpty(t, stepsDone)
	assert.Equal(t, steps.NameInputs, stepsDone[0].Step)
	assert.True(t, stepsDone[0].Valid)

	sizes, total, err := f.store.QueryClusters("r1", "", 0, 100)
	require.NoError(t, err)
	assert.Equal(t, run.NumClusters, total)
	sum := 0
	for _, c := range sizes {
		sum += c.Size
	}
	assert.Equal(t, 40, sum)

	markers, err := f.svc.Markers("r1", MarkerQuery{Modality: data.RNA, Cluster: 0, Limit: 5})
	require.NoError(t, err)
	assert.Len(t, markers, 5)
	assert.True(t, strings.HasPrefix(markers[0].Feature, "ENSG"))
	for i := 1; i < len(markers); i++ {
		assert.GreaterOrEqual(t, markers[i-1].Effect, markers[i].Effect)
	}
	_, err = f.svc.Markers("r1", MarkerQuery{Modality: data.RNA, Cluster: 99})
	assert.Error(t, err)
	_, err = f.svc.Markers("r1", MarkerQuery{Modality: data.RNA, Summary: "median"})
	assert.Error(t, err)

	if run.NumClusters > 1 {
		vs, err := f.svc.Versus("r1", data.RNA, 0, 1, "", 3)
		require.NoError(t, err)
		assert.Len(t, vs, 3)
	}

	img, err := f.svc.Plot("r1", PlotRequest{Embedding: "tsne"})
	require.NoError(t, err)
	_, err = png.Decode(bytes.NewReader(img))
	require.NoError(t, err)
	again, err := f.svc.Plot("r1", PlotRequest{Embedding: "tsne"})
	require.NoError(t, err)
	assert.Equal(t, img, again)

	_, err = f.svc.Plot("r1", PlotRequest{Embedding: "umap", ColorBy: "feature:RNA:ENSG03", Colormap: "seurat"})
	require.NoError(t, err)
	_, err = f.svc.Plot("r1", PlotRequest{Embedding: "pca", ColorBy: "block"})
	assert.ErrorContains(t, err, "not blocked")
	_, err = f.svc.Plot("r1", PlotRequest{Embedding: "phate"})
	assert.Error(t, err)

	require.NoError(t, f.svc.AddSelection("r1", "left", []int{0, 1, 2, 3}))
	sel, err := f.svc.SelectionMarkers("r1", "left", data.RNA, "", 2)
	require.NoError(t, err)
	assert.Len(t, sel, 2)
	_, err = f.svc.Plot("r1", PlotRequest{Embedding: "tsne", ColorBy: "selection:left"})
	require.NoError(t, err)
	require.NoError(t, f.svc.RemoveSelection("r1", "left"))
	_, err = f.svc.SelectionMarkers("r1", "left", data.RNA, "", 2)
	assert.Error(t, err)

	require.NoError(t, f.svc.Forget("r1"))
	assert.False(t, f.svc.Loaded("r1"))
	_, err = os.Stat(run.BundleDir)
	assert.True(t, os.IsNotExist(err))
	_, err = f.svc.Markers("r1", MarkerQuery{Modality: data.RNA})
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestExecuteStopsAtFailingStep(t *testing.T) {
	f := newFixture(t)
	spec := runstore.DatasetSpec{Name: "pbmc", Format: mtx.Format, Files: writeDataset(t, 10, 2)}
	f.submit(t, "bad", json.RawMessage(`{"rna_quality_control":{"filter":{"filter_strategy":"sideways"}}}`), spec)

	err := f.svc.Execute(context.Background(), f.store, "bad")
	var stepErr *engine.StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, steps.NameRNAQC, stepErr.Step)
	assert.True(t, errors.Is(err, errs.UnknownStrategy))
	assert.False(t, f.svc.Loaded("bad"))

	recorded, err := f.store.ListSteps("bad")
	require.NoError(t, err)
	assert.Equal(t, steps.NameRNAQC, recorded[len(recorded)-1].Step)
}

func TestExecuteRejectsBadRuns(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "empty", nil)
	assert.ErrorContains(t, f.svc.Execute(context.Background(), f.store, "empty"), "no datasets")

	files := writeDataset(t, 5, 3)
	f.submit(t, "dup", nil,
		runstore.DatasetSpec{Name: "a", Format: mtx.Format, Files: files},
		runstore.DatasetSpec{Name: "a", Format: mtx.Format, Files: files},
	)
	assert.ErrorContains(t, f.svc.Execute(context.Background(), f.store, "dup"), "duplicate")

	f.submit(t, "fmt", nil, runstore.DatasetSpec{Name: "a", Format: "Parquet", Files: files})
	assert.Error(t, f.svc.Execute(context.Background(), f.store, "fmt"))

	assert.ErrorIs(t, f.svc.Execute(context.Background(), f.store, "missing"), runstore.ErrNotFound)
}

func TestClusterSizes(t *testing.T) {
	assert.Equal(t, []int{2, 0, 1}, ClusterSizes([]int32{0, 2, 0}))
	assert.Empty(t, ClusterSizes(nil))
}
