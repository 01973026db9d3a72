package runstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/data"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "sub", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queued(id string, created time.Time) *Run {
	return &Run{
		ID:     id,
		Name:   "pbmc",
		Status: RunStatusQueued,
		Params: RunParams{
			Datasets: []DatasetSpec{{
				Name:   "pbmc",
				Format: "MatrixMarket",
				Files:  []data.File{{Type: "matrix", Path: "/tmp/matrix.mtx.gz"}},
			}},
			Parameters: json.RawMessage(`{"kmeans_cluster":{"k":4}}`),
		},
		CreatedAt: created,
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newStore(t)
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.CreateRun(queued("r1", created)))

	run, err := s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusQueued, run.Status)
	assert.True(t, created.Equal(run.CreatedAt))
	assert.Nil(t, run.StartedAt)
	assert.JSONEq(t, `{"kmeans_cluster":{"k":4}}`, string(run.Params.Parameters))
	assert.Equal(t, "/tmp/matrix.mtx.gz", run.Params.Datasets[0].Files[0].Path)

	require.NoError(t, s.UpdateRunStarted("r1"))
	require.NoError(t, s.UpdateRunProgress("r1", "pca", 9, 22))
	run, err = s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.Equal(t, RunProgress{Step: "pca", Done: 9, Total: 22}, run.Progress)

	require.NoError(t, s.UpdateRunResult("r1", 500, 3, "/out/r1"))
	require.NoError(t, s.UpdateRunStatus("r1", RunStatusCompleted, ""))
	run, err = s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, 500, run.NumCells)
	assert.Equal(t, "/out/r1", run.BundleDir)
	assert.NotNil(t, run.FinishedAt)

	_, err = s.GetRun("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunFailedAtStep(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateRun(queued("r1", time.Now())))
	require.NoError(t, s.UpdateRunFailed("r1", "rna_quality_control", "unknown strategy"))
	run, err := s.GetRun("r1")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, "rna_quality_control", run.FailedStep)
	assert.True(t, run.Status.Finished())
}

func TestStepsAndClusters(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.CreateRun(queued("r1", time.Now())))

	require.NoError(t, s.InsertSteps("r1", []StepSummary{
		{Step: "inputs", Changed: true, Valid: true, Seconds: 0.5},
		{Step: "rna_quality_control", Changed: true, Valid: true, Seconds: 0.1},
	}))
	require.NoError(t, s.InsertSteps("r1", []StepSummary{{Step: "inputs", Valid: true}}))
	steps, err := s.ListSteps("r1")
	require.NoError(t, err)
	require.Len(t, steps, 3)
	assert.Equal(t, "rna_quality_control", steps[1].Step)
	assert.False(t, steps[2].Changed)

	require.NoError(t, s.ReplaceClusters("r1", []int{10, 40, 25}))
	got, total, err := s.QueryClusters("r1", "size", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, []ClusterSize{{Cluster: 2, Size: 40}, {Cluster: 3, Size: 25}}, got)

	got, _, err = s.QueryClusters("r1", "", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, []ClusterSize{{Cluster: 2, Size: 40}, {Cluster: 3, Size: 25}}, got)

	require.NoError(t, s.ReplaceClusters("r1", []int{7}))
	got, total, err = s.QueryClusters("r1", "size_asc", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []ClusterSize{{Cluster: 1, Size: 7}}, got)
}

func TestRecoveryAndRetention(t *testing.T) {
	s := newStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateRun(queued(id, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.UpdateRunStarted("a"))
	require.NoError(t, s.MarkRunningAsFailed("server restarted"))

	a, err := s.GetRun("a")
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, a.Status)
	assert.Equal(t, "server restarted", a.Error)

	q, err := s.ListQueuedRuns()
	require.NoError(t, err)
	require.Len(t, q, 2)
	assert.Equal(t, "b", q[0].ID)

	all, err := s.ListRuns(10)
	require.NoError(t, err)
	assert.Equal(t, "c", all[0].ID)

	require.NoError(t, s.ReplaceClusters("a", []int{1}))
	ids, err := s.DeleteExpiredRuns(-1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids)
	_, err = s.GetRun("a")
	assert.ErrorIs(t, err, ErrNotFound)
	_, total, err := s.QueryClusters("a", "", 0, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	require.NoError(t, s.DeleteRun("b"))
	q, err = s.ListQueuedRuns()
	require.NoError(t, err)
	assert.Len(t, q, 1)
}
