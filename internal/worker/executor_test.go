package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaverse/bakana-sub002/internal/kernels"
)

// counter moves every point by one per iteration.
type counter struct {
	x, y []float64
}

func (c *counter) Step() {
	for i := range c.x {
		c.x[i]++
		c.y[i]--
	}
}

func (c *counter) Coordinates() ([]float64, []float64) {
	return append([]float64(nil), c.x...), append([]float64(nil), c.y...)
}

func build(nn *kernels.Neighbors) Layout {
	n := len(nn.Index)
	return &counter{x: make([]float64, n), y: make([]float64, n)}
}

func neighbors(n int) *kernels.Neighbors {
	return &kernels.Neighbors{Index: make([][]int32, n), Distance: make([][]float64, n)}
}

func TestExecutorRun(t *testing.T) {
	e := New("tsne", nil)
	defer e.Kill()
	e.Init()

	res, err := e.Run(Spec{Neighbors: neighbors(3), Build: build, Iterations: 5}).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 5, 5}, res.X)
	assert.Equal(t, []float64{-5, -5, -5}, res.Y)
	assert.Equal(t, 5, res.Iterations)

	fetched, err := e.Fetch().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, res, fetched)
}

func TestExecutorReusesNeighbors(t *testing.T) {
	e := New("umap", nil)
	defer e.Kill()

	_, err := e.Run(Spec{Build: build, Iterations: 2}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoNeighbors)

	_, err = e.Run(Spec{Neighbors: neighbors(2), Build: build, Iterations: 2}).Wait(context.Background())
	require.NoError(t, err)
	res, err := e.Run(Spec{Build: build, Iterations: 3}).Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.X, 2)
	assert.Equal(t, 3, res.Iterations)
}

func TestExecutorRerunAnimates(t *testing.T) {
	e := New("tsne", nil)
	defer e.Kill()

	_, err := e.Run(Spec{Neighbors: neighbors(1), Build: build, Iterations: 25}).Wait(context.Background())
	require.NoError(t, err)

	var frames []int
	var kinds []string
	res, err := e.Rerun(func(kind string, x, y []float64, it int) {
		kinds = append(kinds, kind)
		frames = append(frames, it)
	}, 10).Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 25}, frames)
	assert.Equal(t, []string{"tsne", "tsne", "tsne"}, kinds)
	assert.Equal(t, []float64{25}, res.X)
}

func TestExecutorRestoreDropsNeighbors(t *testing.T) {
	e := New("tsne", nil)
	defer e.Kill()

	_, err := e.Run(Spec{Neighbors: neighbors(2), Build: build, Iterations: 1}).Wait(context.Background())
	require.NoError(t, err)

	saved := Result{X: []float64{1, 2}, Y: []float64{3, 4}, Iterations: 9}
	_, err = e.Restore(saved).Wait(context.Background())
	require.NoError(t, err)

	res, err := e.Fetch().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, saved, res)

	_, err = e.Rerun(nil, 0).Wait(context.Background())
	assert.ErrorIs(t, err, ErrNoNeighbors)
}

func TestExecutorKilled(t *testing.T) {
	e := New("tsne", nil)
	e.Kill()
	_, err := e.Fetch().Wait(context.Background())
	assert.ErrorIs(t, err, ErrKilled)
	e.Kill()
}

func TestFutureWaitHonoursContext(t *testing.T) {
	f := newFuture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "RERUN", OpRerun.String())
}
