package steps

import (
	"context"
	"errors"
	"sync"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
	"github.com/kanaverse/bakana-sub002/internal/worker"
)

const (
	layoutSeed = 42
	// animateEvery is the iteration interval between animation frames.
	animateEvery = 10
)

// TSNEParams configures t-SNE.
type TSNEParams struct {
	Perplexity float64 `json:"perplexity" yaml:"perplexity"`
	Iterations int     `json:"iterations" yaml:"iterations"`
}

func (p TSNEParams) neighbors() int {
	k := int(3 * p.Perplexity)
	if k < 1 {
		k = 1
	}
	return k
}

// UMAPParams configures UMAP.
type UMAPParams struct {
	NumNeighbors int     `json:"num_neighbors" yaml:"num_neighbors"`
	NumEpochs    int     `json:"num_epochs" yaml:"num_epochs"`
	MinDist      float64 `json:"min_dist" yaml:"min_dist"`
}

// layoutStep holds what t-SNE and UMAP share: an executor, the bookkeeping
// of what has crossed to it, and the pending run.
type layoutStep struct {
	base
	exec *worker.Executor

	// neighbour count last sent; sent is false when restored or never run
	sentK int
	sent  bool

	mu      sync.Mutex
	pending *worker.Future
}

func newLayoutStep(name string, exec *worker.Executor) layoutStep {
	exec.Init()
	return layoutStep{base: newBase(name), exec: exec}
}

// schedule sends a run to the executor. Neighbours are only sent when the
// index changed, the neighbour count changed, or they never crossed.
func (s *layoutStep) schedule(index *NeighborIndex, k int, build worker.Builder, iterations int, animate worker.Animator) *worker.Future {
	spec := worker.Spec{Build: build, Iterations: iterations}
	if index.Changed() || !s.sent || s.sentK != k {
		spec.Neighbors = index.FindNearest(k)
		s.sent, s.sentK = true, k
	}
	if animate != nil {
		spec.Animator, spec.Every = animate, animateEvery
	}
	f := s.exec.Run(spec)
	s.mu.Lock()
	s.pending = f
	s.mu.Unlock()
	return f
}

// rerun repeats the last run on the executor, which still holds the
// neighbours.
func (s *layoutStep) rerun(animate worker.Animator) *worker.Future {
	f := s.exec.Rerun(animate, animateEvery)
	s.mu.Lock()
	s.pending = f
	s.mu.Unlock()
	return f
}

// invalidate drops the layout when there are no neighbours to lay out.
func (s *layoutStep) invalidate() {
	if s.Valid() {
		s.changed = true
	}
	s.cache.FreeAll()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.sent = false
}

// Await waits for the pending run and stores its coordinates.
func (s *layoutStep) Await(ctx context.Context) (worker.Result, error) {
	s.mu.Lock()
	f := s.pending
	s.mu.Unlock()
	if f == nil {
		return s.stored(), nil
	}
	res, err := f.Wait(ctx)
	if err != nil {
		return worker.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == f {
		s.pending = nil
		if err := s.store(res); err != nil {
			return worker.Result{}, err
		}
	}
	return res, nil
}

func (s *layoutStep) store(res worker.Result) error {
	it := []int32{int32(res.Iterations)}
	return errors.Join(
		storeFloat64(s.cache, "x", res.X),
		storeFloat64(s.cache, "y", res.Y),
		storeInt32(s.cache, "iterations", it),
	)
}

func (s *layoutStep) stored() worker.Result {
	res := worker.Result{X: float64Buffer(s.cache, "x"), Y: float64Buffer(s.cache, "y")}
	if it := int32Buffer(s.cache, "iterations"); len(it) == 1 {
		res.Iterations = int(it[0])
	}
	return res
}

// FetchCoordinates returns the stored layout. Call Await first when a run
// is pending.
func (s *layoutStep) FetchCoordinates() (x, y []float64, iterations int) {
	res := s.stored()
	return res.X, res.Y, res.Iterations
}

// Valid reports whether a layout is stored or pending.
func (s *layoutStep) Valid() bool {
	s.mu.Lock()
	pending := s.pending != nil
	s.mu.Unlock()
	_, ok := s.cache.Get("x")
	return ok || pending
}

// NeighborsSent reports whether the executor holds current neighbours.
func (s *layoutStep) NeighborsSent() bool { return s.sent }

// restore installs persisted coordinates without sending neighbours.
func (s *layoutStep) restore(res worker.Result) error {
	if _, err := s.exec.Restore(res).Wait(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = nil
	s.sent = false
	return s.store(res)
}

func (s *layoutStep) free() {
	s.cache.FreeAll()
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	s.sent, s.sentK = false, 0
}

// Close stops the executor.
func (s *layoutStep) Close() { s.exec.Kill() }

// TSNE lays out the cells with t-SNE on a dedicated executor.
type TSNE struct {
	layoutStep
	params params.Tracker[TSNEParams]
}

// NewTSNE creates the t-SNE step around its executor.
func NewTSNE(exec *worker.Executor) *TSNE {
	return &TSNE{layoutStep: newLayoutStep(NameTSNE, exec)}
}

// Compute schedules a run when the neighbours or the parameters changed, or
// when the step was restored and the neighbours never crossed to the
// executor. The returned future is nil when nothing was scheduled.
func (s *TSNE) Compute(index *NeighborIndex, p TSNEParams) (*worker.Future, error) {
	s.changed = false
	if !index.Valid() {
		s.invalidate()
		s.params.Reset()
		return nil, nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return nil, err
	}
	if s.Valid() && !paramsChanged && !index.Changed() {
		return nil, nil
	}
	f := s.schedule(index, p.neighbors(), s.builder(p), p.Iterations, nil)
	s.params.Commit(p)
	s.changed = true
	return f, nil
}

func (s *TSNE) builder(p TSNEParams) worker.Builder {
	return func(nn *kernels.Neighbors) worker.Layout {
		return kernels.NewTSNE(nn, p.Perplexity, layoutSeed)
	}
}

// Animate reruns the last layout, streaming frames to animate. A restored
// step sends its neighbours first.
func (s *TSNE) Animate(index *NeighborIndex, animate worker.Animator) (*worker.Future, error) {
	p, ok := s.params.Last()
	if !ok || !index.Valid() {
		return nil, errs.New(errs.NotComputed, s.name)
	}
	if s.sent && !index.Changed() {
		return s.rerun(animate), nil
	}
	return s.schedule(index, p.neighbors(), s.builder(p), p.Iterations, animate), nil
}

// Restore seeds the step from persisted coordinates computed with p.
func (s *TSNE) Restore(p TSNEParams, x, y []float64, iterations int) error {
	if err := s.restore(worker.Result{X: x, Y: y, Iterations: iterations}); err != nil {
		return err
	}
	s.params.Commit(p)
	return nil
}

func (s *TSNE) Free() {
	s.free()
	s.params.Reset()
}

// UMAP lays out the cells with UMAP on a dedicated executor.
type UMAP struct {
	layoutStep
	params params.Tracker[UMAPParams]
}

// NewUMAP creates the UMAP step around its executor.
func NewUMAP(exec *worker.Executor) *UMAP {
	return &UMAP{layoutStep: newLayoutStep(NameUMAP, exec)}
}

// Compute follows the same rules as TSNE.Compute.
func (s *UMAP) Compute(index *NeighborIndex, p UMAPParams) (*worker.Future, error) {
	s.changed = false
	if !index.Valid() {
		s.invalidate()
		s.params.Reset()
		return nil, nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return nil, err
	}
	if s.Valid() && !paramsChanged && !index.Changed() {
		return nil, nil
	}
	f := s.schedule(index, p.NumNeighbors, s.builder(p), p.NumEpochs, nil)
	s.params.Commit(p)
	s.changed = true
	return f, nil
}

func (s *UMAP) builder(p UMAPParams) worker.Builder {
	return func(nn *kernels.Neighbors) worker.Layout {
		return kernels.NewUMAP(nn, p.MinDist, p.NumEpochs, layoutSeed)
	}
}

// Animate reruns the last layout, streaming frames to animate.
func (s *UMAP) Animate(index *NeighborIndex, animate worker.Animator) (*worker.Future, error) {
	p, ok := s.params.Last()
	if !ok || !index.Valid() {
		return nil, errs.New(errs.NotComputed, s.name)
	}
	if s.sent && !index.Changed() {
		return s.rerun(animate), nil
	}
	return s.schedule(index, p.NumNeighbors, s.builder(p), p.NumEpochs, animate), nil
}

// Restore seeds the step from persisted coordinates computed with p.
func (s *UMAP) Restore(p UMAPParams, x, y []float64, epochs int) error {
	if err := s.restore(worker.Result{X: x, Y: y, Iterations: epochs}); err != nil {
		return err
	}
	s.params.Commit(p)
	return nil
}

func (s *UMAP) Free() {
	s.free()
	s.params.Reset()
}
