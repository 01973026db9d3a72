// Package engine wires the pipeline steps into a dependency graph and runs
// them in order.
//
// An Engine owns one instance of every step. Run computes the steps in
// topological order, passing each step its upstream steps; a step whose
// parameters and upstream steps are unchanged keeps its cached results.
// The layout steps run on their own executors and are collected with Await.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/steps"
	"github.com/kanaverse/bakana-sub002/internal/worker"
)

// StepError reports the step at which a run stopped.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string { return fmt.Sprintf("step %s: %v", e.Step, e.Err) }

func (e *StepError) Unwrap() error { return e.Err }

type computeFunc func(ctx context.Context, r *runState) error

type runState struct {
	datasets map[string]data.Dataset
	params   Parameters
}

// Engine holds the steps of one analysis.
type Engine struct {
	env Env
	log logrus.FieldLogger

	Inputs              *steps.Inputs
	RNAQC               *steps.RNAQC
	ADTQC               *steps.ADTQC
	CRISPRQC            *steps.CRISPRQC
	CellFiltering       *steps.CellFiltering
	RNANormalization    *steps.Normalization
	ADTNormalization    *steps.Normalization
	CRISPRNormalization *steps.Normalization
	FeatureSelection    *steps.FeatureSelection
	RNAPCA              *steps.PCA
	ADTPCA              *steps.PCA
	CRISPRPCA           *steps.PCA
	CombineEmbeddings   *steps.CombineEmbeddings
	BatchCorrection     *steps.BatchCorrection
	NeighborIndex       *steps.NeighborIndex
	KMeansCluster       *steps.KMeansCluster
	SNNGraphCluster     *steps.SNNGraphCluster
	ChooseClustering    *steps.ChooseClustering
	TSNE                *steps.TSNE
	UMAP                *steps.UMAP
	MarkerDetection     *steps.MarkerDetection
	CustomSelections    *steps.CustomSelections

	graph   *DAG
	order   []string
	steps   map[string]steps.Step
	compute map[string]computeFunc

	mu      sync.Mutex
	pending map[string]*worker.Future
}

// New creates an engine. Zero fields of env are taken from Defaults.
func New(env Env) (*Engine, error) {
	env = env.merge(defaults)
	if env.References == nil {
		env.References = defaultReferences(env.Downloader)
	}
	log := env.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	e := &Engine{
		env:                 env,
		log:                 log,
		Inputs:              steps.NewInputs(),
		RNAQC:               steps.NewRNAQC(),
		ADTQC:               steps.NewADTQC(),
		CRISPRQC:            steps.NewCRISPRQC(),
		CellFiltering:       steps.NewCellFiltering(),
		RNANormalization:    steps.NewRNANormalization(),
		ADTNormalization:    steps.NewADTNormalization(),
		CRISPRNormalization: steps.NewCRISPRNormalization(),
		FeatureSelection:    steps.NewFeatureSelection(),
		RNAPCA:              steps.NewRNAPCA(),
		ADTPCA:              steps.NewADTPCA(),
		CRISPRPCA:           steps.NewCRISPRPCA(),
		CombineEmbeddings:   steps.NewCombineEmbeddings(),
		BatchCorrection:     steps.NewBatchCorrection(),
		NeighborIndex:       steps.NewNeighborIndex(),
		KMeansCluster:       steps.NewKMeansCluster(),
		SNNGraphCluster:     steps.NewSNNGraphCluster(),
		ChooseClustering:    steps.NewChooseClustering(),
		TSNE:                steps.NewTSNE(worker.New(steps.NameTSNE, log)),
		UMAP:                steps.NewUMAP(worker.New(steps.NameUMAP, log)),
		MarkerDetection:     steps.NewMarkerDetection(),
		CustomSelections:    steps.NewCustomSelections(),
		graph:               NewDAG(),
		steps:               map[string]steps.Step{},
		compute:             map[string]computeFunc{},
		pending:             map[string]*worker.Future{},
	}
	e.wire()
	order, err := e.graph.Order()
	if err != nil {
		return nil, err
	}
	e.order = order
	return e, nil
}

func (e *Engine) add(s steps.Step, fn computeFunc, upstream ...steps.Step) {
	names := make([]string, len(upstream))
	for i, u := range upstream {
		names[i] = u.Name()
	}
	e.graph.Add(s.Name(), names...)
	e.steps[s.Name()] = s
	e.compute[s.Name()] = fn
}

func (e *Engine) qcs() []steps.QualityControl {
	return []steps.QualityControl{e.RNAQC, e.ADTQC, e.CRISPRQC}
}

func (e *Engine) norms() []*steps.Normalization {
	return []*steps.Normalization{e.RNANormalization, e.ADTNormalization, e.CRISPRNormalization}
}

// wire declares every step with its upstream steps and compute call.
func (e *Engine) wire() {
	e.add(e.Inputs, func(ctx context.Context, r *runState) error {
		return e.Inputs.Compute(ctx, r.datasets, r.params.Inputs)
	})
	e.add(e.RNAQC, func(ctx context.Context, r *runState) error {
		return e.RNAQC.Compute(ctx, e.Inputs, e.env.References, r.params.RNAQC)
	}, e.Inputs)
	e.add(e.ADTQC, func(ctx context.Context, r *runState) error {
		return e.ADTQC.Compute(ctx, e.Inputs, r.params.ADTQC)
	}, e.Inputs)
	e.add(e.CRISPRQC, func(ctx context.Context, r *runState) error {
		return e.CRISPRQC.Compute(ctx, e.Inputs, r.params.CRISPRQC)
	}, e.Inputs)
	e.add(e.CellFiltering, func(ctx context.Context, r *runState) error {
		return e.CellFiltering.Compute(e.Inputs, e.qcs(), r.params.CellFiltering)
	}, e.Inputs, e.RNAQC, e.ADTQC, e.CRISPRQC)

	normParams := map[*steps.Normalization]func(Parameters) steps.NormalizationParams{
		e.RNANormalization:    func(p Parameters) steps.NormalizationParams { return p.RNANormalization },
		e.ADTNormalization:    func(p Parameters) steps.NormalizationParams { return p.ADTNormalization },
		e.CRISPRNormalization: func(p Parameters) steps.NormalizationParams { return p.CRISPRNormalization },
	}
	for i, n := range e.norms() {
		n, qc, pick := n, e.qcs()[i], normParams[n]
		e.add(n, func(ctx context.Context, r *runState) error {
			return n.Compute(qc, e.CellFiltering, pick(r.params))
		}, qc, e.CellFiltering)
	}

	e.add(e.FeatureSelection, func(ctx context.Context, r *runState) error {
		return e.FeatureSelection.Compute(e.RNANormalization, e.CellFiltering, r.params.FeatureSelection)
	}, e.RNANormalization, e.CellFiltering)
	e.add(e.RNAPCA, func(ctx context.Context, r *runState) error {
		return e.RNAPCA.Compute(e.RNANormalization, e.FeatureSelection, e.CellFiltering, r.params.RNAPCA)
	}, e.RNANormalization, e.FeatureSelection, e.CellFiltering)
	e.add(e.ADTPCA, func(ctx context.Context, r *runState) error {
		return e.ADTPCA.Compute(e.ADTNormalization, nil, e.CellFiltering, r.params.ADTPCA)
	}, e.ADTNormalization, e.CellFiltering)
	e.add(e.CRISPRPCA, func(ctx context.Context, r *runState) error {
		return e.CRISPRPCA.Compute(e.CRISPRNormalization, nil, e.CellFiltering, r.params.CRISPRPCA)
	}, e.CRISPRNormalization, e.CellFiltering)

	e.add(e.CombineEmbeddings, func(ctx context.Context, r *runState) error {
		return e.CombineEmbeddings.Compute([]*steps.PCA{e.RNAPCA, e.ADTPCA, e.CRISPRPCA}, r.params.CombineEmbeddings)
	}, e.RNAPCA, e.ADTPCA, e.CRISPRPCA)
	e.add(e.BatchCorrection, func(ctx context.Context, r *runState) error {
		return e.BatchCorrection.Compute(e.CombineEmbeddings, e.CellFiltering, r.params.BatchCorrection)
	}, e.CombineEmbeddings, e.CellFiltering)
	e.add(e.NeighborIndex, func(ctx context.Context, r *runState) error {
		return e.NeighborIndex.Compute(e.BatchCorrection, r.params.NeighborIndex)
	}, e.BatchCorrection)

	e.add(e.KMeansCluster, func(ctx context.Context, r *runState) error {
		run := r.params.ChooseClustering.Method == steps.MethodKMeans
		return e.KMeansCluster.Compute(e.BatchCorrection, run, r.params.KMeansCluster)
	}, e.BatchCorrection)
	e.add(e.SNNGraphCluster, func(ctx context.Context, r *runState) error {
		run := r.params.ChooseClustering.Method == steps.MethodSNNGraph
		return e.SNNGraphCluster.Compute(e.NeighborIndex, run, r.params.SNNGraphCluster)
	}, e.NeighborIndex)
	e.add(e.ChooseClustering, func(ctx context.Context, r *runState) error {
		return e.ChooseClustering.Compute(e.SNNGraphCluster, e.KMeansCluster, r.params.ChooseClustering)
	}, e.SNNGraphCluster, e.KMeansCluster)

	e.add(e.TSNE, func(ctx context.Context, r *runState) error {
		f, err := e.TSNE.Compute(e.NeighborIndex, r.params.TSNE)
		e.track(steps.NameTSNE, f)
		return err
	}, e.NeighborIndex)
	e.add(e.UMAP, func(ctx context.Context, r *runState) error {
		f, err := e.UMAP.Compute(e.NeighborIndex, r.params.UMAP)
		e.track(steps.NameUMAP, f)
		return err
	}, e.NeighborIndex)

	e.add(e.MarkerDetection, func(ctx context.Context, r *runState) error {
		return e.MarkerDetection.Compute(e.norms(), e.ChooseClustering, e.CellFiltering, r.params.MarkerDetection)
	}, e.RNANormalization, e.ADTNormalization, e.CRISPRNormalization, e.ChooseClustering, e.CellFiltering)
	e.add(e.CustomSelections, func(ctx context.Context, r *runState) error {
		return e.CustomSelections.Compute(e.norms(), e.CellFiltering, r.params.CustomSelections)
	}, e.RNANormalization, e.ADTNormalization, e.CRISPRNormalization, e.CellFiltering)
}

func (e *Engine) track(name string, f *worker.Future) {
	if f == nil {
		return
	}
	e.mu.Lock()
	e.pending[name] = f
	e.mu.Unlock()
}

// QualityControl returns the QC step of a modality.
func (e *Engine) QualityControl(modality string) (steps.QualityControl, bool) {
	for _, qc := range e.qcs() {
		if qc.Modality() == modality {
			return qc, true
		}
	}
	return nil, false
}

// Normalization returns the normalisation step of a modality.
func (e *Engine) Normalization(modality string) (*steps.Normalization, bool) {
	for _, n := range e.norms() {
		if n.Modality() == modality {
			return n, true
		}
	}
	return nil, false
}

// AddSelection stores a custom selection of filtered cells and scores it
// against the rest.
func (e *Engine) AddSelection(id string, indices []int) error {
	return e.CustomSelections.AddSelection(id, indices, e.norms(), e.CellFiltering)
}

// Order returns the step names in execution order.
func (e *Engine) Order() []string { return append([]string(nil), e.order...) }

// Step returns a step by name.
func (e *Engine) Step(name string) (steps.Step, bool) {
	s, ok := e.steps[name]
	return s, ok
}

// Graph returns the step dependency graph.
func (e *Engine) Graph() *DAG { return e.graph }

// Env returns the configuration bundle of the engine.
func (e *Engine) Env() Env { return e.env }

// Run computes every step in order. It stops at the first failing step and
// returns a *StepError; the steps before it keep their results. Layout runs
// scheduled along the way are collected with Await.
func (e *Engine) Run(ctx context.Context, datasets map[string]data.Dataset, p Parameters) error {
	r := &runState{datasets: datasets, params: p}
	for _, name := range e.order {
		if err := ctx.Err(); err != nil {
			return &StepError{Step: name, Err: err}
		}
		s := e.steps[name]
		start := time.Now()
		err := e.compute[name](ctx, r)
		elapsed := time.Since(start)

		entry := e.log.WithFields(logrus.Fields{
			"step":    name,
			"changed": s.Changed(),
			"valid":   s.Valid(),
			"elapsed": elapsed.String(),
		})
		if e.env.Metrics != nil {
			e.env.Metrics.ObserveStep(name, elapsed, s.Changed())
		}
		if err != nil {
			entry.WithError(err).Error("step failed")
			return &StepError{Step: name, Err: err}
		}
		entry.Info("step computed")
	}
	return nil
}

// Await waits for the layout runs scheduled by Run and stores their
// coordinates. Both runs are collected; the first failure is returned as a
// *StepError.
func (e *Engine) Await(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = map[string]*worker.Future{}
	e.mu.Unlock()

	var g errgroup.Group
	for name, f := range pending {
		if f == nil {
			continue
		}
		var await func(context.Context) (worker.Result, error)
		switch name {
		case steps.NameTSNE:
			await = e.TSNE.Await
		case steps.NameUMAP:
			await = e.UMAP.Await
		}
		g.Go(func() error {
			if _, err := await(ctx); err != nil {
				return &StepError{Step: name, Err: err}
			}
			return nil
		})
	}
	return g.Wait()
}

// Animate reruns both layouts, streaming frames to the configured
// animator, and waits for them.
func (e *Engine) Animate(ctx context.Context) error {
	tsne, err := e.TSNE.Animate(e.NeighborIndex, e.env.Animator)
	if err != nil {
		return &StepError{Step: steps.NameTSNE, Err: err}
	}
	umap, err := e.UMAP.Animate(e.NeighborIndex, e.env.Animator)
	if err != nil {
		return &StepError{Step: steps.NameUMAP, Err: err}
	}
	e.track(steps.NameTSNE, tsne)
	e.track(steps.NameUMAP, umap)
	return e.Await(ctx)
}

// BufferBytes sums the bytes owned by every step cache.
func (e *Engine) BufferBytes() int {
	n := 0
	for _, s := range e.steps {
		n += s.Cache().Bytes()
	}
	return n
}

// Free releases every step and stops the layout executors. The engine
// must not be used afterwards.
func (e *Engine) Free() {
	for i := len(e.order) - 1; i >= 0; i-- {
		e.steps[e.order[i]].Free()
	}
	e.TSNE.Close()
	e.UMAP.Close()
}
