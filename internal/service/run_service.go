// Package service provides the business logic of the analysis server:
// executing runs, and querying and plotting the results of finished runs.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/bundle"
	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/h5"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/metrics"
	"github.com/kanaverse/bakana-sub002/internal/render"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
)

// ErrNotLoaded is returned when the results of a run are not held in
// memory, because the run has not finished or was evicted.
var ErrNotLoaded = errors.New("run results are not loaded")

// Config contains run service configuration.
type Config struct {
	// OutputDir receives one bundle directory per run.
	OutputDir string
	Backend   h5.Backend
	// Env is the base engine configuration; its Metrics field is replaced
	// per run.
	Env     engine.Env
	Metrics *metrics.Collectors
	// Cache holds rendered plots; nil disables plot caching.
	Cache    *cache.Manager
	Renderer *render.Renderer
	// KeepEngines is the number of finished runs kept in memory.
	KeepEngines int
	Log         logrus.FieldLogger
}

// session guards an engine shared by concurrent requests.
type session struct {
	mu sync.Mutex
	e  *engine.Engine
}

// RunService executes analysis runs and serves their results.
type RunService struct {
	cfg      Config
	log      logrus.FieldLogger
	sessions *lru.Cache[string, *session]
}

// NewRunService creates a new run service.
func NewRunService(cfg Config) (*RunService, error) {
	if cfg.KeepEngines <= 0 {
		cfg.KeepEngines = 4
	}
	if cfg.Backend == nil {
		cfg.Backend = h5.Default()
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewRenderer(render.Config{})
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	sessions, err := lru.NewWithEvict(cfg.KeepEngines, func(_ string, s *session) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.e.Free()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create engine cache: %w", err)
	}
	return &RunService{cfg: cfg, log: cfg.Log.WithField("component", "run-service"), sessions: sessions}, nil
}

// recorder collects step summaries and reports progress while a run
// computes.
type recorder struct {
	store   *runstore.Store
	runID   string
	total   int
	metrics *metrics.Collectors
	log     logrus.FieldLogger
	steps   []runstore.StepSummary
}

func (r *recorder) ObserveStep(step string, elapsed time.Duration, changed bool) {
	r.steps = append(r.steps, runstore.StepSummary{Step: step, Changed: changed, Seconds: elapsed.Seconds()})
	if err := r.store.UpdateRunProgress(r.runID, step, len(r.steps), r.total); err != nil {
		r.log.WithError(err).Warn("failed to update progress")
	}
	if r.metrics != nil {
		r.metrics.ObserveStep(step, elapsed, changed)
	}
}

// Datasets rebuilds the datasets of a run from their serialised files.
func Datasets(specs []runstore.DatasetSpec) (map[string]data.Dataset, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("run has no datasets")
	}
	out := make(map[string]data.Dataset, len(specs))
	for i, spec := range specs {
		name := spec.Name
		if name == "" {
			name = fmt.Sprintf("dataset-%d", i+1)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate dataset name %q", name)
		}
		ds, err := data.Unserialize(spec.Format, spec.Files)
		if err != nil {
			return nil, fmt.Errorf("failed to open dataset %q: %w", name, err)
		}
		out[name] = ds
	}
	return out, nil
}

// Parameters decodes the parameters of a run over the defaults.
func Parameters(p runstore.RunParams) (engine.Parameters, error) {
	if len(p.Parameters) == 0 {
		return engine.DefaultParameters(), nil
	}
	return engine.DecodeParameters(p.Parameters, true)
}

// Execute runs the analysis of a run (called by the run manager's
// workers). A failing step is returned as *engine.StepError.
func (s *RunService) Execute(ctx context.Context, store *runstore.Store, runID string) error {
	run, err := store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	log := s.log.WithField("run_id", runID)

	datasets, err := Datasets(run.Params.Datasets)
	if err != nil {
		return err
	}
	params, err := Parameters(run.Params)
	if err != nil {
		return fmt.Errorf("failed to decode parameters: %w", err)
	}

	rec := &recorder{store: store, runID: runID, metrics: s.cfg.Metrics, log: log}
	env := s.cfg.Env
	env.Metrics = rec
	env.Log = log
	e, err := engine.New(env)
	if err != nil {
		return err
	}
	rec.total = len(e.Order())

	keep := false
	defer func() {
		if !keep {
			e.Free()
		}
	}()

	runErr := e.Run(ctx, datasets, params)
	for i := range rec.steps {
		if st, ok := e.Step(rec.steps[i].Step); ok {
			rec.steps[i].Valid = st.Valid()
		}
	}
	if err := store.InsertSteps(runID, rec.steps); err != nil {
		log.WithError(err).Warn("failed to store step summaries")
	}
	if runErr != nil {
		return runErr
	}

	if run.Params.Animate {
		err = e.Animate(ctx)
	} else {
		err = e.Await(ctx)
	}
	if err != nil {
		return err
	}

	var sizes []int
	if e.ChooseClustering.Valid() {
		sizes = ClusterSizes(e.ChooseClustering.FetchClusters())
		if err := store.ReplaceClusters(runID, sizes); err != nil {
			return fmt.Errorf("failed to store clusters: %w", err)
		}
	}

	dir := filepath.Join(s.cfg.OutputDir, runID)
	if _, err := bundle.Write(ctx, dir, e, bundle.Options{Backend: s.cfg.Backend, Log: log}); err != nil {
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := store.UpdateRunResult(runID, e.CellFiltering.NumCells(), len(sizes), dir); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetBufferBytes(e.BufferBytes())
	}

	keep = true
	s.sessions.Add(runID, &session{e: e})
	log.WithFields(logrus.Fields{"cells": e.CellFiltering.NumCells(), "clusters": len(sizes)}).Info("run finished")
	return nil
}

// ClusterSizes counts the cells of each 0-based cluster label.
func ClusterSizes(labels []int32) []int {
	sizes := make([]int, kernels.NumClusters(labels))
	for _, l := range labels {
		sizes[l]++
	}
	return sizes
}

// with runs fn on the engine of a finished run.
func (s *RunService) with(runID string, fn func(e *engine.Engine) error) error {
	sess, ok := s.sessions.Get(runID)
	if !ok {
		return ErrNotLoaded
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return fn(sess.e)
}

// Loaded reports whether the results of a run are in memory.
func (s *RunService) Loaded(runID string) bool {
	return s.sessions.Contains(runID)
}

// Forget drops the in-memory results of a run and removes its bundle.
func (s *RunService) Forget(runID string) error {
	s.sessions.Remove(runID)
	if s.cfg.OutputDir == "" {
		return nil
	}
	return os.RemoveAll(filepath.Join(s.cfg.OutputDir, runID))
}

// Close frees every engine held in memory.
func (s *RunService) Close() {
	s.sessions.Purge()
}
