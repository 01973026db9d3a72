// Package api provides the HTTP API of the analysis server and the manager
// that queues and executes runs.
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/metrics"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
)

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int    // Max concurrent runs (default 1)
	QueueSize     int    // Pending runs held in memory (default 32)
	SQLitePath    string // Path to SQLite database
	RetentionDays int    // Days to keep finished runs (default 7)
	CleanupPeriod time.Duration
	Metrics       *metrics.Collectors
	Log           logrus.FieldLogger
}

// Executor computes one run.
type Executor func(ctx context.Context, store *runstore.Store, runID string) error

// RunManager manages analysis runs with SQLite persistence.
type RunManager struct {
	cfg      RunManagerConfig
	log      logrus.FieldLogger
	store    *runstore.Store
	queue    chan string // run IDs
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	// Executor is called to run the analysis.
	Executor Executor
	// OnDelete is called with the ID of every deleted or expired run.
	OnDelete func(runID string)
}

// NewRunManager creates a new run manager with SQLite persistence.
func NewRunManager(cfg RunManagerConfig) (*RunManager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}

	store, err := runstore.NewStore(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}

	return &RunManager{
		cfg:     cfg,
		log:     cfg.Log.WithField("component", "run-manager"),
		store:   store,
		queue:   make(chan string, cfg.QueueSize),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}, nil
}

// Store returns the underlying store for direct access.
func (rm *RunManager) Store() *runstore.Store {
	return rm.store
}

// Start starts the worker goroutines and cleanup ticker, recovering the
// runs left over by a previous process.
func (rm *RunManager) Start() {
	if err := rm.store.MarkRunningAsFailed("server restarted"); err != nil {
		rm.log.WithError(err).Error("failed to mark running runs as failed")
	}

	queued, err := rm.store.ListQueuedRuns()
	if err != nil {
		rm.log.WithError(err).Error("failed to list queued runs")
	} else {
		for _, run := range queued {
			select {
			case rm.queue <- run.ID:
				rm.log.WithField("run_id", run.ID).Info("re-queued run")
			default:
				rm.log.WithField("run_id", run.ID).Warn("queue full, cannot re-queue run")
			}
		}
	}

	for i := 0; i < rm.cfg.MaxConcurrent; i++ {
		rm.wg.Add(1)
		go rm.worker()
	}
	go rm.cleaner()
}

// Stop cancels running runs and stops all workers.
func (rm *RunManager) Stop() {
	rm.stopOnce.Do(func() {
		close(rm.stopCh)
		rm.mu.Lock()
		for _, cancel := range rm.running {
			cancel()
		}
		rm.mu.Unlock()
		close(rm.queue)
		rm.wg.Wait()
		rm.store.Close()
	})
}

func (rm *RunManager) worker() {
	defer rm.wg.Done()
	for runID := range rm.queue {
		select {
		case <-rm.stopCh:
			// left queued for the next start
			continue
		default:
		}
		rm.runOne(runID)
	}
}

func (rm *RunManager) runOne(runID string) {
	log := rm.log.WithField("run_id", runID)

	run, err := rm.store.GetRun(runID)
	if err != nil {
		log.WithError(err).Error("failed to load run")
		return
	}
	if run.Status != runstore.RunStatusQueued {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rm.mu.Lock()
	rm.running[runID] = cancel
	rm.mu.Unlock()

	defer func() {
		rm.mu.Lock()
		delete(rm.running, runID)
		rm.mu.Unlock()
	}()

	if err := rm.store.UpdateRunStarted(runID); err != nil {
		log.WithError(err).Error("failed to mark run as started")
		return
	}
	log.Info("run started")

	var execErr error
	if rm.Executor != nil {
		execErr = rm.Executor(ctx, rm.store, runID)
	}

	status := runstore.RunStatusCompleted
	var stepErr *engine.StepError
	switch {
	case ctx.Err() == context.Canceled || errors.Is(execErr, context.Canceled):
		status = runstore.RunStatusCancelled
		err = rm.store.UpdateRunStatus(runID, status, "cancelled by user")
	case errors.As(execErr, &stepErr):
		status = runstore.RunStatusFailed
		err = rm.store.UpdateRunFailed(runID, stepErr.Step, stepErr.Err.Error())
	case execErr != nil:
		status = runstore.RunStatusFailed
		err = rm.store.UpdateRunStatus(runID, status, execErr.Error())
	default:
		err = rm.store.UpdateRunStatus(runID, status, "")
	}
	if err != nil {
		log.WithError(err).Error("failed to record run status")
	}
	if rm.cfg.Metrics != nil {
		rm.cfg.Metrics.ObserveRun(string(status))
	}
	entry := log.WithField("status", status)
	if execErr != nil {
		entry = entry.WithError(execErr)
	}
	entry.Info("run finished")
}

func (rm *RunManager) cleaner() {
	ticker := time.NewTicker(rm.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.cleanup()
		}
	}
}

func (rm *RunManager) cleanup() {
	deleted, err := rm.store.DeleteExpiredRuns(rm.cfg.RetentionDays)
	if err != nil {
		rm.log.WithError(err).Error("cleanup failed")
		return
	}
	for _, id := range deleted {
		if rm.OnDelete != nil {
			rm.OnDelete(id)
		}
	}
	if len(deleted) > 0 {
		rm.log.WithField("runs", len(deleted)).Info("cleaned up expired runs")
	}
}

// Submit creates a new run and enqueues it for execution.
func (rm *RunManager) Submit(name string, params runstore.RunParams) (*runstore.Run, error) {
	run := &runstore.Run{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    runstore.RunStatusQueued,
		Params:    params,
		CreatedAt: time.Now(),
	}
	if err := rm.store.CreateRun(run); err != nil {
		return nil, err
	}

	select {
	case rm.queue <- run.ID:
	default:
		run.Status = runstore.RunStatusFailed
		run.Error = "run queue is full; try again later"
		if err := rm.store.UpdateRunStatus(run.ID, run.Status, run.Error); err != nil {
			return nil, err
		}
	}
	return run, nil
}

// Get returns a run by ID, or nil.
func (rm *RunManager) Get(id string) *runstore.Run {
	run, err := rm.store.GetRun(id)
	if err != nil {
		if !errors.Is(err, runstore.ErrNotFound) {
			rm.log.WithError(err).WithField("run_id", id).Error("failed to get run")
		}
		return nil
	}
	return run
}

// Cancel attempts to cancel a queued or running run.
func (rm *RunManager) Cancel(id string) bool {
	rm.mu.Lock()
	cancel, ok := rm.running[id]
	rm.mu.Unlock()

	if ok && cancel != nil {
		cancel()
		return true
	}

	run := rm.Get(id)
	if run == nil {
		return false
	}
	if run.Status == runstore.RunStatusQueued {
		if err := rm.store.UpdateRunStatus(id, runstore.RunStatusCancelled, "cancelled before start"); err != nil {
			rm.log.WithError(err).WithField("run_id", id).Error("failed to cancel run")
			return false
		}
		return true
	}
	return false
}

// Delete cancels a run and deletes its records.
func (rm *RunManager) Delete(id string) error {
	rm.Cancel(id)
	if err := rm.store.DeleteRun(id); err != nil {
		return err
	}
	if rm.OnDelete != nil {
		rm.OnDelete(id)
	}
	return nil
}
