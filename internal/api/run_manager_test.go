package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/metrics"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
)

func newTestManager(t *testing.T, exec Executor) *RunManager {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	rm, err := NewRunManager(RunManagerConfig{
		SQLitePath: ":memory:",
		Metrics:    metrics.New(nil),
		Log:        log,
	})
	if err != nil {
		t.Fatalf("failed to create run manager: %v", err)
	}
	rm.Executor = exec
	rm.Start()
	t.Cleanup(rm.Stop)
	return rm
}

func waitForStatus(t *testing.T, rm *RunManager, id string, want runstore.RunStatus) *runstore.Run {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if run := rm.Get(id); run != nil && run.Status == want {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s (last: %+v)", id, want, rm.Get(id))
	return nil
}

func TestRunManagerLifecycle(t *testing.T) {
	tests := []struct {
		name      string
		exec      Executor
		want      runstore.RunStatus
		wantError string
		wantStep  string
	}{
		{
			name: "completed",
			exec: func(ctx context.Context, store *runstore.Store, id string) error {
				return store.UpdateRunResult(id, 10, 2, "/tmp/"+id)
			},
			want: runstore.RunStatusCompleted,
		},
		{
			name: "failed step",
			exec: func(ctx context.Context, store *runstore.Store, id string) error {
				return &engine.StepError{Step: "rna_pca", Err: errors.New("too few features")}
			},
			want:      runstore.RunStatusFailed,
			wantError: "too few features",
			wantStep:  "rna_pca",
		},
		{
			name: "failed outside steps",
			exec: func(ctx context.Context, store *runstore.Store, id string) error {
				return errors.New("disk full")
			},
			want:      runstore.RunStatusFailed,
			wantError: "disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rm := newTestManager(t, tt.exec)

			run, err := rm.Submit("pbmc", runstore.RunParams{})
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}
			if run.Status != runstore.RunStatusQueued {
				t.Fatalf("expected queued, got %s", run.Status)
			}

			got := waitForStatus(t, rm, run.ID, tt.want)
			if got.Error != tt.wantError {
				t.Errorf("error = %q, want %q", got.Error, tt.wantError)
			}
			if got.FailedStep != tt.wantStep {
				t.Errorf("failed step = %q, want %q", got.FailedStep, tt.wantStep)
			}
			if got.FinishedAt == nil {
				t.Errorf("finished_at not set")
			}
		})
	}
}

func TestRunManagerCancelRunning(t *testing.T) {
	started := make(chan struct{})
	rm := newTestManager(t, func(ctx context.Context, store *runstore.Store, id string) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	run, err := rm.Submit("slow", runstore.RunParams{})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-started
	if !rm.Cancel(run.ID) {
		t.Fatalf("expected running run to be cancellable")
	}
	waitForStatus(t, rm, run.ID, runstore.RunStatusCancelled)

	if rm.Cancel(run.ID) {
		t.Errorf("finished run should not be cancellable")
	}
	if rm.Cancel("missing") {
		t.Errorf("unknown run should not be cancellable")
	}
}

func TestRunManagerSkipsCancelledQueuedRuns(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var executed []string
	rm := newTestManager(t, func(ctx context.Context, store *runstore.Store, id string) error {
		mu.Lock()
		executed = append(executed, id)
		mu.Unlock()
		<-release
		return nil
	})

	first, _ := rm.Submit("first", runstore.RunParams{})
	second, _ := rm.Submit("second", runstore.RunParams{})
	waitForStatus(t, rm, first.ID, runstore.RunStatusRunning)

	if !rm.Cancel(second.ID) {
		t.Fatalf("expected queued run to be cancellable")
	}
	close(release)
	waitForStatus(t, rm, first.ID, runstore.RunStatusCompleted)
	waitForStatus(t, rm, second.ID, runstore.RunStatusCancelled)

	// the worker drains the queue after the first run
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(executed) != 1 || executed[0] != first.ID {
		t.Fatalf("executed = %v, want only %s", executed, first.ID)
	}
}

func TestRunManagerDelete(t *testing.T) {
	var deleted []string
	rm := newTestManager(t, func(ctx context.Context, store *runstore.Store, id string) error { return nil })
	rm.OnDelete = func(id string) { deleted = append(deleted, id) }

	run, _ := rm.Submit("gone", runstore.RunParams{})
	waitForStatus(t, rm, run.ID, runstore.RunStatusCompleted)

	if err := rm.Delete(run.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if rm.Get(run.ID) != nil {
		t.Errorf("run still present after delete")
	}
	if len(deleted) != 1 || deleted[0] != run.ID {
		t.Errorf("OnDelete calls = %v", deleted)
	}
}
