package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/download"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
	"github.com/kanaverse/bakana-sub002/internal/steps"
	"github.com/kanaverse/bakana-sub002/internal/worker"
)

// LinkCreator stores a dataset file and returns its link ID.
type LinkCreator func(ctx context.Context, format, path string) (string, error)

// LinkResolver returns the bytes behind a link ID.
type LinkResolver func(ctx context.Context, id string) ([]byte, error)

// Observer receives per-step timings.
type Observer interface {
	ObserveStep(step string, elapsed time.Duration, changed bool)
}

// Env is the configuration bundle an Engine is built with. Zero fields
// fall back to the process-wide defaults of the facade.
type Env struct {
	Animator    worker.Animator
	Downloader  download.Downloader
	CreateLink  LinkCreator
	ResolveLink LinkResolver
	References  steps.ReferenceSource
	Log         logrus.FieldLogger
	Metrics     Observer
}

// WithLinks fills the link callbacks from a link store.
func (e Env) WithLinks(s linkstore.Store) Env {
	e.CreateLink = s.CreateLink
	e.ResolveLink = s.ResolveLink
	return e
}

// merge fills the zero fields of e from d.
func (e Env) merge(d Env) Env {
	if e.Animator == nil {
		e.Animator = d.Animator
	}
	if e.Downloader == nil {
		e.Downloader = d.Downloader
	}
	if e.CreateLink == nil {
		e.CreateLink = d.CreateLink
	}
	if e.ResolveLink == nil {
		e.ResolveLink = d.ResolveLink
	}
	if e.References == nil {
		e.References = d.References
	}
	if e.Log == nil {
		e.Log = d.Log
	}
	if e.Metrics == nil {
		e.Metrics = d.Metrics
	}
	return e
}
