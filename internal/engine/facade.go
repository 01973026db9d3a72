package engine

import (
	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/download"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
	"github.com/kanaverse/bakana-sub002/internal/steps"
	"github.com/kanaverse/bakana-sub002/internal/worker"
)

// DefaultReferenceURL hosts the mitochondrial gene lists.
const DefaultReferenceURL = "https://github.com/kanaverse/kana-special-features/releases/download/v1.0.0"

// referenceEntries bounds the process-wide reference list cache.
const referenceEntries = 64

// The process-wide defaults. Setters are not safe for concurrent use and
// must only be called between runs.
var (
	defaults       = newDefaults()
	referenceCache = newReferenceCache()
)

func newDefaults() Env {
	log := logrus.New()
	links := linkstore.NewMemory()
	return Env{
		Downloader:  download.NewHTTP(nil, log),
		CreateLink:  links.CreateLink,
		ResolveLink: links.ResolveLink,
		Log:         log,
	}
}

func newReferenceCache() *cache.References {
	c, err := cache.NewReferences(referenceEntries)
	if err != nil {
		panic(err)
	}
	return c
}

// defaultReferences fetches lists through d and keeps them in the
// process-wide cache.
func defaultReferences(d download.Downloader) steps.ReferenceSource {
	return &download.References{BaseURL: DefaultReferenceURL, Downloader: d, Cache: referenceCache}
}

// PurgeReferenceCache empties the process-wide reference list cache and
// returns how many lists were dropped.
func PurgeReferenceCache() int { return referenceCache.Purge() }

// Defaults returns a copy of the process-wide defaults.
func Defaults() Env { return defaults }

// SetAnimator replaces the default animator and returns the previous one.
func SetAnimator(a worker.Animator) worker.Animator {
	prev := defaults.Animator
	defaults.Animator = a
	return prev
}

// SetDownloader replaces the default downloader and returns the previous
// one. Engines created afterwards fetch reference lists through it unless
// their Env or SetReferenceSource supplies a source.
func SetDownloader(d download.Downloader) download.Downloader {
	prev := defaults.Downloader
	defaults.Downloader = d
	return prev
}

// SetCreateLink replaces the default link creator and returns the previous
// one.
func SetCreateLink(fn LinkCreator) LinkCreator {
	prev := defaults.CreateLink
	defaults.CreateLink = fn
	return prev
}

// SetResolveLink replaces the default link resolver and returns the
// previous one.
func SetResolveLink(fn LinkResolver) LinkResolver {
	prev := defaults.ResolveLink
	defaults.ResolveLink = fn
	return prev
}

// SetReferenceSource replaces the source of mitochondrial reference lists
// and returns the previous one. A nil source restores fetching through the
// engine's downloader.
func SetReferenceSource(r steps.ReferenceSource) steps.ReferenceSource {
	prev := defaults.References
	defaults.References = r
	return prev
}

// SetLogger replaces the default logger and returns the previous one.
func SetLogger(l logrus.FieldLogger) logrus.FieldLogger {
	prev := defaults.Log
	defaults.Log = l
	return prev
}
