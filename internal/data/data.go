// Package data defines the reader contract through which datasets enter the
// analysis, and a registry that rebuilds datasets from serialised files.
package data

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Modality names.
const (
	RNA    = "RNA"
	ADT    = "ADT"
	CRISPR = "CRISPR"
)

// Modalities lists the analysed modalities in processing order.
var Modalities = []string{RNA, ADT, CRISPR}

// ModalityForFeatureType maps a 10x-style feature type to a modality name.
// Unknown types are returned unchanged.
func ModalityForFeatureType(t string) string {
	switch t {
	case "", "Gene Expression":
		return RNA
	case "Antibody Capture":
		return ADT
	case "CRISPR Guide Capture":
		return CRISPR
	}
	return t
}

// LoadOptions controls a single Load call.
type LoadOptions struct {
	// Cache keeps the parsed content on the handle for later loads.
	Cache bool
}

// Loaded is the content of one dataset.
type Loaded struct {
	Matrix     *matrix.Multi
	Features   map[string]*table.Table
	PrimaryIDs map[string][]string
	Cells      *table.Table
}

// Validate checks that every modality has a feature table and primary IDs
// matching its row count, and that the cell table matches the column count.
func (l *Loaded) Validate() error {
	for _, mod := range l.Matrix.Available() {
		x, _ := l.Matrix.Get(mod)
		feat, ok := l.Features[mod]
		if !ok || feat.NumRows() != x.NumRows() {
			return errs.New(errs.Reader, mod, "feature table does not match matrix rows")
		}
		ids, ok := l.PrimaryIDs[mod]
		if !ok || len(ids) != x.NumRows() {
			return errs.New(errs.MissingPrimaryID, mod)
		}
	}
	if l.Cells != nil && l.Cells.NumRows() != l.Matrix.NumColumns() {
		return errs.New(errs.CellCountMismatch, "cells",
			strconv.Itoa(l.Cells.NumRows()), strconv.Itoa(l.Matrix.NumColumns()))
	}
	return nil
}

// File is an opaque persisted file belonging to a dataset.
type File struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Dataset is a handle produced by a reader.
type Dataset interface {
	// Format is a stable identifier of the reader.
	Format() string
	// Abbreviate returns a cheap plain-data summary; equal summaries imply
	// equal loaded content.
	Abbreviate() any
	Load(ctx context.Context, opts LoadOptions) (*Loaded, error)
	Serialize(ctx context.Context) ([]File, error)
}

// Unserializer rebuilds a dataset from the files returned by Serialize.
type Unserializer func(files []File) (Dataset, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Unserializer{}
)

// Register makes a reader format available to Unserialize. It panics on
// duplicate registration.
func Register(format string, fn Unserializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[format]; dup {
		panic("data: Register called twice for format " + format)
	}
	registry[format] = fn
}

// Unserialize rebuilds a dataset of the named format.
func Unserialize(format string, files []File) (Dataset, error) {
	registryMu.RLock()
	fn, ok := registry[format]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown dataset format %q", format)
	}
	return fn(files)
}

// Formats lists the registered formats.
func Formats() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FileOfType picks the first file with the given type.
func FileOfType(files []File, typ string) (File, bool) {
	for _, f := range files {
		if f.Type == typ {
			return f, true
		}
	}
	return File{}, false
}
