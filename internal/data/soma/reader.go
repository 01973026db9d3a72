// Package soma loads TileDB-SOMA experiments as analysis datasets.
//
// Each measurement under ms/ becomes one modality: var supplies the feature
// identifiers and X/<layer> the counts. String columns of obs become the
// cell annotations. Reading needs TileDB; builds without the "soma" tag
// report ErrUnsupported from Load.
package soma

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kanaverse/bakana-sub002/internal/data"
)

var (
	// ErrUnsupported indicates this binary was built without SOMA/TileDB support.
	ErrUnsupported = errors.New("soma support is not enabled in this build (build with: go build -tags soma)")
)

// Format is the identifier of SOMA datasets.
const Format = "SOMA"

// TypeExperiment is the file type of the experiment in Serialize output.
const TypeExperiment = "experiment"

// DefaultFeatureColumn is the var column holding primary feature IDs.
const DefaultFeatureColumn = "gene_id"

// DefaultLayer is the X layer read as counts.
const DefaultLayer = "data"

func init() {
	data.Register(Format, func(files []data.File) (data.Dataset, error) {
		f, ok := data.FileOfType(files, TypeExperiment)
		if !ok {
			return nil, fmt.Errorf("%s dataset has no %s entry", Format, TypeExperiment)
		}
		return New(f.Path)
	})
}

// ResolveExperimentURI accepts either the experiment.soma directory or its
// parent and returns the experiment.soma path.
func ResolveExperimentURI(somaPath string) (string, error) {
	p := strings.TrimSpace(somaPath)
	if p == "" {
		return "", errors.New("empty soma path")
	}
	p = filepath.Clean(os.ExpandEnv(p))
	if strings.HasSuffix(p, ".soma") {
		return p, nil
	}
	return filepath.Join(p, "experiment.soma"), nil
}

// Dataset is a SOMA experiment on the local filesystem.
type Dataset struct {
	URI           string
	FeatureColumn string
	Layer         string

	mu     sync.Mutex
	cached *data.Loaded
}

// New resolves the experiment path and checks it exists.
func New(somaPath string) (*Dataset, error) {
	uri, err := ResolveExperimentURI(somaPath)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(uri); statErr != nil {
		return nil, fmt.Errorf("soma experiment not found at %s: %w", uri, statErr)
	}
	return &Dataset{URI: uri, FeatureColumn: DefaultFeatureColumn, Layer: DefaultLayer}, nil
}

func (d *Dataset) Format() string { return Format }

// Abbreviate summarises the experiment by path, layer and the modification
// time of the top-level directory.
func (d *Dataset) Abbreviate() any {
	out := map[string]any{
		"format":  Format,
		"uri":     d.URI,
		"feature": d.featureColumn(),
		"layer":   d.layer(),
	}
	if info, err := os.Stat(d.URI); err == nil {
		out["modified"] = info.ModTime().UnixNano()
	}
	return out
}

func (d *Dataset) Serialize(ctx context.Context) ([]data.File, error) {
	return []data.File{{Type: TypeExperiment, Path: d.URI}}, nil
}

// Clear drops content cached by an earlier Load.
func (d *Dataset) Clear() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

// Measurements lists the directories under ms/.
func (d *Dataset) Measurements() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.URI, "ms"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

func (d *Dataset) featureColumn() string {
	if d.FeatureColumn == "" {
		return DefaultFeatureColumn
	}
	return d.FeatureColumn
}

func (d *Dataset) layer() string {
	if d.Layer == "" {
		return DefaultLayer
	}
	return d.Layer
}
