// Package bundle serialises the results of an analysis into a directory of
// experiment descriptions, HDF5 files and metadata documents.
//
// The layout under <dir>/<name>/ is:
//
//	experiment.json            main experiment
//	coldata/simple.h5          cell annotations, clusters, blocks, selections
//	rowdata/simple.h5          feature annotations
//	assay-counts/matrix.h5     filtered counts, 10x compressed sparse column
//	assay-logcounts/array.h5   delayed log-normalised counts
//	reddim-{pca,tsne,umap}/    dense embeddings, cells fastest
//	other/simple.json.gz       analysis-level metadata
//	altexp-<modality>/         one experiment per other modality
//
// <dir>/<name>.json redirects readers of <name> to the main experiment.
// Every HDF5 and gzip file has a metadata document next to it carrying its
// md5sum.
package bundle

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/sirupsen/logrus"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/h5"
)

// Schemas.
const (
	SchemaExperiment  = "single_cell_experiment/v1.json"
	SchemaRedirection = "redirection/v1.json"
	SchemaDataFrame   = "hdf5_data_frame/v1.json"
	SchemaSparse      = "hdf5_sparse_matrix/v1.json"
	SchemaDelayed     = "hdf5_delayed_array/v1.json"
	SchemaDense       = "hdf5_dense_array/v1.json"
	SchemaSimpleList  = "json_simple_list/v1.json"
)

// Annotation column names.
const (
	ColumnBlock           = "kana::block"
	ColumnClusters        = "kana::clusters"
	ColumnSelectionPrefix = "kana::custom_selections::"
)

// Options controls Write.
type Options struct {
	// Name is the directory and redirection name; "analysis" when empty.
	Name    string
	Backend h5.Backend
	Log     logrus.FieldLogger
}

// Entry is one emitted file, relative to the output directory.
type Entry struct {
	Path string `json:"path"`
	MD5  string `json:"md5sum"`
}

// Manifest lists what Write produced.
type Manifest struct {
	Name        string  `json:"name"`
	Redirection string  `json:"redirection"`
	Experiment  string  `json:"experiment"`
	Files       []Entry `json:"files"`
}

// Resource references a file in the bundle.
type Resource struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

type writer struct {
	dir     string
	name    string
	backend h5.Backend
	log     logrus.FieldLogger
	files   []Entry
}

func local(p string) Resource { return Resource{Type: "local", Path: p} }

func (w *writer) abs(rel string) string { return filepath.Join(w.dir, filepath.FromSlash(rel)) }

func (w *writer) record(rel string) (string, error) {
	b, err := os.ReadFile(w.abs(rel))
	if err != nil {
		return "", err
	}
	sum := md5.Sum(b)
	e := Entry{Path: rel, MD5: hex.EncodeToString(sum[:])}
	w.files = append(w.files, e)
	return e.MD5, nil
}

func (w *writer) mkdir(rel string) error {
	return os.MkdirAll(filepath.Dir(w.abs(rel)), 0o755)
}

// putH5 writes a tree and its metadata document. meta receives the schema,
// the path and the checksum.
func (w *writer) putH5(rel, schema string, root *h5.Group, meta map[string]any) error {
	if err := w.mkdir(rel); err != nil {
		return err
	}
	if err := w.backend.Write(w.abs(rel), root); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return w.putMeta(rel, schema, meta)
}

func (w *writer) putMeta(rel, schema string, meta map[string]any) error {
	sum, err := w.record(rel)
	if err != nil {
		return err
	}
	doc := map[string]any{"$schema": schema, "path": rel, "md5sum": sum}
	for k, v := range meta {
		doc[k] = v
	}
	return w.putJSON(rel+".json", doc)
}

func (w *writer) putJSON(rel string, v any) error {
	if err := w.mkdir(rel); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.abs(rel), b, 0o644); err != nil {
		return err
	}
	_, err = w.record(rel)
	return err
}

func (w *writer) putJSONGz(rel, schema string, v any) error {
	if err := w.mkdir(rel); err != nil {
		return err
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := os.WriteFile(w.abs(rel), buf.Bytes(), 0o644); err != nil {
		return err
	}
	return w.putMeta(rel, schema, map[string]any{"compression": "gzip"})
}

// Write serialises the state of e under dir. The engine must have run and
// its layouts must have been awaited.
func Write(ctx context.Context, dir string, e *engine.Engine, opts Options) (*Manifest, error) {
	if !e.CellFiltering.Valid() {
		return nil, fmt.Errorf("no filtered cells to serialise")
	}
	if opts.Name == "" {
		opts.Name = "analysis"
	}
	if opts.Backend == nil {
		opts.Backend = h5.Default()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	w := &writer{dir: dir, name: opts.Name, backend: opts.Backend, log: opts.Log.WithField("component", "bundle")}

	mods := e.CellFiltering.FetchFilteredMatrix().Available()
	main := mods[0]
	for _, m := range mods {
		if m == data.RNA {
			main = m
		}
	}
	sort.Slice(mods, func(i, j int) bool {
		if mods[i] == main || mods[j] == main {
			return mods[i] == main && mods[j] != main
		}
		return mods[i] < mods[j]
	})

	var alts []map[string]any
	for _, mod := range mods[1:] {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		prefix := path.Join(w.name, "altexp-"+strings.ToLower(mod))
		if err := w.experiment(e, mod, prefix, false); err != nil {
			return nil, fmt.Errorf("failed to write %s experiment: %w", mod, err)
		}
		alts = append(alts, map[string]any{"name": mod, "resource": local(prefix + "/experiment.json")})
	}
	if err := w.experiment(e, main, w.name, true, alts...); err != nil {
		return nil, fmt.Errorf("failed to write %s experiment: %w", main, err)
	}

	exp := w.name + "/experiment.json"
	redirect := w.name + ".json"
	if err := w.putJSON(redirect, map[string]any{
		"$schema": SchemaRedirection,
		"path":    w.name,
		"redirection": map[string]any{
			"targets": []map[string]any{{"type": "local", "location": exp}},
		},
	}); err != nil {
		return nil, err
	}
	w.log.WithFields(logrus.Fields{"files": len(w.files), "dir": dir}).Info("bundle written")
	return &Manifest{Name: w.name, Redirection: redirect, Experiment: exp, Files: w.files}, nil
}
