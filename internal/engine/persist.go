package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
)

// SavedFile is one persisted dataset file. Directories cannot be linked and
// keep their path.
type SavedFile struct {
	Type string `json:"type" yaml:"type"`
	Link string `json:"link,omitempty" yaml:"link,omitempty"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// SavedDataset describes how to rebuild one input dataset.
type SavedDataset struct {
	Name   string      `json:"name" yaml:"name"`
	Format string      `json:"format" yaml:"format"`
	Files  []SavedFile `json:"files" yaml:"files"`
}

// SaveInputs serialises the datasets of the last run and stores each file
// through the link creator.
func (e *Engine) SaveInputs(ctx context.Context) ([]SavedDataset, error) {
	if e.env.CreateLink == nil {
		return nil, fmt.Errorf("no link creator configured")
	}
	datasets := e.Inputs.FetchDatasets()
	names := make([]string, 0, len(datasets))
	for name := range datasets {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SavedDataset, 0, len(names))
	for _, name := range names {
		ds := datasets[name]
		files, err := ds.Serialize(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize dataset %s: %w", name, err)
		}
		saved := SavedDataset{Name: name, Format: ds.Format()}
		for _, f := range files {
			info, err := os.Stat(f.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to stat %s: %w", f.Path, err)
			}
			if info.IsDir() {
				saved.Files = append(saved.Files, SavedFile{Type: f.Type, Path: f.Path})
				continue
			}
			id, err := e.env.CreateLink(ctx, ds.Format(), f.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to link %s: %w", f.Path, err)
			}
			saved.Files = append(saved.Files, SavedFile{Type: f.Type, Link: id})
		}
		out = append(out, saved)
	}
	return out, nil
}

// RestoreInputs resolves the links of saved datasets into dir and rebuilds
// the datasets through the format registry.
func RestoreInputs(ctx context.Context, env Env, saved []SavedDataset, dir string) (map[string]data.Dataset, error) {
	env = env.merge(defaults)
	out := make(map[string]data.Dataset, len(saved))
	for _, s := range saved {
		var files []data.File
		for i, f := range s.Files {
			if f.Link == "" {
				files = append(files, data.File{Type: f.Type, Path: f.Path})
				continue
			}
			if env.ResolveLink == nil {
				return nil, fmt.Errorf("no link resolver configured")
			}
			b, err := env.ResolveLink(ctx, f.Link)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", f.Link, err)
			}
			// one directory per file keeps equal base names apart
			target := filepath.Join(dir, s.Name, fmt.Sprintf("%d", i), linkstore.BaseName(f.Link))
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(target, b, 0o644); err != nil {
				return nil, fmt.Errorf("failed to restore %s: %w", f.Link, err)
			}
			files = append(files, data.File{Type: f.Type, Path: target})
		}
		ds, err := data.Unserialize(s.Format, files)
		if err != nil {
			return nil, fmt.Errorf("failed to rebuild dataset %s: %w", s.Name, err)
		}
		out[s.Name] = ds
	}
	return out, nil
}
