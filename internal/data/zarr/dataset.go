package zarr

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Format is the identifier of Zarr datasets.
const Format = "Zarr"

// TypeStore is the file type of the store directory in Serialize output.
const TypeStore = "store"

func init() {
	data.Register(Format, func(files []data.File) (data.Dataset, error) {
		f, ok := data.FileOfType(files, TypeStore)
		if !ok {
			return nil, fmt.Errorf("%s dataset has no %s entry", Format, TypeStore)
		}
		return &Dataset{Path: f.Path}, nil
	})
}

// Dataset is a Zarr store on the local filesystem.
type Dataset struct {
	Path string
}

func (d *Dataset) Format() string { return Format }

// Abbreviate summarises the store by its path and metadata file.
func (d *Dataset) Abbreviate() any {
	out := map[string]any{"format": Format, "path": d.Path}
	if info, err := os.Stat(filepath.Join(d.Path, "metadata.json")); err == nil {
		out["size"] = info.Size()
		out["modified"] = info.ModTime().UnixNano()
	}
	return out
}

func (d *Dataset) Serialize(ctx context.Context) ([]data.File, error) {
	return []data.File{{Type: TypeStore, Path: d.Path}}, nil
}

func (d *Dataset) Load(ctx context.Context, opts data.LoadOptions) (*data.Loaded, error) {
	r, err := NewReader(d.Path)
	if err != nil {
		return nil, errs.Wrap(errs.Reader, err, d.Path)
	}
	defer r.Close()

	meta := r.Metadata()
	out := &data.Loaded{
		Matrix:     matrix.NewMulti(),
		Features:   map[string]*table.Table{},
		PrimaryIDs: map[string][]string{},
	}
	for _, mod := range r.ModalityNames() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info := meta.Modalities[mod]
		x, err := r.readMatrix(filepath.Join(d.Path, info.Array))
		if err != nil {
			return nil, errs.Wrap(errs.Reader, err, mod)
		}
		feats, err := featureTable(info, x.NumRows())
		if err != nil {
			return nil, errs.Wrap(errs.Reader, err, mod)
		}
		if err := out.Matrix.Add(mod, x); err != nil {
			return nil, err
		}
		out.Features[mod] = feats
		out.PrimaryIDs[mod] = info.Features["id"]
	}

	cells, err := r.readObs(d.Path, out.Matrix.NumColumns())
	if err != nil {
		return nil, errs.Wrap(errs.Reader, err, "obs")
	}
	out.Cells = cells
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) readMatrix(arrayPath string) (*matrix.Sparse, error) {
	var is, js []int
	var xs []float64
	meta, err := r.visitChunks(arrayPath, func(i, j int, v float64) {
		is = append(is, i)
		js = append(js, j)
		xs = append(xs, v)
	})
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected a 2-dimensional array, got shape %v", arrayPath, meta.Shape)
	}
	return matrix.FromTriplets(meta.Shape[0], meta.Shape[1], is, js, xs)
}

func featureTable(info ModalityInfo, nrow int) (*table.Table, error) {
	tab := table.New(nrow)
	names := make([]string, 0, len(info.Features))
	for k := range info.Features {
		if k != "id" {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, name := range append([]string{"id"}, names...) {
		if err := tab.SetString(name, info.Features[name]); err != nil {
			return nil, err
		}
	}
	return tab, nil
}

func (r *Reader) readObs(base string, ncells int) (*table.Table, error) {
	tab := table.New(ncells)
	for _, col := range r.metadata.Obs.Columns {
		values, err := r.ReadVector(filepath.Join(base, "obs", col))
		if err != nil {
			return nil, err
		}
		if len(values) != ncells {
			return nil, fmt.Errorf("obs column %s has %d entries, want %d", col, len(values), ncells)
		}
		cat, ok := r.metadata.Obs.Categories[col]
		if !ok {
			if err := tab.SetFloat64(col, values); err != nil {
				return nil, err
			}
			continue
		}
		labels := make([]string, ncells)
		valid := make([]bool, ncells)
		for i, v := range values {
			code := int(v)
			if math.IsNaN(v) || code < 0 || code >= len(cat.Values) {
				continue
			}
			labels[i] = cat.Values[code]
			valid[i] = true
		}
		if err := tab.SetNullableString(col, labels, valid); err != nil {
			return nil, err
		}
	}
	return tab, nil
}
