package bundle

import (
	"fmt"
	"math"
	"path"
	"strconv"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/h5"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/steps"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// MissingPlaceholder stands in for missing strings in data frames.
const MissingPlaceholder = "NA"

func init() {
	h5.RegisterAttr("row-count", int32(0))
	h5.RegisterAttr("missing-value-placeholder", "")
	h5.RegisterAttr("type", "")
}

// frameColumn is one data frame column ready for HDF5.
type frameColumn struct {
	name string
	typ  string
	data any
	// placeholder marks missing strings
	placeholder bool
}

func columnsOf(t *table.Table) []frameColumn {
	var out []frameColumn
	for _, c := range t.Columns() {
		switch c.Kind {
		case table.Uint8:
			v := make([]int32, len(c.U8))
			for i, x := range c.U8 {
				v[i] = int32(x)
			}
			out = append(out, frameColumn{name: c.Name, typ: "integer", data: v})
		case table.Int32:
			out = append(out, frameColumn{name: c.Name, typ: "integer", data: c.I32})
		case table.Float64:
			out = append(out, frameColumn{name: c.Name, typ: "number", data: c.F64})
		case table.String:
			v := append([]string(nil), c.Str...)
			missing := false
			for i := range v {
				if c.Valid != nil && !c.Valid[i] {
					v[i] = MissingPlaceholder
					missing = true
				}
			}
			out = append(out, frameColumn{name: c.Name, typ: "string", data: v, placeholder: missing})
		}
	}
	return out
}

// putFrame writes columns as a data frame with nrow rows.
func (w *writer) putFrame(rel string, nrow int, cols []frameColumn) error {
	root := h5.NewGroup()
	g := root.Group("contents")
	g.SetAttr("row-count", int32(nrow))
	names := make([]string, len(cols))
	meta := make([]map[string]any, len(cols))
	d := g.Group("data")
	for i, c := range cols {
		names[i] = c.name
		ds := d.Put(strconv.Itoa(i), c.data)
		if c.placeholder {
			ds.Attrs["missing-value-placeholder"] = MissingPlaceholder
		}
		meta[i] = map[string]any{"name": c.name, "type": c.typ}
	}
	g.Put("column_names", names)
	return w.putH5(rel, SchemaDataFrame, root, map[string]any{
		"data_frame":      map[string]any{"columns": meta, "dimensions": []int{nrow, len(cols)}},
		"hdf5_data_frame": map[string]any{"group": "contents"},
	})
}

// tenx lays out a matrix in 10x compressed sparse column form under the
// group "matrix". Integral values are stored as integers.
func tenx(x *matrix.Sparse) (*h5.Group, string) {
	colptr, rows, vals := x.Raw()
	integral := x.IsInteger()
	for _, v := range vals {
		if math.Abs(v) > math.MaxInt32 {
			integral = false
			break
		}
	}
	root := h5.NewGroup()
	g := root.Group("matrix")
	typ := "number"
	if integral {
		ints := make([]int32, len(vals))
		for i, v := range vals {
			ints[i] = int32(v)
		}
		g.Put("data", ints)
		typ = "integer"
	} else {
		g.Put("data", append([]float64(nil), vals...))
	}
	g.Put("indices", append([]int32(nil), rows...))
	indptr := make([]int64, len(colptr))
	for i, p := range colptr {
		indptr[i] = int64(p)
	}
	g.Put("indptr", indptr)
	g.Put("shape", []int32{int32(x.NumRows()), int32(x.NumColumns())})
	return root, typ
}

// dense stores n points of dim coordinates with cells fastest.
func dense(p kernels.Points) *h5.Group {
	n, dim := p.N(), p.Dim
	vals := make([]float64, n*dim)
	for i := 0; i < n; i++ {
		for d, v := range p.Row(i) {
			vals[d*n+i] = v
		}
	}
	root := h5.NewGroup()
	root.Group("data").SetAttr("type", "number").Put("data", vals, dim, n)
	return root
}

func layoutPoints(x, y []float64) kernels.Points {
	p := kernels.NewPoints(len(x), 2)
	for i := range x {
		p.Data[2*i], p.Data[2*i+1] = x[i], y[i]
	}
	return p
}

func (w *writer) experiment(e *engine.Engine, mod, prefix string, main bool, alts ...map[string]any) error {
	counts, _ := e.CellFiltering.FetchFilteredMatrix().Get(mod)
	ncells := counts.NumColumns()
	res := func(p string) Resource { return local(path.Join(prefix, p)) }

	rowRel := path.Join(prefix, "rowdata/simple.h5")
	feats := e.Inputs.FetchFeatureAnnotations()[mod]
	rowCols := columnsOf(feats)
	if mod == data.RNA && e.FeatureSelection.Valid() {
		rowCols = append(rowCols,
			frameColumn{name: "kana::variance::means", typ: "number", data: e.FeatureSelection.FetchMeans()},
			frameColumn{name: "kana::variance::residuals", typ: "number", data: e.FeatureSelection.FetchResiduals()},
		)
	}
	if err := w.putFrame(rowRel, counts.NumRows(), rowCols); err != nil {
		return err
	}

	colRel := path.Join(prefix, "coldata/simple.h5")
	var colCols []frameColumn
	if main {
		var err error
		if colCols, err = cellColumns(e, ncells); err != nil {
			return err
		}
	}
	if err := w.putFrame(colRel, ncells, colCols); err != nil {
		return err
	}

	countsRel := path.Join(prefix, "assay-counts/matrix.h5")
	tree, typ := tenx(counts)
	dims := []int{counts.NumRows(), ncells}
	if err := w.putH5(countsRel, SchemaSparse, tree, map[string]any{
		"array":              map[string]any{"dimensions": dims, "type": typ},
		"hdf5_sparse_matrix": map[string]any{"group": "matrix", "format": "tenx"},
	}); err != nil {
		return err
	}
	assays := []map[string]any{{"name": "counts", "resource": local(countsRel)}}

	if norm, ok := e.Normalization(mod); ok && norm.Valid() {
		logRel := path.Join(prefix, "assay-logcounts/array.h5")
		root := h5.NewGroup()
		seed := h5.Seed("../assay-counts/matrix.h5", "matrix", dims[0], dims[1], typ)
		h5.WriteDelayed(root.Group("delayed"), h5.LogNormalized(seed, norm.FetchSizeFactors()))
		if err := w.putH5(logRel, SchemaDelayed, root, map[string]any{
			"array":              map[string]any{"dimensions": dims, "type": "number"},
			"hdf5_delayed_array": map[string]any{"group": "delayed"},
		}); err != nil {
			return err
		}
		assays = append(assays, map[string]any{"name": "logcounts", "resource": local(logRel)})
	}

	sce := map[string]any{"main_experiment_name": mod}
	if main {
		reddims, err := w.reducedDims(e, prefix)
		if err != nil {
			return err
		}
		sce["reduced_dimensions"] = reddims
		if len(alts) > 0 {
			sce["alternative_experiments"] = alts
		}
		otherRel := path.Join(prefix, "other/simple.json.gz")
		if err := w.putJSONGz(otherRel, SchemaSimpleList, otherData(e)); err != nil {
			return err
		}
		sce["other_data"] = local(otherRel)
	}

	return w.putJSON(path.Join(prefix, "experiment.json"), map[string]any{
		"$schema": SchemaExperiment,
		"path":    path.Join(prefix, "experiment.json"),
		"summarized_experiment": map[string]any{
			"dimensions":  dims,
			"row_data":    map[string]any{"resource": res("rowdata/simple.h5")},
			"column_data": map[string]any{"resource": res("coldata/simple.h5")},
			"assays":      assays,
		},
		"single_cell_experiment": sce,
	})
}

// cellColumns assembles the main column data: annotations, QC sums,
// blocks, clusters and custom selections.
func cellColumns(e *engine.Engine, ncells int) ([]frameColumn, error) {
	cells := e.Inputs.FetchCellAnnotations()
	if r := e.CellFiltering.FetchRetained(); r != nil {
		cells = cells.SubsetRows(r)
	}
	cols := columnsOf(cells)

	for _, mod := range data.Modalities {
		qc, ok := e.QualityControl(mod)
		if !ok || !qc.Valid() {
			continue
		}
		sums, err := steps.ApplyFilter(e.CellFiltering, qc.FetchSums())
		if err != nil {
			return nil, err
		}
		cols = append(cols, frameColumn{name: "kana::" + mod + "::sums", typ: "number", data: sums})
	}

	if block := e.CellFiltering.FetchFilteredBlock(); block != nil {
		f := table.Factor{Codes: block, Levels: e.CellFiltering.FetchBlockLevels()}
		cols = append(cols, frameColumn{name: ColumnBlock, typ: "string", data: f.Labels()})
	}

	if e.ChooseClustering.Valid() {
		labels := e.ChooseClustering.FetchClusters()
		if len(labels) != ncells {
			return nil, fmt.Errorf("%d cluster labels for %d cells", len(labels), ncells)
		}
		oneBased := make([]int32, ncells)
		for i, l := range labels {
			oneBased[i] = l + 1
		}
		cols = append(cols, frameColumn{name: ColumnClusters, typ: "integer", data: oneBased})
	}

	for _, id := range e.CustomSelections.Selections() {
		sel, _ := e.CustomSelections.FetchSelection(id)
		mask := make([]uint8, ncells)
		for _, i := range sel {
			mask[i] = 1
		}
		cols = append(cols, frameColumn{name: ColumnSelectionPrefix + id, typ: "boolean", data: mask})
	}
	return cols, nil
}

func (w *writer) reducedDims(e *engine.Engine, prefix string) ([]map[string]any, error) {
	var out []map[string]any
	put := func(name, dir string, p kernels.Points) error {
		rel := path.Join(prefix, dir, "matrix.h5")
		if err := w.putH5(rel, SchemaDense, dense(p), map[string]any{
			"array":            map[string]any{"dimensions": []int{p.N(), p.Dim}, "type": "number"},
			"hdf5_dense_array": map[string]any{"dataset": "data/data", "transposed": true},
		}); err != nil {
			return err
		}
		out = append(out, map[string]any{"name": name, "resource": local(rel)})
		return nil
	}

	if e.BatchCorrection.Valid() {
		if err := put("PCA", "reddim-pca", e.BatchCorrection.FetchCorrected()); err != nil {
			return nil, err
		}
	}
	if x, y, _ := e.TSNE.FetchCoordinates(); x != nil {
		if err := put("TSNE", "reddim-tsne", layoutPoints(x, y)); err != nil {
			return nil, err
		}
	}
	if x, y, _ := e.UMAP.FetchCoordinates(); x != nil {
		if err := put("UMAP", "reddim-umap", layoutPoints(x, y)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// otherData describes the analysis as a named list.
func otherData(e *engine.Engine) map[string]any {
	nsamples := len(e.CellFiltering.FetchBlockLevels())
	if nsamples == 0 {
		nsamples = 1
	}
	names := []string{"num_samples", "datasets"}
	values := []map[string]any{
		{"type": "integer", "values": []int{nsamples}},
		{"type": "string", "values": e.Inputs.FetchDatasetNames()},
	}
	if e.ChooseClustering.Valid() {
		names = append(names, "clustering_method", "num_clusters")
		values = append(values,
			map[string]any{"type": "string", "values": []string{e.ChooseClustering.FetchMethod()}},
			map[string]any{"type": "integer", "values": []int{e.ChooseClustering.NumClusters()}},
		)
	}
	if sel := e.CustomSelections.Selections(); len(sel) > 0 {
		names = append(names, "custom_selections")
		values = append(values, map[string]any{"type": "string", "values": sel})
	}
	return map[string]any{
		"version": "1.1",
		"object":  map[string]any{"type": "list", "values": values, "names": names},
	}
}
