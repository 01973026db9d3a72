// Package mtx reads 10x-style MatrixMarket directories: a coordinate
// matrix plus optional features, barcodes and per-cell annotation files,
// each optionally gzip-compressed.
package mtx

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/pgzip"

	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/table"
)

// Format is the identifier of MatrixMarket datasets.
const Format = "MatrixMarket"

// File types returned by Serialize.
const (
	TypeMatrix      = "matrix"
	TypeFeatures    = "features"
	TypeBarcodes    = "barcodes"
	TypeAnnotations = "annotations"
)

func init() {
	data.Register(Format, func(files []data.File) (data.Dataset, error) {
		m, ok := data.FileOfType(files, TypeMatrix)
		if !ok {
			return nil, fmt.Errorf("%s dataset has no %s file", Format, TypeMatrix)
		}
		d := &Dataset{Matrix: m.Path}
		if f, ok := data.FileOfType(files, TypeFeatures); ok {
			d.Features = f.Path
		}
		if f, ok := data.FileOfType(files, TypeBarcodes); ok {
			d.Barcodes = f.Path
		}
		if f, ok := data.FileOfType(files, TypeAnnotations); ok {
			d.Annotations = f.Path
		}
		return d, nil
	})
}

// Dataset points at the files of one MatrixMarket dataset. Only Matrix is
// required.
type Dataset struct {
	Matrix      string
	Features    string
	Barcodes    string
	Annotations string

	mu     sync.Mutex
	cached *data.Loaded
}

// FromDirectory locates the usual 10x file names inside dir.
func FromDirectory(dir string) (*Dataset, error) {
	find := func(stems ...string) string {
		for _, s := range stems {
			for _, ext := range []string{"", ".gz"} {
				p := filepath.Join(dir, s+ext)
				if _, err := os.Stat(p); err == nil {
					return p
				}
			}
		}
		return ""
	}
	d := &Dataset{
		Matrix:      find("matrix.mtx"),
		Features:    find("features.tsv", "genes.tsv"),
		Barcodes:    find("barcodes.tsv"),
		Annotations: find("annotations.tsv", "annotations.csv"),
	}
	if d.Matrix == "" {
		return nil, fmt.Errorf("no matrix.mtx in %s", dir)
	}
	return d, nil
}

func (d *Dataset) Format() string { return Format }

func (d *Dataset) files() []data.File {
	files := []data.File{{Type: TypeMatrix, Path: d.Matrix}}
	for _, f := range []data.File{
		{Type: TypeFeatures, Path: d.Features},
		{Type: TypeBarcodes, Path: d.Barcodes},
		{Type: TypeAnnotations, Path: d.Annotations},
	} {
		if f.Path != "" {
			files = append(files, f)
		}
	}
	return files
}

// Abbreviate summarises the files by path, size and modification time.
func (d *Dataset) Abbreviate() any {
	var files []any
	for _, f := range d.files() {
		entry := map[string]any{"type": f.Type, "path": f.Path}
		if info, err := os.Stat(f.Path); err == nil {
			entry["size"] = info.Size()
			entry["modified"] = info.ModTime().UnixNano()
		}
		files = append(files, entry)
	}
	return map[string]any{"format": Format, "files": files}
}

func (d *Dataset) Serialize(ctx context.Context) ([]data.File, error) {
	return d.files(), nil
}

// Clear drops content cached by an earlier Load.
func (d *Dataset) Clear() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}

func (d *Dataset) Load(ctx context.Context, opts data.LoadOptions) (*data.Loaded, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cached != nil {
		return d.cached, nil
	}

	counts, err := readMatrix(d.Matrix)
	if err != nil {
		return nil, errs.Wrap(errs.Reader, err, d.Matrix)
	}

	var feats *table.Table
	if d.Features != "" {
		feats, err = readFeatures(d.Features)
		if err != nil {
			return nil, errs.Wrap(errs.Reader, err, d.Features)
		}
		if feats.NumRows() != counts.NumRows() {
			return nil, errs.New(errs.Reader, d.Features, "feature count does not match matrix")
		}
	} else {
		feats = table.New(counts.NumRows())
		ids := make([]string, counts.NumRows())
		for i := range ids {
			ids[i] = "gene" + strconv.Itoa(i+1)
		}
		_ = feats.SetString("id", ids)
	}

	out := &data.Loaded{
		Matrix:     matrix.NewMulti(),
		Features:   map[string]*table.Table{},
		PrimaryIDs: map[string][]string{},
	}
	if err := splitModalities(out, counts, feats); err != nil {
		return nil, err
	}

	cells := table.New(counts.NumColumns())
	if d.Barcodes != "" {
		codes, err := readLines(d.Barcodes)
		if err != nil {
			return nil, errs.Wrap(errs.Reader, err, d.Barcodes)
		}
		if len(codes) != counts.NumColumns() {
			return nil, errs.New(errs.CellCountMismatch, d.Barcodes)
		}
		cells.RowNames = codes
	}
	if d.Annotations != "" {
		ann, err := readAnnotations(d.Annotations)
		if err != nil {
			return nil, errs.Wrap(errs.Reader, err, d.Annotations)
		}
		if ann.NumRows() != counts.NumColumns() {
			return nil, errs.New(errs.CellCountMismatch, d.Annotations)
		}
		ann.RowNames = cells.RowNames
		cells = ann
	}
	out.Cells = cells

	if err := out.Validate(); err != nil {
		return nil, err
	}
	if opts.Cache {
		d.cached = out
	}
	return out, nil
}

// splitModalities partitions rows by the feature "type" column.
func splitModalities(out *data.Loaded, counts *matrix.Sparse, feats *table.Table) error {
	typeCol, hasType := feats.Column("type")
	groups := map[string][]int{}
	var order []string
	for i := 0; i < feats.NumRows(); i++ {
		t := ""
		if hasType {
			t, _ = typeCol.Text(i)
		}
		mod := data.ModalityForFeatureType(t)
		if _, ok := groups[mod]; !ok {
			order = append(order, mod)
		}
		groups[mod] = append(groups[mod], i)
	}

	idCol, _ := feats.Column("id")
	for _, mod := range order {
		rows := groups[mod]
		sub := feats.SubsetRows(rows)
		sub.Remove("type")
		var x *matrix.Sparse
		if len(order) == 1 {
			x = counts
		} else {
			x = counts.SubsetRows(rows)
		}
		if err := out.Matrix.Add(mod, x); err != nil {
			return err
		}
		out.Features[mod] = sub
		ids := make([]string, len(rows))
		for k, r := range rows {
			ids[k], _ = idCol.Text(r)
		}
		out.PrimaryIDs[mod] = ids
	}
	return nil
}

func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, nil
	}
	zr, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream: %w", err)
	}
	return &gzipFile{Reader: zr, f: f}, nil
}

type gzipFile struct {
	*pgzip.Reader
	f *os.File
}

func (g *gzipFile) Close() error {
	g.Reader.Close()
	return g.f.Close()
}

func readMatrix(path string) (*matrix.Sparse, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseMatrix(rc)
}

// ParseMatrix reads a MatrixMarket coordinate matrix.
func ParseMatrix(r io.Reader) (*matrix.Sparse, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 1<<20), 1<<20)

	if !sc.Scan() {
		return nil, fmt.Errorf("empty matrix file")
	}
	header := strings.Fields(strings.ToLower(sc.Text()))
	if len(header) < 5 || header[0] != "%%matrixmarket" || header[1] != "matrix" || header[2] != "coordinate" {
		return nil, fmt.Errorf("unsupported MatrixMarket header %q", sc.Text())
	}
	if header[4] != "general" {
		return nil, fmt.Errorf("unsupported MatrixMarket symmetry %q", header[4])
	}

	var nrow, ncol, nnz int
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "%") {
			continue
		}
		if _, err := fmt.Sscan(line, &nrow, &ncol, &nnz); err != nil {
			return nil, fmt.Errorf("bad size line %q: %w", line, err)
		}
		break
	}

	is := make([]int, 0, nnz)
	js := make([]int, 0, nnz)
	xs := make([]float64, 0, nnz)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '%' {
			continue
		}
		f := strings.Fields(line)
		if len(f) < 3 {
			return nil, fmt.Errorf("bad entry %q", line)
		}
		i, err1 := strconv.Atoi(f[0])
		j, err2 := strconv.Atoi(f[1])
		v, err3 := strconv.ParseFloat(f[2], 64)
		if err1 != nil || err2 != nil || err3 != nil {
			return nil, fmt.Errorf("bad entry %q", line)
		}
		is = append(is, i-1)
		js = append(js, j-1)
		xs = append(xs, v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(xs) != nnz {
		return nil, fmt.Errorf("expected %d entries, found %d", nnz, len(xs))
	}
	return matrix.FromTriplets(nrow, ncol, is, js, xs)
}

func readLines(path string) ([]string, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var out []string
	sc := bufio.NewScanner(rc)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			out = append(out, strings.SplitN(line, "\t", 2)[0])
		}
	}
	return out, sc.Err()
}

func readFeatures(path string) (*table.Table, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return ParseFeatures(rc)
}

// ParseFeatures reads a headerless features file with id, name and type
// columns; name and type are optional.
func ParseFeatures(r io.Reader) (*table.Table, error) {
	var ids, names, types []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		f := strings.Split(line, "\t")
		ids = append(ids, f[0])
		if len(f) > 1 {
			names = append(names, f[1])
		}
		if len(f) > 2 {
			types = append(types, f[2])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	tab := table.New(len(ids))
	if err := tab.SetString("id", ids); err != nil {
		return nil, err
	}
	if len(names) == len(ids) {
		if err := tab.SetString("name", names); err != nil {
			return nil, err
		}
	}
	if len(types) == len(ids) {
		if err := tab.SetString("type", types); err != nil {
			return nil, err
		}
	}
	return tab, nil
}

func readAnnotations(path string) (*table.Table, error) {
	rc, err := open(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sep := '\t'
	if strings.Contains(filepath.Base(path), ".csv") {
		sep = ','
	}
	return ParseAnnotations(rc, sep)
}

// ParseAnnotations reads a delimited file with a header row. Columns whose
// values all parse as numbers become float64; empty and NA entries are
// missing.
func ParseAnnotations(r io.Reader, sep rune) (*table.Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = sep
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return table.New(0), nil
	}
	header := records[0]
	rows := records[1:]
	tab := table.New(len(rows))
	for c, name := range header {
		raw := make([]string, len(rows))
		valid := make([]bool, len(rows))
		numeric := true
		for i, rec := range rows {
			if c < len(rec) {
				raw[i] = rec[c]
			}
			valid[i] = raw[i] != "" && raw[i] != "NA"
			if valid[i] {
				if _, err := strconv.ParseFloat(raw[i], 64); err != nil {
					numeric = false
				}
			}
		}
		if numeric {
			vals := make([]float64, len(rows))
			for i := range vals {
				vals[i] = math.NaN()
				if valid[i] {
					vals[i], _ = strconv.ParseFloat(raw[i], 64)
				}
			}
			if err := tab.SetFloat64(name, vals); err != nil {
				return nil, err
			}
			continue
		}
		if err := tab.SetNullableString(name, raw, valid); err != nil {
			return nil, err
		}
	}
	return tab, nil
}
