package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/klauspost/compress/zstd"

	"github.com/kanaverse/bakana-sub002/internal/data"
)

// writeArray stores values (row-major over shape) as an int32 or float32
// Zarr v3 array with the given chunk shape.
func writeArray(t *testing.T, dir string, dtype string, shape, chunks []int, values []float64) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(dir, "c"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	meta := map[string]interface{}{
		"shape":       shape,
		"data_type":   dtype,
		"chunk_grid":  map[string]interface{}{"name": "regular", "configuration": map[string]interface{}{"chunk_shape": chunks}},
		"fill_value":  0,
		"codecs":      []map[string]interface{}{{"name": "bytes"}, {"name": "zstd"}},
		"zarr_format": 3,
		"node_type":   "array",
	}
	raw, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "zarr.json"), raw, 0o644); err != nil {
		t.Fatalf("write meta: %v", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	defer enc.Close()

	cols := 1
	chunkCols := 1
	if len(shape) == 2 {
		cols = shape[1]
		chunkCols = chunks[1]
	}
	for ci := 0; ci < ceilDiv(shape[0], chunks[0]); ci++ {
		for cj := 0; cj < ceilDiv(cols, chunkCols); cj++ {
			var buf []byte
			for a := 0; a < chunks[0]; a++ {
				for b := 0; b < chunkCols; b++ {
					i, j := ci*chunks[0]+a, cj*chunkCols+b
					var v float64
					if i < shape[0] && j < cols {
						v = values[i*cols+j]
					}
					var word [4]byte
					if dtype == "float32" {
						binary.LittleEndian.PutUint32(word[:], math.Float32bits(float32(v)))
					} else {
						binary.LittleEndian.PutUint32(word[:], uint32(int32(v)))
					}
					buf = append(buf, word[:]...)
				}
			}
			key := strconv.Itoa(ci)
			if len(shape) == 2 {
				key = filepath.Join(key, strconv.Itoa(cj))
			}
			p := filepath.Join(dir, "c", key)
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(p, enc.EncodeAll(buf, nil), 0o644); err != nil {
				t.Fatalf("write chunk: %v", err)
			}
		}
	}
}

func writeStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	meta := Metadata{
		FormatVersion: "1",
		DatasetName:   "pbmc",
		NCells:        3,
		Modalities: map[string]ModalityInfo{
			"RNA": {Array: "RNA", Features: map[string][]string{"id": {"g1", "g2"}, "symbol": {"A", "B"}}},
		},
		Obs: ObsInfo{
			Columns:    []string{"sample", "depth"},
			Categories: map[string]CategoryInfo{"sample": {Values: []string{"X", "Y"}, Mapping: map[string]int{"X": 0, "Y": 1}}},
		},
	}
	raw, _ := json.Marshal(meta)
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), raw, 0o644); err != nil {
		t.Fatalf("write metadata: %v", err)
	}
	// 2 features x 3 cells, chunked 1x2 so the last column chunk is clipped
	writeArray(t, filepath.Join(dir, "RNA"), "int32", []int{2, 3}, []int{1, 2}, []float64{
		1, 0, 5,
		0, 2, 0,
	})
	writeArray(t, filepath.Join(dir, "obs", "sample"), "int32", []int{3}, []int{2}, []float64{0, -1, 1})
	writeArray(t, filepath.Join(dir, "obs", "depth"), "float32", []int{3}, []int{3}, []float64{1.5, 2, 3})
	return dir
}

func TestDatasetLoad(t *testing.T) {
	dir := writeStore(t)
	ds := &Dataset{Path: dir}

	loaded, err := ds.Load(context.Background(), data.LoadOptions{})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	rna, ok := loaded.Matrix.Get("RNA")
	if !ok {
		t.Fatalf("RNA modality missing")
	}
	if rna.NumRows() != 2 || rna.NumColumns() != 3 {
		t.Fatalf("unexpected shape %dx%d", rna.NumRows(), rna.NumColumns())
	}
	if got := rna.At(0, 2); got != 5 {
		t.Errorf("At(0,2) = %v, want 5", got)
	}
	if got := rna.At(1, 1); got != 2 {
		t.Errorf("At(1,1) = %v, want 2", got)
	}
	if ids := loaded.PrimaryIDs["RNA"]; len(ids) != 2 || ids[1] != "g2" {
		t.Errorf("unexpected ids %v", ids)
	}
	if !loaded.Features["RNA"].Has("symbol") {
		t.Errorf("symbol column missing")
	}

	sample, _ := loaded.Cells.Column("sample")
	if sample.Str[0] != "X" || !sample.IsMissing(1) || sample.Str[2] != "Y" {
		t.Errorf("unexpected sample column %v %v", sample.Str, sample.Valid)
	}
	depth, _ := loaded.Cells.Column("depth")
	if depth.F64[0] != 1.5 {
		t.Errorf("depth[0] = %v", depth.F64[0])
	}
}

func TestDatasetMissingStore(t *testing.T) {
	ds := &Dataset{Path: filepath.Join(t.TempDir(), "absent")}
	if _, err := ds.Load(context.Background(), data.LoadOptions{}); err == nil {
		t.Fatalf("expected error for missing store")
	}
	files, _ := ds.Serialize(context.Background())
	again, err := data.Unserialize(Format, files)
	if err != nil {
		t.Fatalf("Unserialize: %v", err)
	}
	if again.(*Dataset).Path != ds.Path {
		t.Errorf("path not preserved")
	}
}
