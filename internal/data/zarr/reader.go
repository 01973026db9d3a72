// Package zarr reads count matrices and cell annotations from Zarr v3
// stores with zstd-compressed chunks.
//
// Store layout:
//
//	metadata.json            modalities, feature annotations, obs columns
//	<modality>/zarr.json     dense [features, cells] array
//	obs/<column>/zarr.json   per-cell codes (categorical) or values
package zarr

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Metadata describes the content of a store.
type Metadata struct {
	FormatVersion string                  `json:"format_version"`
	DatasetName   string                  `json:"dataset_name"`
	NCells        int                     `json:"n_cells"`
	Modalities    map[string]ModalityInfo `json:"modalities"`
	Obs           ObsInfo                 `json:"obs"`
}

// ModalityInfo locates one modality's matrix and its feature annotations.
type ModalityInfo struct {
	Array string `json:"array"`
	// Features maps column names to per-feature values; "id" is required.
	Features map[string][]string `json:"features"`
}

// ObsInfo lists per-cell columns. Categorical columns store int32 codes
// into CategoryInfo.Values, with -1 for missing entries.
type ObsInfo struct {
	Columns    []string                `json:"columns"`
	Categories map[string]CategoryInfo `json:"categories"`
}

// CategoryInfo contains the levels of a categorical column.
type CategoryInfo struct {
	Values  []string       `json:"values"`
	Mapping map[string]int `json:"mapping"`
}

// Reader provides access to a store.
type Reader struct {
	basePath string
	metadata *Metadata
	mu       sync.Mutex
	decoder  *zstd.Decoder
}

// NewReader opens the store at basePath.
func NewReader(basePath string) (*Reader, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	r := &Reader{basePath: basePath, decoder: decoder}
	if err := r.loadMetadata(); err != nil {
		decoder.Close()
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	return r, nil
}

// Metadata returns the store metadata.
func (r *Reader) Metadata() *Metadata {
	return r.metadata
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.decoder.Close()
}

func (r *Reader) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(r.basePath, "metadata.json"))
	if err != nil {
		return fmt.Errorf("failed to read metadata.json: %w", err)
	}
	var metadata Metadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return fmt.Errorf("failed to parse metadata.json: %w", err)
	}
	if len(metadata.Modalities) == 0 {
		return errors.New("metadata.json lists no modalities")
	}
	for name, info := range metadata.Modalities {
		if len(info.Features["id"]) == 0 {
			return fmt.Errorf("modality %s has no feature ids", name)
		}
	}
	r.metadata = &metadata
	return nil
}

// ModalityNames lists modalities in sorted order.
func (r *Reader) ModalityNames() []string {
	out := make([]string, 0, len(r.metadata.Modalities))
	for k := range r.metadata.Modalities {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (r *Reader) readChunk(arrayPath string, meta *ArrayMeta, chunkIndices []int) ([]byte, error) {
	chunkPath := filepath.Join(arrayPath, "c", encodeChunkKey(meta, chunkIndices))
	raw, err := os.ReadFile(chunkPath)
	if err != nil {
		return nil, err
	}
	if !meta.compressed() {
		return raw, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out, err := r.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return out, nil
}

// visitChunks calls fn for every stored element of a 1- or 2-dimensional
// array with its coordinates. Missing chunks hold the fill value and are
// visited only when the fill is nonzero.
func (r *Reader) visitChunks(arrayPath string, fn func(i, j int, v float64)) (*ArrayMeta, error) {
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) > 2 {
		return nil, fmt.Errorf("%s: only 1- and 2-dimensional arrays are supported", arrayPath)
	}
	size, err := dtypeSize(meta.DataType)
	if err != nil {
		return nil, err
	}
	shape := append([]int(nil), meta.Shape...)
	chunks := append([]int(nil), meta.chunkShape()...)
	if len(shape) == 1 {
		shape = append(shape, 1)
		chunks = append(chunks, 1)
	}
	fill := fillValue(meta)

	for ci := 0; ci < ceilDiv(shape[0], chunks[0]); ci++ {
		for cj := 0; cj < ceilDiv(shape[1], chunks[1]); cj++ {
			idx := []int{ci, cj}[:len(meta.Shape)]
			extent, err := chunkShapeAt(meta, idx)
			if err != nil {
				return nil, err
			}
			rows := extent[0]
			cols := 1
			if len(extent) > 1 {
				cols = extent[1]
			}

			raw, err := r.readChunk(arrayPath, meta, idx)
			if os.IsNotExist(err) {
				if fill != 0 {
					for a := 0; a < rows; a++ {
						for b := 0; b < cols; b++ {
							fn(ci*chunks[0]+a, cj*chunks[1]+b, fill)
						}
					}
				}
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to load chunk %v of %s: %w", idx, arrayPath, err)
			}

			// Edge chunks may be stored either clipped or padded to the
			// full chunk shape.
			stride := cols
			switch len(raw) / size {
			case rows * cols:
			case chunks[0] * chunks[1]:
				stride = chunks[1]
			default:
				return nil, fmt.Errorf("chunk %v of %s has %d bytes", idx, arrayPath, len(raw))
			}
			for a := 0; a < rows; a++ {
				for b := 0; b < cols; b++ {
					if v := decode(meta.DataType, raw, a*stride+b); v != 0 {
						fn(ci*chunks[0]+a, cj*chunks[1]+b, v)
					}
				}
			}
		}
	}
	return meta, nil
}

// ReadVector reads a 1-dimensional array densely.
func (r *Reader) ReadVector(arrayPath string) ([]float64, error) {
	meta, err := loadArrayMeta(arrayPath)
	if err != nil {
		return nil, err
	}
	out := make([]float64, meta.Shape[0])
	if _, err := r.visitChunks(arrayPath, func(i, _ int, v float64) { out[i] = v }); err != nil {
		return nil, err
	}
	return out, nil
}
