package zarr

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ArrayMeta is the Zarr v3 array metadata stored in zarr.json.
type ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

func (m *ArrayMeta) chunkShape() []int { return m.ChunkGrid.Configuration.ChunkShape }

func (m *ArrayMeta) compressed() bool {
	for _, c := range m.Codecs {
		if c.Name == "zstd" {
			return true
		}
	}
	// stores written without an explicit codec list are zstd by convention
	return len(m.Codecs) == 0
}

func loadArrayMeta(arrayPath string) (*ArrayMeta, error) {
	raw, err := os.ReadFile(filepath.Join(arrayPath, "zarr.json"))
	if err != nil {
		return nil, err
	}
	var meta ArrayMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, err
	}
	if len(meta.Shape) == 0 || len(meta.Shape) != len(meta.chunkShape()) {
		return nil, fmt.Errorf("invalid zarr metadata in %s: shape %v, chunks %v", arrayPath, meta.Shape, meta.chunkShape())
	}
	return &meta, nil
}

func encodeChunkKey(meta *ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

// chunkShapeAt returns the extent of a chunk, clipped at the array edge.
func chunkShapeAt(meta *ArrayMeta, chunkIndices []int) ([]int, error) {
	if len(chunkIndices) != len(meta.Shape) {
		return nil, fmt.Errorf("invalid chunk indices: got %d dims, expected %d", len(chunkIndices), len(meta.Shape))
	}
	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.chunkShape()[d]
		if chunkLen <= 0 {
			return nil, fmt.Errorf("invalid chunk shape at dim %d: %d", d, chunkLen)
		}
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		actual[d] = min(chunkLen, meta.Shape[d]-start)
	}
	return actual, nil
}

func dtypeSize(dataType string) (int, error) {
	switch dataType {
	case "float32", "int32", "uint32":
		return 4, nil
	case "float64", "uint64":
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported zarr data_type: %s", dataType)
}

// decode converts little-endian element i of raw into a float64.
func decode(dataType string, raw []byte, i int) float64 {
	switch dataType {
	case "float32":
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
	case "int32":
		return float64(int32(binary.LittleEndian.Uint32(raw[i*4:])))
	case "uint32":
		return float64(binary.LittleEndian.Uint32(raw[i*4:]))
	case "float64":
		return math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
	case "uint64":
		return float64(binary.LittleEndian.Uint64(raw[i*8:]))
	}
	return math.NaN()
}

func fillValue(meta *ArrayMeta) float64 {
	switch v := meta.FillValue.(type) {
	case float64:
		return v
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		if v == "NaN" {
			return math.NaN()
		}
	}
	return 0
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
