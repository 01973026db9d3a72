// Package steps implements the analysis pipeline steps.
//
// Steps do not hold references to each other. The engine passes the
// upstream steps into every Compute call; a step reads their Changed flags
// and fetches their outputs, decides whether its own cached results are
// still valid, and recomputes only what is stale. Numeric outputs live in a
// per-step buffer.Cache, and every Compute runs inside a cache transaction
// so a failure leaves the previously committed results untouched.
package steps

import (
	"github.com/kanaverse/bakana-sub002/internal/buffer"
)

// Step names.
const (
	NameInputs              = "inputs"
	NameRNAQC               = "rna_quality_control"
	NameADTQC               = "adt_quality_control"
	NameCRISPRQC            = "crispr_quality_control"
	NameCellFiltering       = "cell_filtering"
	NameRNANormalization    = "rna_normalization"
	NameADTNormalization    = "adt_normalization"
	NameCRISPRNormalization = "crispr_normalization"
	NameFeatureSelection    = "feature_selection"
	NameRNAPCA              = "rna_pca"
	NameADTPCA              = "adt_pca"
	NameCRISPRPCA           = "crispr_pca"
	NameCombineEmbeddings   = "combine_embeddings"
	NameBatchCorrection     = "batch_correction"
	NameNeighborIndex       = "neighbor_index"
	NameKMeansCluster       = "kmeans_cluster"
	NameSNNGraphCluster     = "snn_graph_cluster"
	NameChooseClustering    = "choose_clustering"
	NameTSNE                = "tsne"
	NameUMAP                = "umap"
	NameMarkerDetection     = "marker_detection"
	NameCustomSelections    = "custom_selections"
)

// Step is the state every pipeline step exposes to the engine.
type Step interface {
	Name() string
	// Changed reports whether the last Compute may have altered outputs.
	Changed() bool
	// Valid reports whether the step has meaningful output for its current
	// inputs.
	Valid() bool
	// Free releases every owned buffer and cached result.
	Free()
	// Cache exposes the step's buffers.
	Cache() *buffer.Cache
}

type base struct {
	name    string
	changed bool
	cache   *buffer.Cache
}

func newBase(name string) base {
	return base{name: name, cache: buffer.NewCache()}
}

func (b *base) Name() string         { return b.name }
func (b *base) Changed() bool        { return b.changed }
func (b *base) Cache() *buffer.Cache { return b.cache }

// begin resets the changed flag and opens the cache transaction of one
// Compute call.
func (b *base) begin() *buffer.Tx {
	b.changed = false
	return b.cache.Begin()
}

func anyChanged(steps ...Step) bool {
	for _, s := range steps {
		if s != nil && s.Changed() {
			return true
		}
	}
	return false
}

// float64Buffer returns the float64 contents of a cache entry, or nil.
func float64Buffer(c *buffer.Cache, name string) []float64 {
	b, ok := c.Get(name)
	if !ok {
		return nil
	}
	return b.Float64()
}

func int32Buffer(c *buffer.Cache, name string) []int32 {
	b, ok := c.Get(name)
	if !ok {
		return nil
	}
	return b.Int32()
}

func uint8Buffer(c *buffer.Cache, name string) []uint8 {
	b, ok := c.Get(name)
	if !ok {
		return nil
	}
	return b.Uint8()
}

// storeFloat64 copies x into the named cache entry, reusing the existing
// buffer when its shape matches.
func storeFloat64(c *buffer.Cache, name string, x []float64) error {
	b, err := c.Allocate(name, len(x), buffer.Float64)
	if err != nil {
		return err
	}
	copy(b.Float64(), x)
	return nil
}

func storeInt32(c *buffer.Cache, name string, x []int32) error {
	b, err := c.Allocate(name, len(x), buffer.Int32)
	if err != nil {
		return err
	}
	copy(b.Int32(), x)
	return nil
}

func storeUint8(c *buffer.Cache, name string, x []uint8) error {
	b, err := c.Allocate(name, len(x), buffer.Uint8)
	if err != nil {
		return err
	}
	copy(b.Uint8(), x)
	return nil
}
