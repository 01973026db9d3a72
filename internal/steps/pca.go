package steps

import (
	"errors"

	"github.com/kanaverse/bakana-sub002/internal/buffer"
	"github.com/kanaverse/bakana-sub002/internal/data"
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// BlockWeight is the legacy name of kernels.BlockProject.
const BlockWeight = "weight"

// PCAParams configures a PCA step. NumHVGs only applies to RNA.
type PCAParams struct {
	NumHVGs     int    `json:"num_hvgs" yaml:"num_hvgs"`
	NumPCs      int    `json:"num_pcs" yaml:"num_pcs"`
	BlockMethod string `json:"block_method" yaml:"block_method"`
}

// PCA computes principal components of one modality's normalised data.
type PCA struct {
	base
	modality string
	params   params.Tracker[PCAParams]
	dim      int
	total    float64
}

// NewRNAPCA creates the RNA PCA step, which works on highly variable genes.
func NewRNAPCA() *PCA { return &PCA{base: newBase(NameRNAPCA), modality: data.RNA} }

// NewADTPCA creates the ADT PCA step, which uses every tag.
func NewADTPCA() *PCA { return &PCA{base: newBase(NameADTPCA), modality: data.ADT} }

// NewCRISPRPCA creates the CRISPR PCA step, which uses every guide.
func NewCRISPRPCA() *PCA { return &PCA{base: newBase(NameCRISPRPCA), modality: data.CRISPR} }

func (s *PCA) Modality() string { return s.modality }

func blockMethod(m string) (string, error) {
	switch m {
	case kernels.BlockNone, kernels.BlockRegress, kernels.BlockProject:
		return m, nil
	case BlockWeight:
		return kernels.BlockProject, nil
	}
	return "", errs.New(errs.IllegalValue, "block_method", m)
}

// Compute reruns the PCA when the normalised data, the selected features or
// the parameters changed. fs is only consulted for RNA and may be nil
// otherwise.
func (s *PCA) Compute(norm *Normalization, fs *FeatureSelection, filt *CellFiltering, p PCAParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	useHVGs := s.modality == data.RNA
	if !norm.Valid() || (useHVGs && (fs == nil || !fs.Valid())) {
		if s.Valid() {
			s.Free()
			s.changed = true
		}
		return nil
	}

	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	upstream := norm.Changed() || (useHVGs && fs.Changed())
	if s.Valid() && !paramsChanged && !upstream {
		return nil
	}
	method, err := blockMethod(p.BlockMethod)
	if err != nil {
		return err
	}

	x := norm.FetchNormalizedMatrix()
	var features []bool
	if useHVGs {
		features = fs.TopFeatures(p.NumHVGs)
	} else {
		features = make([]bool, x.NumRows())
		for i := range features {
			features[i] = true
		}
	}

	res, err := kernels.RunPCA(x, features, p.NumPCs, filt.FetchFilteredBlock(), nblocksOf(filt.FetchBlockLevels()), method)
	if err != nil {
		return errs.Wrap(errs.Kernel, err, s.name)
	}
	err = errors.Join(
		storeFloat64(s.cache, "pcs", res.Components.Data),
		storeFloat64(s.cache, "variance_explained", res.VarianceExplained),
	)
	if err != nil {
		return err
	}
	s.dim = res.Components.Dim
	s.total = res.TotalVariance
	s.params.Commit(p)
	s.changed = true
	return nil
}

// Valid reports whether components are available.
func (s *PCA) Valid() bool {
	_, ok := s.cache.Get("pcs")
	return ok
}

func (s *PCA) Free() {
	s.cache.FreeAll()
	s.params.Reset()
	s.dim, s.total = 0, 0
}

// FetchPCs returns one point per filtered cell.
func (s *PCA) FetchPCs() kernels.Points {
	return pointsOf(s.cache, "pcs", s.dim)
}

// FetchVarianceExplained returns the variance of each component.
func (s *PCA) FetchVarianceExplained() []float64 {
	return float64Buffer(s.cache, "variance_explained")
}

// FetchTotalVariance returns the total variance of the selected features.
func (s *PCA) FetchTotalVariance() float64 { return s.total }

func pointsOf(c *buffer.Cache, name string, dim int) kernels.Points {
	return kernels.Points{Data: float64Buffer(c, name), Dim: dim}
}
