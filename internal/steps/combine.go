package steps

import (
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// combineNeighbors is the neighbour count used to balance modalities.
const combineNeighbors = 20

// CombineParams weights each modality's PCs. A modality absent from
// Weights gets weight 1; weight 0 excludes it.
type CombineParams struct {
	Weights     map[string]float64 `json:"weights" yaml:"weights"`
	Approximate bool               `json:"approximate" yaml:"approximate"`
}

func (p CombineParams) weight(modality string) float64 {
	if w, ok := p.Weights[modality]; ok {
		return w
	}
	return 1
}

// CombineEmbeddings merges the per-modality PCs into one embedding.
type CombineEmbeddings struct {
	base
	params params.Tracker[CombineParams]
	dim    int
	used   []string
	scales []float64
}

// NewCombineEmbeddings creates the embedding combiner.
func NewCombineEmbeddings() *CombineEmbeddings {
	return &CombineEmbeddings{base: newBase(NameCombineEmbeddings)}
}

// Compute views the PCs directly when a single modality contributes, and
// otherwise scales and concatenates the contributing PCs.
func (s *CombineEmbeddings) Compute(pcas []*PCA, p CombineParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	var chosen []*PCA
	upstream := false
	for _, pc := range pcas {
		upstream = upstream || pc.Changed()
		if pc.Valid() && p.weight(pc.Modality()) != 0 {
			chosen = append(chosen, pc)
		}
	}
	if len(chosen) == 0 {
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
	if s.Valid() && !paramsChanged && !upstream {
		return nil
	}

	used := make([]string, len(chosen))
	for i, pc := range chosen {
		used[i] = pc.Modality()
	}

	if len(chosen) == 1 {
		buf, _ := chosen[0].Cache().Get("pcs")
		s.cache.View("combined", buf)
		s.dim = chosen[0].FetchPCs().Dim
		s.scales = []float64{1}
	} else {
		embeddings := make([]kernels.Points, len(chosen))
		weights := make([]float64, len(chosen))
		for i, pc := range chosen {
			embeddings[i] = pc.FetchPCs()
			weights[i] = p.weight(pc.Modality())
		}
		combined, scales, err := kernels.ScaleByNeighbors(embeddings, weights, combineNeighbors, p.Approximate)
		if err != nil {
			return errs.Wrap(errs.ShapeMismatch, err, used...)
		}
		if err := storeFloat64(s.cache, "combined", combined.Data); err != nil {
			return err
		}
		s.dim = combined.Dim
		s.scales = scales
	}
	s.used = used
	s.params.Commit(p)
	s.changed = true
	return nil
}

// Valid reports whether a combined embedding exists.
func (s *CombineEmbeddings) Valid() bool {
	_, ok := s.cache.Get("combined")
	return ok
}

func (s *CombineEmbeddings) Free() {
	s.cache.FreeAll()
	s.params.Reset()
	s.dim, s.used, s.scales = 0, nil, nil
}

// FetchCombined returns the combined embedding.
func (s *CombineEmbeddings) FetchCombined() kernels.Points {
	return pointsOf(s.cache, "combined", s.dim)
}

// FetchModalities lists the contributing modalities.
func (s *CombineEmbeddings) FetchModalities() []string { return s.used }

// FetchScales returns the scale applied to each contributing modality.
func (s *CombineEmbeddings) FetchScales() []float64 { return s.scales }

// IsView reports whether the combined embedding borrows a PCA step's
// buffer.
func (s *CombineEmbeddings) IsView() bool {
	b, ok := s.cache.Get("combined")
	return ok && b.IsView()
}
