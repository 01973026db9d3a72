package steps

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/matrix"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// MarkerParams configures marker scoring.
type MarkerParams struct {
	ComputeAUC   bool    `json:"compute_auc" yaml:"compute_auc"`
	LFCThreshold float64 `json:"lfc_threshold" yaml:"lfc_threshold"`
}

func (p MarkerParams) options() kernels.MarkerOptions {
	return kernels.MarkerOptions{ComputeAUC: p.ComputeAUC, LFCThreshold: p.LFCThreshold}
}

// normalizedInputs collects the valid normalised matrices by modality.
func normalizedInputs(norms []*Normalization) (map[string]*matrix.Sparse, bool) {
	out := map[string]*matrix.Sparse{}
	changed := false
	for _, n := range norms {
		changed = changed || n.Changed()
		if n.Valid() {
			out[n.Modality()] = n.FetchNormalizedMatrix()
		}
	}
	return out, changed
}

// MarkerDetection scores every cluster against the others in each
// modality.
type MarkerDetection struct {
	base
	params params.Tracker[MarkerParams]

	results  map[string]*kernels.MarkerResults
	matrices map[string]*matrix.Sparse
	clusters []int32
	block    []int32
	nblocks  int

	// pairwise comparisons, cleared whenever the markers are recomputed
	mu     sync.Mutex
	versus map[string]*kernels.VersusResult
}

// NewMarkerDetection creates the marker detection step.
func NewMarkerDetection() *MarkerDetection {
	return &MarkerDetection{base: newBase(NameMarkerDetection)}
}

func (s *MarkerDetection) Compute(norms []*Normalization, choose *ChooseClustering, filt *CellFiltering, p MarkerParams) error {
	s.changed = false
	mats, normChanged := normalizedInputs(norms)
	if !choose.Valid() || len(mats) == 0 {
		if s.results != nil {
			s.Free()
			s.changed = true
		}
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.results != nil && !paramsChanged && !normChanged && !choose.Changed() && !filt.Changed() {
		return nil
	}

	clusters := append([]int32(nil), choose.FetchClusters()...)
	ngroups := kernels.NumClusters(clusters)
	block := filt.FetchFilteredBlock()
	if block != nil {
		block = append([]int32(nil), block...)
	}
	nblocks := nblocksOf(filt.FetchBlockLevels())

	results := make(map[string]*kernels.MarkerResults, len(mats))
	for mod, x := range mats {
		res, err := kernels.ScoreMarkers(x, clusters, ngroups, block, nblocks, p.options())
		if err != nil {
			return errs.Wrap(errs.Kernel, err, s.name, mod)
		}
		results[mod] = res
	}

	s.results, s.matrices = results, mats
	s.clusters, s.block, s.nblocks = clusters, block, nblocks
	s.mu.Lock()
	s.versus = nil
	s.mu.Unlock()
	s.params.Commit(p)
	s.changed = true
	return nil
}

func (s *MarkerDetection) Valid() bool { return s.results != nil }

func (s *MarkerDetection) Free() {
	s.cache.FreeAll()
	s.results, s.matrices, s.clusters, s.block = nil, nil, nil, nil
	s.mu.Lock()
	s.versus = nil
	s.mu.Unlock()
	s.params.Reset()
}

// Modalities lists the scored modalities.
func (s *MarkerDetection) Modalities() []string {
	out := make([]string, 0, len(s.results))
	for mod := range s.results {
		out = append(out, mod)
	}
	sort.Strings(out)
	return out
}

// FetchResults returns the markers of one modality, or nil.
func (s *MarkerDetection) FetchResults(modality string) *kernels.MarkerResults {
	return s.results[modality]
}

// NumGroups returns the number of scored clusters.
func (s *MarkerDetection) NumGroups() int { return kernels.NumClusters(s.clusters) }

// ComputeVersus compares two clusters in one modality. Results are cached
// until the markers are next recomputed.
func (s *MarkerDetection) ComputeVersus(modality string, left, right int) (*kernels.VersusResult, error) {
	x, ok := s.matrices[modality]
	if !ok {
		return nil, errs.New(errs.IllegalValue, "modality", modality)
	}
	key := fmt.Sprintf("%s:%d:%d", modality, left, right)
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.versus[key]; ok {
		return res, nil
	}
	p, _ := s.params.Last()
	res, err := kernels.ScoreVersus(x, s.clusters, left, right, s.block, s.nblocks, p.options())
	if err != nil {
		return nil, errs.Wrap(errs.Kernel, err, s.name, key)
	}
	if s.versus == nil {
		s.versus = map[string]*kernels.VersusResult{}
	}
	s.versus[key] = res
	return res, nil
}
