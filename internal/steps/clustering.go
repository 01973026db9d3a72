package steps

import (
	"github.com/kanaverse/bakana-sub002/internal/errs"
	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/params"
)

// Clustering methods.
const (
	MethodSNNGraph = "snn_graph"
	MethodKMeans   = "kmeans"
)

const (
	clusterSeed    = 42
	kmeansMaxIters = 100
)

// Clustering is implemented by the clustering steps.
type Clustering interface {
	Step
	// FetchClusters returns a 0-based label per filtered cell.
	FetchClusters() []int32
}

// KMeansParams configures k-means clustering.
type KMeansParams struct {
	K int `json:"k" yaml:"k"`
}

// KMeansCluster clusters the corrected embedding with k-means.
type KMeansCluster struct {
	base
	params params.Tracker[KMeansParams]
}

// NewKMeansCluster creates the k-means step.
func NewKMeansCluster() *KMeansCluster {
	return &KMeansCluster{base: newBase(NameKMeansCluster)}
}

// Compute clusters only when run is set and the labels are stale. When not
// run, a change upstream discards any labels.
func (s *KMeansCluster) Compute(batch *BatchCorrection, run bool, p KMeansParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	if !batch.Valid() || (!run && batch.Changed()) {
		s.drop()
		return nil
	}
	if !run {
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.Valid() && !paramsChanged && !batch.Changed() {
		return nil
	}

	labels, err := kernels.KMeans(batch.FetchCorrected(), p.K, clusterSeed, kmeansMaxIters)
	if err != nil {
		return errs.Wrap(errs.Kernel, err, s.name)
	}
	if err := storeInt32(s.cache, "clusters", labels); err != nil {
		return err
	}
	s.params.Commit(p)
	s.changed = true
	return nil
}

func (s *KMeansCluster) drop() {
	if s.Valid() {
		s.Free()
		s.changed = true
	}
}

func (s *KMeansCluster) Valid() bool {
	_, ok := s.cache.Get("clusters")
	return ok
}

func (s *KMeansCluster) Free() {
	s.cache.FreeAll()
	s.params.Reset()
}

func (s *KMeansCluster) FetchClusters() []int32 { return int32Buffer(s.cache, "clusters") }

// SNNGraphParams configures graph-based clustering.
type SNNGraphParams struct {
	K          int     `json:"k" yaml:"k"`
	Scheme     string  `json:"scheme" yaml:"scheme"`
	Resolution float64 `json:"resolution" yaml:"resolution"`
}

// SNNGraphCluster clusters a shared nearest neighbour graph by modularity.
type SNNGraphCluster struct {
	base
	params params.Tracker[SNNGraphParams]

	// graph of the last run and the parameters it was built with
	edges       []kernels.Edge
	graphK      int
	graphScheme string
}

// NewSNNGraphCluster creates the SNN graph step.
func NewSNNGraphCluster() *SNNGraphCluster {
	return &SNNGraphCluster{base: newBase(NameSNNGraphCluster)}
}

// Compute follows the same selection rules as KMeansCluster.Compute. The
// graph is kept across calls and only rebuilt when the neighbours or the
// graph parameters change, so a new resolution reuses it.
func (s *SNNGraphCluster) Compute(index *NeighborIndex, run bool, p SNNGraphParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	if !index.Valid() || (!run && index.Changed()) {
		if s.Valid() {
			s.Free()
			s.changed = true
		}
		return nil
	}
	if !run {
		return nil
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if s.Valid() && !paramsChanged && !index.Changed() {
		return nil
	}

	edges := s.edges
	if edges == nil || index.Changed() || s.graphK != p.K || s.graphScheme != p.Scheme {
		nn := index.FindNearest(p.K)
		if edges, err = kernels.BuildSNNGraph(nn, p.Scheme); err != nil {
			return errs.Wrap(errs.Kernel, err, s.name)
		}
	}
	labels := kernels.ClusterSNNGraph(index.FetchIndex().N(), edges, p.Resolution, clusterSeed)
	if err := storeInt32(s.cache, "clusters", labels); err != nil {
		return err
	}
	s.edges = edges
	s.graphK, s.graphScheme = p.K, p.Scheme
	s.params.Commit(p)
	s.changed = true
	return nil
}

func (s *SNNGraphCluster) Valid() bool {
	_, ok := s.cache.Get("clusters")
	return ok
}

func (s *SNNGraphCluster) Free() {
	s.cache.FreeAll()
	s.params.Reset()
	s.edges = nil
	s.graphK, s.graphScheme = 0, ""
}

func (s *SNNGraphCluster) FetchClusters() []int32 { return int32Buffer(s.cache, "clusters") }

// FetchEdges returns the graph of the last clustering.
func (s *SNNGraphCluster) FetchEdges() []kernels.Edge { return s.edges }

// ChooseClusteringParams picks the clustering method.
type ChooseClusteringParams struct {
	Method string `json:"method" yaml:"method"`
}

// ChooseClustering exposes the labels of the selected clustering step.
type ChooseClustering struct {
	base
	params params.Tracker[ChooseClusteringParams]
}

// NewChooseClustering creates the clustering selector.
func NewChooseClustering() *ChooseClustering {
	return &ChooseClustering{base: newBase(NameChooseClustering)}
}

// Compute views the labels of the selected step. It reports a change when
// the method or the selected step's labels changed.
func (s *ChooseClustering) Compute(snn *SNNGraphCluster, km *KMeansCluster, p ChooseClusteringParams) (err error) {
	tx := s.begin()
	defer func() { tx.End(err) }()

	var chosen Clustering
	switch p.Method {
	case MethodSNNGraph:
		chosen = snn
	case MethodKMeans:
		chosen = km
	default:
		return errs.New(errs.IllegalValue, "method", p.Method)
	}
	paramsChanged, err := s.params.Changed(p)
	if err != nil {
		return err
	}
	if !chosen.Valid() {
		if s.Valid() {
			s.cache.FreeAll()
			s.changed = true
		}
		s.params.Commit(p)
		return nil
	}
	if s.Valid() && !paramsChanged && !chosen.Changed() {
		return nil
	}
	buf, _ := chosen.Cache().Get("clusters")
	s.cache.View("clusters", buf)
	s.params.Commit(p)
	s.changed = true
	return nil
}

func (s *ChooseClustering) Valid() bool {
	_, ok := s.cache.Get("clusters")
	return ok
}

func (s *ChooseClustering) Free() {
	s.cache.FreeAll()
	s.params.Reset()
}

// FetchClusters returns the 0-based labels of the selected method.
func (s *ChooseClustering) FetchClusters() []int32 { return int32Buffer(s.cache, "clusters") }

// FetchMethod returns the selected method.
func (s *ChooseClustering) FetchMethod() string {
	p, _ := s.params.Last()
	return p.Method
}

// NumClusters returns the number of clusters of the selected method.
func (s *ChooseClustering) NumClusters() int {
	return kernels.NumClusters(s.FetchClusters())
}
