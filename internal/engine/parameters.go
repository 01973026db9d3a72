package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kanaverse/bakana-sub002/internal/kernels"
	"github.com/kanaverse/bakana-sub002/internal/steps"
)

// Parameters holds the parameters of every step, keyed by step name.
type Parameters struct {
	Inputs              steps.InputsParams           `json:"inputs" yaml:"inputs"`
	RNAQC               steps.RNAQCParams            `json:"rna_quality_control" yaml:"rna_quality_control"`
	ADTQC               steps.ADTQCParams            `json:"adt_quality_control" yaml:"adt_quality_control"`
	CRISPRQC            steps.CRISPRQCParams         `json:"crispr_quality_control" yaml:"crispr_quality_control"`
	CellFiltering       steps.FilteringParams        `json:"cell_filtering" yaml:"cell_filtering"`
	RNANormalization    steps.NormalizationParams    `json:"rna_normalization" yaml:"rna_normalization"`
	ADTNormalization    steps.NormalizationParams    `json:"adt_normalization" yaml:"adt_normalization"`
	CRISPRNormalization steps.NormalizationParams    `json:"crispr_normalization" yaml:"crispr_normalization"`
	FeatureSelection    steps.FeatureSelectionParams `json:"feature_selection" yaml:"feature_selection"`
	RNAPCA              steps.PCAParams              `json:"rna_pca" yaml:"rna_pca"`
	ADTPCA              steps.PCAParams              `json:"adt_pca" yaml:"adt_pca"`
	CRISPRPCA           steps.PCAParams              `json:"crispr_pca" yaml:"crispr_pca"`
	CombineEmbeddings   steps.CombineParams          `json:"combine_embeddings" yaml:"combine_embeddings"`
	BatchCorrection     steps.BatchCorrectionParams  `json:"batch_correction" yaml:"batch_correction"`
	NeighborIndex       steps.NeighborIndexParams    `json:"neighbor_index" yaml:"neighbor_index"`
	KMeansCluster       steps.KMeansParams           `json:"kmeans_cluster" yaml:"kmeans_cluster"`
	SNNGraphCluster     steps.SNNGraphParams         `json:"snn_graph_cluster" yaml:"snn_graph_cluster"`
	ChooseClustering    steps.ChooseClusteringParams `json:"choose_clustering" yaml:"choose_clustering"`
	TSNE                steps.TSNEParams             `json:"tsne" yaml:"tsne"`
	UMAP                steps.UMAPParams             `json:"umap" yaml:"umap"`
	MarkerDetection     steps.MarkerParams           `json:"marker_detection" yaml:"marker_detection"`
	CustomSelections    steps.MarkerParams           `json:"custom_selections" yaml:"custom_selections"`
}

// DefaultParameters returns the parameters of a standard analysis.
func DefaultParameters() Parameters {
	pca := steps.PCAParams{NumHVGs: 2000, NumPCs: 20, BlockMethod: kernels.BlockNone}
	return Parameters{
		RNAQC: steps.RNAQCParams{
			Subset: steps.RNASubsetParams{Prefix: "mt-", Automatic: true},
			Filter: steps.RNAFilterParams{Strategy: steps.StrategyAutomatic, NMADs: 3},
		},
		ADTQC: steps.ADTQCParams{
			Subset: steps.ADTSubsetParams{Prefix: "IgG", Automatic: true},
			Filter: steps.ADTFilterParams{Strategy: steps.StrategyAutomatic, NMADs: 3, MinDetectedDrop: 0.1},
		},
		CRISPRQC:            steps.CRISPRQCParams{Strategy: steps.StrategyAutomatic, NMADs: 3},
		CellFiltering:       steps.FilteringParams{UseRNA: true, UseADT: true, UseCRISPR: true},
		ADTNormalization:    steps.NormalizationParams{RemoveBias: true, Method: steps.BiasCLRM1},
		CRISPRNormalization: steps.NormalizationParams{},
		FeatureSelection:    steps.FeatureSelectionParams{Span: 0.3},
		RNAPCA:              pca,
		ADTPCA:              pca,
		CRISPRPCA:           pca,
		CombineEmbeddings:   steps.CombineParams{Approximate: true},
		BatchCorrection:     steps.BatchCorrectionParams{Method: steps.CorrectionMNN, NumNeighbors: 15, Approximate: true},
		NeighborIndex:       steps.NeighborIndexParams{Approximate: true},
		KMeansCluster:       steps.KMeansParams{K: 10},
		SNNGraphCluster:     steps.SNNGraphParams{K: 10, Scheme: kernels.SchemeRank, Resolution: 1},
		ChooseClustering:    steps.ChooseClusteringParams{Method: steps.MethodSNNGraph},
		TSNE:                steps.TSNEParams{Perplexity: 30, Iterations: 500},
		UMAP:                steps.UMAPParams{NumNeighbors: 15, NumEpochs: 500, MinDist: 0.1},
		MarkerDetection:     steps.MarkerParams{ComputeAUC: true},
		CustomSelections:    steps.MarkerParams{ComputeAUC: true},
	}
}

// DecodeParameters overlays a YAML or JSON document on the defaults.
func DecodeParameters(raw []byte, isJSON bool) (Parameters, error) {
	p := DefaultParameters()
	if isJSON {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return Parameters{}, fmt.Errorf("failed to decode parameters: %w", err)
		}
		return p, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Parameters{}, fmt.Errorf("failed to decode parameters: %w", err)
	}
	return p, nil
}

// LoadParameters reads a parameter file; ".json" files are decoded as JSON,
// anything else as YAML. An empty path yields the defaults.
func LoadParameters(path string) (Parameters, error) {
	if path == "" {
		return DefaultParameters(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Parameters{}, fmt.Errorf("failed to read parameters: %w", err)
	}
	return DecodeParameters(raw, strings.EqualFold(filepath.Ext(path), ".json"))
}
