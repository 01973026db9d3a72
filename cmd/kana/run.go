package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kanaverse/bakana-sub002/internal/bundle"
	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/config"
	"github.com/kanaverse/bakana-sub002/internal/download"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/export"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
	"github.com/kanaverse/bakana-sub002/internal/runstore"
	"github.com/kanaverse/bakana-sub002/internal/service"
)

var (
	runParams     string
	runOutput     string
	runName       string
	runNumpy      string
	runSaveInputs string

	runCmd = &cobra.Command{
		Use:   "run [datasets.yaml]",
		Short: "Analyse the datasets listed in a YAML file and write a result bundle",
		Long: `The datasets file is a list of entries such as

  - name: pbmc
    format: MatrixMarket
    files:
      - {type: matrix, path: pbmc/matrix.mtx.gz}
      - {type: features, path: pbmc/features.tsv.gz}`,
		Args: cobra.ExactArgs(1),
		RunE: runAnalysis,
	}
)

func init() {
	runCmd.Flags().StringVarP(&runParams, "params", "p", "", "parameter file (YAML, or JSON with a .json extension)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "kana-results", "output directory for the bundle")
	runCmd.Flags().StringVar(&runName, "name", "analysis", "bundle name")
	runCmd.Flags().StringVar(&runNumpy, "npy", "", "also write embeddings and clusters as .npy files to this directory")
	runCmd.Flags().StringVar(&runSaveInputs, "save-inputs", "", "store the input files under <output>/links and write their links to this JSON file")
}

func readDatasets(path string) ([]runstore.DatasetSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read datasets: %w", err)
	}
	var specs []runstore.DatasetSpec
	if err := yaml.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("failed to parse datasets: %w", err)
	}
	return specs, nil
}

func runAnalysis(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	specs, err := readDatasets(args[0])
	if err != nil {
		return err
	}
	datasets, err := service.Datasets(specs)
	if err != nil {
		return err
	}
	params, err := engine.LoadParameters(runParams)
	if err != nil {
		return err
	}

	cfg := config.DefaultConfig()
	cacheManager, err := cache.NewManager(cfg.Cache.Manager())
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	downloader := download.NewHTTP(cacheManager, log.StandardLogger())
	env := engine.Env{
		Downloader: downloader,
		References: &download.References{
			BaseURL:    cfg.References.BaseURL,
			Downloader: downloader,
			Cache:      cacheManager,
		},
		Log: log.StandardLogger(),
	}
	if runSaveInputs != "" {
		links, err := linkstore.NewFS(filepath.Join(runOutput, "links"))
		if err != nil {
			return err
		}
		env = env.WithLinks(links)
	}
	e, err := engine.New(env)
	if err != nil {
		return err
	}
	defer e.Free()

	if err := e.Run(ctx, datasets, params); err != nil {
		return err
	}
	if err := e.Await(ctx); err != nil {
		return err
	}

	manifest, err := bundle.Write(ctx, runOutput, e, bundle.Options{Name: runName, Log: log.StandardLogger()})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"cells":  e.CellFiltering.NumCells(),
		"files":  len(manifest.Files),
		"output": runOutput,
	}).Info("bundle written")

	if runNumpy != "" {
		written, err := export.Embeddings(runNumpy, e)
		if err != nil {
			return err
		}
		log.WithField("files", written).Info("numpy files written")
	}

	if runSaveInputs != "" {
		saved, err := e.SaveInputs(ctx)
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(saved, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(runSaveInputs, raw, 0o644); err != nil {
			return err
		}
	}
	return nil
}
