package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kanaverse/bakana-sub002/internal/api"
	"github.com/kanaverse/bakana-sub002/internal/cache"
	"github.com/kanaverse/bakana-sub002/internal/config"
	"github.com/kanaverse/bakana-sub002/internal/download"
	"github.com/kanaverse/bakana-sub002/internal/engine"
	"github.com/kanaverse/bakana-sub002/internal/linkstore"
	"github.com/kanaverse/bakana-sub002/internal/metrics"
	"github.com/kanaverse/bakana-sub002/internal/service"
)

var (
	configPath string

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the analysis HTTP server",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
)

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config/server.yaml", "path to configuration file")
}

func serve(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !cmd.Flags().Changed("log-level") && cfg.Logging.Level != "" {
		level, err := log.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return err
		}
		log.SetLevel(level)
	}
	logger := log.StandardLogger()

	ctx := context.Background()

	cacheManager, err := cache.NewManager(cfg.Cache.Manager())
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheManager.Close()

	links, err := linkstore.Open(ctx, cfg.Links.Store())
	if err != nil {
		return fmt.Errorf("failed to open link store: %w", err)
	}
	log.WithField("driver", links.Driver()).Info("link store ready")

	downloader := download.NewHTTP(cacheManager, logger)
	env := engine.Env{
		Downloader: downloader,
		References: &download.References{
			BaseURL:    cfg.References.BaseURL,
			Downloader: downloader,
			Cache:      cacheManager,
		},
		Log: logger,
	}.WithLinks(links)

	collectors := metrics.New(nil)

	runService, err := service.NewRunService(service.Config{
		OutputDir: cfg.Output.Dir,
		Env:       env,
		Metrics:   collectors,
		Cache:     cacheManager,
		Log:       logger,
	})
	if err != nil {
		return err
	}
	defer runService.Close()

	runManager, err := api.NewRunManager(api.RunManagerConfig{
		MaxConcurrent: cfg.Store.Concurrency,
		QueueSize:     cfg.Store.QueueSize,
		SQLitePath:    cfg.Store.Path,
		RetentionDays: cfg.Store.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
		Metrics:       collectors,
		Log:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize run manager: %w", err)
	}
	runManager.Executor = runService.Execute
	runManager.OnDelete = func(runID string) {
		if err := runService.Forget(runID); err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("failed to remove run results")
		}
	}
	log.WithFields(log.Fields{
		"concurrency":    cfg.Store.Concurrency,
		"retention_days": cfg.Store.RetentionDays,
		"sqlite":         cfg.Store.Path,
	}).Info("run manager ready")

	runManager.Start()
	defer runManager.Stop()

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		RunManager:  runManager,
		Results:     runService,
		Metrics:     collectors.Handler(),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	srvLog := logger.WithField("component", "server")
	errCh := make(chan error, 1)
	go func() {
		srvLog.Infof("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	srvLog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		srvLog.WithError(err).Warn("server forced to shutdown")
	}

	srvLog.Info("Server stopped")
	return nil
}
