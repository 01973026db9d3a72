// Command kana runs single-cell analyses from the command line and serves
// them over HTTP.
package main

import (
	"os"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	_ "github.com/kanaverse/bakana-sub002/internal/data/mtx"
	_ "github.com/kanaverse/bakana-sub002/internal/data/soma"
	_ "github.com/kanaverse/bakana-sub002/internal/data/zarr"
)

var (
	logLevel string

	rootCmd = &cobra.Command{
		Use:   "kana",
		Short: "Single-cell RNA-seq analysis pipeline",
		Long: `kana loads count matrices, runs the analysis from quality control
to marker detection and writes the results as an on-disk bundle.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := log.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			log.SetLevel(level)
			return nil
		},
	}
)

func main() {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(runCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
