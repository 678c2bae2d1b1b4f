package main

import (
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/internal/config"
	"github.com/rowmill/rowmill/internal/core"
	"github.com/rowmill/rowmill/internal/logging"
)

// cfg is loaded once before any command runs.
var cfg *config.Config

// registry holds named mappers. Deployments that need custom Go mappers
// register them here before Execute.
var registry = core.NewMapperRegistry()

var rootCmd = &cobra.Command{
	Use:   "rowmill",
	Short: "Stream tabular files into and out of SQL databases",
	Long: `rowmill imports CSV, TSV, and XLSX files into Postgres or SQLite,
validating and transforming rows on the way in, and exports query
results back out. Imports run sequentially or across parallel workers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Overload overwrites existing env vars, matching local-dev
		// expectations where .env wins.
		if err := godotenv.Overload(); err == nil {
			slog.Info("loaded .env file")
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		if cmd.Name() == workerCommandName {
			// Worker stdout carries the result protocol; logs go to stderr.
			logging.SetupWorker(cfg.Logging.Level)
			return nil
		}

		if cfg.Logging.File != "" {
			cleanup, err := logging.SetupWithFile(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
			if err != nil {
				return err
			}
			cobra.OnFinalize(cleanup)
		} else {
			logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(previewCmd)
	rootCmd.AddCommand(workerCmd)
}

// inferDriver guesses the sink driver from a DSN. Postgres URL schemes
// select the Postgres sink; anything else nonempty is a SQLite path.
func inferDriver(dsn string) string {
	if dsn == "" {
		return ""
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}
