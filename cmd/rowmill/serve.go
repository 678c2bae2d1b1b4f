package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/internal/core"
	"github.com/rowmill/rowmill/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Serve the import API: start runs over HTTP, stream their progress as
Server-Sent Events, and browse run history. Shuts down gracefully on
SIGINT or SIGTERM, draining active runs first.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	slog.Info("configuration loaded",
		"addr", cfg.Server.Addr(),
		"import_max_concurrent", cfg.Import.MaxConcurrent,
		"import_workers", cfg.Import.Workers,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	var history *core.HistoryStore
	if cfg.History.Path != "" {
		var err error
		history, err = core.OpenHistory(cfg.History.Path)
		if err != nil {
			return err
		}
		defer history.Close()

		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		go history.StartPruner(jobCtx, retention, cfg.History.PruneInterval, slog.Default())
	}

	service := core.NewService(core.ServiceOptions{
		Registry:      registry,
		History:       history,
		Logger:        slog.Default(),
		Sink:          defaultSink(),
		UploadsDir:    cfg.Import.UploadsDir,
		MaxConcurrent: cfg.Import.MaxConcurrent,
		MaxWait:       cfg.Import.MaxWaitTime,
		RunTimeout:    cfg.Import.Timeout,
		Workers:       cfg.Import.Workers,
		Driver:        cfg.Import.Driver,
		ChunkSize:     cfg.Import.ChunkSize,
		BatchSize:     cfg.Import.BatchSize,
	})

	server := web.NewServer(cfg, service, slog.Default())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if status := service.Limiter().Status(); status.Active > 0 {
			slog.Info("waiting for active runs to finish", "active", status.Active)
			if err := service.Shutdown(shutdownCtx); err != nil {
				slog.Warn("runs did not finish in time", "error", err)
			} else {
				slog.Info("all runs finished")
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// defaultSink builds the sink description from configuration, inferring
// the driver from the URL scheme when DB_DRIVER is unset.
func defaultSink() core.SinkSpec {
	spec := core.SinkSpec{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.URL,
	}
	if spec.Driver == "" {
		spec.Driver = inferDriver(spec.DSN)
	}
	return spec
}
