package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rowmill/rowmill/internal/core"
)

var importFlags struct {
	table            string
	columns          []string
	db               string
	dbDriver         string
	workers          int
	driver           string
	chunkSize        int
	batchSize        int
	headerRow        int
	delimiter        string
	enclosure        string
	escape           string
	sheet            string
	upsertBy         []string
	updateColumns    []string
	rulesFile        string
	transformFile    string
	mapper           string
	skipInvalid      bool
	maxErrors        int
	relaxConstraints bool
	quiet            bool
}

var importCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import a CSV, TSV, or XLSX file into a database table",
	Long: `Import a tabular file into Postgres or SQLite. Rows stream through
optional mapping and validation into batched inserts, or upserts when
--upsert-by names the unique columns. With more than one worker the
file is partitioned by row ordinal and imported in parallel.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVarP(&importFlags.table, "table", "t", "", "destination table (required)")
	f.StringSliceVar(&importFlags.columns, "columns", nil, "fixed column order for generated SQL")
	f.StringVar(&importFlags.db, "db", "", "database DSN (default DATABASE_URL)")
	f.StringVar(&importFlags.dbDriver, "db-driver", "", "database driver: postgres or sqlite (default inferred from the DSN)")
	f.IntVarP(&importFlags.workers, "workers", "w", 0, "parallel workers (default IMPORT_WORKERS)")
	f.StringVar(&importFlags.driver, "driver", "", "worker isolation: process, goroutine, or sequential")
	f.IntVar(&importFlags.chunkSize, "chunk-size", 0, "rows read per pass")
	f.IntVar(&importFlags.batchSize, "batch-size", 0, "rows persisted per statement")
	f.IntVar(&importFlags.headerRow, "header-row", 1, "1-indexed header position, 0 for headerless files")
	f.StringVar(&importFlags.delimiter, "delimiter", "", `field delimiter (default "," or tab for .tsv)`)
	f.StringVar(&importFlags.enclosure, "enclosure", "", `field quote character (default '"')`)
	f.StringVar(&importFlags.escape, "escape", "", `escape character inside quoted fields (default "\")`)
	f.StringVar(&importFlags.sheet, "sheet", "", "worksheet name for spreadsheet files (default first sheet)")
	f.StringSliceVar(&importFlags.upsertBy, "upsert-by", nil, "upsert on these unique columns instead of inserting")
	f.StringSliceVar(&importFlags.updateColumns, "update-columns", nil, "columns an upsert may overwrite (default all non-unique)")
	f.StringVar(&importFlags.rulesFile, "rules", "", "validation rules file, YAML or JSON")
	f.StringVar(&importFlags.transformFile, "transform", "", "declarative transform file, YAML or JSON")
	f.StringVar(&importFlags.mapper, "mapper", "", "registered mapper name")
	f.BoolVar(&importFlags.skipInvalid, "skip-invalid", false, "skip rows that fail validation instead of aborting")
	f.IntVar(&importFlags.maxErrors, "max-errors", 0, "stop after this many failed rows, 0 for no limit")
	f.BoolVar(&importFlags.relaxConstraints, "relax-constraints", false, "disable foreign keys and triggers for each batch")
	f.BoolVarP(&importFlags.quiet, "quiet", "q", false, "suppress the live progress line")
	importCmd.MarkFlagRequired("table")
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]

	sink := sinkFromFlags(importFlags.db, importFlags.dbDriver)
	sink.Table = importFlags.table
	sink.Columns = importFlags.columns
	sink.RelaxConstraints = importFlags.relaxConstraints
	if !sink.Valid() {
		return fmt.Errorf("no database configured: set DATABASE_URL or pass --db")
	}

	opts := core.ParallelOptions{
		ImportOptions: core.ImportOptions{
			Path:        path,
			HeaderRow:   importFlags.headerRow,
			Dialect:     core.DialectFrom(importFlags.delimiter, importFlags.enclosure, importFlags.escape),
			Sheet:       importFlags.sheet,
			ChunkSize:   orDefault(importFlags.chunkSize, cfg.Import.ChunkSize),
			BatchSize:   orDefault(importFlags.batchSize, cfg.Import.BatchSize),
			SkipInvalid: importFlags.skipInvalid,
			UniqueBy:    importFlags.upsertBy,
			MaxErrors:   importFlags.maxErrors,
			Logger:      slog.Default(),
		},
		Workers: orDefault(importFlags.workers, cfg.Import.Workers),
		Driver:  orDefaultString(importFlags.driver, cfg.Import.Driver),
		Sink:    sink,
	}

	// Omitting the flag means "overwrite all non-unique columns"; passing
	// it empty means "update nothing". The two must stay distinct.
	if cmd.Flags().Changed("update-columns") {
		opts.UpdateColumns = append([]string{}, importFlags.updateColumns...)
	}

	if importFlags.mapper != "" {
		opts.MapperSpec.Name = importFlags.mapper
	}
	if importFlags.transformFile != "" {
		tr := &core.Transform{}
		if err := decodeFile(importFlags.transformFile, tr); err != nil {
			return err
		}
		opts.MapperSpec.Transform = tr
	}
	if importFlags.rulesFile != "" {
		var rules []core.Rule
		if err := decodeFile(importFlags.rulesFile, &rules); err != nil {
			return err
		}
		opts.Rules = rules
	}

	if !importFlags.quiet {
		opts.Progress = progressPrinter(os.Stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startedAt := time.Now()
	report, err := core.NewCoordinator(registry, opts).Run(ctx)
	if !importFlags.quiet {
		fmt.Fprintln(os.Stderr)
	}

	if report != nil {
		recordRunHistory("import", path, sink.Table, opts.Driver, opts.Workers, startedAt, report)
		printReport(os.Stdout, report)
	}
	return err
}

// progressPrinter writes a carriage-return progress line. The coordinator
// throttles calls, so every snapshot is worth printing.
func progressPrinter(w io.Writer) core.ProgressFunc {
	return func(p core.Progress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "\r%6.2f%%  %d/%d rows", p.Percent, p.Processed, p.Total)
		} else {
			fmt.Fprintf(w, "\r%d rows", p.Processed)
		}
	}
}

// printReport writes the human-readable run summary: counts, throughput,
// warnings, and a capped sample of row errors.
func printReport(w io.Writer, report *core.Report) {
	fmt.Fprintf(w, "%d rows in %s (%.0f rows/sec)\n",
		report.Total, report.Duration.Round(time.Millisecond), report.Throughput())
	fmt.Fprintf(w, "  success %d, failed %d, skipped %d\n",
		report.Success, report.Failed, report.Skipped)
	for _, warn := range report.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	const sample = 5
	for i, e := range report.Errors {
		if i == sample {
			fmt.Fprintf(w, "  ... and %d more\n", len(report.Errors)-sample)
			break
		}
		fmt.Fprintf(w, "  row %d: %s\n", e.Row, e.Message)
	}
}

// recordRunHistory appends the run to the history database when one is
// configured. History failures never fail the run itself.
func recordRunHistory(kind, file, table, driver string, workers int, startedAt time.Time, report *core.Report) {
	if cfg.History.Path == "" {
		return
	}
	store, err := core.OpenHistory(cfg.History.Path)
	if err != nil {
		slog.Warn("opening history db failed", "error", err)
		return
	}
	defer store.Close()

	rec := core.HistoryRecordFromReport(uuid.New().String(), kind, file, table, startedAt, report)
	rec.Driver = driver
	rec.Workers = workers
	if err := store.Record(context.Background(), rec); err != nil {
		slog.Warn("recording run history failed", "error", err)
	}
}

// decodeFile unmarshals a YAML or JSON file into v, picked by extension.
func decodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

// sinkFromFlags overlays CLI overrides on the configured sink. A new DSN
// resets the driver so inference runs against the override.
func sinkFromFlags(dsn, driver string) core.SinkSpec {
	spec := defaultSink()
	if dsn != "" {
		spec.DSN = dsn
		spec.Driver = inferDriver(dsn)
	}
	if driver != "" {
		spec.Driver = driver
	}
	return spec
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orDefaultString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
