package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/internal/core"
)

var exportFlags struct {
	table     string
	query     string
	columns   []string
	format    string
	sheet     string
	delimiter string
	enclosure string
	escape    string
	chunkSize int
	db        string
	dbDriver  string
	quiet     bool
}

var exportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export a table or query to a CSV, TSV, or XLSX file",
	Long: `Export database rows to a tabular file. The output format follows the
file extension unless --format overrides it. Rows stream straight from
the cursor to the file, so exports of any size run in constant memory.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVarP(&exportFlags.table, "table", "t", "", "source table (SELECT *)")
	f.StringVar(&exportFlags.query, "query", "", "SQL query to export instead of a whole table")
	f.StringSliceVar(&exportFlags.columns, "columns", nil, "column order or subset for the output")
	f.StringVar(&exportFlags.format, "format", "", "output format: csv, tsv, or xlsx (default by extension)")
	f.StringVar(&exportFlags.sheet, "sheet", "", "worksheet name for xlsx output")
	f.StringVar(&exportFlags.delimiter, "delimiter", "", "field delimiter for delimited output")
	f.StringVar(&exportFlags.enclosure, "enclosure", "", "field quote character for delimited output")
	f.StringVar(&exportFlags.escape, "escape", "", "escape character for delimited output")
	f.IntVar(&exportFlags.chunkSize, "chunk-size", 0, "rows per chunk for hooks and progress")
	f.StringVar(&exportFlags.db, "db", "", "database DSN (default DATABASE_URL)")
	f.StringVar(&exportFlags.dbDriver, "db-driver", "", "database driver: postgres or sqlite (default inferred from the DSN)")
	f.BoolVarP(&exportFlags.quiet, "quiet", "q", false, "suppress the live progress line")
}

func runExport(cmd *cobra.Command, args []string) error {
	out := args[0]

	if exportFlags.table == "" && exportFlags.query == "" {
		return fmt.Errorf("export needs --table or --query")
	}
	sink := sinkFromFlags(exportFlags.db, exportFlags.dbDriver)
	if sink.DSN == "" {
		return fmt.Errorf("no database configured: set DATABASE_URL or pass --db")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cur, closeConn, err := core.OpenExportCursor(ctx, sink, exportFlags.table, exportFlags.query)
	if err != nil {
		return err
	}
	defer closeConn()
	defer cur.Close()

	opts := core.ExportOptions{
		Path:      out,
		Format:    exportFlags.format,
		Dialect:   core.DialectFrom(exportFlags.delimiter, exportFlags.enclosure, exportFlags.escape),
		Sheet:     exportFlags.sheet,
		ChunkSize: orDefault(exportFlags.chunkSize, cfg.Export.ChunkSize),
		Columns:   exportFlags.columns,
	}
	if !exportFlags.quiet {
		opts.Progress = progressPrinter(os.Stderr)
	}

	startedAt := time.Now()
	report, err := core.Export(ctx, cur, opts)
	if !exportFlags.quiet {
		fmt.Fprintln(os.Stderr)
	}

	if report != nil {
		recordRunHistory("export", out, exportFlags.table, "", 0, startedAt, report)
		printReport(os.Stdout, report)
	}
	return err
}
