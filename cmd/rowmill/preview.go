package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rowmill/rowmill/internal/core"
)

var previewFlags struct {
	headerRow     int
	delimiter     string
	enclosure     string
	escape        string
	sheet         string
	limit         int
	mapper        string
	transformFile string
	rulesFile     string
	uniqueBy      []string
}

var previewCmd = &cobra.Command{
	Use:   "preview FILE",
	Short: "Analyze a file without importing it",
	Long: `Dry-run the first rows of a file: detect the header, run mapping and
validation, and flag in-file duplicates. Prints the analysis as JSON
and writes nothing to the database.`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	f := previewCmd.Flags()
	f.IntVar(&previewFlags.headerRow, "header-row", 1, "1-indexed header position, 0 for headerless files")
	f.StringVar(&previewFlags.delimiter, "delimiter", "", `field delimiter (default "," or tab for .tsv)`)
	f.StringVar(&previewFlags.enclosure, "enclosure", "", `field quote character (default '"')`)
	f.StringVar(&previewFlags.escape, "escape", "", `escape character inside quoted fields (default "\")`)
	f.StringVar(&previewFlags.sheet, "sheet", "", "worksheet name for spreadsheet files")
	f.IntVar(&previewFlags.limit, "limit", 0, "data rows to analyze (default 100)")
	f.StringVar(&previewFlags.mapper, "mapper", "", "registered mapper name")
	f.StringVar(&previewFlags.transformFile, "transform", "", "declarative transform file, YAML or JSON")
	f.StringVar(&previewFlags.rulesFile, "rules", "", "validation rules file, YAML or JSON")
	f.StringSliceVar(&previewFlags.uniqueBy, "unique-by", nil, "detect in-file duplicates on these columns")
}

func runPreview(cmd *cobra.Command, args []string) error {
	opts := core.PreviewOptions{
		Path:      args[0],
		HeaderRow: previewFlags.headerRow,
		Dialect:   core.DialectFrom(previewFlags.delimiter, previewFlags.enclosure, previewFlags.escape),
		Sheet:     previewFlags.sheet,
		Limit:     previewFlags.limit,
		UniqueBy:  previewFlags.uniqueBy,
	}
	if previewFlags.mapper != "" {
		opts.MapperSpec.Name = previewFlags.mapper
	}
	if previewFlags.transformFile != "" {
		tr := &core.Transform{}
		if err := decodeFile(previewFlags.transformFile, tr); err != nil {
			return err
		}
		opts.MapperSpec.Transform = tr
	}
	if previewFlags.rulesFile != "" {
		var rules []core.Rule
		if err := decodeFile(previewFlags.rulesFile, &rules); err != nil {
			return err
		}
		opts.Rules = rules
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	preview, err := core.PreviewFile(ctx, registry, opts)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(preview)
}
