package core

import (
	"context"
	"path/filepath"
	"strings"
)

// RowSource is a streaming cursor over a file's data rows, independent of
// the on-disk format. It never materializes the whole file.
//
// A source is not restartable: once closed, open a new one.
type RowSource interface {
	// Open prepares the source for reading. It must be called before Next.
	Open(ctx context.Context) error

	// Header returns the normalized column names. Valid after Open.
	// Headerless sources return nil and key records positionally.
	Header() []string

	// Next returns the next data row. io.EOF signals the end of the file.
	Next() (Row, error)

	// Count returns the number of data rows, or 0 when the source cannot
	// say without a scan it wants to avoid. Callers must treat 0 as
	// "unknown", never as "empty". Count is independent of the read
	// cursor and may be called before Open.
	Count(ctx context.Context) (int, error)

	// Close releases the underlying file. Next must not be called after.
	Close() error
}

// SourceConfig controls header handling and tokenization for sources.
type SourceConfig struct {
	// HeaderRow is the 1-indexed row whose cells name the columns.
	// Rows before it are skipped entirely; the header row itself is
	// consumed and excluded from data. 0 means the file has no header
	// and records key on positional indices.
	HeaderRow int

	// Dialect applies to delimited-text sources. Zero fields fall back
	// to the standard CSV dialect.
	Dialect Dialect

	// Sheet names the worksheet for spreadsheet sources. Empty selects
	// the first sheet.
	Sheet string
}

// DetectFormat names the format NewSource would pick for a path: "csv",
// "tsv", "xlsx", or "" for unrecognized extensions.
func DetectFormat(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return "csv"
	case ".tsv":
		return "tsv"
	case ".xlsx", ".xlsm":
		return "xlsx"
	default:
		return ""
	}
}

// NewSource picks a source implementation from the file extension.
// Returns UnsupportedFormatError for anything it does not recognize.
func NewSource(path string, cfg SourceConfig) (RowSource, error) {
	switch DetectFormat(path) {
	case "csv":
		return NewCSVSource(path, cfg), nil
	case "tsv":
		if cfg.Dialect.Delimiter == 0 {
			cfg.Dialect = TSVDialect()
		}
		return NewCSVSource(path, cfg), nil
	case "xlsx":
		return NewXLSXSource(path, cfg), nil
	default:
		return nil, &UnsupportedFormatError{Path: path, Format: strings.ToLower(filepath.Ext(path))}
	}
}

// NextBatch reads up to n rows from src. It returns io.EOF alongside the
// final (possibly short, possibly empty) batch.
func NextBatch(src RowSource, n int) ([]Row, error) {
	rows := make([]Row, 0, n)
	for len(rows) < n {
		row, err := src.Next()
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// buildRecord maps raw cells onto column names. Rows shorter than the
// header are padded with nil; longer rows lose their excess cells. No
// error is ever raised for a width mismatch.
func buildRecord(names []string, cells []string) Record {
	rec := make(Record, len(names))
	for i, name := range names {
		if i < len(cells) {
			rec[name] = cells[i]
		} else {
			rec[name] = nil
		}
	}
	return rec
}

// positionalRecord keys cells on their index, for headerless files.
func positionalRecord(cells []string) Record {
	return buildRecord(PositionalHeader(len(cells)), cells)
}

// rowEmpty reports whether every cell is blank. Fully empty rows are
// skipped by sources without consuming an ordinal.
func rowEmpty(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
