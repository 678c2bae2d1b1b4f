package core

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"time"
)

// PreviewSummary holds the counts from a dry-run analysis.
type PreviewSummary struct {
	Rows            int  `json:"rows"`
	Valid           int  `json:"valid"`
	Invalid         int  `json:"invalid"`
	MapperSkipped   int  `json:"mapperSkipped"`
	MapperFailed    int  `json:"mapperFailed"`
	DuplicateInFile int  `json:"duplicateInFile"`
	Truncated       bool `json:"truncated"`
}

// PreviewRow is a single analyzed row for display.
type PreviewRow struct {
	Line   int    `json:"lineNumber"`
	Record Record `json:"record"`
}

// PreviewError is a row that failed mapping or validation.
type PreviewError struct {
	Line     int      `json:"lineNumber"`
	Messages []string `json:"errors"`
	Record   Record   `json:"record"`
}

// DuplicatePreview lists a key that appears on more than one line.
type DuplicatePreview struct {
	Key   string `json:"key"`
	Lines []int  `json:"lineNumbers"`
}

// ColumnStat reports how often a column held a non-empty value across the
// analyzed rows.
type ColumnStat struct {
	Name     string  `json:"name"`
	Filled   int     `json:"filled"`
	FillRate float64 `json:"fillRate"`
}

// Preview is the complete result of a dry-run analysis.
type Preview struct {
	Format           string             `json:"format"`
	Header           []string           `json:"header"`
	Summary          PreviewSummary     `json:"summary"`
	ColumnStats      []ColumnStat       `json:"columnStats,omitempty"`
	RowSamples       []PreviewRow       `json:"rowSamples"`
	ErrorSamples     []PreviewError     `json:"errorSamples"`
	DuplicateSamples []DuplicatePreview `json:"duplicateSamples"`
	ProcessingTimeMs int64              `json:"processingTimeMs"`
}

// PreviewOptions configure a dry-run analysis.
type PreviewOptions struct {
	Path      string
	HeaderRow int
	Dialect   Dialect
	Sheet     string

	// Limit caps how many data rows are analyzed. Default 100.
	Limit int

	Mapper     Mapper
	MapperSpec MapperSpec
	Rules      []Rule

	// UniqueBy enables in-file duplicate detection on the named columns.
	UniqueBy []string
}

// Sample limits
const (
	defaultPreviewLimit    = 100
	maxPreviewRowSamples   = 10
	maxPreviewErrorSamples = 20
	maxPreviewDuplicates   = 10
)

// PreviewFile analyzes the first rows of a file without writing anything:
// it maps and validates each row exactly as an import would, tracks keys
// that repeat within the file, and returns samples of what it saw. The
// registry resolves a named mapper and may be nil otherwise.
func PreviewFile(ctx context.Context, reg *MapperRegistry, opts PreviewOptions) (*Preview, error) {
	startTime := time.Now()

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPreviewLimit
	}

	mopts := ImportOptions{Mapper: opts.Mapper, MapperSpec: opts.MapperSpec}
	mapper, err := mopts.resolveMapper(reg)
	if err != nil {
		return nil, err
	}
	rules, err := NewRuleSet(opts.Rules)
	if err != nil {
		return nil, err
	}

	src, err := NewSource(opts.Path, SourceConfig{HeaderRow: opts.HeaderRow, Dialect: opts.Dialect, Sheet: opts.Sheet})
	if err != nil {
		return nil, err
	}
	if err := src.Open(ctx); err != nil {
		return nil, err
	}
	defer src.Close()

	resp := &Preview{Format: DetectFormat(opts.Path), Header: src.Header()}
	seenKeys := make(map[string][]int)
	fill := newFillCounter(src.Header())

	for resp.Summary.Rows < limit {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		resp.Summary.Rows++

		rec, err := applyMapper(mapper, row.Record)
		if err != nil {
			resp.Summary.MapperFailed++
			resp.addError(row.Line, row.Record, []string{err.Error()})
			continue
		}
		if rec == nil {
			resp.Summary.MapperSkipped++
			continue
		}
		fill.observe(rec)

		if !rules.Empty() {
			if msgs := rules.Validate(rec); len(msgs) > 0 {
				resp.Summary.Invalid++
				resp.addError(row.Line, rec, msgs)
				continue
			}
		}
		resp.Summary.Valid++

		if key := previewKey(rec, opts.UniqueBy); key != "" {
			seenKeys[key] = append(seenKeys[key], row.Line)
		}
		if len(resp.RowSamples) < maxPreviewRowSamples {
			resp.RowSamples = append(resp.RowSamples, PreviewRow{Line: row.Line, Record: rec})
		}
	}

	// Did the limit cut the file short?
	if resp.Summary.Rows == limit {
		if _, err := src.Next(); err == nil {
			resp.Summary.Truncated = true
		}
	}

	for key, lines := range seenKeys {
		if len(lines) > 1 {
			resp.Summary.DuplicateInFile += len(lines) - 1
			if len(resp.DuplicateSamples) < maxPreviewDuplicates {
				resp.DuplicateSamples = append(resp.DuplicateSamples, DuplicatePreview{Key: key, Lines: lines})
			}
		}
	}
	resp.ColumnStats = fill.stats()

	resp.ProcessingTimeMs = time.Since(startTime).Milliseconds()
	return resp, nil
}

// fillCounter accumulates per-column fill counts over mapped records.
// Columns appear in header order; columns a mapper introduces are added
// as they are first seen.
type fillCounter struct {
	order  []string
	filled map[string]int
	rows   int
}

func newFillCounter(header []string) *fillCounter {
	fc := &fillCounter{filled: make(map[string]int, len(header))}
	for _, col := range header {
		fc.order = append(fc.order, col)
		fc.filled[col] = 0
	}
	return fc
}

func (fc *fillCounter) observe(rec Record) {
	fc.rows++
	var added []string
	for col, v := range rec {
		if _, ok := fc.filled[col]; !ok {
			added = append(added, col)
			fc.filled[col] = 0
		}
		if FormatValue(v) != "" {
			fc.filled[col]++
		}
	}
	sort.Strings(added)
	fc.order = append(fc.order, added...)
}

func (fc *fillCounter) stats() []ColumnStat {
	if fc.rows == 0 || len(fc.order) == 0 {
		return nil
	}
	out := make([]ColumnStat, len(fc.order))
	for i, col := range fc.order {
		n := fc.filled[col]
		out[i] = ColumnStat{Name: col, Filled: n, FillRate: float64(n) / float64(fc.rows)}
	}
	return out
}

func (p *Preview) addError(line int, rec Record, msgs []string) {
	if len(p.ErrorSamples) >= maxPreviewErrorSamples {
		return
	}
	p.ErrorSamples = append(p.ErrorSamples, PreviewError{Line: line, Messages: msgs, Record: rec})
}

// previewKey joins the unique-key column values, or returns "" when any
// part is missing so partial keys never collide.
func previewKey(rec Record, uniqueBy []string) string {
	if len(uniqueBy) == 0 {
		return ""
	}
	parts := make([]string, len(uniqueBy))
	for i, col := range uniqueBy {
		v, ok := rec[col]
		if !ok {
			return ""
		}
		s := FormatValue(v)
		if s == "" {
			return ""
		}
		parts[i] = s
	}
	return strings.Join(parts, "|")
}
