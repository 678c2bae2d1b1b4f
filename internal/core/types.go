package core

import (
	"time"
)

// Record is a single data row: a mapping from column name to a scalar value.
// Values are one of string, int64, float64, bool, time.Time, or nil.
// Records are never retained past the batch that carries them, which bounds
// pipeline memory to O(batch size) rather than O(file size).
type Record map[string]any

// Clone returns a shallow copy of the record.
// Scalar values make a shallow copy sufficient.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Columns returns the record's column names in unspecified order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	return cols
}

// Row pairs a record with its position in the source file.
type Row struct {
	// Ordinal is the zero-based position among data rows, counted after
	// the header row is excluded. Round-robin partitioning keys on it.
	Ordinal int

	// Line is the 1-indexed physical line (or sheet row) the record came
	// from, used in error messages shown to people.
	Line int

	// Record holds the header-mapped cell values.
	Record Record
}

// RunPhase indicates the current stage of a pipeline run.
type RunPhase string

const (
	PhaseIdle       RunPhase = "idle"
	PhaseOpened     RunPhase = "opened"
	PhaseReading    RunPhase = "reading"
	PhaseMapping    RunPhase = "mapping"
	PhaseValidating RunPhase = "validating"
	PhaseBatching   RunPhase = "batching"
	PhaseFlushing   RunPhase = "flushing"
	PhaseClosed     RunPhase = "closed"
)

// Progress is a point-in-time snapshot of rows processed.
// Total is 0 when the source could not count ahead; callers must treat
// that as "unknown", not "empty".
type Progress struct {
	Processed int     `json:"processed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
}

// percentOf computes processed/total as a percentage, 0 when total is unknown.
func percentOf(processed, total int) float64 {
	if total <= 0 {
		return 0
	}
	return float64(processed) * 100 / float64(total)
}

// ProgressFunc receives progress snapshots during a run.
// Implementations must not block; slow consumers should sit behind a
// Throttle or a buffered channel.
type ProgressFunc func(Progress)

// WorkerResult is the single message a parallel worker emits when it
// terminates. Total counts every row the worker saw; Success and Failed
// count persistence outcomes. Total == Success+Failed does not always
// hold: rows the mapper chose to skip are counted in neither.
type WorkerResult struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

// RowError describes a single row that failed during a run.
type RowError struct {
	Row     int    `json:"row_number"`
	Message string `json:"message"`
	Data    Record `json:"row_data,omitempty"`
}

// Report summarizes a completed import or export run.
type Report struct {
	Total    int           `json:"total"`
	Success  int           `json:"success"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
	Errors   []RowError    `json:"errors,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// OK reports whether the run completed without row failures.
func (r *Report) OK() bool {
	return r.Failed == 0
}

// Throughput returns rows per second, 0 if the duration is not positive.
func (r *Report) Throughput() float64 {
	secs := r.Duration.Seconds()
	if secs <= 0 {
		return 0
	}
	return float64(r.Total) / secs
}

// AddError records a failed row, capping stored errors so a pathological
// file cannot balloon the report. The failure count is not capped.
func (r *Report) AddError(e RowError) {
	if len(r.Errors) < maxReportErrors {
		r.Errors = append(r.Errors, e)
	}
}

// maxReportErrors bounds the error detail kept in a report.
const maxReportErrors = 1000

// Dialect describes how a delimited-text file is tokenized.
type Dialect struct {
	// Delimiter separates fields (default: comma).
	Delimiter rune

	// Enclosure wraps fields containing the delimiter (default: double quote).
	Enclosure rune

	// Escape introduces a literal enclosure inside an enclosed field
	// (default: backslash). A doubled enclosure is always accepted too.
	Escape rune
}

// DefaultDialect returns the standard CSV dialect: comma, double quote, backslash.
func DefaultDialect() Dialect {
	return Dialect{Delimiter: ',', Enclosure: '"', Escape: '\\'}
}

// TSVDialect returns the tab-separated dialect.
func TSVDialect() Dialect {
	d := DefaultDialect()
	d.Delimiter = '\t'
	return d
}

// normalized fills in zero runes with the defaults so a partially
// configured dialect still tokenizes.
func (d Dialect) normalized() Dialect {
	def := DefaultDialect()
	if d.Delimiter == 0 {
		d.Delimiter = def.Delimiter
	}
	if d.Enclosure == 0 {
		d.Enclosure = def.Enclosure
	}
	if d.Escape == 0 {
		d.Escape = def.Escape
	}
	return d
}

// DialectFrom builds a Dialect from single-character strings, as they
// arrive in requests and CLI flags. Empty strings stay unset so a
// format-specific default (the tab delimiter for .tsv files) can still
// apply; only the first rune of a longer string counts.
func DialectFrom(delimiter, enclosure, escape string) Dialect {
	return Dialect{
		Delimiter: firstRune(delimiter),
		Enclosure: firstRune(enclosure),
		Escape:    firstRune(escape),
	}
}

func firstRune(s string) rune {
	for _, r := range s {
		return r
	}
	return 0
}
