package core

import (
	"context"
	"fmt"
	"sort"
)

// BatchSink persists batches of records. Implementations may relax
// foreign-key or trigger enforcement around a batch, but must restore it
// on every exit path, on the same connection that relaxed it.
//
// A sink wraps exactly one connection. Parallel workers each open their
// own sink; sinks are never shared across isolation boundaries.
type BatchSink interface {
	// Insert persists records and returns how many were written.
	Insert(ctx context.Context, records []Record) (int, error)

	// Upsert persists records, updating rows that already exist as judged
	// by the uniqueBy columns. A nil updateColumns means every non-unique
	// column is overwritten on conflict.
	Upsert(ctx context.Context, records []Record, uniqueBy, updateColumns []string) (int, error)

	// Flush forces any buffered work out. Sinks that write eagerly
	// return nil.
	Flush(ctx context.Context) error

	// Close releases the connection. The sink is unusable afterwards.
	Close(ctx context.Context) error
}

// RowCounter is implemented by sinks that can report how many rows their
// target currently holds. The parallel coordinator polls it for
// baseline-relative progress.
type RowCounter interface {
	CountRows(ctx context.Context) (int64, error)
}

// SinkFactory produces an independent sink connection per call. The
// goroutine driver hands one to each worker.
type SinkFactory func(ctx context.Context) (BatchSink, error)

// SinkSpec is a serializable description of a sink, complete enough for a
// separate process to reconnect from it. It carries no live handles.
type SinkSpec struct {
	// Driver selects the implementation: "postgres" or "sqlite".
	Driver string `json:"driver"`

	// DSN is the connection string.
	DSN string `json:"dsn"`

	// Table is the destination table name.
	Table string `json:"table"`

	// Columns fixes the column order for generated SQL. Empty means the
	// columns are derived from the records of each batch.
	Columns []string `json:"columns,omitempty"`

	// RelaxConstraints disables foreign-key and trigger enforcement for
	// the duration of each batch's transaction.
	RelaxConstraints bool `json:"relax_constraints,omitempty"`
}

// Valid reports whether the spec is complete enough to open.
func (s SinkSpec) Valid() bool {
	return s.Driver != "" && s.DSN != "" && s.Table != ""
}

// Open connects the described sink. Every call returns an independent
// connection.
func (s SinkSpec) Open(ctx context.Context) (BatchSink, error) {
	switch s.Driver {
	case "postgres":
		return OpenPostgresSink(ctx, s)
	case "sqlite":
		return OpenSQLiteSink(ctx, s)
	default:
		return nil, fmt.Errorf("unknown sink driver %q", s.Driver)
	}
}

// Factory adapts the spec into a SinkFactory.
func (s SinkSpec) Factory() SinkFactory {
	return func(ctx context.Context) (BatchSink, error) {
		return s.Open(ctx)
	}
}

// batchColumns resolves the column list for a batch of records: the
// explicit list when configured, otherwise the sorted union of record
// keys so generated SQL is deterministic.
func batchColumns(records []Record, explicit []string) []string {
	if len(explicit) > 0 {
		return explicit
	}
	set := make(map[string]struct{})
	for _, rec := range records {
		for k := range rec {
			set[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(set))
	for k := range set {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// recordValues extracts a record's values in column order; absent columns
// become nil.
func recordValues(rec Record, cols []string) []any {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = rec[c]
	}
	return vals
}

// quoteIdentifier makes a string safe for use as a SQL identifier.
func quoteIdentifier(name string) string {
	out := make([]rune, 0, len(name)+2)
	out = append(out, '"')
	for _, r := range name {
		if r == '"' {
			out = append(out, '"', '"')
		} else {
			out = append(out, r)
		}
	}
	return string(append(out, '"'))
}

// updateSet resolves which columns an upsert overwrites: the explicit
// updateColumns, or every column not part of the unique key.
func updateSet(cols, uniqueBy, updateColumns []string) []string {
	if updateColumns != nil {
		return updateColumns
	}
	unique := make(map[string]struct{}, len(uniqueBy))
	for _, c := range uniqueBy {
		unique[c] = struct{}{}
	}
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if _, ok := unique[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}
