package core

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSink writes batches to a SQLite table. The pool is pinned to a
// single connection so every PRAGMA and transaction lands on the same
// session.
//
// When the spec asks for relaxed constraints, each batch transaction runs
// PRAGMA defer_foreign_keys = ON, which postpones FK enforcement to the
// commit and resets itself on commit and rollback both.
type SQLiteSink struct {
	db   *sql.DB
	spec SinkSpec
}

// maxSQLiteParams stays under the SQLITE_MAX_VARIABLE_NUMBER limit of
// conservative builds.
const maxSQLiteParams = 900

// OpenSQLiteSink opens a new sink from the spec.
func OpenSQLiteSink(ctx context.Context, spec SinkSpec) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite3", spec.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite sink: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening sqlite sink: %w", err)
	}
	return &SQLiteSink{db: db, spec: spec}, nil
}

// DB exposes the underlying handle for read-side callers such as
// exports.
func (s *SQLiteSink) DB() *sql.DB { return s.db }

// Insert persists records and returns how many were written.
func (s *SQLiteSink) Insert(ctx context.Context, records []Record) (int, error) {
	return s.write(ctx, records, "")
}

// Upsert persists records with INSERT ... ON CONFLICT over the uniqueBy
// columns. A nil updateColumns overwrites every non-unique column.
func (s *SQLiteSink) Upsert(ctx context.Context, records []Record, uniqueBy, updateColumns []string) (int, error) {
	if len(uniqueBy) == 0 {
		return s.Insert(ctx, records)
	}
	cols := batchColumns(records, s.spec.Columns)
	return s.writeWith(ctx, records, cols, upsertClause(cols, uniqueBy, updateColumns, "excluded"))
}

func (s *SQLiteSink) write(ctx context.Context, records []Record, conflict string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	return s.writeWith(ctx, records, batchColumns(records, s.spec.Columns), conflict)
}

func (s *SQLiteSink) writeWith(ctx context.Context, records []Record, cols []string, conflict string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if s.spec.RelaxConstraints {
		if _, err := tx.ExecContext(ctx, "PRAGMA defer_foreign_keys = ON"); err != nil {
			return 0, err
		}
	}

	total := 0
	for _, chunk := range chunkRecords(records, rowsPerStatement(len(cols), maxSQLiteParams)) {
		query, args := s.insertSQL(cols, chunk, conflict)
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		if n, err := res.RowsAffected(); err == nil {
			total += int(n)
		} else {
			total += len(chunk)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

// insertSQL builds a multi-row INSERT with ? placeholders.
func (s *SQLiteSink) insertSQL(cols []string, records []Record, conflict string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdentifier(s.spec.Table))
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(c))
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(cols))
	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(placeholder)
		args = append(args, recordValues(rec, cols)...)
	}

	if conflict != "" {
		sb.WriteByte(' ')
		sb.WriteString(conflict)
	}
	return sb.String(), args
}

// Flush is a no-op; every batch commits inside Insert or Upsert.
func (s *SQLiteSink) Flush(ctx context.Context) error { return nil }

// Close releases the database handle.
func (s *SQLiteSink) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// CountRows returns the current row count of the destination table.
func (s *SQLiteSink) CountRows(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdentifier(s.spec.Table)).Scan(&n)
	return n, err
}
