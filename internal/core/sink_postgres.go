package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// PostgresSink writes batches to a PostgreSQL table over a single
// dedicated connection.
//
// Inserts try the COPY protocol first and fall back to a multi-row INSERT
// when COPY rejects the batch (typically untyped text destined for a
// typed column, which the text protocol lets the server cast). Upserts
// use INSERT ... ON CONFLICT.
//
// When the spec asks for relaxed constraints, each batch transaction runs
// SET LOCAL session_replication_role = replica, which disables triggers
// and FK enforcement for that transaction only. SET LOCAL reverts on
// commit and rollback both, so enforcement is restored on every exit
// path, on the same connection.
type PostgresSink struct {
	conn *pgx.Conn
	spec SinkSpec
}

// maxPostgresParams keeps generated statements under the wire protocol's
// 65535 bind-parameter ceiling.
const maxPostgresParams = 60000

// OpenPostgresSink connects a new sink from the spec.
func OpenPostgresSink(ctx context.Context, spec SinkSpec) (*PostgresSink, error) {
	conn, err := pgx.Connect(ctx, spec.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting postgres sink: %w", err)
	}
	return &PostgresSink{conn: conn, spec: spec}, nil
}

// Insert persists records and returns how many were written.
func (p *PostgresSink) Insert(ctx context.Context, records []Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	cols := batchColumns(records, p.spec.Columns)

	n, copyErr := p.copyInsert(ctx, cols, records)
	if copyErr == nil {
		return n, nil
	}

	return p.execInsert(ctx, cols, records)
}

// copyInsert writes the batch with the COPY protocol.
func (p *PostgresSink) copyInsert(ctx context.Context, cols []string, records []Record) (int, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := p.relax(ctx, tx); err != nil {
		return 0, err
	}

	rows := make([][]any, len(records))
	for i, rec := range records {
		rows[i] = recordValues(rec, cols)
	}

	copied, err := tx.CopyFrom(ctx, pgx.Identifier{p.spec.Table}, cols, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(copied), nil
}

// execInsert writes the batch with multi-row INSERT statements, chunked to
// stay under the parameter ceiling.
func (p *PostgresSink) execInsert(ctx context.Context, cols []string, records []Record) (int, error) {
	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := p.relax(ctx, tx); err != nil {
		return 0, err
	}

	total := 0
	for _, chunk := range chunkRecords(records, rowsPerStatement(len(cols), maxPostgresParams)) {
		sql, args := p.insertSQL(cols, chunk, "")
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		total += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// Upsert persists records with INSERT ... ON CONFLICT over the uniqueBy
// columns. A nil updateColumns overwrites every non-unique column.
func (p *PostgresSink) Upsert(ctx context.Context, records []Record, uniqueBy, updateColumns []string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	if len(uniqueBy) == 0 {
		return p.Insert(ctx, records)
	}
	cols := batchColumns(records, p.spec.Columns)

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if err := p.relax(ctx, tx); err != nil {
		return 0, err
	}

	conflict := upsertClause(cols, uniqueBy, updateColumns, "EXCLUDED")

	total := 0
	for _, chunk := range chunkRecords(records, rowsPerStatement(len(cols), maxPostgresParams)) {
		sql, args := p.insertSQL(cols, chunk, conflict)
		tag, err := tx.Exec(ctx, sql, args...)
		if err != nil {
			return 0, err
		}
		total += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return total, nil
}

// insertSQL builds a multi-row INSERT with positional placeholders.
func (p *PostgresSink) insertSQL(cols []string, records []Record, conflict string) (string, []any) {
	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdentifier(p.spec.Table))
	sb.WriteString(" (")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(c))
	}
	sb.WriteString(") VALUES ")

	args := make([]any, 0, len(records)*len(cols))
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := range cols {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+j+1)
		}
		sb.WriteByte(')')
		args = append(args, recordValues(rec, cols)...)
	}

	if conflict != "" {
		sb.WriteByte(' ')
		sb.WriteString(conflict)
	}
	return sb.String(), args
}

// relax disables triggers and FK checks for the transaction when the spec
// asks for it.
func (p *PostgresSink) relax(ctx context.Context, tx pgx.Tx) error {
	if !p.spec.RelaxConstraints {
		return nil
	}
	_, err := tx.Exec(ctx, "SET LOCAL session_replication_role = replica")
	return err
}

// Flush is a no-op; every batch commits inside Insert or Upsert.
func (p *PostgresSink) Flush(ctx context.Context) error { return nil }

// Close releases the connection.
func (p *PostgresSink) Close(ctx context.Context) error {
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(ctx)
	p.conn = nil
	return err
}

// CountRows returns the current row count of the destination table.
func (p *PostgresSink) CountRows(ctx context.Context) (int64, error) {
	var n int64
	err := p.conn.QueryRow(ctx, "SELECT COUNT(*) FROM "+quoteIdentifier(p.spec.Table)).Scan(&n)
	return n, err
}

// upsertClause builds the ON CONFLICT clause shared by the SQL sinks.
// excludedName is the dialect's pseudo-table for the proposed row.
func upsertClause(cols, uniqueBy, updateColumns []string, excludedName string) string {
	var sb strings.Builder
	sb.WriteString("ON CONFLICT (")
	for i, c := range uniqueBy {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(c))
	}
	sb.WriteString(") ")

	updates := updateSet(cols, uniqueBy, updateColumns)
	if len(updates) == 0 {
		sb.WriteString("DO NOTHING")
		return sb.String()
	}

	sb.WriteString("DO UPDATE SET ")
	for i, c := range updates {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdentifier(c))
		sb.WriteString(" = ")
		sb.WriteString(excludedName)
		sb.WriteByte('.')
		sb.WriteString(quoteIdentifier(c))
	}
	return sb.String()
}

// rowsPerStatement caps how many rows one statement may carry given the
// backend's bind-parameter limit.
func rowsPerStatement(cols, maxParams int) int {
	if cols == 0 {
		return 1
	}
	n := maxParams / cols
	if n < 1 {
		return 1
	}
	return n
}

// chunkRecords splits records into slices of at most size rows.
func chunkRecords(records []Record, size int) [][]Record {
	if size < 1 {
		size = 1
	}
	var out [][]Record
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}
