package core

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/xuri/excelize/v2"
)

// RecordCursor yields records to export, in order. Next returns io.EOF
// when the cursor is exhausted.
type RecordCursor interface {
	Next(ctx context.Context) (Record, error)
	Columns() []string
	Close() error
}

// SliceCursor is a RecordCursor over an in-memory slice.
type SliceCursor struct {
	cols    []string
	records []Record
	pos     int
}

// NewSliceCursor creates a cursor over records. When cols is nil the
// column order is the sorted union of all record keys.
func NewSliceCursor(cols []string, records []Record) *SliceCursor {
	if len(cols) == 0 {
		cols = batchColumns(records, nil)
	}
	return &SliceCursor{cols: cols, records: records}
}

func (c *SliceCursor) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pos >= len(c.records) {
		return nil, io.EOF
	}
	rec := c.records[c.pos]
	c.pos++
	return rec, nil
}

func (c *SliceCursor) Columns() []string { return c.cols }
func (c *SliceCursor) Close() error      { return nil }

// QueryCursor streams records from a Postgres query.
type QueryCursor struct {
	rows pgx.Rows
	cols []string
}

// NewQueryCursor runs the query and returns a cursor over its rows.
// Closing the cursor releases the result; the caller keeps ownership of
// the connection.
func NewQueryCursor(ctx context.Context, conn *pgx.Conn, query string, args ...any) (*QueryCursor, error) {
	rows, err := conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export query: %w", err)
	}
	fds := rows.FieldDescriptions()
	cols := make([]string, len(fds))
	for i, fd := range fds {
		cols[i] = string(fd.Name)
	}
	return &QueryCursor{rows: rows, cols: cols}, nil
}

// NewTableCursor streams every row of a table.
func NewTableCursor(ctx context.Context, conn *pgx.Conn, table string) (*QueryCursor, error) {
	return NewQueryCursor(ctx, conn, "SELECT * FROM "+quoteIdentifier(table))
}

func (c *QueryCursor) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	vals, err := c.rows.Values()
	if err != nil {
		return nil, err
	}
	rec := make(Record, len(c.cols))
	for i, col := range c.cols {
		if i < len(vals) {
			rec[col] = vals[i]
		}
	}
	return rec, nil
}

func (c *QueryCursor) Columns() []string { return c.cols }

func (c *QueryCursor) Close() error {
	c.rows.Close()
	return nil
}

// SQLCursor streams records from a database/sql query, for SQLite
// sources.
type SQLCursor struct {
	rows *sql.Rows
	cols []string
}

// NewSQLCursor runs the query and returns a cursor over its rows.
func NewSQLCursor(ctx context.Context, db *sql.DB, query string, args ...any) (*SQLCursor, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("export query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, err
	}
	return &SQLCursor{rows: rows, cols: cols}, nil
}

func (c *SQLCursor) Next(ctx context.Context) (Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	vals := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(Record, len(c.cols))
	for i, col := range c.cols {
		// database/sql hands text back as []byte.
		if b, ok := vals[i].([]byte); ok {
			rec[col] = string(b)
			continue
		}
		rec[col] = vals[i]
	}
	return rec, nil
}

func (c *SQLCursor) Columns() []string { return c.cols }

func (c *SQLCursor) Close() error { return c.rows.Close() }

// OpenExportCursor connects to the described database and opens a cursor
// over the query, or over the whole table when the query is empty. The
// returned func closes the connection; callers close the cursor first.
func OpenExportCursor(ctx context.Context, spec SinkSpec, table, query string) (RecordCursor, func(), error) {
	if query == "" {
		query = "SELECT * FROM " + quoteIdentifier(table)
	}

	switch spec.Driver {
	case "postgres":
		conn, err := pgx.Connect(ctx, spec.DSN)
		if err != nil {
			return nil, nil, &PersistenceError{Err: err}
		}
		cur, err := NewQueryCursor(ctx, conn, query)
		if err != nil {
			conn.Close(context.WithoutCancel(ctx))
			return nil, nil, err
		}
		return cur, func() { conn.Close(context.WithoutCancel(ctx)) }, nil

	case "sqlite":
		sink, err := OpenSQLiteSink(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		cur, err := NewSQLCursor(ctx, sink.DB(), query)
		if err != nil {
			sink.Close(context.WithoutCancel(ctx))
			return nil, nil, err
		}
		return cur, func() { sink.Close(context.WithoutCancel(ctx)) }, nil
	}
	return nil, nil, fmt.Errorf("unsupported database driver %q", spec.Driver)
}

// ExportOptions configure a streaming export.
type ExportOptions struct {
	// Path is the output file. Its extension picks the format when
	// Format is empty.
	Path string
	// Format is csv, tsv, or xlsx.
	Format  string
	Dialect Dialect
	// Sheet names the worksheet for xlsx output. Default "Sheet1".
	Sheet     string
	ChunkSize int
	// Columns overrides the cursor's column order or subset.
	Columns []string
	// Total is the expected row count for progress percentages, 0 when
	// unknown.
	Total    int
	Progress ProgressFunc
	Hooks    *Hooks
}

func (o *ExportOptions) format() (string, error) {
	if o.Format != "" {
		return strings.ToLower(o.Format), nil
	}
	switch strings.ToLower(filepath.Ext(o.Path)) {
	case ".csv", ".txt":
		return "csv", nil
	case ".tsv":
		return "tsv", nil
	case ".xlsx":
		return "xlsx", nil
	}
	return "", &UnsupportedFormatError{Path: o.Path, Format: filepath.Ext(o.Path)}
}

func (o *ExportOptions) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return DefaultChunkSize
}

// recordWriter is the format-specific half of an export.
type recordWriter interface {
	WriteHeader(cols []string) error
	WriteRecord(cols []string, rec Record) error
	Close() error
}

// Export streams the cursor to a file, chunked, emitting progress and
// lifecycle hooks the same way an import does. The caller closes the
// cursor.
func Export(ctx context.Context, cur RecordCursor, opts ExportOptions) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() { report.Duration = time.Since(start) }()

	format, err := opts.format()
	if err != nil {
		return report, err
	}
	cols := opts.Columns
	if len(cols) == 0 {
		cols = cur.Columns()
	}
	if len(cols) == 0 {
		return report, fmt.Errorf("export has no columns")
	}

	w, err := newRecordWriter(format, opts)
	if err != nil {
		return report, err
	}
	closed := false
	defer func() {
		if !closed {
			w.Close()
		}
	}()

	if err := w.WriteHeader(cols); err != nil {
		return report, &FileError{Path: opts.Path, Err: err}
	}

	opts.Hooks.Fire(HookBeforeImport, HookPayload{File: opts.Path})

	chunk := opts.chunkSize()
	chunkIdx := 0
	inChunk := 0
	emit := func() {
		if opts.Progress != nil {
			opts.Progress(Progress{
				Processed: report.Total,
				Total:     opts.Total,
				Percent:   percentOf(report.Total, opts.Total),
			})
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		rec, err := cur.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return report, err
		}
		if inChunk == 0 {
			chunkIdx++
			opts.Hooks.Fire(HookBeforeChunk, HookPayload{File: opts.Path, Chunk: chunkIdx})
		}

		if err := w.WriteRecord(cols, rec); err != nil {
			return report, &FileError{Path: opts.Path, Err: err}
		}
		report.Total++
		report.Success++
		inChunk++

		if inChunk == chunk {
			opts.Hooks.Fire(HookAfterChunk, HookPayload{File: opts.Path, Chunk: chunkIdx, Rows: inChunk})
			inChunk = 0
			emit()
		}
	}
	if inChunk > 0 {
		opts.Hooks.Fire(HookAfterChunk, HookPayload{File: opts.Path, Chunk: chunkIdx, Rows: inChunk})
	}

	closed = true
	if err := w.Close(); err != nil {
		return report, &FileError{Path: opts.Path, Err: err}
	}

	if opts.Progress != nil && report.Total > 0 {
		opts.Progress(Progress{Processed: report.Total, Total: report.Total, Percent: 100})
	}
	opts.Hooks.Fire(HookAfterImport, HookPayload{File: opts.Path, Report: report})
	return report, nil
}

func newRecordWriter(format string, opts ExportOptions) (recordWriter, error) {
	switch format {
	case "csv":
		return newCSVWriter(opts.Path, opts.Dialect.normalized())
	case "tsv":
		d := opts.Dialect
		if d.Delimiter == 0 {
			d = TSVDialect()
		}
		return newCSVWriter(opts.Path, d.normalized())
	case "xlsx":
		return newXLSXWriter(opts.Path, opts.Sheet)
	}
	return nil, &UnsupportedFormatError{Path: opts.Path, Format: format}
}

// csvWriter writes dialect-aware delimited text. Fields are enclosed
// only when they contain the delimiter, the enclosure, or a line break,
// and embedded enclosures are doubled.
type csvWriter struct {
	file    *os.File
	buf     *bufio.Writer
	dialect Dialect
}

func newCSVWriter(path string, d Dialect) (*csvWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, &FileError{Path: path, Err: err}
	}
	return &csvWriter{file: f, buf: bufio.NewWriterSize(f, 64<<10), dialect: d}, nil
}

func (w *csvWriter) WriteHeader(cols []string) error {
	return w.writeLine(cols)
}

func (w *csvWriter) WriteRecord(cols []string, rec Record) error {
	cells := make([]string, len(cols))
	for i, col := range cols {
		cells[i] = FormatValue(rec[col])
	}
	return w.writeLine(cells)
}

func (w *csvWriter) writeLine(cells []string) error {
	for i, cell := range cells {
		if i > 0 {
			if _, err := w.buf.WriteRune(w.dialect.Delimiter); err != nil {
				return err
			}
		}
		if err := w.writeCell(cell); err != nil {
			return err
		}
	}
	return w.buf.WriteByte('\n')
}

func (w *csvWriter) writeCell(cell string) error {
	if !strings.ContainsAny(cell, string(w.dialect.Delimiter)+string(w.dialect.Enclosure)+"\r\n") {
		_, err := w.buf.WriteString(cell)
		return err
	}
	if _, err := w.buf.WriteRune(w.dialect.Enclosure); err != nil {
		return err
	}
	for _, r := range cell {
		if r == w.dialect.Enclosure {
			if _, err := w.buf.WriteRune(w.dialect.Enclosure); err != nil {
				return err
			}
		}
		if _, err := w.buf.WriteRune(r); err != nil {
			return err
		}
	}
	_, err := w.buf.WriteRune(w.dialect.Enclosure)
	return err
}

func (w *csvWriter) Close() error {
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// xlsxWriter streams rows into a worksheet without keeping the workbook
// in memory.
type xlsxWriter struct {
	path   string
	file   *excelize.File
	stream *excelize.StreamWriter
	row    int
}

func newXLSXWriter(path, sheet string) (*xlsxWriter, error) {
	if sheet == "" {
		sheet = "Sheet1"
	}
	f := excelize.NewFile()
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			f.Close()
			return nil, err
		}
	}
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &xlsxWriter{path: path, file: f, stream: sw, row: 1}, nil
}

func (w *xlsxWriter) WriteHeader(cols []string) error {
	cells := make([]any, len(cols))
	for i, c := range cols {
		cells[i] = c
	}
	return w.writeRow(cells)
}

func (w *xlsxWriter) WriteRecord(cols []string, rec Record) error {
	cells := make([]any, len(cols))
	for i, col := range cols {
		cells[i] = rec[col]
	}
	return w.writeRow(cells)
}

func (w *xlsxWriter) writeRow(cells []any) error {
	ref, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.stream.SetRow(ref, cells); err != nil {
		return err
	}
	w.row++
	return nil
}

func (w *xlsxWriter) Close() error {
	if err := w.stream.Flush(); err != nil {
		w.file.Close()
		return err
	}
	if err := w.file.SaveAs(w.path); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
