package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// dialectReader tokenizes delimited text under a configurable Dialect.
// The standard library csv reader is fixed to double-quote enclosures and
// doubled-quote escaping, so files that use other enclosure or escape
// characters are tokenized here instead.
//
// Rules:
//   - A field starting with the enclosure rune is quoted; its content runs
//     until the matching enclosure, and may span physical lines.
//   - Inside a quoted field, escape+enclosure and escape+escape produce the
//     literal rune; a doubled enclosure is always accepted as well.
//   - Outside quotes, runes are literal; there is no escape processing.
//   - Rows end at \n, \r\n, or a bare \r.
type dialectReader struct {
	r       *bufio.Reader
	dialect Dialect

	// line is the 1-indexed physical line the next rune belongs to.
	line int
}

func newDialectReader(r io.Reader, d Dialect) *dialectReader {
	return &dialectReader{
		r:       bufio.NewReaderSize(r, 64*1024),
		dialect: d.normalized(),
		line:    1,
	}
}

// ReadRow returns the next row's raw cells and the physical line the row
// started on. io.EOF is returned only when no cells remain.
func (dr *dialectReader) ReadRow() ([]string, int, error) {
	d := dr.dialect
	startLine := dr.line

	var (
		fields  []string
		field   strings.Builder
		quoted  bool
		started bool
	)

	endField := func() {
		fields = append(fields, field.String())
		field.Reset()
	}

	for {
		r, _, err := dr.r.ReadRune()
		if err == io.EOF {
			if !started {
				return nil, startLine, io.EOF
			}
			endField()
			return fields, startLine, nil
		}
		if err != nil {
			return nil, startLine, err
		}
		started = true

		if quoted {
			switch {
			case r == d.Escape && d.Escape != d.Enclosure:
				next, _, nerr := dr.r.ReadRune()
				if nerr == nil && (next == d.Enclosure || next == d.Escape) {
					field.WriteRune(next)
					continue
				}
				if nerr == nil {
					dr.r.UnreadRune()
				}
				field.WriteRune(r)

			case r == d.Enclosure:
				next, _, nerr := dr.r.ReadRune()
				if nerr == nil && next == d.Enclosure {
					field.WriteRune(d.Enclosure)
					continue
				}
				if nerr == nil {
					dr.r.UnreadRune()
				}
				quoted = false

			case r == '\n':
				dr.line++
				field.WriteRune(r)

			default:
				field.WriteRune(r)
			}
			continue
		}

		switch {
		case r == d.Delimiter:
			endField()

		case r == '\n':
			dr.line++
			endField()
			return fields, startLine, nil

		case r == '\r':
			next, _, nerr := dr.r.ReadRune()
			if nerr == nil && next != '\n' {
				dr.r.UnreadRune()
			}
			dr.line++
			endField()
			return fields, startLine, nil

		case r == d.Enclosure && field.Len() == 0:
			quoted = true

		default:
			field.WriteRune(r)
		}
	}
}

// CSVSource streams data rows out of a delimited-text file.
type CSVSource struct {
	path string
	cfg  SourceConfig

	file    *os.File
	counted *CountReader
	reader  *dialectReader
	header  []string
	ordinal int
}

// NewCSVSource creates a source for a delimited-text file. Nothing is
// touched on disk until Open.
func NewCSVSource(path string, cfg SourceConfig) *CSVSource {
	return &CSVSource{path: path, cfg: cfg}
}

// Open opens the file, skips rows before the configured header row, and
// captures the header.
func (s *CSVSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(s.path)
	if err != nil {
		return &FileError{Path: s.path, Err: err}
	}

	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}

	s.file = f
	s.counted = WrapReader(f, size)
	s.reader = newDialectReader(s.counted, s.cfg.Dialect)
	s.ordinal = 0

	if s.cfg.HeaderRow > 0 {
		header, err := s.readHeader()
		if err != nil {
			f.Close()
			s.file = nil
			return err
		}
		s.header = header
	}

	return nil
}

// readHeader consumes rows up to and including the header row.
func (s *CSVSource) readHeader() ([]string, error) {
	for i := 1; i <= s.cfg.HeaderRow; i++ {
		cells, _, err := s.reader.ReadRow()
		if err == io.EOF {
			return nil, &FileError{Path: s.path, Err: fmt.Errorf("header row %d is past the end of the file", s.cfg.HeaderRow)}
		}
		if err != nil {
			return nil, &FileError{Path: s.path, Err: err}
		}
		if i == s.cfg.HeaderRow {
			return NormalizeHeader(cells), nil
		}
	}
	return nil, &FileError{Path: s.path, Err: fmt.Errorf("header row %d is past the end of the file", s.cfg.HeaderRow)}
}

// Header returns the normalized column names, or nil for headerless files.
func (s *CSVSource) Header() []string {
	return s.header
}

// Next returns the next data row. Fully empty rows are passed over without
// consuming an ordinal.
func (s *CSVSource) Next() (Row, error) {
	if s.file == nil {
		return Row{}, io.EOF
	}

	for {
		cells, line, err := s.reader.ReadRow()
		if err != nil {
			return Row{}, err
		}
		if rowEmpty(cells) {
			continue
		}

		var rec Record
		if s.header != nil {
			rec = buildRecord(s.header, cells)
		} else {
			rec = positionalRecord(cells)
		}

		row := Row{Ordinal: s.ordinal, Line: line, Record: rec}
		s.ordinal++
		return row, nil
	}
}

// Count scans the file with an independent reader and returns the number
// of data rows. The read cursor is unaffected.
func (s *CSVSource) Count(ctx context.Context) (int, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return 0, &FileError{Path: s.path, Err: err}
	}
	defer f.Close()

	dr := newDialectReader(WrapReader(f, 0), s.cfg.Dialect)

	skip := s.cfg.HeaderRow
	count := 0
	for {
		if count%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		cells, _, err := dr.ReadRow()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return 0, &FileError{Path: s.path, Err: err}
		}
		if skip > 0 {
			skip--
			continue
		}
		if rowEmpty(cells) {
			continue
		}
		count++
	}
}

// Bytes returns the bytes read so far and the file size, for byte-based
// progress when row counts are unknown.
func (s *CSVSource) Bytes() (read, total int64) {
	if s.counted == nil {
		return 0, 0
	}
	return s.counted.BytesRead, s.counted.Total
}

// Close releases the file. Safe to call more than once.
func (s *CSVSource) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
