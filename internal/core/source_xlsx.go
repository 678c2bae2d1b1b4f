package core

import (
	"context"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// XLSXSource streams data rows out of a spreadsheet worksheet using the
// excelize row iterator, so a workbook is never loaded whole.
type XLSXSource struct {
	path string
	cfg  SourceConfig

	file    *excelize.File
	rows    *excelize.Rows
	sheet   string
	header  []string
	ordinal int
	line    int
}

// NewXLSXSource creates a source for a spreadsheet file. Nothing is read
// until Open.
func NewXLSXSource(path string, cfg SourceConfig) *XLSXSource {
	return &XLSXSource{path: path, cfg: cfg}
}

// openWorkbook opens the file and resolves the worksheet name.
func (s *XLSXSource) openWorkbook() (*excelize.File, string, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, "", &FileError{Path: s.path, Err: err}
	}

	sheet := s.cfg.Sheet
	if sheet == "" {
		list := f.GetSheetList()
		if len(list) == 0 {
			f.Close()
			return nil, "", &FileError{Path: s.path, Err: fmt.Errorf("workbook has no sheets")}
		}
		sheet = list[0]
	} else {
		idx, err := f.GetSheetIndex(sheet)
		if err != nil || idx < 0 {
			f.Close()
			return nil, "", &FileError{Path: s.path, Err: fmt.Errorf("sheet %q not found", sheet)}
		}
	}

	return f, sheet, nil
}

// Open opens the workbook, positions the iterator past the header row,
// and captures the header.
func (s *XLSXSource) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, sheet, err := s.openWorkbook()
	if err != nil {
		return err
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		f.Close()
		return &FileError{Path: s.path, Err: err}
	}

	s.file = f
	s.rows = rows
	s.sheet = sheet
	s.ordinal = 0
	s.line = 0

	for i := 1; i <= s.cfg.HeaderRow; i++ {
		if !rows.Next() {
			s.Close()
			return &FileError{Path: s.path, Err: fmt.Errorf("header row %d is past the end of sheet %q", s.cfg.HeaderRow, sheet)}
		}
		s.line++
		if i == s.cfg.HeaderRow {
			cells, err := rows.Columns()
			if err != nil {
				s.Close()
				return &FileError{Path: s.path, Err: err}
			}
			s.header = NormalizeHeader(cells)
		}
	}

	return nil
}

// Header returns the normalized column names, or nil for headerless sheets.
func (s *XLSXSource) Header() []string {
	return s.header
}

// Next returns the next data row. Rows with no non-blank cells are passed
// over without consuming an ordinal.
func (s *XLSXSource) Next() (Row, error) {
	if s.rows == nil {
		return Row{}, io.EOF
	}

	for s.rows.Next() {
		s.line++
		cells, err := s.rows.Columns()
		if err != nil {
			return Row{}, &FileError{Path: s.path, Err: err}
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

		row := Row{Ordinal: s.ordinal, Line: s.line, Record: rec}
		s.ordinal++
		return row, nil
	}

	if err := s.rows.Error(); err != nil {
		return Row{}, &FileError{Path: s.path, Err: err}
	}
	return Row{}, io.EOF
}

// Count iterates the sheet with an independent iterator and returns the
// number of data rows.
func (s *XLSXSource) Count(ctx context.Context) (int, error) {
	f := s.file
	sheet := s.sheet
	if f == nil {
		var err error
		f, sheet, err = s.openWorkbook()
		if err != nil {
			return 0, err
		}
		defer f.Close()
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return 0, &FileError{Path: s.path, Err: err}
	}
	defer rows.Close()

	skip := s.cfg.HeaderRow
	count := 0
	for rows.Next() {
		if count%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		if skip > 0 {
			skip--
			// Advance past pre-header rows without decoding them
			continue
		}
		cells, err := rows.Columns()
		if err != nil {
			return 0, &FileError{Path: s.path, Err: err}
		}
		if rowEmpty(cells) {
			continue
		}
		count++
	}
	if err := rows.Error(); err != nil {
		return 0, &FileError{Path: s.path, Err: err}
	}
	return count, nil
}

// Close releases the iterator and the workbook. Safe to call more than once.
func (s *XLSXSource) Close() error {
	var first error
	if s.rows != nil {
		if err := s.rows.Close(); err != nil {
			first = err
		}
		s.rows = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && first == nil {
			first = err
		}
		s.file = nil
	}
	return first
}
