package core

import (
	"fmt"
	"strings"
)

// FileError reports that a source or destination file could not be used.
// It is fatal: the run aborts before any row is processed.
type FileError struct {
	Path string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %s: %v", e.Path, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

// UnsupportedFormatError reports a file extension no source or writer
// handles. It is fatal.
type UnsupportedFormatError struct {
	Path   string
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported format %q for %s", e.Format, e.Path)
}

// ValidationError reports a row that failed one or more validation rules.
// When the pipeline is not configured to skip invalid rows, the run aborts
// with this error.
type ValidationError struct {
	Row      int
	Messages []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d failed validation: %s", e.Row, strings.Join(e.Messages, "; "))
}

// MapperError reports a mapper failure on a single row. The row is counted
// as failed and the run continues.
type MapperError struct {
	Row int
	Err error
}

func (e *MapperError) Error() string {
	return fmt.Sprintf("row %d mapping failed: %v", e.Row, e.Err)
}

func (e *MapperError) Unwrap() error { return e.Err }

// PersistenceError reports a batch the sink rejected. Every row in the
// batch is counted as failed; the batch is never retried automatically.
type PersistenceError struct {
	Rows int
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting batch of %d rows: %v", e.Rows, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// WorkerError reports a parallel worker that terminated without producing
// a result. The coordinator substitutes a zero result and records a
// warning; the run itself does not fail.
type WorkerError struct {
	Index int
	Err   error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %d: %v", e.Index, e.Err)
}

func (e *WorkerError) Unwrap() error { return e.Err }
