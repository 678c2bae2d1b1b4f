package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"
)

const (
	// DefaultChunkSize is how many rows one read pass pulls from the source.
	DefaultChunkSize = 1000

	// DefaultBatchSize is how many records one sink call carries.
	DefaultBatchSize = 1000

	// gcRowInterval forces a garbage collection pass every this many
	// processed rows, to bound peak memory on very large files. A
	// tunable, not a correctness requirement.
	gcRowInterval = 100000
)

// ImportOptions configures an import run.
//
// Capabilities are explicit fields resolved once at the start of a run:
// a nil Progress means no progress reporting, an empty Rules slice means
// no validation, an empty UniqueBy means plain inserts. Nothing is probed
// at runtime after the run starts.
type ImportOptions struct {
	// Path locates the input file. The extension picks the source type.
	Path string

	// HeaderRow is the 1-indexed header position; rows before it are
	// skipped. 0 means the file has no header.
	HeaderRow int

	// Dialect configures delimited-text tokenization.
	Dialect Dialect

	// Sheet names the worksheet for spreadsheet files.
	Sheet string

	// ChunkSize is the read unit; BatchSize the sink unit. Zero means
	// the defaults.
	ChunkSize int
	BatchSize int

	// Mapper is a live per-row transform. Only sequential and in-process
	// runs can use it; distributed runs need MapperSpec instead.
	Mapper Mapper

	// MapperSpec names a registered mapper or carries a declarative
	// transform. At most one of Mapper and MapperSpec may be set.
	MapperSpec MapperSpec

	// Rules validates mapped rows. SkipInvalid drops failing rows and
	// counts them skipped; otherwise the first failing row aborts the
	// run with a ValidationError.
	Rules       []Rule
	SkipInvalid bool

	// UniqueBy switches persistence to upserts over these columns.
	// UpdateColumns limits which columns an upsert overwrites; nil
	// overwrites all non-unique columns.
	UniqueBy      []string
	UpdateColumns []string

	// MaxErrors stops the run early once the failed-row count reaches
	// it, with a warning on the report. 0 means no ceiling.
	MaxErrors int

	// Progress receives one unthrottled update per chunk.
	Progress ProgressFunc

	// Hooks observes lifecycle events.
	Hooks *Hooks

	// Logger defaults to the process logger.
	Logger *slog.Logger
}

func (o *ImportOptions) chunkSize() int {
	if o.ChunkSize > 0 {
		return o.ChunkSize
	}
	return DefaultChunkSize
}

func (o *ImportOptions) batchSize() int {
	if o.BatchSize > 0 {
		return o.BatchSize
	}
	return DefaultBatchSize
}

func (o *ImportOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// sourceConfig derives the source settings from the options.
func (o *ImportOptions) sourceConfig() SourceConfig {
	return SourceConfig{HeaderRow: o.HeaderRow, Dialect: o.Dialect, Sheet: o.Sheet}
}

// resolveMapper picks the run's mapper from the explicit fields.
func (o *ImportOptions) resolveMapper(reg *MapperRegistry) (Mapper, error) {
	if o.Mapper != nil && !o.MapperSpec.IsZero() {
		return nil, fmt.Errorf("both a live mapper and a mapper spec are configured")
	}
	if o.Mapper != nil {
		return o.Mapper, nil
	}
	return o.MapperSpec.Resolve(reg)
}

// Pipeline executes a sequential import: one thread, synchronous,
// blocking I/O. The pipeline holds no reference to any record past the
// batch that carried it.
//
// The run moves through Idle, Opened, Reading, then loops Mapping,
// Validating, Batching per chunk, and finishes with Flushing and Closed.
type Pipeline struct {
	sink BatchSink
	reg  *MapperRegistry
	opts ImportOptions

	mu    sync.Mutex
	phase RunPhase
}

// NewPipeline creates a pipeline writing to sink. The registry may be nil
// when options never name a registered mapper. The caller keeps ownership
// of the sink and closes it after the run.
func NewPipeline(sink BatchSink, reg *MapperRegistry, opts ImportOptions) *Pipeline {
	return &Pipeline{sink: sink, reg: reg, opts: opts, phase: PhaseIdle}
}

// Phase returns the pipeline's current lifecycle stage.
func (p *Pipeline) Phase() RunPhase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *Pipeline) setPhase(ph RunPhase) {
	p.mu.Lock()
	p.phase = ph
	p.mu.Unlock()
}

// batchRow keeps a mapped record tied to its source line for error
// reporting.
type batchRow struct {
	line int
	rec  Record
}

// Run streams the file into the sink and returns the report. Fatal
// conditions (unreadable file, validation abort, cancellation) return
// the partial report alongside the error.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() { report.Duration = time.Since(start) }()

	logger := p.opts.logger()

	mapper, err := p.opts.resolveMapper(p.reg)
	if err != nil {
		return report, err
	}
	rules, err := NewRuleSet(p.opts.Rules)
	if err != nil {
		return report, err
	}

	src, err := NewSource(p.opts.Path, p.opts.sourceConfig())
	if err != nil {
		return report, err
	}

	p.setPhase(PhaseOpened)
	if err := src.Open(ctx); err != nil {
		return report, err
	}
	defer src.Close()
	defer p.setPhase(PhaseClosed)

	total := 0
	if p.opts.Progress != nil {
		n, err := src.Count(ctx)
		if err != nil {
			logger.Debug("count pass failed, progress total unknown", "file", p.opts.Path, "error", err)
		} else {
			total = n
		}
	}

	p.opts.Hooks.Fire(HookBeforeImport, HookPayload{File: p.opts.Path})

	var (
		pending   []batchRow
		processed int
		sinceGC   int
		chunkIdx  int
		batchSize = p.opts.batchSize()
	)

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		p.setPhase(PhaseReading)
		rows, readErr := NextBatch(src, p.opts.chunkSize())
		if readErr != nil && readErr != io.EOF {
			return report, readErr
		}

		if len(rows) > 0 {
			chunkIdx++
			p.opts.Hooks.Fire(HookBeforeChunk, HookPayload{File: p.opts.Path, Chunk: chunkIdx, Rows: len(rows)})

			p.setPhase(PhaseMapping)
			mapped := make([]batchRow, 0, len(rows))
			stop := false
			for _, row := range rows {
				report.Total++
				rec, mapErr := applyMapper(mapper, row.Record)
				if mapErr != nil {
					merr := &MapperError{Row: row.Line, Err: mapErr}
					report.Failed++
					report.AddError(RowError{Row: row.Line, Message: merr.Error(), Data: row.Record})
					p.opts.Hooks.Fire(HookOnError, HookPayload{File: p.opts.Path, Err: merr})
					logger.Debug("row mapping failed", "line", row.Line, "error", mapErr)
					if p.stopOnMaxErrors(report) {
						stop = true
						break
					}
					continue
				}
				if rec == nil {
					// Mapper skip: counted in total only
					continue
				}
				mapped = append(mapped, batchRow{line: row.Line, rec: rec})
			}

			if !rules.Empty() && !stop {
				p.setPhase(PhaseValidating)
				kept := make([]batchRow, 0, len(mapped))
				for _, br := range mapped {
					msgs := rules.Validate(br.rec)
					if len(msgs) == 0 {
						kept = append(kept, br)
						continue
					}
					if p.opts.SkipInvalid {
						report.Skipped++
						continue
					}
					verr := &ValidationError{Row: br.line, Messages: msgs}
					p.opts.Hooks.Fire(HookOnError, HookPayload{File: p.opts.Path, Err: verr})
					return report, verr
				}
				mapped = kept
			}

			p.setPhase(PhaseBatching)
			pending = append(pending, mapped...)
			for len(pending) >= batchSize && !stop {
				batch := pending[:batchSize]
				pending = pending[batchSize:]
				p.persistBatch(ctx, batch, report, logger)
				stop = p.stopOnMaxErrors(report)
			}

			processed += len(rows)
			sinceGC += len(rows)
			if p.opts.Progress != nil {
				p.opts.Progress(Progress{Processed: processed, Total: total, Percent: percentOf(processed, total)})
			}
			p.opts.Hooks.Fire(HookAfterChunk, HookPayload{File: p.opts.Path, Chunk: chunkIdx, Rows: len(rows)})

			if sinceGC >= gcRowInterval {
				runtime.GC()
				sinceGC = 0
			}

			if stop {
				break
			}
		}

		if readErr == io.EOF {
			break
		}
	}

	p.setPhase(PhaseFlushing)
	if len(pending) > 0 && !p.reachedMaxErrors(report) {
		p.persistBatch(ctx, pending, report, logger)
	}
	if err := p.sink.Flush(ctx); err != nil {
		report.Warnf("sink flush failed: %v", err)
		logger.Warn("sink flush failed", "error", err)
	}

	if p.opts.Progress != nil && report.Total > 0 {
		p.opts.Progress(Progress{Processed: report.Total, Total: report.Total, Percent: 100})
	}

	p.opts.Hooks.Fire(HookAfterImport, HookPayload{File: p.opts.Path, Report: report})
	return report, nil
}

// persistBatch hands one batch to the sink and settles the counters: the
// sink's accepted count becomes success, the remainder failed. A sink
// error fails the whole batch; it is never retried.
func (p *Pipeline) persistBatch(ctx context.Context, batch []batchRow, report *Report, logger *slog.Logger) {
	records := make([]Record, len(batch))
	for i, br := range batch {
		records[i] = br.rec
	}

	var (
		n   int
		err error
	)
	if len(p.opts.UniqueBy) > 0 {
		n, err = p.sink.Upsert(ctx, records, p.opts.UniqueBy, p.opts.UpdateColumns)
	} else {
		n, err = p.sink.Insert(ctx, records)
	}

	if err != nil {
		perr := &PersistenceError{Rows: len(records), Err: err}
		report.Failed += len(records)
		for _, br := range batch {
			report.AddError(RowError{Row: br.line, Message: fmt.Sprintf("batch rejected: %v", err)})
		}
		p.opts.Hooks.Fire(HookOnError, HookPayload{File: p.opts.Path, Err: perr})
		logger.Warn("batch rejected by sink", "rows", len(records), "error", err)
		return
	}

	report.Success += n
	if n < len(records) {
		report.Failed += len(records) - n
	}
}

// reachedMaxErrors reports whether the failure ceiling is hit.
func (p *Pipeline) reachedMaxErrors(report *Report) bool {
	return p.opts.MaxErrors > 0 && report.Failed >= p.opts.MaxErrors
}

// stopOnMaxErrors appends the early-stop warning the first time the
// ceiling is reached.
func (p *Pipeline) stopOnMaxErrors(report *Report) bool {
	if !p.reachedMaxErrors(report) {
		return false
	}
	for _, w := range report.Warnings {
		if w == p.maxErrorsWarning() {
			return true
		}
	}
	report.Warnf("%s", p.maxErrorsWarning())
	return true
}

func (p *Pipeline) maxErrorsWarning() string {
	return fmt.Sprintf("import stopped early after reaching the maximum of %d errors", p.opts.MaxErrors)
}

// applyMapper runs the mapper over one record, converting panics into
// errors so one bad row cannot take down the run.
func applyMapper(m Mapper, rec Record) (out Record, err error) {
	if m == nil {
		return rec, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("mapper panic: %v", r)
		}
	}()
	return m.Map(rec)
}
