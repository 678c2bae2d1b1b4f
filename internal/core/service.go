package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRunTimeout is the maximum duration for a single run.
const DefaultRunTimeout = 10 * time.Minute

// DefaultRetainFor is how long a finished run stays queryable before it
// is evicted from the in-memory table.
const DefaultRetainFor = 5 * time.Minute

// RunState is the service-level lifecycle of a run, as seen by API
// clients. It is coarser than the pipeline's internal phases.
type RunState string

const (
	StateStarting RunState = "starting"
	StateRunning  RunState = "running"
	StateDone     RunState = "done"
	StateFailed   RunState = "failed"
	StateCanceled RunState = "canceled"
)

// RunProgress is the progress snapshot streamed to subscribers.
type RunProgress struct {
	RunID     string   `json:"run_id"`
	Kind      string   `json:"kind"`
	File      string   `json:"file"`
	Table     string   `json:"table,omitempty"`
	State     RunState `json:"state"`
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Percent   float64  `json:"percent"`
	Error     string   `json:"error,omitempty"`
	// Seq increments on every update and doubles as the SSE event ID,
	// so reconnecting clients can tell a stale snapshot from a new one.
	Seq int `json:"seq"`
}

// ImportRequest describes one import run. Dialect runes arrive as
// single-character strings so the request stays JSON-friendly.
type ImportRequest struct {
	Path      string `json:"path"`
	HeaderRow int    `json:"header_row"`
	Delimiter string `json:"delimiter,omitempty"`
	Enclosure string `json:"enclosure,omitempty"`
	Escape    string `json:"escape,omitempty"`
	Sheet     string `json:"sheet,omitempty"`

	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`

	Workers   int    `json:"workers,omitempty"`
	Driver    string `json:"driver,omitempty"`
	ChunkSize int    `json:"chunk_size,omitempty"`
	BatchSize int    `json:"batch_size,omitempty"`

	Mapper      MapperSpec `json:"mapper,omitempty"`
	Rules       []Rule     `json:"rules,omitempty"`
	SkipInvalid bool       `json:"skip_invalid,omitempty"`

	UniqueBy         []string `json:"unique_by,omitempty"`
	UpdateColumns    []string `json:"update_columns"`
	MaxErrors        int      `json:"max_errors,omitempty"`
	RelaxConstraints bool     `json:"relax_constraints,omitempty"`
}

func (r *ImportRequest) dialect() Dialect {
	return DialectFrom(r.Delimiter, r.Enclosure, r.Escape)
}

// ExportRequest describes one export run.
type ExportRequest struct {
	Output    string `json:"output"`
	Format    string `json:"format,omitempty"`
	Delimiter string `json:"delimiter,omitempty"`
	Enclosure string `json:"enclosure,omitempty"`
	Escape    string `json:"escape,omitempty"`
	Sheet     string `json:"sheet,omitempty"`

	Table   string   `json:"table"`
	Query   string   `json:"query,omitempty"`
	Columns []string `json:"columns,omitempty"`

	ChunkSize int `json:"chunk_size,omitempty"`
}

func (r *ExportRequest) dialect() Dialect {
	return DialectFrom(r.Delimiter, r.Enclosure, r.Escape)
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Registry *MapperRegistry
	History  *HistoryStore
	Hooks    *Hooks
	Logger   *slog.Logger

	// Sink is the default destination. Requests supply the table; the
	// driver and DSN come from here.
	Sink SinkSpec

	// UploadsDir is where SaveUpload stores submitted files.
	UploadsDir string

	MaxConcurrent int
	MaxWait       time.Duration
	RunTimeout    time.Duration
	RetainFor     time.Duration

	// Defaults applied when a request leaves them zero.
	Workers   int
	Driver    string
	ChunkSize int
	BatchSize int
}

// Service orchestrates runs for the HTTP API and CLI: it starts them
// asynchronously, fans progress out to subscribers, supports
// cancellation, and records finished runs in history.
type Service struct {
	reg     *MapperRegistry
	history *HistoryStore
	hooks   *Hooks
	logger  *slog.Logger
	limiter *RunLimiter

	sink       SinkSpec
	uploadsDir string

	runTimeout time.Duration
	retainFor  time.Duration
	workers    int
	driver     string
	chunkSize  int
	batchSize  int

	mu   sync.RWMutex
	runs map[string]*activeRun
}

// NewService creates a Service.
func NewService(opts ServiceOptions) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runTimeout := opts.RunTimeout
	if runTimeout <= 0 {
		runTimeout = DefaultRunTimeout
	}
	retainFor := opts.RetainFor
	if retainFor <= 0 {
		retainFor = DefaultRetainFor
	}
	return &Service{
		reg:        opts.Registry,
		history:    opts.History,
		hooks:      opts.Hooks,
		logger:     logger,
		limiter:    NewRunLimiter(opts.MaxConcurrent, opts.MaxWait),
		sink:       opts.Sink,
		uploadsDir: opts.UploadsDir,
		runTimeout: runTimeout,
		retainFor:  retainFor,
		workers:    opts.Workers,
		driver:     opts.Driver,
		chunkSize:  opts.ChunkSize,
		batchSize:  opts.BatchSize,
		runs:       make(map[string]*activeRun),
	}
}

type activeRun struct {
	ID     string
	Kind   string
	File   string
	Table  string
	Cancel context.CancelFunc
	Done   chan struct{}

	mu        sync.Mutex
	progress  RunProgress
	listeners []chan RunProgress
	completed bool
	result    *Report
	err       error
}

// StartImport begins an asynchronous import and returns its run ID
// immediately. Use SubscribeProgress for updates and Result for the
// final report.
//
// Returns ErrTooManyImports when the concurrency limit is reached and no
// slot frees up within the configured wait.
func (s *Service) StartImport(ctx context.Context, req ImportRequest) (string, error) {
	if req.Path == "" {
		return "", fmt.Errorf("import needs a file path")
	}
	sink := s.sink
	if req.Table != "" {
		sink.Table = req.Table
	}
	if len(req.Columns) > 0 {
		sink.Columns = req.Columns
	}
	sink.RelaxConstraints = req.RelaxConstraints
	if !sink.Valid() {
		return "", fmt.Errorf("import needs a destination table")
	}

	// Blocks until a slot frees up or the wait times out.
	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	run := s.track("import", req.Path, sink.Table)
	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	run.Cancel = cancel

	s.logger.Info("run started",
		"run_id", run.ID,
		"kind", run.Kind,
		"file", run.File,
		"table", sink.Table,
		"client_ip", ClientIPFromContext(ctx),
		"user_agent", UserAgentFromContext(ctx),
	)

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer s.recoverRun(run)

		startedAt := time.Now()
		opts := ParallelOptions{
			ImportOptions: ImportOptions{
				Path:          req.Path,
				HeaderRow:     req.HeaderRow,
				Dialect:       req.dialect(),
				Sheet:         req.Sheet,
				ChunkSize:     s.pick(req.ChunkSize, s.chunkSize),
				BatchSize:     s.pick(req.BatchSize, s.batchSize),
				MapperSpec:    req.Mapper,
				Rules:         req.Rules,
				SkipInvalid:   req.SkipInvalid,
				UniqueBy:      req.UniqueBy,
				UpdateColumns: req.UpdateColumns,
				MaxErrors:     req.MaxErrors,
				Progress:      run.observe,
				Hooks:         s.hooks,
				Logger:        s.logger,
			},
			Workers: s.pick(req.Workers, s.workers),
			Driver:  s.pickDriver(req.Driver),
			Sink:    sink,
		}

		report, err := NewCoordinator(s.reg, opts).Run(runCtx)
		s.finish(run, report, err, startedAt, opts.Driver, opts.Workers)
	}()

	return run.ID, nil
}

// StartExport begins an asynchronous export and returns its run ID.
func (s *Service) StartExport(ctx context.Context, req ExportRequest) (string, error) {
	if req.Output == "" {
		return "", fmt.Errorf("export needs an output path")
	}
	if req.Table == "" && req.Query == "" {
		return "", fmt.Errorf("export needs a table or a query")
	}
	if s.sink.DSN == "" {
		return "", fmt.Errorf("no database configured")
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	run := s.track("export", req.Output, req.Table)
	runCtx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	run.Cancel = cancel

	s.logger.Info("run started",
		"run_id", run.ID,
		"kind", run.Kind,
		"file", run.File,
		"table", req.Table,
		"client_ip", ClientIPFromContext(ctx),
		"user_agent", UserAgentFromContext(ctx),
	)

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer s.recoverRun(run)

		startedAt := time.Now()
		report, err := s.runExport(runCtx, run, req)
		s.finish(run, report, err, startedAt, "", 0)
	}()

	return run.ID, nil
}

func (s *Service) runExport(ctx context.Context, run *activeRun, req ExportRequest) (*Report, error) {
	cur, closeConn, err := s.openCursor(ctx, req)
	if err != nil {
		return &Report{}, err
	}
	defer closeConn()
	defer cur.Close()

	return Export(ctx, cur, ExportOptions{
		Path:      req.Output,
		Format:    req.Format,
		Dialect:   req.dialect(),
		Sheet:     req.Sheet,
		ChunkSize: req.ChunkSize,
		Columns:   req.Columns,
		Progress:  run.observe,
		Hooks:     s.hooks,
	})
}

// openCursor connects to the configured database and opens a cursor for
// the request's table or query.
func (s *Service) openCursor(ctx context.Context, req ExportRequest) (RecordCursor, func(), error) {
	return OpenExportCursor(ctx, s.sink, req.Table, req.Query)
}

// track registers a new run and returns it.
func (s *Service) track(kind, file, table string) *activeRun {
	run := &activeRun{
		ID:    uuid.New().String(),
		Kind:  kind,
		File:  file,
		Table: table,
		Done:  make(chan struct{}),
	}
	run.progress = RunProgress{
		RunID: run.ID,
		Kind:  kind,
		File:  filepath.Base(file),
		Table: table,
		State: StateStarting,
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	return run
}

// recoverRun turns a panicking run goroutine into a failed run so the
// limiter slot is released and subscribers are not left hanging.
func (s *Service) recoverRun(run *activeRun) {
	if r := recover(); r != nil {
		s.logger.Error("panic in run",
			"run_id", run.ID,
			"kind", run.Kind,
			"panic", r,
		)
		run.complete(StateFailed, nil, fmt.Errorf("internal error: %v", r))
		s.cleanup(run.ID, s.retainFor)
	}
}

func (s *Service) finish(run *activeRun, report *Report, err error, startedAt time.Time, driver string, workers int) {
	state := StateDone
	switch {
	case errors.Is(err, context.Canceled):
		state = StateCanceled
	case err != nil:
		state = StateFailed
	}
	run.complete(state, report, err)

	if s.history != nil && report != nil {
		rec := HistoryRecordFromReport(run.ID, run.Kind, run.File, run.Table, startedAt, report)
		rec.Driver = driver
		rec.Workers = workers
		if herr := s.history.Record(context.Background(), rec); herr != nil {
			s.logger.Warn("recording run history failed", "run_id", run.ID, "error", herr)
		}
	}
	s.cleanup(run.ID, s.retainFor)

	level := slog.LevelInfo
	if state != StateDone {
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, "run finished",
		"run_id", run.ID,
		"kind", run.Kind,
		"state", string(state),
		"error", errString(err),
	)
}

// SubscribeProgress returns a channel of progress updates. The current
// snapshot is delivered first, and the channel closes when the run
// completes. Slow subscribers lose intermediate updates, never the
// terminal one.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan RunProgress, 10)

	run.mu.Lock()
	snap := run.progress
	if run.completed {
		run.mu.Unlock()
		ch <- snap
		close(ch)
		return ch, nil
	}
	run.listeners = append(run.listeners, ch)
	run.mu.Unlock()

	ch <- snap
	return ch, nil
}

// Progress returns the current snapshot without blocking.
func (s *Service) Progress(runID string) (RunProgress, error) {
	run, err := s.get(runID)
	if err != nil {
		return RunProgress{}, err
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.progress, nil
}

// Cancel stops an in-progress run. The run winds down in the background;
// its final state arrives through the usual progress channels.
func (s *Service) Cancel(runID string) error {
	run, err := s.get(runID)
	if err != nil {
		return err
	}
	if run.Cancel != nil {
		run.Cancel()
	}
	return nil
}

// Result blocks until the run completes and returns its report. The
// error is the run's own failure, if any.
func (s *Service) Result(ctx context.Context, runID string) (*Report, error) {
	run, err := s.get(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, run.err
}

// Active returns a snapshot of every tracked run, newest state included.
func (s *Service) Active() []RunProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RunProgress, 0, len(s.runs))
	for _, run := range s.runs {
		run.mu.Lock()
		out = append(out, run.progress)
		run.mu.Unlock()
	}
	return out
}

// Registry exposes the mapper registry shared by runs and previews.
func (s *Service) Registry() *MapperRegistry { return s.reg }

// History exposes the run-history store, nil when history is disabled.
func (s *Service) History() *HistoryStore { return s.history }

// Limiter exposes the concurrency limiter for status reporting.
func (s *Service) Limiter() *RunLimiter { return s.limiter }

// SaveUpload stores a submitted file under the uploads directory using a
// collision-free name and returns its path.
func (s *Service) SaveUpload(fileName string, r io.Reader) (string, error) {
	if s.uploadsDir == "" {
		return "", fmt.Errorf("uploads are not enabled")
	}
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating uploads dir: %w", err)
	}

	// Keep the extension so format detection still works.
	base := filepath.Base(fileName)
	if base == "." || base == string(filepath.Separator) || base == "" {
		base = "upload"
	}
	path := filepath.Join(s.uploadsDir, uuid.New().String()+"_"+base)

	f, err := os.Create(path)
	if err != nil {
		return "", &FileError{Path: path, Err: err}
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return "", &FileError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", &FileError{Path: path, Err: err}
	}
	return path, nil
}

// Shutdown waits for active runs to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) get(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// cleanup evicts the run from tracking after a delay, leaving a window
// for clients to fetch the final result.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}

func (s *Service) pick(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func (s *Service) pickDriver(v string) string {
	if v != "" {
		return v
	}
	return s.driver
}

// observe is the run's ProgressFunc: it folds pipeline progress into the
// snapshot and fans it out.
func (r *activeRun) observe(p Progress) {
	r.mu.Lock()
	r.progress.State = StateRunning
	r.progress.Processed = p.Processed
	r.progress.Total = p.Total
	r.progress.Percent = p.Percent
	r.progress.Seq++
	snap := r.progress
	listeners := r.listeners
	r.mu.Unlock()

	notify(listeners, snap)
}

// complete records the terminal state, notifies subscribers, and closes
// their channels. Safe to call once.
func (r *activeRun) complete(state RunState, report *Report, err error) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.result = report
	r.err = err
	r.progress.State = state
	if err != nil {
		r.progress.Error = err.Error()
	}
	if report != nil {
		r.progress.Processed = report.Total
		if r.progress.Total < report.Total {
			r.progress.Total = report.Total
		}
		if state == StateDone && report.Total > 0 {
			r.progress.Percent = 100
		}
	}
	r.progress.Seq++
	snap := r.progress
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	// Buffered channels make losing the terminal snapshot unlikely; a
	// subscriber that still misses it sees the close and fetches the
	// final state directly.
	notify(listeners, snap)
	for _, ch := range listeners {
		close(ch)
	}
	close(r.Done)
}

// notify delivers a snapshot without blocking. A full listener buffer
// means the subscriber is behind; it catches up on the next update.
func notify(listeners []chan RunProgress, snap RunProgress) {
	for _, ch := range listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
