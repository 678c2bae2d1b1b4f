package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// maxWorkers caps the worker count. Past this, per-worker connection
	// and file-handle overhead outweighs the parallelism.
	maxWorkers = 16

	defaultPollInterval   = 5 * time.Millisecond
	defaultTerminateGrace = 2 * time.Second
)

// ClampWorkers bounds a requested worker count to the supported range.
func ClampWorkers(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxWorkers {
		return maxWorkers
	}
	return n
}

// ParallelOptions configures a multi-worker import. The embedded
// ImportOptions describe the file, mapper, and persistence shape exactly
// as for a sequential run; the additions control how work is split and
// supervised.
type ParallelOptions struct {
	ImportOptions

	// Workers is the requested worker count, clamped to [1, 16].
	Workers int

	// Driver picks the isolation driver: process, goroutine, sequential,
	// or auto. When the preferred driver's capabilities are missing the
	// next one down the priority list runs instead; callers see the same
	// report shape either way.
	Driver string

	// Sink describes the destination in a form workers can reconnect
	// from. Required for process workers.
	Sink SinkSpec
	// SinkFactory supplies live per-worker connections for in-process
	// workers. Takes precedence over Sink when both are set.
	SinkFactory SinkFactory
	// Monitor, when set, supplies destination row counts for progress
	// polling. When nil and Sink is usable, the coordinator opens its
	// own monitor connection.
	Monitor RowCounter

	// Throttle paces progress emissions. Nil gets the 500ms default.
	Throttle *Throttle

	// Executable overrides the worker binary for process workers.
	// Defaults to the running binary.
	Executable string

	// PollInterval is the supervise loop's sleep between polls of the
	// worker completion channels. Defaults to 5ms.
	PollInterval time.Duration

	// TerminateGrace is how long a canceled worker gets to stop on its
	// own before it is killed. Defaults to 2s.
	TerminateGrace time.Duration
}

func (o *ParallelOptions) throttle() *Throttle {
	if o.Throttle != nil {
		return o.Throttle
	}
	return NewThrottle(0)
}

func (o *ParallelOptions) pollInterval() time.Duration {
	if o.PollInterval > 0 {
		return o.PollInterval
	}
	return defaultPollInterval
}

func (o *ParallelOptions) terminateGrace() time.Duration {
	if o.TerminateGrace > 0 {
		return o.TerminateGrace
	}
	return defaultTerminateGrace
}

// Coordinator fans an import out over shared-nothing workers and merges
// their results into one report. Each worker re-opens the source file,
// takes every Nth row, and writes through its own connection; the
// coordinator only launches, watches, and aggregates.
type Coordinator struct {
	reg  *MapperRegistry
	opts ParallelOptions
}

// NewCoordinator creates a coordinator. The registry resolves mapper
// names inside goroutine workers and may be nil when no named mapper is
// used.
func NewCoordinator(reg *MapperRegistry, opts ParallelOptions) *Coordinator {
	return &Coordinator{reg: reg, opts: opts}
}

// workerSlot pairs a launched worker with its collection state.
type workerSlot struct {
	index     int
	handle    WorkerHandle
	collected bool
}

// Run executes the import and blocks until every worker is collected,
// the context is canceled, or setup fails. The returned report is never
// nil; on cancellation it aggregates the workers that completed.
func (c *Coordinator) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{}
	defer func() {
		if report.Duration == 0 {
			report.Duration = time.Since(start)
		}
	}()
	log := c.opts.logger()

	// Mapper configuration errors surface here, before anything runs.
	if _, err := c.opts.resolveMapper(c.reg); err != nil {
		return report, err
	}

	// Capabilities are computed once; driver selection and the workers
	// themselves never probe again.
	caps := Capabilities{
		Executable:  c.opts.Executable,
		SinkSpec:    c.opts.Sink.Valid(),
		SinkFactory: c.opts.SinkFactory != nil,
		LiveMapper:  c.opts.Mapper != nil,
	}
	if caps.Executable == "" {
		caps.Executable = ResolveExecutable()
	}

	driver := SelectDriver(c.opts.Driver, caps, c.reg, c.opts.Mapper, c.opts.SinkFactory, log)
	if driver == nil {
		return c.runSequential(ctx)
	}
	log.Debug("parallel import starting",
		"file", c.opts.Path,
		"driver", driver.Name(),
		"workers", ClampWorkers(c.opts.Workers))

	if len(c.opts.Rules) > 0 {
		report.Warnf("validation rules are not applied by parallel workers; run sequentially to enforce them")
	}

	// Plan: open the source once to fail fast on a bad file and, when
	// progress is wanted, pay the full count pass up front. Workers
	// re-open the file themselves.
	total, err := c.plan(ctx)
	if err != nil {
		return report, err
	}

	throttle := c.opts.throttle()
	monitor, baseline, closeMonitor := c.setupMonitor(ctx, log)
	defer closeMonitor()

	c.opts.Hooks.Fire(HookBeforeImport, HookPayload{File: c.opts.Path})

	workers := ClampWorkers(c.opts.Workers)
	base := WorkerSpec{
		Path:          c.opts.Path,
		HeaderRow:     c.opts.HeaderRow,
		Dialect:       c.opts.Dialect,
		Sheet:         c.opts.Sheet,
		Workers:       workers,
		BatchSize:     c.opts.batchSize(),
		Sink:          c.opts.Sink,
		UniqueBy:      c.opts.UniqueBy,
		UpdateColumns: c.opts.UpdateColumns,
		Mapper:        c.opts.MapperSpec,
	}

	launchAt := time.Now()
	slots := make([]*workerSlot, 0, workers)
	for i := 0; i < workers; i++ {
		spec := base
		spec.Index = i
		h, err := driver.Launch(ctx, spec)
		if err != nil {
			c.noteWorkerLoss(report, i, err)
			continue
		}
		slots = append(slots, &workerSlot{index: i, handle: h})
	}

	// Supervise: poll completion channels without blocking so a stuck
	// worker never wedges the loop, and pace sink polling through the
	// throttle's interval gate.
	pending := len(slots)
	for pending > 0 {
		collectedAny := false
		for _, slot := range slots {
			if slot.collected {
				continue
			}
			select {
			case <-slot.handle.Done():
				slot.collected = true
				pending--
				collectedAny = true
				c.collect(report, slot)
			default:
			}
		}
		if pending == 0 {
			break
		}

		if ctx.Err() != nil {
			c.shutdown(report, slots)
			report.Duration = time.Since(launchAt)
			c.opts.Hooks.Fire(HookAfterImport, HookPayload{File: c.opts.Path, Report: report})
			return report, ctx.Err()
		}

		if c.opts.Progress != nil && monitor != nil && throttle.Due() {
			c.pollProgress(ctx, monitor, baseline, total, throttle)
		}
		if !collectedAny {
			time.Sleep(c.opts.pollInterval())
		}
	}
	report.Duration = time.Since(launchAt)

	if c.opts.Progress != nil && report.Total > 0 {
		throttle.Final(100)
		c.opts.Progress(Progress{Processed: report.Total, Total: report.Total, Percent: 100})
	}
	c.opts.Hooks.Fire(HookAfterImport, HookPayload{File: c.opts.Path, Report: report})

	log.Info("parallel import finished",
		"file", c.opts.Path,
		"total", report.Total,
		"success", report.Success,
		"failed", report.Failed,
		"duration", report.Duration)
	return report, nil
}

// plan validates the source and returns the row total for progress, or 0
// when no progress sink is configured or the total cannot be known.
func (c *Coordinator) plan(ctx context.Context) (int, error) {
	src, err := NewSource(c.opts.Path, c.opts.sourceConfig())
	if err != nil {
		return 0, err
	}
	if err := src.Open(ctx); err != nil {
		return 0, err
	}
	defer src.Close()

	if c.opts.Progress == nil {
		return 0, nil
	}
	total, err := src.Count(ctx)
	if err != nil {
		c.opts.logger().Debug("row count unavailable", "file", c.opts.Path, "error", err)
		return 0, nil
	}
	return total, nil
}

// setupMonitor resolves the progress row counter and snapshots the
// destination's current row count, so progress reflects only this run's
// rows. The returned closer releases a coordinator-opened connection and
// is a no-op otherwise.
func (c *Coordinator) setupMonitor(ctx context.Context, log *slog.Logger) (RowCounter, int64, func()) {
	if c.opts.Progress == nil {
		return nil, 0, func() {}
	}

	monitor := c.opts.Monitor
	closeMonitor := func() {}
	if monitor == nil {
		var sink BatchSink
		var err error
		switch {
		case c.opts.Sink.Valid():
			sink, err = c.opts.Sink.Open(ctx)
		case c.opts.SinkFactory != nil:
			sink, err = c.opts.SinkFactory(ctx)
		default:
			return nil, 0, closeMonitor
		}
		if err != nil {
			log.Debug("progress monitor unavailable", "error", err)
			return nil, 0, closeMonitor
		}
		counter, ok := sink.(RowCounter)
		if !ok {
			_ = sink.Close(context.WithoutCancel(ctx))
			return nil, 0, closeMonitor
		}
		monitor = counter
		closeMonitor = func() { _ = sink.Close(context.WithoutCancel(ctx)) }
	}
	if monitor == nil {
		return nil, 0, closeMonitor
	}

	baseline, err := monitor.CountRows(ctx)
	if err != nil {
		log.Debug("baseline row count unavailable", "error", err)
		baseline = 0
	}
	return monitor, baseline, closeMonitor
}

// pollProgress reads the destination row count and emits a
// baseline-relative update if the throttle lets it through.
func (c *Coordinator) pollProgress(ctx context.Context, monitor RowCounter, baseline int64, total int, throttle *Throttle) {
	n, err := monitor.CountRows(ctx)
	if err != nil {
		return
	}
	cur := int(n - baseline)
	if cur < 0 {
		cur = 0
	}
	if total > 0 && cur > total {
		cur = total
	}
	pct := percentOf(cur, total)
	if throttle.Allow(pct) {
		c.opts.Progress(Progress{Processed: cur, Total: total, Percent: pct})
	}
}

// collect folds one finished worker into the report. A worker that
// produced nothing contributes zeroes and a warning; a worker cut short
// contributes what it managed plus a warning.
func (c *Coordinator) collect(report *Report, slot *workerSlot) {
	res, err := slot.handle.Result()
	if err != nil {
		if res == (WorkerResult{}) {
			c.noteWorkerLoss(report, slot.index, err)
			return
		}
		report.Warnf("worker %d stopped before finishing: %v", slot.index, err)
		c.opts.Hooks.Fire(HookOnError, HookPayload{File: c.opts.Path, Err: &WorkerError{Index: slot.index, Err: err}})
	}
	report.Total += res.Total
	report.Success += res.Success
	report.Failed += res.Failed
}

func (c *Coordinator) noteWorkerLoss(report *Report, index int, err error) {
	report.Warnf("worker %d produced no result; its share of rows was not imported: %v", index, err)
	werr := &WorkerError{Index: index, Err: err}
	c.opts.Hooks.Fire(HookOnError, HookPayload{File: c.opts.Path, Err: werr})
	c.opts.logger().Warn("worker lost", "worker", index, "error", err)
}

// shutdown terminates every uncollected worker, graceful then forced,
// and folds whatever they salvaged into the report.
func (c *Coordinator) shutdown(report *Report, slots []*workerSlot) {
	grace := c.opts.terminateGrace()
	for _, slot := range slots {
		if slot.collected {
			continue
		}
		slot.handle.Terminate(grace)
	}
	for _, slot := range slots {
		if slot.collected {
			continue
		}
		slot.collected = true
		c.collect(report, slot)
	}
}

// runSequential is the driverless fallback: the whole file through the
// sequential pipeline on one connection, with progress paced by the same
// throttle so callers cannot tell which path ran.
func (c *Coordinator) runSequential(ctx context.Context) (*Report, error) {
	var sink BatchSink
	var err error
	switch {
	case c.opts.SinkFactory != nil:
		sink, err = c.opts.SinkFactory(ctx)
	case c.opts.Sink.Valid():
		sink, err = c.opts.Sink.Open(ctx)
	default:
		return &Report{}, fmt.Errorf("no sink configured")
	}
	if err != nil {
		return &Report{}, err
	}
	defer sink.Close(context.WithoutCancel(ctx))

	opts := c.opts.ImportOptions
	if opts.Progress != nil {
		throttle := c.opts.throttle()
		emit := opts.Progress
		opts.Progress = func(p Progress) {
			if p.Total > 0 && p.Processed >= p.Total {
				throttle.Final(p.Percent)
				emit(p)
				return
			}
			if throttle.Allow(p.Percent) {
				emit(p)
			}
		}
	}

	return NewPipeline(sink, c.reg, opts).Run(ctx)
}
