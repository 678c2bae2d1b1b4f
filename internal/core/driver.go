package core

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// Driver names for configuration and reporting.
const (
	DriverProcess    = "process"
	DriverGoroutine  = "goroutine"
	DriverSequential = "sequential"
	DriverAuto       = "auto"
)

// WorkerHandle tracks one launched worker. Done is closed when the
// worker finishes for any reason; Result is valid only after that.
type WorkerHandle interface {
	Done() <-chan struct{}
	// Result returns the worker's counter triple. The error reports a
	// worker that crashed or produced no parseable result.
	Result() (WorkerResult, error)
	// Terminate stops the worker: a graceful signal first, forced after
	// the grace period if it is still running.
	Terminate(grace time.Duration)
}

// Driver launches isolated workers for a parallel import.
type Driver interface {
	Name() string
	Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error)
}

// Capabilities records what a run can support. The coordinator fills it
// once during planning; drivers and selection read the fields instead of
// probing at runtime.
type Capabilities struct {
	// Executable is the path to the worker binary, empty when the
	// running binary cannot be resolved.
	Executable string
	// SinkSpec is set when the sink is reachable from a serialized
	// description, so a fresh process can reconnect on its own.
	SinkSpec bool
	// SinkFactory is set when live per-worker connections are available
	// in this process.
	SinkFactory bool
	// LiveMapper is set when the configured mapper is a Go value that
	// cannot cross a process boundary.
	LiveMapper bool
}

// SupportsProcess reports whether workers can run as separate processes.
func (c Capabilities) SupportsProcess() bool {
	return c.Executable != "" && c.SinkSpec && !c.LiveMapper
}

// SupportsGoroutine reports whether workers can run as in-process
// goroutines with their own connections.
func (c Capabilities) SupportsGoroutine() bool {
	return c.SinkFactory || c.SinkSpec
}

// SelectDriver picks the worker driver by priority: process, then
// goroutine, then nil for the sequential fallback. An explicit
// preference is tried first; when its capabilities are missing the
// selection continues down the list rather than failing, so callers see
// the same result shape regardless of what ran. Preference
// "sequential" short-circuits to the fallback.
func SelectDriver(pref string, caps Capabilities, reg *MapperRegistry, mapper Mapper, sinks SinkFactory, log *slog.Logger) Driver {
	if pref == DriverSequential {
		return nil
	}
	order := []string{DriverProcess, DriverGoroutine}
	if pref != "" && pref != DriverAuto {
		order = append([]string{pref}, order...)
	}
	for _, name := range order {
		switch name {
		case DriverProcess:
			if caps.SupportsProcess() {
				return &ProcessDriver{Executable: caps.Executable, Logger: log}
			}
		case DriverGoroutine:
			if caps.SupportsGoroutine() {
				return &GoroutineDriver{Registry: reg, Mapper: mapper, Sinks: sinks}
			}
		}
	}
	return nil
}

// ProcessDriver runs each worker as a child process: the running binary
// re-invoked with the worker subcommand, the spec on stdin, and the
// result triple marker-delimited on stdout.
type ProcessDriver struct {
	// Executable is the worker binary. Required; the coordinator fills
	// it from the running binary during planning.
	Executable string
	// Args is the argument list for worker mode. Defaults to ["worker"].
	Args   []string
	Logger *slog.Logger
}

func (d *ProcessDriver) Name() string { return DriverProcess }

func (d *ProcessDriver) Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error) {
	args := d.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}

	var in bytes.Buffer
	if err := EncodeWorkerSpec(&in, spec); err != nil {
		return nil, fmt.Errorf("worker %d: %w", spec.Index, err)
	}

	h := &processHandle{
		index:  spec.Index,
		done:   make(chan struct{}),
		logger: d.logger(),
	}
	cmd := exec.Command(d.Executable, args...)
	cmd.Stdin = &in
	cmd.Stdout = &h.stdout
	cmd.Stderr = &h.stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %d: starting %s: %w", spec.Index, d.Executable, err)
	}
	h.cmd = cmd

	go h.wait()
	return h, nil
}

func (d *ProcessDriver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type processHandle struct {
	index  int
	cmd    *exec.Cmd
	done   chan struct{}
	logger *slog.Logger

	stdout bytes.Buffer
	stderr cappedBuffer

	res WorkerResult
	err error
}

func (h *processHandle) wait() {
	defer close(h.done)

	waitErr := h.cmd.Wait()

	// The triple is written last, so a parseable marker means the worker
	// finished its run even if the exit was unclean.
	res, parseErr := ParseResult(h.stdout.Bytes())
	if parseErr == nil {
		h.res = res
		return
	}
	if waitErr != nil {
		h.err = fmt.Errorf("worker %d exited: %v", h.index, waitErr)
	} else {
		h.err = fmt.Errorf("worker %d: %v", h.index, parseErr)
	}
	if s := h.stderr.String(); s != "" {
		h.logger.Debug("worker stderr", "worker", h.index, "output", s)
	}
}

func (h *processHandle) Done() <-chan struct{} { return h.done }

func (h *processHandle) Result() (WorkerResult, error) {
	<-h.done
	return h.res, h.err
}

func (h *processHandle) Terminate(grace time.Duration) {
	select {
	case <-h.done:
		return
	default:
	}
	if h.cmd.Process == nil {
		return
	}
	_ = h.cmd.Process.Signal(os.Interrupt)
	select {
	case <-h.done:
	case <-time.After(grace):
		_ = h.cmd.Process.Kill()
		<-h.done
	}
}

// cappedBuffer keeps the first maxCapturedStderr bytes and drops the
// rest, so a chatty worker cannot balloon coordinator memory.
type cappedBuffer struct {
	buf bytes.Buffer
}

const maxCapturedStderr = 64 << 10

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := maxCapturedStderr - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string { return b.buf.String() }

// GoroutineDriver runs each worker as a goroutine in this process. The
// workers share nothing: each opens its own source and gets its own sink
// connection, either from Sinks or from the spec's sink description.
type GoroutineDriver struct {
	Registry *MapperRegistry
	// Mapper, when set, is used directly by every worker and must be
	// safe for concurrent use. It takes precedence over the spec's
	// serialized mapper.
	Mapper Mapper
	// Sinks supplies one connection per worker. When nil, workers
	// connect from the spec's sink description.
	Sinks SinkFactory
}

func (d *GoroutineDriver) Name() string { return DriverGoroutine }

func (d *GoroutineDriver) Launch(ctx context.Context, spec WorkerSpec) (WorkerHandle, error) {
	runCtx, cancel := context.WithCancel(ctx)

	h := &goroutineHandle{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(h.done)

		sink, err := d.openSink(runCtx, spec)
		if err != nil {
			h.err = fmt.Errorf("worker %d: %w", spec.Index, err)
			return
		}
		defer sink.Close(context.WithoutCancel(runCtx))

		if d.Mapper != nil {
			h.res, h.err = runWorker(runCtx, spec, d.Mapper, sink)
			return
		}
		h.res, h.err = RunWorkerWithSink(runCtx, spec, d.Registry, sink)
	}()
	return h, nil
}

func (d *GoroutineDriver) openSink(ctx context.Context, spec WorkerSpec) (BatchSink, error) {
	if d.Sinks != nil {
		return d.Sinks(ctx)
	}
	return spec.Sink.Open(ctx)
}

type goroutineHandle struct {
	done   chan struct{}
	cancel context.CancelFunc

	res WorkerResult
	err error
}

func (h *goroutineHandle) Done() <-chan struct{} { return h.done }

func (h *goroutineHandle) Result() (WorkerResult, error) {
	<-h.done
	return h.res, h.err
}

// Terminate cancels the worker's context. A goroutine cannot be killed,
// so the forced stage waits out the worker instead.
func (h *goroutineHandle) Terminate(grace time.Duration) {
	h.cancel()
	select {
	case <-h.done:
	case <-time.After(grace):
	}
}

// ResolveExecutable returns the path of the running binary for process
// workers, or "" when it cannot be determined.
func ResolveExecutable() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return exe
}
