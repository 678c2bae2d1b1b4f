package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
)

// RunWorker executes one worker's share of a parallel import. The worker
// opens its own source and sink from the spec, takes every row whose
// ordinal falls in its partition, maps and batches them, flushes the
// remainder, and returns a single counter triple.
//
// Row-level trouble (mapper errors, rejected batches) is absorbed into
// the counters. Only failures that prevent the worker from running at
// all, such as an unopenable file or sink, surface as an error.
func RunWorker(ctx context.Context, spec WorkerSpec, reg *MapperRegistry) (WorkerResult, error) {
	sink, err := spec.Sink.Open(ctx)
	if err != nil {
		return WorkerResult{}, fmt.Errorf("worker %d: %w", spec.Index, err)
	}
	defer sink.Close(context.WithoutCancel(ctx))

	return RunWorkerWithSink(ctx, spec, reg, sink)
}

// RunWorkerWithSink runs a worker against an already-open sink. In-process
// drivers use this to hand each worker its own connection without a
// serializable sink description. The caller keeps ownership of the sink.
func RunWorkerWithSink(ctx context.Context, spec WorkerSpec, reg *MapperRegistry, sink BatchSink) (WorkerResult, error) {
	mapper, err := spec.Mapper.Resolve(reg)
	if err != nil {
		return WorkerResult{}, fmt.Errorf("worker %d: %w", spec.Index, err)
	}
	return runWorker(ctx, spec, mapper, sink)
}

func runWorker(ctx context.Context, spec WorkerSpec, mapper Mapper, sink BatchSink) (WorkerResult, error) {
	if spec.Workers < 1 {
		spec.Workers = 1
	}
	if spec.Index < 0 || spec.Index >= spec.Workers {
		return WorkerResult{}, fmt.Errorf("worker index %d out of range for %d workers", spec.Index, spec.Workers)
	}
	size := spec.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	src, err := NewSource(spec.Path, SourceConfig{HeaderRow: spec.HeaderRow, Dialect: spec.Dialect, Sheet: spec.Sheet})
	if err != nil {
		return WorkerResult{}, fmt.Errorf("worker %d: %w", spec.Index, err)
	}
	if err := src.Open(ctx); err != nil {
		return WorkerResult{}, fmt.Errorf("worker %d: %w", spec.Index, err)
	}
	defer src.Close()

	log := slog.Default().With("worker", spec.Index)

	var res WorkerResult
	batch := make([]Record, 0, size)
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		row, err := src.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, fmt.Errorf("worker %d: %w", spec.Index, err)
		}
		if row.Ordinal%spec.Workers != spec.Index {
			continue
		}

		res.Total++
		rec, err := applyMapper(mapper, row.Record)
		if err != nil {
			res.Failed++
			log.Debug("row mapping failed", "line", row.Line, "error", err)
			continue
		}
		if rec == nil {
			continue
		}

		batch = append(batch, rec)
		if len(batch) >= size {
			persistWorkerBatch(ctx, sink, spec, batch, &res, log)
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		persistWorkerBatch(ctx, sink, spec, batch, &res, log)
	}
	if err := sink.Flush(ctx); err != nil {
		log.Warn("sink flush failed", "error", err)
	}
	return res, nil
}

// persistWorkerBatch writes one batch and folds the outcome into the
// counters. A sink error fails the whole batch; it is not retried.
func persistWorkerBatch(ctx context.Context, sink BatchSink, spec WorkerSpec, batch []Record, res *WorkerResult, log *slog.Logger) {
	var (
		n   int
		err error
	)
	if len(spec.UniqueBy) > 0 {
		n, err = sink.Upsert(ctx, batch, spec.UniqueBy, spec.UpdateColumns)
	} else {
		n, err = sink.Insert(ctx, batch)
	}
	if err != nil {
		res.Failed += len(batch)
		log.Warn("batch rejected", "rows", len(batch), "error", err)
		return
	}
	res.Success += n
	res.Failed += len(batch) - n
}
