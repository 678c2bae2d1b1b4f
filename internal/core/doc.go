// Package core implements the bulk import/export engine.
//
// This package contains all domain logic independent of any UI or transport
// layer. It can be used by web handlers, CLI tools, or tests without
// modification.
//
// # Architecture
//
// The package is organized around a small set of contracts:
//
//   - Sources: [RowSource] streams data rows out of CSV, TSV, or spreadsheet
//     files without ever materializing the whole file.
//   - Sinks: [BatchSink] persists batches of records (Postgres, SQLite, or
//     an in-memory sink for tests and previews).
//   - Mappers: per-row transforms, either registered Go functions or
//     declarative [Transform] specs that survive serialization.
//   - Pipelines: [Pipeline] runs a sequential import; [Coordinator] fans the
//     same work out across isolated workers.
//
// # Sequential Import
//
// A sequential run streams rows in chunks with O(batch_size) memory usage,
// regardless of file size. The flow is:
//
//  1. Open the [RowSource] and resolve the header
//  2. Read a chunk of rows, apply the mapper, apply validation rules
//  3. Buffer mapped records and insert/upsert when the batch fills
//  4. Flush the remainder, close everything, return a [Report]
//
// Progress callbacks fire per chunk; [Throttle] limits how often they reach
// slow consumers such as SSE streams.
//
// # Parallel Import
//
// [Coordinator.Run] partitions rows across W workers by ordinal modulo W.
// Each worker opens its own source and its own sink connection, so workers
// share nothing. Worker isolation is provided by a [Driver]: separate
// processes when the sink and mapper can be described in a [WorkerSpec],
// goroutines when a live sink factory is available, and a sequential
// fallback otherwise. Selection is automatic and invisible to callers
// beyond the run report.
//
// # Error Handling
//
// Technical errors are mapped to user-facing messages using [MapError].
// Each error category has a unique code for support reference:
//
//   - DB001-DB099: Database errors (duplicates, constraints, connections)
//   - VAL001-VAL099: Validation errors (rule failures, bad values)
//   - FILE001-FILE099: File errors (size, encoding, format)
//   - RUN001-RUN099: Run errors (canceled, timeout, not found)
//
// Fatal errors (unreadable file, unsupported format) abort a run. Row-level
// errors (mapper failures, rejected batches) are recorded in the report and
// the run continues.
package core
