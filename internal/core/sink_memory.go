package core

import (
	"context"
	"strings"
	"sync"
)

// MemorySink keeps records in memory. It backs previews, dry runs, and
// tests. Safe for concurrent use.
type MemorySink struct {
	mu      sync.Mutex
	rows    []Record
	byKey   map[string]int
	batches []int

	// FailBatches holds 1-indexed batch numbers whose calls fail, for
	// exercising persistence error paths.
	FailBatches map[int]error

	calls  int
	closed bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byKey: make(map[string]int)}
}

// Insert appends the batch.
func (m *MemorySink) Insert(ctx context.Context, records []Record) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCall(ctx, len(records)); err != nil {
		return 0, err
	}
	for _, rec := range records {
		m.rows = append(m.rows, rec.Clone())
	}
	return len(records), nil
}

// Upsert merges the batch, replacing rows whose uniqueBy values were seen
// before. A nil updateColumns overwrites every non-unique column.
func (m *MemorySink) Upsert(ctx context.Context, records []Record, uniqueBy, updateColumns []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkCall(ctx, len(records)); err != nil {
		return 0, err
	}

	for _, rec := range records {
		key := upsertKey(rec, uniqueBy)
		idx, exists := m.byKey[key]
		if !exists || len(uniqueBy) == 0 {
			m.rows = append(m.rows, rec.Clone())
			if len(uniqueBy) > 0 {
				m.byKey[key] = len(m.rows) - 1
			}
			continue
		}

		existing := m.rows[idx]
		for _, col := range updateSet(rec.Columns(), uniqueBy, updateColumns) {
			if v, ok := rec[col]; ok {
				existing[col] = v
			}
		}
	}
	return len(records), nil
}

// checkCall records the batch call and applies injected failures.
// Callers hold the lock.
func (m *MemorySink) checkCall(ctx context.Context, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.calls++
	m.batches = append(m.batches, size)
	if err, ok := m.FailBatches[m.calls]; ok {
		return err
	}
	return nil
}

// Flush is a no-op; the sink writes eagerly.
func (m *MemorySink) Flush(ctx context.Context) error { return nil }

// Close marks the sink closed. Rows remain readable for assertions.
func (m *MemorySink) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// CountRows returns how many rows the sink holds.
func (m *MemorySink) CountRows(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.rows)), nil
}

// Rows returns a copy of everything persisted so far.
func (m *MemorySink) Rows() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Clone()
	}
	return out
}

// BatchSizes returns the size of every batch call in order.
func (m *MemorySink) BatchSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.batches...)
}

// Closed reports whether Close was called.
func (m *MemorySink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// upsertKey joins the unique column values into a map key.
func upsertKey(rec Record, uniqueBy []string) string {
	parts := make([]string, len(uniqueBy))
	for i, col := range uniqueBy {
		parts[i] = FormatValue(rec[col])
	}
	return strings.Join(parts, "\x1f")
}
