package core

// history.go persists finished run reports in a local SQLite database.
//
// Every import and export, whether started from the CLI or the HTTP API,
// leaves one row here. The store is append-mostly: runs are recorded
// once, listed in reverse chronological order, and pruned by age.
//
// StartPruner runs the retention loop: it prunes immediately on start,
// then on every interval tick, and stops when the context is canceled.
// Individual prune failures are logged and do not stop the loop.

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRunNotFound is returned when a run ID has no history row.
var ErrRunNotFound = errors.New("run not found")

const historySchema = `
CREATE TABLE IF NOT EXISTS run_history (
	id           TEXT PRIMARY KEY,
	kind         TEXT NOT NULL,
	file         TEXT NOT NULL,
	target_table TEXT NOT NULL DEFAULT '',
	driver       TEXT NOT NULL DEFAULT '',
	workers      INTEGER NOT NULL DEFAULT 0,
	total        INTEGER NOT NULL,
	success      INTEGER NOT NULL,
	failed       INTEGER NOT NULL,
	skipped      INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	ok           INTEGER NOT NULL,
	warnings     TEXT NOT NULL DEFAULT '[]',
	errors       TEXT NOT NULL DEFAULT '[]',
	started_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_history_started ON run_history(started_at);
`

// RunRecord is one finished run as stored in history.
type RunRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	File       string     `json:"file"`
	Table      string     `json:"table,omitempty"`
	Driver     string     `json:"driver,omitempty"`
	Workers    int        `json:"workers,omitempty"`
	Total      int        `json:"total"`
	Success    int        `json:"success"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	DurationMS int64      `json:"duration_ms"`
	OK         bool       `json:"ok"`
	Warnings   []string   `json:"warnings,omitempty"`
	Errors     []RowError `json:"errors,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
}

// HistoryStore is the SQLite-backed run history.
type HistoryStore struct {
	db *sql.DB
}

// OpenHistory opens (and if needed creates) the history database at path.
func OpenHistory(path string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening history db: %w", err)
	}
	// One writer at a time keeps SQLite locking out of the picture.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(historySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &HistoryStore{db: db}, nil
}

// Close releases the underlying database handle.
func (h *HistoryStore) Close() error {
	return h.db.Close()
}

// Record stores one finished run.
func (h *HistoryStore) Record(ctx context.Context, rec RunRecord) error {
	warnings, err := json.Marshal(rec.Warnings)
	if err != nil {
		return err
	}
	rowErrors, err := json.Marshal(rec.Errors)
	if err != nil {
		return err
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}

	_, err = h.db.ExecContext(ctx, `
		INSERT INTO run_history
			(id, kind, file, target_table, driver, workers,
			 total, success, failed, skipped, duration_ms, ok,
			 warnings, errors, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.File, rec.Table, rec.Driver, rec.Workers,
		rec.Total, rec.Success, rec.Failed, rec.Skipped, rec.DurationMS, rec.OK,
		string(warnings), string(rowErrors), rec.StartedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording run %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns one run by ID, or ErrRunNotFound.
func (h *HistoryStore) Get(ctx context.Context, id string) (RunRecord, error) {
	row := h.db.QueryRowContext(ctx, `
		SELECT id, kind, file, target_table, driver, workers,
		       total, success, failed, skipped, duration_ms, ok,
		       warnings, errors, started_at
		FROM run_history WHERE id = ?`, id)

	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	return rec, err
}

// List returns the most recent runs, newest first. A non-positive limit
// defaults to 50.
func (h *HistoryStore) List(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `
		SELECT id, kind, file, target_table, driver, workers,
		       total, success, failed, skipped, duration_ms, ok,
		       warnings, errors, started_at
		FROM run_history
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune deletes runs older than the retention window and returns how
// many rows were removed.
func (h *HistoryStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC()
	res, err := h.db.ExecContext(ctx, `DELETE FROM run_history WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartPruner runs the retention loop until the context is canceled. It
// prunes immediately on start, then on every interval tick.
func (h *HistoryStore) StartPruner(ctx context.Context, retention, interval time.Duration, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	log.Info("history pruner started",
		"retention", retention.String(),
		"interval", interval.String(),
	)

	h.runPrune(ctx, retention, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("history pruner stopped")
			return
		case <-ticker.C:
			h.runPrune(ctx, retention, log)
		}
	}
}

func (h *HistoryStore) runPrune(ctx context.Context, retention time.Duration, log *slog.Logger) {
	start := time.Now()
	pruned, err := h.Prune(ctx, retention)
	if err != nil {
		log.Error("history prune failed", "error", err)
		return
	}
	if pruned > 0 {
		log.Info("pruned run history",
			"runs_pruned", pruned,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var (
		rec       RunRecord
		warnings  string
		rowErrors string
	)
	err := s.Scan(
		&rec.ID, &rec.Kind, &rec.File, &rec.Table, &rec.Driver, &rec.Workers,
		&rec.Total, &rec.Success, &rec.Failed, &rec.Skipped, &rec.DurationMS, &rec.OK,
		&warnings, &rowErrors, &rec.StartedAt,
	)
	if err != nil {
		return RunRecord{}, err
	}
	if err := json.Unmarshal([]byte(warnings), &rec.Warnings); err != nil {
		return RunRecord{}, fmt.Errorf("run %s: corrupt warnings: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(rowErrors), &rec.Errors); err != nil {
		return RunRecord{}, fmt.Errorf("run %s: corrupt errors: %w", rec.ID, err)
	}
	return rec, nil
}

// HistoryRecordFromReport builds the history row for a finished run.
func HistoryRecordFromReport(id, kind, file, table string, startedAt time.Time, report *Report) RunRecord {
	return RunRecord{
		ID:         id,
		Kind:       kind,
		File:       file,
		Table:      table,
		Total:      report.Total,
		Success:    report.Success,
		Failed:     report.Failed,
		Skipped:    report.Skipped,
		DurationMS: report.Duration.Milliseconds(),
		OK:         report.OK(),
		Warnings:   report.Warnings,
		Errors:     report.Errors,
		StartedAt:  startedAt,
	}
}
