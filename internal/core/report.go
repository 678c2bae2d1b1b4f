package core

import "fmt"

// Warnf appends a formatted warning to the report.
func (r *Report) Warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Flatten converts the report into a plain key-value form for loggers,
// trackers, and serialization sinks that want scalars at the top level.
// The "ok" flag is true when no row failed.
func (r *Report) Flatten() map[string]any {
	errs := make([]map[string]any, len(r.Errors))
	for i, e := range r.Errors {
		m := map[string]any{
			"row_number": e.Row,
			"message":    e.Message,
		}
		if e.Data != nil {
			m["row_data"] = e.Data
		}
		errs[i] = m
	}

	return map[string]any{
		"total":            r.Total,
		"success":          r.Success,
		"failed":           r.Failed,
		"skipped":          r.Skipped,
		"duration_seconds": r.Duration.Seconds(),
		"rows_per_second":  r.Throughput(),
		"ok":               r.OK(),
		"errors":           errs,
		"warnings":         append([]string{}, r.Warnings...),
	}
}
