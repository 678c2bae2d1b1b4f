package core

import (
	"fmt"
	"testing"
	"time"
)

func TestReportOK(t *testing.T) {
	ok := Report{Total: 5, Success: 4, Skipped: 1}
	if !ok.OK() {
		t.Error("report with no failures is not OK")
	}
	bad := Report{Total: 5, Success: 4, Failed: 1}
	if bad.OK() {
		t.Error("report with failures is OK")
	}
}

func TestReportThroughput(t *testing.T) {
	r := Report{Total: 1000, Duration: 2 * time.Second}
	if got := r.Throughput(); got != 500 {
		t.Errorf("Throughput = %v, want 500", got)
	}
	if got := (Report{Total: 10}).Throughput(); got != 0 {
		t.Errorf("Throughput with zero duration = %v, want 0", got)
	}
}

func TestReportAddErrorCaps(t *testing.T) {
	var r Report
	for i := 0; i < maxReportErrors+50; i++ {
		r.Failed++
		r.AddError(RowError{Row: i + 1, Message: "bad"})
	}
	if len(r.Errors) != maxReportErrors {
		t.Errorf("kept %d errors, want cap of %d", len(r.Errors), maxReportErrors)
	}
	// The count keeps the truth even when the detail is capped.
	if r.Failed != maxReportErrors+50 {
		t.Errorf("Failed = %d, want %d", r.Failed, maxReportErrors+50)
	}
}

func TestReportFlatten(t *testing.T) {
	r := Report{
		Total:    100,
		Success:  97,
		Failed:   2,
		Skipped:  1,
		Duration: 4 * time.Second,
		Errors: []RowError{
			{Row: 7, Message: "bad email", Data: Record{"email": "nope"}},
			{Row: 9, Message: "bad date"},
		},
		Warnings: []string{"stopped early"},
	}

	got := r.Flatten()

	if got["total"] != 100 || got["success"] != 97 || got["failed"] != 2 || got["skipped"] != 1 {
		t.Errorf("counters = %v", got)
	}
	if got["duration_seconds"] != 4.0 {
		t.Errorf("duration_seconds = %v, want 4", got["duration_seconds"])
	}
	if got["rows_per_second"] != 25.0 {
		t.Errorf("rows_per_second = %v, want 25", got["rows_per_second"])
	}
	if got["ok"] != false {
		t.Errorf("ok = %v, want false", got["ok"])
	}

	errs, _ := got["errors"].([]map[string]any)
	if len(errs) != 2 {
		t.Fatalf("errors = %v", got["errors"])
	}
	if errs[0]["row_number"] != 7 || errs[0]["message"] != "bad email" {
		t.Errorf("first error = %v", errs[0])
	}
	if _, hasData := errs[0]["row_data"]; !hasData {
		t.Error("first error lost its row data")
	}
	if _, hasData := errs[1]["row_data"]; hasData {
		t.Error("second error grew row data from nowhere")
	}

	warnings, _ := got["warnings"].([]string)
	if !equalStrings(warnings, []string{"stopped early"}) {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestReportWarnf(t *testing.T) {
	var r Report
	r.Warnf("worker %d stalled after %s", 3, "2s")
	want := fmt.Sprintf("worker %d stalled after %s", 3, "2s")
	if len(r.Warnings) != 1 || r.Warnings[0] != want {
		t.Errorf("Warnings = %v, want [%s]", r.Warnings, want)
	}
}
