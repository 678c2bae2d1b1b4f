package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func exportRecords() []Record {
	return []Record{
		{"id": int64(1), "name": "Ada", "amount": 12.5},
		{"id": int64(2), "name": "Bob, Jr.", "amount": nil},
		{"id": int64(3), "name": `say "hi"`, "amount": int64(3)},
	}
}

func TestExportCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	cur := NewSliceCursor([]string{"id", "name", "amount"}, exportRecords())

	report, err := Export(context.Background(), cur, ExportOptions{Path: path})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if report.Total != 3 || report.Success != 3 {
		t.Errorf("report = %+v, want 3/3", report)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "id,name,amount\n" +
		"1,Ada,12.5\n" +
		"2,\"Bob, Jr.\",\n" +
		"3,\"say \"\"hi\"\"\",3\n"
	if string(got) != want {
		t.Errorf("file = %q, want %q", got, want)
	}
}

func TestExportTSVDefaultsToTabs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.tsv")
	cur := NewSliceCursor([]string{"id", "name"}, []Record{{"id": int64(1), "name": "Ada"}})

	if _, err := Export(context.Background(), cur, ExportOptions{Path: path}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "id\tname\n1\tAda\n" {
		t.Errorf("file = %q", got)
	}
}

func TestExportCustomDialect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	cur := NewSliceCursor([]string{"a", "b"}, []Record{{"a": "x;y", "b": "z"}})

	_, err := Export(context.Background(), cur, ExportOptions{
		Path:    path,
		Dialect: Dialect{Delimiter: ';', Enclosure: '\''},
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "a;b\n'x;y';z\n" {
		t.Errorf("file = %q", got)
	}
}

func TestExportColumnSubset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	cur := NewSliceCursor([]string{"id", "name", "amount"}, exportRecords())

	_, err := Export(context.Background(), cur, ExportOptions{Path: path, Columns: []string{"name"}})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(got), "name\nAda\n") {
		t.Errorf("file = %q, want only the name column", got)
	}
}

func TestExportSortsColumnsWhenUnspecified(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	cur := NewSliceCursor(nil, []Record{{"b": "2", "a": "1"}})

	if _, err := Export(context.Background(), cur, ExportOptions{Path: path}); err != nil {
		t.Fatalf("Export: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "a,b\n1,2\n" {
		t.Errorf("file = %q", got)
	}
}

func TestExportFormatErrors(t *testing.T) {
	cur := NewSliceCursor([]string{"a"}, nil)

	_, err := Export(context.Background(), cur, ExportOptions{Path: filepath.Join(t.TempDir(), "out.pdf")})
	var ufe *UnsupportedFormatError
	if !errors.As(err, &ufe) {
		t.Errorf("err = %v, want UnsupportedFormatError", err)
	}

	_, err = Export(context.Background(), cur, ExportOptions{
		Path:   filepath.Join(t.TempDir(), "out.csv"),
		Format: "parquet",
	})
	if !errors.As(err, &ufe) {
		t.Errorf("err = %v, want UnsupportedFormatError", err)
	}
}

func TestExportNoColumns(t *testing.T) {
	_, err := Export(context.Background(), NewSliceCursor(nil, nil), ExportOptions{
		Path: filepath.Join(t.TempDir(), "out.csv"),
	})
	if err == nil || !strings.Contains(err.Error(), "no columns") {
		t.Errorf("err = %v, want no columns", err)
	}
}

func TestExportProgressAndHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	records := make([]Record, 5)
	for i := range records {
		records[i] = Record{"id": int64(i + 1)}
	}

	var before, after int
	hooks := NewHooks(testLogger())
	hooks.On(HookBeforeChunk, func(HookPayload) error { before++; return nil })
	hooks.On(HookAfterChunk, func(HookPayload) error { after++; return nil })

	var snaps []Progress
	_, err := Export(context.Background(), NewSliceCursor([]string{"id"}, records), ExportOptions{
		Path:      path,
		ChunkSize: 2,
		Total:     5,
		Progress:  func(p Progress) { snaps = append(snaps, p) },
		Hooks:     hooks,
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	if before != 3 || after != 3 {
		t.Errorf("chunk hooks = %d/%d, want 3/3", before, after)
	}
	if len(snaps) == 0 {
		t.Fatal("no progress emitted")
	}
	last := snaps[len(snaps)-1]
	if last.Processed != 5 || last.Total != 5 || last.Percent != 100 {
		t.Errorf("final progress = %+v", last)
	}
}

func TestExportCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := Export(ctx, NewSliceCursor([]string{"a"}, nil), ExportOptions{
		Path: filepath.Join(t.TempDir(), "out.csv"),
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if report.Total != 0 {
		t.Errorf("Total = %d, want 0", report.Total)
	}
}

// An exported file must read back through the source layer unchanged.
func TestExportImportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "round.csv")
	cur := NewSliceCursor([]string{"id", "name"}, []Record{
		{"id": int64(1), "name": "multi\nline"},
		{"id": int64(2), "name": "semi;colon"},
	})

	if _, err := Export(context.Background(), cur, ExportOptions{Path: path}); err != nil {
		t.Fatalf("Export: %v", err)
	}

	src, err := NewSource(path, SourceConfig{HeaderRow: 1})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	rows := readAll(t, src)
	if len(rows) != 2 {
		t.Fatalf("read back %d rows, want 2", len(rows))
	}
	if rows[0].Record["name"] != "multi\nline" || rows[1].Record["name"] != "semi;colon" {
		t.Errorf("rows = %v, want the original cell values", rows)
	}
}

func TestExportXLSXRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	cur := NewSliceCursor([]string{"id", "name"}, []Record{
		{"id": int64(1), "name": "Ada"},
		{"id": int64(2), "name": "Grace"},
	})

	report, err := Export(context.Background(), cur, ExportOptions{Path: path, Sheet: "People"})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if report.Success != 2 {
		t.Errorf("Success = %d, want 2", report.Success)
	}

	src, err := NewSource(path, SourceConfig{HeaderRow: 1, Sheet: "People"})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	rows := readAll(t, src)
	if len(rows) != 2 {
		t.Fatalf("read back %d rows, want 2", len(rows))
	}
	if rows[0].Record["name"] != "Ada" || rows[1].Record["name"] != "Grace" {
		t.Errorf("rows = %v", rows)
	}
}
