package core

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeTestFile drops content into a temp file and returns its path.
// The file is cleaned up with the test.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// readAll drains a source and fails the test on anything but EOF.
func readAll(t *testing.T, src RowSource) []Row {
	t.Helper()
	var rows []Row
	for {
		row, err := src.Next()
		if err == io.EOF {
			return rows
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		rows = append(rows, row)
	}
}

func TestCSVSource_Basic(t *testing.T) {
	path := writeTestFile(t, "basic.csv", "id,name,email\n1,Alice,alice@example.com\n2,Bob,bob@example.com\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	wantHeader := []string{"id", "name", "email"}
	if got := src.Header(); !equalStrings(got, wantHeader) {
		t.Errorf("Header = %v, want %v", got, wantHeader)
	}

	rows := readAll(t, src)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	if rows[0].Ordinal != 0 || rows[1].Ordinal != 1 {
		t.Errorf("ordinals = %d, %d, want 0, 1", rows[0].Ordinal, rows[1].Ordinal)
	}
	if rows[0].Line != 2 || rows[1].Line != 3 {
		t.Errorf("lines = %d, %d, want 2, 3", rows[0].Line, rows[1].Line)
	}
	if got := rows[0].Record["name"]; got != "Alice" {
		t.Errorf("rows[0][name] = %v, want Alice", got)
	}
	if got := rows[1].Record["email"]; got != "bob@example.com" {
		t.Errorf("rows[1][email] = %v, want bob@example.com", got)
	}
}

func TestCSVSource_SkipsEmptyRows(t *testing.T) {
	// Five physical data lines, two of them blank. Blank rows vanish
	// without consuming an ordinal, so the surviving ordinals stay
	// contiguous while the physical lines do not.
	path := writeTestFile(t, "gaps.csv", "id,name\n1,Alice\n\n2,Bob\n   ,  \n3,Carol\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	rows := readAll(t, src)
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}

	wantOrdinals := []int{0, 1, 2}
	wantLines := []int{2, 4, 6}
	for i, row := range rows {
		if row.Ordinal != wantOrdinals[i] {
			t.Errorf("rows[%d].Ordinal = %d, want %d", i, row.Ordinal, wantOrdinals[i])
		}
		if row.Line != wantLines[i] {
			t.Errorf("rows[%d].Line = %d, want %d", i, row.Line, wantLines[i])
		}
	}

	n, err := src.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}
}

func TestCSVSource_PadAndTruncate(t *testing.T) {
	path := writeTestFile(t, "widths.csv", "a,b,c\n1,2\n1,2,3,4\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	rows := readAll(t, src)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	short := rows[0].Record
	if v, ok := short["c"]; !ok || v != nil {
		t.Errorf("short row c = %v (present=%v), want nil (present)", v, ok)
	}
	if len(short) != 3 {
		t.Errorf("short row has %d columns, want 3", len(short))
	}

	long := rows[1].Record
	if got := long["c"]; got != "3" {
		t.Errorf("long row c = %v, want 3", got)
	}
	if len(long) != 3 {
		t.Errorf("long row has %d columns, want 3 (excess cell dropped)", len(long))
	}
}

func TestCSVSource_HeaderRowOffset(t *testing.T) {
	path := writeTestFile(t, "offset.csv", "Report 2024\ngenerated by nobody\nid,name\n1,Alice\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 3})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if got := src.Header(); !equalStrings(got, []string{"id", "name"}) {
		t.Errorf("Header = %v, want [id name]", got)
	}

	rows := readAll(t, src)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].Line != 4 {
		t.Errorf("Line = %d, want 4", rows[0].Line)
	}
	if rows[0].Ordinal != 0 {
		t.Errorf("Ordinal = %d, want 0", rows[0].Ordinal)
	}
}

func TestCSVSource_HeaderPastEnd(t *testing.T) {
	path := writeTestFile(t, "short.csv", "only\ntwo\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 50})
	err := src.Open(context.Background())
	if err == nil {
		src.Close()
		t.Fatal("Open succeeded, want header position error")
	}

	var ferr *FileError
	if !errors.As(err, &ferr) {
		t.Fatalf("error type = %T, want *FileError", err)
	}
	if !strings.Contains(err.Error(), "header row 50") {
		t.Errorf("error %q does not name the header row", err)
	}
}

func TestCSVSource_Headerless(t *testing.T) {
	path := writeTestFile(t, "nohdr.csv", "1,Alice\n2,Bob\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 0})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if got := src.Header(); got != nil {
		t.Errorf("Header = %v, want nil", got)
	}

	rows := readAll(t, src)
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if got := rows[0].Record["0"]; got != "1" {
		t.Errorf(`rows[0]["0"] = %v, want 1`, got)
	}
	if got := rows[1].Record["1"]; got != "Bob" {
		t.Errorf(`rows[1]["1"] = %v, want Bob`, got)
	}
	if rows[0].Line != 1 {
		t.Errorf("first data line = %d, want 1", rows[0].Line)
	}
}

func TestCSVSource_CountLeavesCursorAlone(t *testing.T) {
	path := writeTestFile(t, "count.csv", "id\n1\n2\n3\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	first, err := src.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if first.Record["id"] != "1" {
		t.Fatalf("first row = %v", first.Record)
	}

	n, err := src.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("Count = %d, want 3", n)
	}

	// The read cursor resumes where it left off.
	second, err := src.Next()
	if err != nil {
		t.Fatalf("Next after Count: %v", err)
	}
	if second.Record["id"] != "2" {
		t.Errorf("row after Count = %v, want id 2", second.Record)
	}
}

func TestCSVSource_NextAfterClose(t *testing.T) {
	path := writeTestFile(t, "closed.csv", "id\n1\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := src.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := src.Next(); err != io.EOF {
		t.Errorf("Next after Close = %v, want io.EOF", err)
	}
}

func TestCSVSource_StripsBOM(t *testing.T) {
	path := writeTestFile(t, "bom.csv", "\xEF\xBB\xBFid,name\n1,Alice\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if got := src.Header(); !equalStrings(got, []string{"id", "name"}) {
		t.Errorf("Header = %v, want [id name]", got)
	}
}

func TestCSVSource_SanitizesInvalidUTF8(t *testing.T) {
	path := writeTestFile(t, "badutf8.csv", "id\nA\xFFB\n")

	src := NewCSVSource(path, SourceConfig{HeaderRow: 1})
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	rows := readAll(t, src)
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if got := rows[0].Record["id"]; got != "A?B" {
		t.Errorf("cell = %q, want A?B", got)
	}
}

func TestNewSource_FormatDispatch(t *testing.T) {
	dir := t.TempDir()

	tsv := filepath.Join(dir, "data.tsv")
	if err := os.WriteFile(tsv, []byte("a\tb\n1\t2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewSource(tsv, SourceConfig{HeaderRow: 1})
	if err != nil {
		t.Fatalf("NewSource(.tsv): %v", err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	// The .tsv extension supplies the tab delimiter when the dialect
	// leaves it unset.
	if got := src.Header(); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("Header = %v, want [a b]", got)
	}
	rows := readAll(t, src)
	if len(rows) != 1 || rows[0].Record["b"] != "2" {
		t.Errorf("rows = %+v, want one row with b=2", rows)
	}

	if _, err := NewSource(filepath.Join(dir, "report.pdf"), SourceConfig{}); err == nil {
		t.Error("NewSource(.pdf) succeeded, want UnsupportedFormatError")
	} else {
		var uerr *UnsupportedFormatError
		if !errors.As(err, &uerr) {
			t.Errorf("error type = %T, want *UnsupportedFormatError", err)
		}
	}
}

func TestNewSource_TSVKeepsExplicitDelimiter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "semi.tsv")
	if err := os.WriteFile(path, []byte("a;b\n1;2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := NewSource(path, SourceConfig{HeaderRow: 1, Dialect: DialectFrom(";", "", "")})
	if err != nil {
		t.Fatalf("NewSource: %v", err)
	}
	if err := src.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close()

	if got := src.Header(); !equalStrings(got, []string{"a", "b"}) {
		t.Errorf("Header = %v, want [a b]", got)
	}
}

func TestDialectReader(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		dialect Dialect
		want    [][]string
	}{
		{
			name:  "plain rows",
			input: "a,b,c\n1,2,3\n",
			want:  [][]string{{"a", "b", "c"}, {"1", "2", "3"}},
		},
		{
			name:  "no trailing newline",
			input: "a,b",
			want:  [][]string{{"a", "b"}},
		},
		{
			name:  "crlf endings",
			input: "a,b\r\n1,2\r\n",
			want:  [][]string{{"a", "b"}, {"1", "2"}},
		},
		{
			name:  "bare cr endings",
			input: "a,b\r1,2\r",
			want:  [][]string{{"a", "b"}, {"1", "2"}},
		},
		{
			name:  "quoted delimiter",
			input: "\"a,x\",b\n",
			want:  [][]string{{"a,x", "b"}},
		},
		{
			name:  "quoted newline",
			input: "\"a\nx\",b\n",
			want:  [][]string{{"a\nx", "b"}},
		},
		{
			name:  "doubled quote escape",
			input: "\"a\"\"x\",b\n",
			want:  [][]string{{"a\"x", "b"}},
		},
		{
			name:  "backslash escape",
			input: "\"a\\\"x\",b\n",
			want:  [][]string{{"a\"x", "b"}},
		},
		{
			name:  "escaped escape",
			input: "\"a\\\\x\",b\n",
			want:  [][]string{{"a\\x", "b"}},
		},
		{
			name:  "lone backslash stays literal",
			input: "\"a\\x\",b\n",
			want:  [][]string{{"a\\x", "b"}},
		},
		{
			name:  "quote mid-field is literal",
			input: "a\"x,b\n",
			want:  [][]string{{"a\"x", "b"}},
		},
		{
			name:    "semicolon delimiter",
			input:   "a;b;c\n",
			dialect: Dialect{Delimiter: ';'},
			want:    [][]string{{"a", "b", "c"}},
		},
		{
			name:    "single quote enclosure",
			input:   "'a;x';b\n",
			dialect: Dialect{Delimiter: ';', Enclosure: '\''},
			want:    [][]string{{"a;x", "b"}},
		},
		{
			name:  "empty cells",
			input: ",,\n",
			want:  [][]string{{"", "", ""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dr := newDialectReader(strings.NewReader(tt.input), tt.dialect)
			var got [][]string
			for {
				cells, _, err := dr.ReadRow()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatalf("ReadRow: %v", err)
				}
				got = append(got, cells)
			}

			if len(got) != len(tt.want) {
				t.Fatalf("got %d rows %v, want %d rows %v", len(got), got, len(tt.want), tt.want)
			}
			for i := range got {
				if !equalStrings(got[i], tt.want[i]) {
					t.Errorf("row %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestDialectReader_LineTracking(t *testing.T) {
	// The quoted field spans two physical lines, so the following row
	// starts on line 3.
	dr := newDialectReader(strings.NewReader("\"a\nx\",b\nnext,row\n"), Dialect{})

	_, line, err := dr.ReadRow()
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if line != 1 {
		t.Errorf("first row line = %d, want 1", line)
	}

	_, line, err = dr.ReadRow()
	if err != nil {
		t.Fatalf("ReadRow: %v", err)
	}
	if line != 3 {
		t.Errorf("second row line = %d, want 3", line)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
