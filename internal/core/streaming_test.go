package core

import (
	"io"
	"strings"
	"testing"
)

// onebyte doles out a single byte per Read, forcing every wrapper to
// handle sequences split across calls.
type onebyte struct {
	r io.Reader
}

func (o onebyte) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func TestBOMReader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"strips BOM", "\xEF\xBB\xBFhello", "hello"},
		{"no BOM passes through", "hello", "hello"},
		{"short input without BOM", "hi", "hi"},
		{"single byte", "x", "x"},
		{"empty input", "", ""},
		{"BOM alone yields nothing", "\xEF\xBB\xBF", ""},
		{"partial BOM is data", "\xEF\xBBx", "\xEF\xBBx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(NewBOMReader(strings.NewReader(tt.in)))
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUTF8Reader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii untouched", "plain text", "plain text"},
		{"valid multibyte untouched", "héllo wörld", "héllo wörld"},
		{"invalid byte replaced", "A\xFFB", "A?B"},
		{"each invalid byte replaced", "\xFF\xFE", "??"},
		{"truncated sequence at EOF replaced", "abc\xC3", "abc?"},
		{"emoji survives", "ok \xF0\x9F\x9A\x80 go", "ok \xF0\x9F\x9A\x80 go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := io.ReadAll(NewUTF8Reader(strings.NewReader(tt.in)))
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

// A multi-byte rune split across Read calls must not be judged invalid
// just because its tail has not arrived yet.
func TestUTF8ReaderSplitSequences(t *testing.T) {
	in := "héllo \xF0\x9F\x9A\x80 wörld"
	got, err := io.ReadAll(NewUTF8Reader(onebyte{strings.NewReader(in)}))
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != in {
		t.Errorf("got %q, want %q", got, in)
	}
}

func TestCountReader(t *testing.T) {
	c := NewCountReader(strings.NewReader("0123456789"), 10)
	if c.Percent() != 0 {
		t.Errorf("Percent before reading = %d", c.Percent())
	}

	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("ReadFull: %v", err)
	}
	if c.BytesRead != 4 || c.Percent() != 40 {
		t.Errorf("after 4 bytes: read %d, percent %d", c.BytesRead, c.Percent())
	}

	if _, err := io.Copy(io.Discard, c); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if c.Percent() != 100 {
		t.Errorf("Percent at EOF = %d", c.Percent())
	}
}

func TestCountReaderUnknownTotal(t *testing.T) {
	c := NewCountReader(strings.NewReader("data"), 0)
	if _, err := io.Copy(io.Discard, c); err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if c.Percent() != 0 {
		t.Errorf("Percent with unknown total = %d, want 0", c.Percent())
	}
}

func TestWrapReader(t *testing.T) {
	in := "\xEF\xBB\xBFid,name\n1,A\xFFB\n"
	c := WrapReader(strings.NewReader(in), int64(len(in)))

	got, err := io.ReadAll(c)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "id,name\n1,A?B\n" {
		t.Errorf("got %q", got)
	}
	if c.BytesRead == 0 {
		t.Error("no bytes counted")
	}
}
