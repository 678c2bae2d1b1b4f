package core

// streaming.go provides the reader wrappers every text source goes through.
//
// They operate on io.Reader so a 2 GB file costs the same memory as a 2 KB
// one:
//
//   - BOMReader: drops a leading UTF-8 BOM (0xEF 0xBB 0xBF)
//   - UTF8Reader: replaces invalid UTF-8 bytes with '?'
//   - CountReader: tracks bytes read for progress on uncounted sources
//
// WrapReader composes all three in the required order.

import (
	"io"
	"unicode/utf8"
)

// BOMReader wraps an io.Reader and skips a UTF-8 byte order mark if the
// stream starts with one. Windows spreadsheet exports commonly carry it.
type BOMReader struct {
	r       io.Reader
	checked bool
	pending []byte
	err     error
}

// NewBOMReader creates a BOM-skipping reader.
func NewBOMReader(r io.Reader) *BOMReader {
	return &BOMReader{r: r}
}

// Read implements io.Reader. The first call inspects the opening bytes.
func (b *BOMReader) Read(p []byte) (int, error) {
	if !b.checked {
		b.checked = true
		var buf [3]byte
		n, err := io.ReadFull(b.r, buf[:])
		if n == 3 && buf[0] == 0xEF && buf[1] == 0xBB && buf[2] == 0xBF {
			// BOM found, drop it
		} else {
			b.pending = append(b.pending, buf[:n]...)
		}
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			b.err = err
		}
	}

	if len(b.pending) > 0 {
		n := copy(p, b.pending)
		b.pending = b.pending[n:]
		return n, nil
	}
	if b.err != nil {
		return 0, b.err
	}
	return b.r.Read(p)
}

// UTF8Reader wraps an io.Reader and replaces invalid UTF-8 bytes with '?'
// on the fly. Replacement is in place with a single byte so the output
// never grows past the buffer, which keeps the reader allocation-free on
// the hot path.
type UTF8Reader struct {
	r io.Reader

	// Bytes held back from the previous read that may complete a
	// multi-byte sequence on the next one.
	pending []byte
}

// NewUTF8Reader creates a sanitizing reader.
func NewUTF8Reader(r io.Reader) *UTF8Reader {
	return &UTF8Reader{
		r:       r,
		pending: make([]byte, 0, utf8.UTFMax),
	}
}

// Read implements io.Reader.
func (s *UTF8Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	// Prepend bytes held back from the previous call
	offset := 0
	if len(s.pending) > 0 {
		offset = copy(p, s.pending)
		s.pending = s.pending[:0]
	}

	n, err := s.r.Read(p[offset:])
	n += offset

	if n == 0 {
		return 0, err
	}

	// Fast path: pure ASCII needs no inspection
	if allASCII(p[:n]) {
		return n, err
	}

	return s.sanitize(p[:n], err == io.EOF), err
}

// allASCII returns true if every byte is below 0x80.
func allASCII(data []byte) bool {
	for _, b := range data {
		if b >= 0x80 {
			return false
		}
	}
	return true
}

// sanitize rewrites data in place, replacing invalid bytes with '?'.
// Returns the number of bytes now valid. When atEOF is false, a partial
// sequence at the end is saved to pending instead of being judged
// invalid, so a rune split across reads survives no matter how small the
// reads are.
func (s *UTF8Reader) sanitize(data []byte, atEOF bool) int {
	if !atEOF {
		if trailing := trailingPartial(data); trailing > 0 {
			s.pending = append(s.pending, data[len(data)-trailing:]...)
			data = data[:len(data)-trailing]
		}
	}
	if utf8.Valid(data) {
		return len(data)
	}

	write := 0
	for read := 0; read < len(data); {
		r, size := utf8.DecodeRune(data[read:])
		if r == utf8.RuneError && size == 1 {
			data[write] = '?'
			write++
			read++
		} else {
			copy(data[write:], data[read:read+size])
			write += size
			read += size
		}
	}

	return write
}

// trailingPartial returns how many bytes at the end of data form the start
// of an incomplete multi-byte sequence, or 0 if the tail is complete.
func trailingPartial(data []byte) int {
	for i := 1; i <= 3 && i <= len(data); i++ {
		b := data[len(data)-i]
		if b >= 0xC0 {
			if i < runeWidth(b) {
				return i
			}
			return 0
		}
		if b&0xC0 != 0x80 {
			return 0
		}
	}
	return 0
}

// runeWidth returns the declared length of a UTF-8 sequence starting with b.
func runeWidth(b byte) int {
	switch {
	case b < 0x80:
		return 1
	case b < 0xC0:
		return 0 // continuation byte
	case b < 0xE0:
		return 2
	case b < 0xF0:
		return 3
	default:
		return 4
	}
}

// CountReader wraps an io.Reader and tracks bytes read. Sources that
// cannot count rows ahead report byte-based progress from it instead.
type CountReader struct {
	r         io.Reader
	BytesRead int64
	Total     int64 // 0 if unknown
}

// NewCountReader creates a counting reader with an optional total size.
func NewCountReader(r io.Reader, total int64) *CountReader {
	return &CountReader{r: r, Total: total}
}

// Read implements io.Reader.
func (c *CountReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.BytesRead += int64(n)
	return n, err
}

// Percent returns byte progress as 0-100, or 0 when the total is unknown.
func (c *CountReader) Percent() int {
	if c.Total <= 0 {
		return 0
	}
	return int(c.BytesRead * 100 / c.Total)
}

// WrapReader composes the standard read stack: BOM stripping first, then
// UTF-8 sanitization, then byte counting on the outside.
func WrapReader(r io.Reader, totalSize int64) *CountReader {
	return NewCountReader(NewUTF8Reader(NewBOMReader(r)), totalSize)
}
