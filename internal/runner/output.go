package runner

import (
	"unicode/utf8"
)

// TruncationMarker prefixes output whose head has been discarded.
const TruncationMarker = "[... earlier output truncated ...]\n"

// DefaultOutputLimit is the output ceiling when none is configured.
const DefaultOutputLimit = 1 << 20

// OutputBuffer accumulates process output and keeps only the most recent
// bytes once the limit is exceeded. The rendered value never exceeds limit.
type OutputBuffer struct {
	limit     int
	buf       []byte
	truncated bool
}

// NewOutputBuffer returns a buffer capped at limit bytes.
func NewOutputBuffer(limit int) *OutputBuffer {
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	return &OutputBuffer{limit: limit}
}

// Write appends p. It never fails.
func (b *OutputBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	// Compact lazily so a steady stream costs amortized O(1) per byte.
	if len(b.buf) > 2*b.limit {
		b.buf = append([]byte(nil), b.tail()...)
		b.truncated = true
	}
	return len(p), nil
}

// String renders the accumulated output, with the truncation marker when the
// head has been dropped.
func (b *OutputBuffer) String() string {
	if !b.truncated && len(b.buf) <= b.limit {
		return string(b.buf)
	}
	if b.limit <= len(TruncationMarker) {
		return TruncationMarker[:b.limit]
	}
	return TruncationMarker + string(b.tail())
}

// Truncated reports whether any output has been discarded.
func (b *OutputBuffer) Truncated() bool {
	return b.truncated || len(b.buf) > b.limit
}

// tail returns the longest suffix that fits next to the marker, starting on
// a rune boundary.
func (b *OutputBuffer) tail() []byte {
	keep := b.limit - len(TruncationMarker)
	if keep <= 0 {
		return nil
	}
	if len(b.buf) <= keep {
		return b.buf
	}
	cut := len(b.buf) - keep
	for cut < len(b.buf) && !utf8.RuneStart(b.buf[cut]) {
		cut++
	}
	return b.buf[cut:]
}

// splitIncompleteRune splits p before a trailing partial UTF-8 sequence.
func splitIncompleteRune(p []byte) (complete, rest []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i], p[i:]
			}
			break
		}
	}
	return p, nil
}
