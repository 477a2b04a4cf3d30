package limits

import (
	"bytes"
	"sync"
)

// TruncationMarker is appended to captured output that hit its byte cap.
const TruncationMarker = "\n...[output truncated]"

// CappedBuffer is an io.Writer that keeps at most limit bytes. Writes never
// fail, so the producer is not blocked; the overflow callback fires once when
// the cap is first exceeded.
type CappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	total      int64
	truncated  bool
	onOverflow func()
}

// NewCappedBuffer creates a buffer holding up to limit bytes.
func NewCappedBuffer(limit int64, onOverflow func()) *CappedBuffer {
	return &CappedBuffer{limit: limit, onOverflow: onOverflow}
}

// Write implements io.Writer.
func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.total += int64(len(p))
	remaining := b.limit - int64(b.buf.Len())
	if remaining > 0 {
		n := int64(len(p))
		if n > remaining {
			n = remaining
		}
		b.buf.Write(p[:n])
	}
	overflowed := false
	if b.total > b.limit && !b.truncated {
		b.truncated = true
		overflowed = true
	}
	b.mu.Unlock()

	if overflowed && b.onOverflow != nil {
		b.onOverflow()
	}
	return len(p), nil
}

// String returns the captured bytes, with the truncation marker when the
// cap was exceeded.
func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + TruncationMarker
	}
	return b.buf.String()
}

// Truncated reports whether output was dropped.
func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Total is the number of bytes the producer attempted to write.
func (b *CappedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}
