package utils

import (
	"bytes"
	"sync"
)

// LimitedBuffer keeps the first Max bytes written to it and discards the
// rest. Writes never fail, so a chatty child process is not blocked.
type LimitedBuffer struct {
	Max int

	mu        sync.Mutex
	buf       bytes.Buffer
	truncated bool
}

// NewLimitedBuffer returns a buffer capped at max bytes.
func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{Max: max}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.Max - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Bytes returns a copy of the retained output.
func (b *LimitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func (b *LimitedBuffer) String() string {
	return string(b.Bytes())
}

// Truncated reports whether any output was dropped.
func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
