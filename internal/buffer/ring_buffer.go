// Package buffer provides the bounded containers used by the server and the
// host agent: an insertion-ordered FIFO map and a byte ring for shell history.
package buffer

import (
	"sync"
	"unicode/utf8"
)

// RingBuffer keeps the most recent capacity bytes written to it. The agent
// replays its contents to a viewer that reconnects to a running shell.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int
	size  int
}

// NewRingBuffer creates a RingBuffer. A non-positive capacity defaults to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	c := len(rb.buf)
	if n >= c {
		copy(rb.buf, p[n-c:])
		rb.start, rb.size = 0, c
		return n, nil
	}
	for _, b := range p {
		end := (rb.start + rb.size) % c
		rb.buf[end] = b
		if rb.size < c {
			rb.size++
		} else {
			rb.start = (rb.start + 1) % c
		}
	}
	return n, nil
}

// ReadAll returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) ReadAll() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.snapshotLocked()
}

func (rb *RingBuffer) snapshotLocked() []byte {
	if rb.size == 0 {
		return nil
	}
	out := make([]byte, rb.size)
	first := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[first:], rb.buf[:rb.size-first])
	return out
}

// History returns the buffered text with any partial UTF-8 sequence at the
// front dropped, so that eviction never hands a viewer a broken rune.
func (rb *RingBuffer) History() string {
	rb.mu.Lock()
	data := rb.snapshotLocked()
	rb.mu.Unlock()

	for i := 0; i < len(data) && i < utf8.UTFMax; i++ {
		if utf8.RuneStart(data[i]) {
			return string(data[i:])
		}
	}
	return string(data)
}

// Clear removes all data from the buffer.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.start, rb.size = 0, 0
}

// Len returns the current number of bytes in the buffer.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
