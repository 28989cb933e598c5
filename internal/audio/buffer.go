package audio

import (
	"sync"
)

// RingBuffer is a bounded, thread-safe byte queue between the input
// callback and the segment writer. Write never blocks: bytes that do not
// fit are rejected and the caller decides what to do with them.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	head  int // next byte to read
	count int // bytes buffered
}

// NewRingBuffer creates a ring buffer holding up to size bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 1 {
		size = 1
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write copies as much of data as fits and returns the number of bytes
// accepted. A short count means the buffer is full.
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := min(len(data), len(rb.buf)-rb.count)
	if n == 0 {
		return 0
	}

	tail := (rb.head + rb.count) % len(rb.buf)
	c := copy(rb.buf[tail:], data[:n])
	copy(rb.buf, data[c:n])
	rb.count += n
	return n
}

// Read moves up to len(p) buffered bytes into p
func (rb *RingBuffer) Read(p []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.readLocked(p)
}

func (rb *RingBuffer) readLocked(p []byte) int {
	n := min(len(p), rb.count)
	if n == 0 {
		return 0
	}

	c := copy(p[:n], rb.buf[rb.head:])
	copy(p[c:n], rb.buf)
	rb.head = (rb.head + n) % len(rb.buf)
	rb.count -= n
	if rb.count == 0 {
		rb.head = 0
	}
	return n
}

// Drain removes and returns everything currently buffered, or nil when empty
func (rb *RingBuffer) Drain() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil
	}
	out := make([]byte, rb.count)
	rb.readLocked(out)
	return out
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Space returns the number of bytes that can still be written
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return len(rb.buf) - rb.count
}

// Cap returns the buffer capacity in bytes
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}

// Clear discards all buffered bytes
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.head = 0
	rb.count = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	return rb.Available() == 0
}

// IsFull returns true if no more bytes can be written
func (rb *RingBuffer) IsFull() bool {
	return rb.Space() == 0
}
