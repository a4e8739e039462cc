package session

import "sync"

// ringBuffer is a fixed-size circular buffer holding the most recent
// terminal output for replay to late subscribers. Oldest bytes are
// overwritten when full. Safe for concurrent use.
type ringBuffer struct {
	buf      []byte
	capacity int
	writePos int   // next write offset, wraps at capacity
	written  int64 // total bytes ever written, detects wrap-around
	mu       sync.Mutex
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity <= 0 {
		capacity = 262144 // 256 KB default
	}
	return &ringBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes if full. Implements
// io.Writer and never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)

	// Oversized input: only the last capacity bytes survive anyway.
	if n >= rb.capacity {
		copy(rb.buf, p[n-rb.capacity:])
		rb.writePos = 0
		rb.written += int64(n)
		return n, nil
	}

	firstChunk := rb.capacity - rb.writePos
	if firstChunk >= n {
		copy(rb.buf[rb.writePos:], p)
	} else {
		copy(rb.buf[rb.writePos:], p[:firstChunk])
		copy(rb.buf, p[firstChunk:])
	}

	rb.writePos = (rb.writePos + n) % rb.capacity
	rb.written += int64(n)
	return n, nil
}

// Bytes returns a chronological copy of the buffered output.
func (rb *ringBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	length := rb.lenLocked()
	if length == 0 {
		return nil
	}

	result := make([]byte, length)
	if rb.written <= int64(rb.capacity) {
		copy(result, rb.buf[:length])
	} else {
		tailLen := rb.capacity - rb.writePos
		copy(result, rb.buf[rb.writePos:])
		copy(result[tailLen:], rb.buf[:rb.writePos])
	}
	return result
}

func (rb *ringBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.lenLocked()
}

func (rb *ringBuffer) lenLocked() int {
	if rb.written <= int64(rb.capacity) {
		return int(rb.written)
	}
	return rb.capacity
}
