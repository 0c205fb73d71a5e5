// Package stream adapts a continuous audio producer to whole-window
// transcription.
package stream

import (
	"context"
	"io"
	"sync"
)

// Queue is a bounded sample queue between an audio producer and the
// controller loop. When full, Push discards the oldest samples.
type Queue struct {
	writeNotify chan struct{}

	mu         sync.Mutex
	buf        []float32
	capacity   int
	dropped    uint64
	closeWrite bool
}

// NewQueue returns a queue holding at most capacity samples.
func NewQueue(capacity int) *Queue {
	return &Queue{
		writeNotify: make(chan struct{}, 1),
		capacity:    capacity,
		buf:         make([]float32, 0, capacity),
	}
}

// Push appends samples and returns how many old samples were discarded to
// make room. Pushing to a closed queue discards everything.
func (q *Queue) Push(samples []float32) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeWrite {
		return len(samples)
	}

	drop := 0
	if len(samples) >= q.capacity {
		drop = len(q.buf) + len(samples) - q.capacity
		q.buf = append(q.buf[:0], samples[len(samples)-q.capacity:]...)
	} else {
		if over := len(q.buf) + len(samples) - q.capacity; over > 0 {
			drop = over
			q.buf = append(q.buf[:0], q.buf[over:]...)
		}
		q.buf = append(q.buf, samples...)
	}
	q.dropped += uint64(drop)

	select {
	case q.writeNotify <- struct{}{}:
	default:
	}
	return drop
}

// Len is the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Clear discards every queued sample and returns how many there were.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.buf)
	q.buf = q.buf[:0]
	q.dropped += uint64(n)
	return n
}

// Dropped is the total number of samples discarded by overflow or Clear.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Wait blocks until at least n samples are queued. It returns io.EOF when
// the write side is closed with fewer than n samples left.
func (q *Queue) Wait(ctx context.Context, n int) error {
	for {
		q.mu.Lock()
		avail, closed := len(q.buf), q.closeWrite
		q.mu.Unlock()
		if avail >= n {
			return nil
		}
		if closed {
			return io.EOF
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.writeNotify:
		}
	}
}

// Dequeue removes and returns up to n samples. A non-positive n takes
// everything.
func (q *Queue) Dequeue(n int) []float32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || n > len(q.buf) {
		n = len(q.buf)
	}
	out := append([]float32(nil), q.buf[:n]...)
	q.buf = append(q.buf[:0], q.buf[n:]...)
	return out
}

// CloseWrite marks the end of the input. Waiters are released once the
// queue can no longer satisfy them.
func (q *Queue) CloseWrite() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closeWrite {
		return
	}
	q.closeWrite = true
	close(q.writeNotify)
}

// Closed reports whether CloseWrite was called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeWrite
}
