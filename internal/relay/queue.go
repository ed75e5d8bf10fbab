package relay

import (
	"sync"
	"sync/atomic"
)

// frameQueue is a byte-bounded FIFO of datagram batches, one batch per
// frame. A batch is admitted or refused as a unit so backpressure never
// leaves half a frame on the wire.
type frameQueue struct {
	mu      sync.Mutex
	batches [][][]byte
	size    int
	limit   int
	closed  bool

	// wake holds at most one pending signal for the writer.
	wake chan struct{}

	refused atomic.Uint64
}

func newFrameQueue(limit int) *frameQueue {
	return &frameQueue{limit: limit, wake: make(chan struct{}, 1)}
}

func batchSize(batch [][]byte) int {
	n := 0
	for _, d := range batch {
		n += len(d)
	}
	return n
}

// push takes ownership of batch. It never blocks.
func (q *frameQueue) push(batch [][]byte) bool {
	n := batchSize(batch)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.size+n > q.limit {
		q.refused.Add(1)
		return false
	}
	q.batches = append(q.batches, batch)
	q.size += n
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// pop waits for the next batch. After close it keeps returning queued
// batches until the queue is empty, then reports false.
func (q *frameQueue) pop() ([][]byte, bool) {
	for {
		q.mu.Lock()
		if len(q.batches) > 0 {
			b := q.batches[0]
			q.batches[0] = nil
			q.batches = q.batches[1:]
			q.size -= batchSize(b)
			q.mu.Unlock()
			return b, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.wake
	}
}

func (q *frameQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}

func (q *frameQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.wake)
	}
}
