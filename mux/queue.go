package mux

import (
	"io"
	"sync"
)

// dataQueue is a bounded inbound byte queue feeding one channel's
// consumer.  The dispatch loop pushes chunks; the channel's owner
// reads them.  When the queue is full the push blocks, which stalls
// further transport reads — the documented last-resort backpressure —
// but never deadlocks: finishing the queue releases any blocked push.
type dataQueue struct {
	ch   chan []byte
	done chan struct{}

	mu   sync.Mutex
	buf  []byte // partially consumed chunk
	err  error  // terminal error, io.EOF substitute when nil
	once sync.Once
}

func newDataQueue(depth int) *dataQueue {
	if depth <= 0 {
		depth = 32
	}
	return &dataQueue{
		ch:   make(chan []byte, depth),
		done: make(chan struct{}),
	}
}

// push enqueues one chunk.  Called only from the dispatch loop.  The
// chunk is owned by the queue afterwards.
func (q *dataQueue) push(b []byte) {
	if len(b) == 0 {
		return
	}
	select {
	case <-q.done:
		return
	default:
	}
	select {
	case q.ch <- b:
	case <-q.done:
	}
}

// finish marks the stream complete.  A nil err reads as io.EOF once
// the queued data is drained.  Idempotent; the first call wins.
func (q *dataQueue) finish(err error) {
	q.once.Do(func() {
		q.mu.Lock()
		q.err = err
		q.mu.Unlock()
		close(q.done)
	})
}

// Read implements io.Reader.  Queued data is always drained before the
// terminal error is surfaced.
func (q *dataQueue) Read(p []byte) (int, error) {
	for {
		q.mu.Lock()
		if len(q.buf) > 0 {
			n := copy(p, q.buf)
			q.buf = q.buf[n:]
			q.mu.Unlock()
			return n, nil
		}
		q.mu.Unlock()

		select {
		case b := <-q.ch:
			q.mu.Lock()
			q.buf = b
			q.mu.Unlock()
			continue
		case <-q.done:
		}

		// Finished: drain anything that raced in before reporting.
		select {
		case b := <-q.ch:
			q.mu.Lock()
			q.buf = b
			q.mu.Unlock()
			continue
		default:
		}

		q.mu.Lock()
		err := q.err
		q.mu.Unlock()
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
}
