package worker

import (
	"errors"
	"sync"
)

var errQueueClosed = errors.New("worker queue closed")

// queue is a bounded in-memory job queue. Enqueue never blocks.
type queue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan queuedJob
}

type queuedJob struct {
	name string
	run  Job
}

func newQueue(capacity int) *queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &queue{ch: make(chan queuedJob, capacity)}
}

func (q *queue) tryEnqueue(item queuedJob) (bool, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false, errQueueClosed
	}
	select {
	case q.ch <- item:
		return true, nil
	default:
		return false, nil
	}
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
