package device

import "sync"

// changeQueue hands the changes of one binding to the sinks on its own
// goroutine, in the order they were pushed. push never blocks, so scanner
// callbacks do not wait on a slow broker or database.
type changeQueue struct {
	deliver func(Change)

	mu     sync.Mutex
	items  []queued
	closed bool

	wake chan struct{}
	done chan struct{}
}

// queued is a change, or a flush marker when flushed is set.
type queued struct {
	change  Change
	flushed chan struct{}
}

func newChangeQueue(deliver func(Change)) *changeQueue {
	q := &changeQueue{
		deliver: deliver,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *changeQueue) push(c Change) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, queued{change: c})
	q.mu.Unlock()
	q.signal()
}

// flush waits until everything pushed before it has been delivered.
func (q *changeQueue) flush() {
	ch := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.items = append(q.items, queued{flushed: ch})
	q.mu.Unlock()
	q.signal()
	<-ch
}

// close delivers what is pending, then stops the goroutine. Later pushes
// are dropped.
func (q *changeQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
	<-q.done
}

func (q *changeQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *changeQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		items := q.items
		q.items = nil
		closed := q.closed
		q.mu.Unlock()

		for _, it := range items {
			if it.flushed != nil {
				close(it.flushed)
				continue
			}
			q.deliver(it.change)
		}

		if len(items) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}
