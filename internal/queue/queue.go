// Package queue implements the bounded four-lane priority queue feeding the
// worker pool, plus the in-flight registry that tracks tasks between dequeue
// and completion.
//
// Cross-lane selection needs a single point of serialization, so one mutex
// guards all lanes and the registry. Waiting consumers are woken through a
// buffered signal channel; nothing in this package polls.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/task"
)

// DefaultMaxDepth bounds total queued tasks when the config does not say
// otherwise.
const DefaultMaxDepth = 1024

var (
	// ErrFull means the queue is at capacity; callers get backpressure
	// instead of unbounded growth.
	ErrFull = errors.New("queue full")
	// ErrClosed means the queue has been shut down and drained.
	ErrClosed = errors.New("queue closed")
	// ErrDuplicateTask means the task ID is already queued or in flight.
	ErrDuplicateTask = errors.New("task already queued")
)

// Inflight is one dequeued-but-not-completed task.
type Inflight struct {
	Request   task.TaskRequest `json:"request"`
	StartedAt time.Time        `json:"started_at"`
}

// Queue is a strict-priority FIFO queue: critical drains before high, high
// before medium, medium before low, FIFO within each lane.
type Queue struct {
	mu       sync.Mutex
	lanes    [task.NumPriorities][]task.TaskRequest
	queued   map[string]struct{}
	inflight map[string]Inflight
	maxDepth int
	closed   bool

	// wake carries at most one pending signal; Dequeue re-arms it while
	// work remains so a single signal never strands other waiters.
	wake chan struct{}
	done chan struct{}
}

// New creates a queue bounded at maxDepth total queued tasks; non-positive
// depths fall back to DefaultMaxDepth.
func New(maxDepth int) *Queue {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Queue{
		queued:   make(map[string]struct{}),
		inflight: make(map[string]Inflight),
		maxDepth: maxDepth,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Enqueue appends the request to its priority lane. It returns ErrFull at
// capacity, ErrClosed after Close, and ErrDuplicateTask if the ID is already
// queued or in flight.
func (q *Queue) Enqueue(req task.TaskRequest) error {
	if !req.Priority.Valid() {
		req.Priority = task.PriorityMedium
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.pendingLocked() >= q.maxDepth {
		q.mu.Unlock()
		return ErrFull
	}
	if _, ok := q.queued[req.TaskID]; ok {
		q.mu.Unlock()
		return ErrDuplicateTask
	}
	if _, ok := q.inflight[req.TaskID]; ok {
		q.mu.Unlock()
		return ErrDuplicateTask
	}
	q.lanes[req.Priority.Lane()] = append(q.lanes[req.Priority.Lane()], req)
	q.queued[req.TaskID] = struct{}{}
	q.mu.Unlock()

	q.signal()
	return nil
}

// Dequeue blocks until a task is available, the context ends, or the queue
// is closed and empty. The returned task is registered in flight atomically
// with the pop; callers must Complete it.
func (q *Queue) Dequeue(ctx context.Context) (task.TaskRequest, error) {
	for {
		q.mu.Lock()
		if req, ok := q.popLocked(); ok {
			q.inflight[req.TaskID] = Inflight{Request: req, StartedAt: time.Now()}
			remaining := q.pendingLocked() > 0
			q.mu.Unlock()
			if remaining {
				q.signal()
			}
			return req, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return task.TaskRequest{}, ErrClosed
		}

		select {
		case <-q.wake:
		case <-q.done:
			// Loop once more to drain anything enqueued before Close.
		case <-ctx.Done():
			return task.TaskRequest{}, ctx.Err()
		}
	}
}

// TryDequeue is the non-blocking variant of Dequeue.
func (q *Queue) TryDequeue() (task.TaskRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	req, ok := q.popLocked()
	if ok {
		q.inflight[req.TaskID] = Inflight{Request: req, StartedAt: time.Now()}
	}
	return req, ok
}

// Complete removes a task from the in-flight registry, reporting whether it
// was there.
func (q *Queue) Complete(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[taskID]
	delete(q.inflight, taskID)
	return ok
}

// Close rejects further enqueues and wakes every blocked consumer. Already
// queued tasks can still be dequeued; once empty, Dequeue returns ErrClosed.
// Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

// Depths returns the queued count per priority lane, keyed by lane name.
func (q *Queue) Depths() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, task.NumPriorities)
	for p := task.PriorityCritical; p <= task.PriorityLow; p++ {
		out[p.String()] = len(q.lanes[p.Lane()])
	}
	return out
}

// Pending returns the total queued count across lanes, excluding in-flight
// tasks.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

// InFlightCount returns the number of dequeued-but-uncompleted tasks.
func (q *Queue) InFlightCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inflight)
}

// InFlight returns the in-flight entries ordered by dequeue time.
func (q *Queue) InFlight() []Inflight {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Inflight, 0, len(q.inflight))
	for _, inf := range q.inflight {
		out = append(out, inf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// popLocked removes and returns the head of the highest-priority non-empty
// lane. Caller holds q.mu.
func (q *Queue) popLocked() (task.TaskRequest, bool) {
	for lane := range q.lanes {
		if len(q.lanes[lane]) == 0 {
			continue
		}
		req := q.lanes[lane][0]
		q.lanes[lane] = q.lanes[lane][1:]
		delete(q.queued, req.TaskID)
		return req, true
	}
	return task.TaskRequest{}, false
}

// pendingLocked counts queued tasks. Caller holds q.mu.
func (q *Queue) pendingLocked() int {
	n := 0
	for lane := range q.lanes {
		n += len(q.lanes[lane])
	}
	return n
}

// signal arms the wake channel without blocking; one pending signal is
// enough because Dequeue re-arms while work remains.
func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
