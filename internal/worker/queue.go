package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mtzanidakis/agora/internal/store"
)

var ErrQueueClosed = errors.New("queue closed")

// Queue is the in-process FIFO feeding the consumer loop. A task id is held
// at most once while queued. Priority is stored on the task but not used
// for ordering.
type Queue struct {
	mu     sync.Mutex
	items  []*store.Task
	ids    map[string]struct{}
	notify chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{
		ids:    make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
}

// Push appends t. It reports false when a task with the same id is already
// queued.
func (q *Queue) Push(t *store.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrQueueClosed
	}
	if _, ok := q.ids[t.ID]; ok {
		return false, nil
	}
	q.items = append(q.items, t)
	q.ids[t.ID] = struct{}{}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true, nil
}

// Pop waits up to wait for a task. It returns false on timeout, when ctx is
// done, or once the queue is closed and drained.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (*store.Task, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			delete(q.ids, t.ID)
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.notify:
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.ids[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and wakes a waiting consumer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
