package channel

import (
	"context"
	"sync"
	"time"

	"liminal/internal/message"
)

// queue is a bounded FIFO. Receivers blocked in pop are served strictly in
// the order they started waiting: a producer hands its message to the
// longest-waiting receiver before touching the buffer.
type queue struct {
	mu       sync.Mutex
	items    []message.Message
	capacity int
	waiters  []chan message.Message
	closed   bool
	detached bool
	writable *signal
}

func newQueue(capacity int) *queue {
	return &queue{
		items:    make([]message.Message, 0, capacity),
		capacity: capacity,
		writable: newSignal(),
	}
}

// push returns how long the caller was suspended on a full buffer.
func (q *queue) push(ctx context.Context, msg message.Message) (time.Duration, error) {
	var blockedSince time.Time
	blocked := func() time.Duration {
		if blockedSince.IsZero() {
			return 0
		}
		return time.Since(blockedSince)
	}

	for {
		q.mu.Lock()
		if q.closed || q.detached {
			q.mu.Unlock()
			return blocked(), ErrClosed
		}
		if len(q.waiters) > 0 {
			w := q.waiters[0]
			q.waiters = q.waiters[1:]
			w <- msg
			q.mu.Unlock()
			return blocked(), nil
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			q.mu.Unlock()
			return blocked(), nil
		}
		wait := q.writable.wait()
		q.mu.Unlock()

		if blockedSince.IsZero() {
			blockedSince = time.Now()
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return blocked(), ctx.Err()
		}
	}
}

func (q *queue) tryPop() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *queue) popLocked() (message.Message, bool) {
	if len(q.items) == 0 {
		return message.Message{}, false
	}
	msg := q.items[0]
	q.items[0] = message.Message{}
	q.items = q.items[1:]
	q.writable.broadcast()
	return msg, true
}

func (q *queue) pop(ctx context.Context) (message.Message, error) {
	q.mu.Lock()
	if msg, ok := q.popLocked(); ok {
		q.mu.Unlock()
		return msg, nil
	}
	if q.closed {
		q.mu.Unlock()
		return message.Message{}, ErrClosed
	}
	w := make(chan message.Message, 1)
	q.waiters = append(q.waiters, w)
	q.mu.Unlock()

	select {
	case msg, ok := <-w:
		if !ok {
			return message.Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		if msg, ok := q.abandon(w); ok {
			return msg, nil
		}
		return message.Message{}, ctx.Err()
	}
}

// abandon withdraws a waiter whose context ended. A message a producer
// handed over in the meantime is returned to the waiter; pushing it back
// could overfill a buffer that producers refilled since the hand-off.
func (q *queue) abandon(w chan message.Message) (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.removeWaiterLocked(w) {
		return message.Message{}, false
	}
	msg, ok := <-w
	return msg, ok
}

func (q *queue) removeWaiterLocked(w chan message.Message) bool {
	for i, candidate := range q.waiters {
		if candidate == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *queue) done() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed && len(q.items) == 0
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
	q.writable.broadcast()
}

// detach marks the consuming side as gone; producers fail from now on.
func (q *queue) detach() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.detached {
		return
	}
	q.detached = true
	q.writable.broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// queueReceiver adapts a queue to the Receiver contract.
type queueReceiver struct {
	q       *queue
	name    string
	kind    Kind
	onClose func()
	once    sync.Once
}

func (r *queueReceiver) Recv(ctx context.Context) (message.Message, error) {
	msg, err := r.q.pop(ctx)
	if err == nil {
		incReceived(r.name, r.kind)
	}
	return msg, err
}

func (r *queueReceiver) TryRecv() (message.Message, bool) {
	msg, ok := r.q.tryPop()
	if ok {
		incReceived(r.name, r.kind)
	}
	return msg, ok
}

func (r *queueReceiver) Done() bool {
	return r.q.done()
}

func (r *queueReceiver) Close() error {
	r.once.Do(func() {
		if r.onClose != nil {
			r.onClose()
		}
	})
	return nil
}
