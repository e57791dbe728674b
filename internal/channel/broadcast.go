package channel

import (
	"context"
	"sync"

	"liminal/internal/message"
	"liminal/pkg/metrics"
)

// Broadcast is a fixed-size ring. Send never blocks; when the ring is full
// the oldest entry is overwritten and consumers that had not read it skip
// ahead. Every subscriber sees messages sent after it subscribed.
type Broadcast struct {
	name   string
	mu     sync.Mutex
	ring   []message.Message
	head   uint64
	closed bool
	subs   int
	notify *signal
}

func NewBroadcast(name string, capacity int) *Broadcast {
	return &Broadcast{
		name:   name,
		ring:   make([]message.Message, capacity),
		notify: newSignal(),
	}
}

func (b *Broadcast) Name() string { return b.name }
func (b *Broadcast) Kind() Kind   { return KindBroadcast }

func (b *Broadcast) Send(_ context.Context, msg message.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.ring[b.head%uint64(len(b.ring))] = msg
	b.head++
	b.notify.broadcast()
	b.mu.Unlock()

	incSent(b.name, KindBroadcast, 0)
	return nil
}

func (b *Broadcast) Subscribe() (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	b.subs++
	return &broadcastReceiver{b: b, cursor: b.head}, nil
}

func (b *Broadcast) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.notify.broadcast()
	return nil
}

func (b *Broadcast) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	buffered := len(b.ring)
	if b.head < uint64(buffered) {
		buffered = int(b.head)
	}
	return Stats{
		Name:        b.name,
		Kind:        KindBroadcast,
		Capacity:    len(b.ring),
		Buffered:    buffered,
		Subscribers: b.subs,
		Sent:        b.head,
		Closed:      b.closed,
	}
}

type broadcastReceiver struct {
	b       *Broadcast
	cursor  uint64
	skipped uint64
	once    sync.Once
}

// Skipped reports how many messages this receiver lost to overwrites.
func (r *broadcastReceiver) Skipped() uint64 {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.skipped
}

func (r *broadcastReceiver) nextLocked() (message.Message, bool) {
	b := r.b
	capacity := uint64(len(b.ring))
	if b.head > capacity && r.cursor < b.head-capacity {
		lost := b.head - capacity - r.cursor
		r.skipped += lost
		r.cursor = b.head - capacity
		metrics.AddChannelOverwritten(b.name, lost)
	}
	if r.cursor >= b.head {
		return message.Message{}, false
	}
	msg := b.ring[r.cursor%capacity].Clone()
	r.cursor++
	return msg, true
}

func (r *broadcastReceiver) TryRecv() (message.Message, bool) {
	r.b.mu.Lock()
	msg, ok := r.nextLocked()
	r.b.mu.Unlock()
	if ok {
		incReceived(r.b.name, KindBroadcast)
	}
	return msg, ok
}

func (r *broadcastReceiver) Recv(ctx context.Context) (message.Message, error) {
	for {
		r.b.mu.Lock()
		if msg, ok := r.nextLocked(); ok {
			r.b.mu.Unlock()
			incReceived(r.b.name, KindBroadcast)
			return msg, nil
		}
		if r.b.closed {
			r.b.mu.Unlock()
			return message.Message{}, ErrClosed
		}
		wait := r.b.notify.wait()
		r.b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		}
	}
}

func (r *broadcastReceiver) Done() bool {
	r.b.mu.Lock()
	defer r.b.mu.Unlock()
	return r.b.closed && r.cursor >= r.b.head
}

func (r *broadcastReceiver) Close() error {
	r.once.Do(func() {
		r.b.mu.Lock()
		r.b.subs--
		r.b.mu.Unlock()
	})
	return nil
}
