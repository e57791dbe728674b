package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"liminal/internal/message"
)

// Direct is a bounded single-consumer queue. Senders wait while it is full.
type Direct struct {
	name       string
	q          *queue
	mu         sync.Mutex
	subscribed bool
	sent       atomic.Uint64
}

func NewDirect(name string, capacity int) *Direct {
	return &Direct{name: name, q: newQueue(capacity)}
}

func (d *Direct) Name() string { return d.name }
func (d *Direct) Kind() Kind   { return KindDirect }

func (d *Direct) Send(ctx context.Context, msg message.Message) error {
	blocked, err := d.q.push(ctx, msg)
	if err != nil {
		return err
	}
	d.sent.Add(1)
	incSent(d.name, KindDirect, blocked)
	return nil
}

func (d *Direct) Subscribe() (Receiver, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.subscribed {
		return nil, ErrAlreadySubscribed
	}
	d.subscribed = true
	return &queueReceiver{q: d.q, name: d.name, kind: KindDirect, onClose: d.q.detach}, nil
}

func (d *Direct) Close() error {
	d.q.close()
	return nil
}

func (d *Direct) Stats() Stats {
	d.mu.Lock()
	subscribers := 0
	if d.subscribed {
		subscribers = 1
	}
	d.mu.Unlock()
	return Stats{
		Name:        d.name,
		Kind:        KindDirect,
		Capacity:    d.q.capacity,
		Buffered:    d.q.len(),
		Subscribers: subscribers,
		Sent:        d.sent.Load(),
		Closed:      d.q.isClosed(),
	}
}
