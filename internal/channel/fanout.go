package channel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"liminal/internal/message"
)

// Fanout gives every subscriber its own bounded queue and its own copy of
// each message. Send returns once every live subscriber has accepted it.
type Fanout struct {
	name     string
	capacity int
	mu       sync.Mutex
	subs     []*queue
	closed   bool
	sent     atomic.Uint64
}

func NewFanout(name string, capacity int) *Fanout {
	return &Fanout{name: name, capacity: capacity}
}

func (f *Fanout) Name() string { return f.name }
func (f *Fanout) Kind() Kind   { return KindFanout }

func (f *Fanout) Send(ctx context.Context, msg message.Message) error {
	return f.begin(msg).Resume(ctx)
}

func (f *Fanout) begin(msg message.Message) Delivery {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return failedDelivery{err: ErrClosed}
	}
	subs := make([]*queue, len(f.subs))
	copy(subs, f.subs)
	return &fanoutDelivery{f: f, msg: msg, subs: subs}
}

// fanoutDelivery remembers which subscriber queues already accepted the
// message, so a resumed send only pushes to the remaining ones.
type fanoutDelivery struct {
	f         *Fanout
	msg       message.Message
	subs      []*queue
	next      int
	delivered int
	blocked   time.Duration
	finished  bool
}

func (d *fanoutDelivery) Resume(ctx context.Context) error {
	if d.finished {
		return nil
	}
	for d.next < len(d.subs) {
		waited, err := d.subs[d.next].push(ctx, d.msg.Clone())
		d.blocked += waited
		if err != nil && !errors.Is(err, ErrClosed) {
			return err
		}
		if err == nil {
			d.delivered++
		}
		d.next++
	}
	if len(d.subs) > 0 && d.delivered == 0 {
		return ErrClosed
	}

	d.finished = true
	d.f.sent.Add(1)
	incSent(d.f.name, KindFanout, d.blocked)
	return nil
}

func (f *Fanout) Subscribe() (Receiver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosed
	}
	q := newQueue(f.capacity)
	f.subs = append(f.subs, q)
	return &queueReceiver{q: q, name: f.name, kind: KindFanout, onClose: q.detach}, nil
}

func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	for _, q := range f.subs {
		q.close()
	}
	return nil
}

func (f *Fanout) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	buffered := 0
	for _, q := range f.subs {
		if n := q.len(); n > buffered {
			buffered = n
		}
	}
	return Stats{
		Name:        f.name,
		Kind:        KindFanout,
		Capacity:    f.capacity,
		Buffered:    buffered,
		Subscribers: len(f.subs),
		Sent:        f.sent.Load(),
		Closed:      f.closed,
	}
}
