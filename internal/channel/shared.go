package channel

import (
	"context"
	"sync"
	"sync/atomic"

	"liminal/internal/message"
)

// Shared is a bounded work queue: each message goes to exactly one of the
// subscribers. Blocked subscribers are served first-come first-served.
type Shared struct {
	name string
	q    *queue
	mu   sync.Mutex
	live int
	sent atomic.Uint64
}

func NewShared(name string, capacity int) *Shared {
	return &Shared{name: name, q: newQueue(capacity)}
}

func (s *Shared) Name() string { return s.name }
func (s *Shared) Kind() Kind   { return KindShared }

func (s *Shared) Send(ctx context.Context, msg message.Message) error {
	blocked, err := s.q.push(ctx, msg)
	if err != nil {
		return err
	}
	s.sent.Add(1)
	incSent(s.name, KindShared, blocked)
	return nil
}

func (s *Shared) Subscribe() (Receiver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live++
	return &queueReceiver{q: s.q, name: s.name, kind: KindShared, onClose: s.unsubscribe}, nil
}

func (s *Shared) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live--
	if s.live == 0 {
		s.q.detach()
	}
}

func (s *Shared) Close() error {
	s.q.close()
	return nil
}

func (s *Shared) Stats() Stats {
	s.mu.Lock()
	live := s.live
	s.mu.Unlock()
	return Stats{
		Name:        s.name,
		Kind:        KindShared,
		Capacity:    s.q.capacity,
		Buffered:    s.q.len(),
		Subscribers: live,
		Sent:        s.sent.Load(),
		Closed:      s.q.isClosed(),
	}
}
