package channel

import (
	"context"
	"errors"
	"fmt"

	"liminal/internal/message"
	liminalerrors "liminal/pkg/errors"
)

type Kind string

const (
	KindBroadcast Kind = "broadcast"
	KindDirect    Kind = "direct"
	KindShared    Kind = "shared"
	KindFanout    Kind = "fanout"
)

const DefaultCapacity = 128

var (
	ErrClosed            = liminalerrors.ErrChannelClosed
	ErrAlreadySubscribed = errors.New("direct channel already has a consumer")
	ErrInvalidCapacity   = errors.New("channel capacity must be positive")
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case "":
		return KindBroadcast, nil
	case KindBroadcast, KindDirect, KindShared, KindFanout:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown channel type %q (supported: broadcast, direct, shared, fanout)", s)
	}
}

// Channel carries messages from one producing stage to its consumers.
type Channel interface {
	Name() string
	Kind() Kind
	// Send delivers msg according to the channel discipline. It fails with
	// ErrClosed after Close or once no consumer can ever read again.
	Send(ctx context.Context, msg message.Message) error
	Subscribe() (Receiver, error)
	Close() error
	Stats() Stats
}

// Delivery is one message on its way into a channel. When a Resume is cut
// off by its context, a later Resume continues where it stopped: consumers
// that already accepted the message do not receive it again.
type Delivery interface {
	Resume(ctx context.Context) error
}

// Begin starts delivering msg on ch. Nothing is sent until Resume.
func Begin(ch Channel, msg message.Message) Delivery {
	if f, ok := ch.(*Fanout); ok {
		return f.begin(msg)
	}
	return sendDelivery{ch: ch, msg: msg}
}

// sendDelivery retries a whole Send. Every kind except fanout hands a
// message to a single queue or ring, so a cancelled Send delivered nothing.
type sendDelivery struct {
	ch  Channel
	msg message.Message
}

func (d sendDelivery) Resume(ctx context.Context) error {
	return d.ch.Send(ctx, d.msg)
}

type failedDelivery struct {
	err error
}

func (d failedDelivery) Resume(context.Context) error {
	return d.err
}

// Receiver is one consumer's handle. Messages are observed in the order
// they were sent on the channel.
type Receiver interface {
	// Recv blocks until a message is available. It returns ErrClosed once
	// the channel is closed and drained for this consumer.
	Recv(ctx context.Context) (message.Message, error)
	TryRecv() (message.Message, bool)
	// Done reports whether the channel is closed and drained.
	Done() bool
	Close() error
}

type Stats struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Capacity    int    `json:"capacity"`
	Buffered    int    `json:"buffered"`
	Subscribers int    `json:"subscribers"`
	Sent        uint64 `json:"sent"`
	Closed      bool   `json:"closed"`
}

type Config struct {
	Type     Kind
	Capacity int
}

// New builds the channel variant named by cfg.Type.
func New(name string, cfg Config) (Channel, error) {
	kind, err := ParseKind(string(cfg.Type))
	if err != nil {
		return nil, err
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("channel %q: %w, got %d", name, ErrInvalidCapacity, cfg.Capacity)
	}

	switch kind {
	case KindBroadcast:
		return NewBroadcast(name, cfg.Capacity), nil
	case KindDirect:
		return NewDirect(name, cfg.Capacity), nil
	case KindShared:
		return NewShared(name, cfg.Capacity), nil
	case KindFanout:
		return NewFanout(name, cfg.Capacity), nil
	default:
		return nil, fmt.Errorf("unsupported channel type %q", kind)
	}
}

// signal wakes every goroutine waiting on the current generation. It must
// be used under the owner's lock.
type signal struct {
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) wait() <-chan struct{} {
	return s.ch
}

func (s *signal) broadcast() {
	close(s.ch)
	s.ch = make(chan struct{})
}
