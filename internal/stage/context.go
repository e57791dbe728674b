package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"liminal/internal/channel"
	"liminal/internal/logger"
	"liminal/internal/message"
	"liminal/internal/timing"
	"liminal/pkg/metrics"
)

var (
	ErrNoOutput        = errors.New("stage has no output channel")
	ErrInputsExhausted = errors.New("all inputs are closed and drained")
	// ErrIdle reports that nothing was ready within the scheduling quantum.
	ErrIdle = errors.New("no input ready within scheduling quantum")
)

const defaultPollInterval = 5 * time.Millisecond

type Input struct {
	Name     string
	Receiver channel.Receiver
}

type Output struct {
	Name    string
	Channel channel.Channel
}

// Context is what a processor sees of its stage: its inputs, its output and
// the timing engine that stamps what it produces.
type Context struct {
	name     string
	inputs   []Input
	output   *Output
	metadata map[string]string
	engine   *timing.Engine
	logger   logger.Logger

	next         int
	quantum      time.Duration
	pollInterval time.Duration
	pending      []channel.Delivery

	emitted atomic.Uint64
	dropped atomic.Uint64
}

func NewContext(name string, inputs []Input, output *Output, engine *timing.Engine, log logger.Logger) *Context {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Context{
		name:         name,
		inputs:       inputs,
		output:       output,
		metadata:     make(map[string]string),
		engine:       engine,
		logger:       log,
		pollInterval: defaultPollInterval,
	}
}

func (c *Context) Name() string            { return c.name }
func (c *Context) Inputs() []Input         { return c.inputs }
func (c *Context) Output() *Output         { return c.output }
func (c *Context) Engine() *timing.Engine  { return c.engine }
func (c *Context) Logger() logger.Logger   { return c.logger }
func (c *Context) Quantum() time.Duration  { return c.quantum }
func (c *Context) SetMetadata(k, v string) { c.metadata[k] = v }

func (c *Context) Metadata() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

func (c *Context) setQuantum(q time.Duration) {
	c.quantum = q
}

// Bounded derives a context that expires after the scheduling quantum. On
// the thread backend there is no quantum and the result only follows ctx.
func (c *Context) Bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.quantum <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.quantum)
}

// Idle maps an expired bounded wait to ErrIdle while ctx is still live.
func (c *Context) Idle(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrIdle
	}
	return err
}

// Recv returns the next message from the stage inputs. The scan starts after
// the input that delivered last so that a busy input cannot starve the
// others. When nothing is ready the stage waits in the blocking receive of
// the next live input, which queues it behind consumers of a shared channel
// that started waiting earlier. With several inputs that wait is cut at the
// poll interval and the inputs are scanned again.
func (c *Context) Recv(ctx context.Context) (message.Message, error) {
	if len(c.inputs) == 0 {
		return message.Message{}, ErrInputsExhausted
	}

	waitCtx, cancel := c.Bounded(ctx)
	defer cancel()

	for {
		msg, ok, live := c.scan()
		if ok {
			return msg, nil
		}
		if live < 0 {
			return message.Message{}, ErrInputsExhausted
		}

		msg, err := c.waitOn(waitCtx, live)
		switch {
		case err == nil:
			c.next = (live + 1) % len(c.inputs)
			return msg, nil
		case waitCtx.Err() != nil:
			return message.Message{}, c.Idle(ctx, waitCtx.Err())
		case errors.Is(err, channel.ErrClosed), errors.Is(err, context.DeadlineExceeded):
			continue
		default:
			return message.Message{}, err
		}
	}
}

func (c *Context) waitOn(ctx context.Context, idx int) (message.Message, error) {
	if len(c.inputs) == 1 {
		return c.inputs[idx].Receiver.Recv(ctx)
	}
	pollCtx, cancel := context.WithTimeout(ctx, c.pollInterval)
	defer cancel()
	return c.inputs[idx].Receiver.Recv(pollCtx)
}

// scan tries every input once. live is the index of the first input, in
// scan order, that may still deliver, or -1.
func (c *Context) scan() (message.Message, bool, int) {
	n := len(c.inputs)
	live := -1
	for i := 0; i < n; i++ {
		idx := (c.next + i) % n
		r := c.inputs[idx].Receiver
		if msg, ok := r.TryRecv(); ok {
			c.next = (idx + 1) % n
			return msg, true, -1
		}
		if live < 0 && !r.Done() {
			live = idx
		}
	}
	return message.Message{}, false, live
}

// WaitUntil sleeps until t. It returns ErrIdle when the quantum ends first.
func (c *Context) WaitUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return nil
	}
	waitCtx, cancel := c.Bounded(ctx)
	defer cancel()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-waitCtx.Done():
		return c.Idle(ctx, waitCtx.Err())
	}
}

func (c *Context) Stamp(payload map[string]interface{}, captured time.Time) message.Message {
	return c.engine.Stamp(payload, captured)
}

func (c *Context) Restamp(msg message.Message) message.Message {
	return c.engine.Restamp(msg)
}

// Emit hands msg to the output channel unless the timing policy drops it.
// A dropped message is not an error.
func (c *Context) Emit(ctx context.Context, msg message.Message) error {
	if c.output == nil {
		return ErrNoOutput
	}

	if drop, reason := c.engine.ShouldDrop(msg); drop {
		c.engine.RecordDrop(reason)
		c.dropped.Add(1)
		metrics.IncStageMessages(c.name, "dropped")
		c.logger.DebugwCtx(ctx, "Message dropped", "message_id", msg.ID, "reason", reason.String())
		return nil
	}
	c.engine.AdvanceWatermark(msg)
	c.engine.ObserveLatency(msg)

	delivery := channel.Begin(c.output.Channel, msg)
	if len(c.pending) > 0 {
		c.pending = append(c.pending, delivery)
		return nil
	}
	return c.send(ctx, delivery)
}

func (c *Context) send(ctx context.Context, delivery channel.Delivery) error {
	if c.quantum <= 0 {
		if err := delivery.Resume(ctx); err != nil {
			return err
		}
		c.markEmitted()
		return nil
	}

	sendCtx, cancel := context.WithTimeout(ctx, c.quantum)
	defer cancel()
	err := delivery.Resume(sendCtx)
	switch {
	case err == nil:
		c.markEmitted()
		return nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The consumer may be waiting for this worker; park the delivery.
		c.pending = append(c.pending, delivery)
		return nil
	default:
		return err
	}
}

func (c *Context) hasPending() bool {
	return len(c.pending) > 0
}

// flush resumes parked deliveries in order. It returns ErrIdle if the output
// is still full at the end of the quantum.
func (c *Context) flush(ctx context.Context) error {
	for len(c.pending) > 0 {
		sendCtx, cancel := c.Bounded(ctx)
		err := c.pending[0].Resume(sendCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return ErrIdle
			}
			return err
		}
		c.pending[0] = nil
		c.pending = c.pending[1:]
		c.markEmitted()
	}
	c.pending = nil
	return nil
}

func (c *Context) markEmitted() {
	c.emitted.Add(1)
	metrics.IncStageMessages(c.name, "emitted")
}

func (c *Context) closeInputs() {
	for _, in := range c.inputs {
		_ = in.Receiver.Close()
	}
}
