package stage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/channel"
	"liminal/internal/message"
	"liminal/internal/timing"
	liminalerrors "liminal/pkg/errors"
)

type funcProcessor struct {
	init    func(ctx context.Context, pctx *Context) error
	process func(ctx context.Context, pctx *Context) error
	closed  bool
	mu      sync.Mutex
}

func (p *funcProcessor) Init(ctx context.Context, pctx *Context) error {
	if p.init == nil {
		return nil
	}
	return p.init(ctx, pctx)
}

func (p *funcProcessor) Process(ctx context.Context, pctx *Context) error {
	return p.process(ctx, pctx)
}

func (p *funcProcessor) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *funcProcessor) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// forward re-stamps every received message onto the output.
func forward() *funcProcessor {
	return &funcProcessor{process: func(ctx context.Context, pctx *Context) error {
		msg, err := pctx.Recv(ctx)
		if err != nil {
			return err
		}
		return pctx.Emit(ctx, pctx.Restamp(msg))
	}}
}

// counter emits n messages and then reports exhaustion.
func counter(n int) *funcProcessor {
	i := 0
	return &funcProcessor{process: func(ctx context.Context, pctx *Context) error {
		if i >= n {
			return ErrInputsExhausted
		}
		msg := pctx.Stamp(map[string]interface{}{"n": i}, time.Time{})
		i++
		return pctx.Emit(ctx, msg)
	}}
}

func newEngine(t *testing.T, cfg *timing.Config, name string, opts ...timing.Option) *timing.Engine {
	t.Helper()
	e, err := timing.NewEngine(cfg, name, name, opts...)
	require.NoError(t, err)
	return e
}

func subscribe(t *testing.T, ch channel.Channel, name string) Input {
	t.Helper()
	r, err := ch.Subscribe()
	require.NoError(t, err)
	return Input{Name: name, Receiver: r}
}

func drainAll(t *testing.T, r channel.Receiver) []message.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []message.Message
	for {
		m, err := r.Recv(ctx)
		if errors.Is(err, channel.ErrClosed) {
			return out
		}
		require.NoError(t, err)
		out = append(out, m)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateConstructed, "constructed"},
		{StateInitializing, "initializing"},
		{StateRunning, "running"},
		{StateDraining, "draining"},
		{StateStopped, "stopped"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
		})
	}
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, BackendThread, b)

	b, err = ParseBackend("pool")
	require.NoError(t, err)
	assert.Equal(t, BackendPool, b)

	_, err = ParseBackend("fiber")
	assert.Error(t, err)
}

func TestStageLifecycle(t *testing.T) {
	ctx := context.Background()
	in := channel.NewDirect("in", 4)
	out := channel.NewDirect("out", 4)

	var seen []State
	var st *Stage
	p := forward()
	p.init = func(context.Context, *Context) error {
		seen = append(seen, st.State())
		return nil
	}
	inner := p.process
	p.process = func(ctx context.Context, pctx *Context) error {
		if len(seen) == 1 {
			seen = append(seen, st.State())
		}
		return inner(ctx, pctx)
	}

	pctx := NewContext("fwd", []Input{subscribe(t, in, "in")}, &Output{Name: "out", Channel: out}, newEngine(t, nil, "fwd"), nil)
	st = New("fwd", "test", p, pctx, BackendThread, nil)
	assert.Equal(t, StateConstructed, st.State())

	r, err := out.Subscribe()
	require.NoError(t, err)

	require.NoError(t, in.Send(ctx, message.New("src", "in", map[string]interface{}{"v": 1}, time.Now())))
	require.NoError(t, in.Close())

	require.NoError(t, st.Run(ctx))
	assert.Equal(t, []State{StateInitializing, StateRunning}, seen)
	assert.Equal(t, StateStopped, st.State())
	assert.True(t, p.isClosed())

	msgs := drainAll(t, r)
	require.Len(t, msgs, 1)
	assert.Equal(t, "fwd", msgs[0].Source)
	seq, ok := msgs[0].Sequence()
	require.True(t, ok)
	assert.Equal(t, uint64(0), seq)
}

func TestStageInitFailureStopsOnlyThatStage(t *testing.T) {
	out := channel.NewBroadcast("out", 4)
	r, err := out.Subscribe()
	require.NoError(t, err)

	p := &funcProcessor{
		init:    func(context.Context, *Context) error { return errors.New("no broker") },
		process: func(context.Context, *Context) error { t.Fatal("process must not run"); return nil },
	}
	st := New("bad", "test", p, NewContext("bad", nil, &Output{Name: "out", Channel: out}, newEngine(t, nil, "bad"), nil), BackendThread, nil)

	err = st.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no broker")
	assert.Equal(t, StateStopped, st.State())
	assert.Equal(t, err, st.Failure())

	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, channel.ErrClosed)
}

func TestStageAbsorbsMessageErrorsAndPanics(t *testing.T) {
	ctx := context.Background()
	in := channel.NewDirect("in", 8)
	out := channel.NewDirect("out", 8)

	p := &funcProcessor{process: func(ctx context.Context, pctx *Context) error {
		msg, err := pctx.Recv(ctx)
		if err != nil {
			return err
		}
		switch msg.Payload["v"] {
		case "fail":
			return liminalerrors.ErrMessage.WithDetail("message", "bad payload")
		case "panic":
			panic("boom")
		}
		return pctx.Emit(ctx, pctx.Restamp(msg))
	}}

	st := New("s", "test", p, NewContext("s", []Input{subscribe(t, in, "in")}, &Output{Name: "out", Channel: out}, newEngine(t, nil, "s"), nil), BackendThread, nil)
	r, err := out.Subscribe()
	require.NoError(t, err)

	for _, v := range []string{"ok1", "fail", "panic", "ok2"} {
		require.NoError(t, in.Send(ctx, message.New("src", "in", map[string]interface{}{"v": v}, time.Now())))
	}
	require.NoError(t, in.Close())
	require.NoError(t, st.Run(ctx))

	msgs := drainAll(t, r)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ok1", msgs[0].Payload["v"])
	assert.Equal(t, "ok2", msgs[1].Payload["v"])

	snap := st.Snapshot()
	assert.Equal(t, uint64(2), snap.Errors)
	assert.Equal(t, uint64(2), snap.Emitted)
	assert.Equal(t, "stopped", snap.State)
}

func TestStageStopsOnConfigErrorWhileRunning(t *testing.T) {
	ctx := context.Background()
	in := channel.NewDirect("in", 4)
	p := &funcProcessor{process: func(ctx context.Context, pctx *Context) error {
		if _, err := pctx.Recv(ctx); err != nil {
			return err
		}
		return liminalerrors.ErrConfig.WithDetail("message", "unknown field mapping")
	}}
	st := New("s", "test", p, NewContext("s", []Input{subscribe(t, in, "in")}, nil, newEngine(t, nil, "s"), nil), BackendThread, nil)

	require.NoError(t, in.Send(ctx, message.New("src", "in", nil, time.Now())))
	require.NoError(t, st.Run(ctx))

	assert.Equal(t, StateStopped, st.State())
	require.Error(t, st.Failure())
	assert.True(t, liminalerrors.IsConfig(st.Failure()))
	assert.Equal(t, uint64(1), st.Snapshot().Errors)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "panic", err: liminalerrors.ErrMessage.WithCause(liminalerrors.RecoverPanic("boom")), want: "panic"},
		{name: "config", err: liminalerrors.ErrConfig, want: "config"},
		{name: "closed", err: fmt.Errorf("failed to send: %w", channel.ErrClosed), want: "channel_closed"},
		{name: "message", err: liminalerrors.ErrMessage.WithDetail("stage", "s"), want: "message"},
		{name: "plain", err: errors.New("opaque"), want: "processing"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestStageDrainsOnCancel(t *testing.T) {
	in := channel.NewDirect("in", 1)
	out := channel.NewDirect("out", 1)
	r, err := out.Subscribe()
	require.NoError(t, err)

	st := New("s", "test", forward(), NewContext("s", []Input{subscribe(t, in, "in")}, &Output{Name: "out", Channel: out}, newEngine(t, nil, "s"), nil), BackendThread, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- st.Run(ctx) }()

	require.Eventually(t, func() bool { return st.State() == StateRunning }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop after cancellation")
	}
	assert.Equal(t, StateStopped, st.State())

	_, err = r.Recv(context.Background())
	assert.ErrorIs(t, err, channel.ErrClosed)
	assert.ErrorIs(t, in.Send(context.Background(), message.New("x", "y", nil, time.Now())), channel.ErrClosed)
}

func TestRecvRoundRobin(t *testing.T) {
	ctx := context.Background()
	a := channel.NewDirect("a", 8)
	b := channel.NewDirect("b", 8)
	pctx := NewContext("fusion", []Input{subscribe(t, a, "a"), subscribe(t, b, "b")}, nil, newEngine(t, nil, "fusion"), nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Send(ctx, message.New("a", "a", nil, time.Now())))
		require.NoError(t, b.Send(ctx, message.New("b", "b", nil, time.Now())))
	}
	require.NoError(t, a.Close())
	require.NoError(t, b.Close())

	var order []string
	for {
		msg, err := pctx.Recv(ctx)
		if errors.Is(err, ErrInputsExhausted) {
			break
		}
		require.NoError(t, err)
		order = append(order, msg.Source)
	}
	assert.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestRecvSkipsClosedInputs(t *testing.T) {
	ctx := context.Background()
	a := channel.NewDirect("a", 4)
	b := channel.NewDirect("b", 4)
	pctx := NewContext("s", []Input{subscribe(t, a, "a"), subscribe(t, b, "b")}, nil, newEngine(t, nil, "s"), nil)
	require.NoError(t, a.Close())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = b.Send(ctx, message.New("b", "b", nil, time.Now()))
	}()

	msg, err := pctx.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", msg.Source)
}

func TestRecvIdleWithinQuantum(t *testing.T) {
	a := channel.NewDirect("a", 4)
	pctx := NewContext("s", []Input{subscribe(t, a, "a")}, nil, newEngine(t, nil, "s"), nil)
	pctx.setQuantum(15 * time.Millisecond)

	_, err := pctx.Recv(context.Background())
	assert.ErrorIs(t, err, ErrIdle)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pctx.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmitWithoutOutput(t *testing.T) {
	pctx := NewContext("sink", nil, nil, newEngine(t, nil, "sink"), nil)
	err := pctx.Emit(context.Background(), message.New("a", "b", nil, time.Now()))
	assert.ErrorIs(t, err, ErrNoOutput)
}

func TestEmitDropsLateMessagesBeforeSend(t *testing.T) {
	ctx := context.Background()
	cfg := &timing.Config{
		Watermark:   timing.Punctuated("wm"),
		MaxLateness: time.Second,
	}
	engine := newEngine(t, cfg, "s")
	out := channel.NewDirect("out", 8)
	r, err := out.Subscribe()
	require.NoError(t, err)
	pctx := NewContext("s", nil, &Output{Name: "out", Channel: out}, engine, nil)

	marker := message.New("x", "y", map[string]interface{}{"wm": int64(10_000)}, time.Now()).
		WithEventTime(time.UnixMilli(10_000))
	require.NoError(t, pctx.Emit(ctx, marker))
	require.True(t, engine.Watermark().Valid)

	late := message.New("x", "y", map[string]interface{}{"id": "late"}, time.Now()).
		WithEventTime(time.UnixMilli(8_000))
	require.NoError(t, pctx.Emit(ctx, late))

	onTime := message.New("x", "y", map[string]interface{}{"id": "on-time"}, time.Now()).
		WithEventTime(time.UnixMilli(9_500))
	require.NoError(t, pctx.Emit(ctx, onTime))
	require.NoError(t, out.Close())

	msgs := drainAll(t, r)
	require.Len(t, msgs, 2)
	assert.Equal(t, "on-time", msgs[1].Payload["id"])
	assert.Equal(t, uint64(1), pctx.dropped.Load())
}

func TestEmitParksWhenOutputFullOnPool(t *testing.T) {
	ctx := context.Background()
	out := channel.NewDirect("out", 1)
	r, err := out.Subscribe()
	require.NoError(t, err)
	pctx := NewContext("s", nil, &Output{Name: "out", Channel: out}, newEngine(t, nil, "s"), nil)
	pctx.setQuantum(10 * time.Millisecond)

	require.NoError(t, pctx.Emit(ctx, pctx.Stamp(map[string]interface{}{"n": 0}, time.Time{})))
	require.NoError(t, pctx.Emit(ctx, pctx.Stamp(map[string]interface{}{"n": 1}, time.Time{})))
	require.NoError(t, pctx.Emit(ctx, pctx.Stamp(map[string]interface{}{"n": 2}, time.Time{})))
	assert.True(t, pctx.hasPending())
	assert.ErrorIs(t, pctx.flush(ctx), ErrIdle)

	for want := 0; want < 3; want++ {
		m, ok := r.TryRecv()
		if !ok {
			if err := pctx.flush(ctx); err != nil {
				require.ErrorIs(t, err, ErrIdle)
			}
			m, ok = r.TryRecv()
		}
		require.True(t, ok)
		assert.Equal(t, want, m.Payload["n"])
	}
	assert.False(t, pctx.hasPending())
}

func TestSharedInputConsumersDoNotStarve(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	work := channel.NewShared("work", 1)
	names := []string{"worker-a", "worker-b"}
	counts := make([]int, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		pctx := NewContext(name, []Input{subscribe(t, work, "work")}, nil, newEngine(t, nil, name), nil)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				if _, err := pctx.Recv(ctx); err != nil {
					return
				}
				counts[i]++
			}
		}(i)
	}

	const total = 400
	for n := 0; n < total; n++ {
		require.NoError(t, work.Send(ctx, message.New("producer", "work", map[string]interface{}{"n": n}, time.Now())))
	}
	require.NoError(t, work.Close())
	wg.Wait()

	assert.Equal(t, total, counts[0]+counts[1])
	for i, c := range counts {
		assert.Greater(t, c, total/10, "%s starved", names[i])
	}
}

func TestParkedFanoutSendResumesWithoutDuplicates(t *testing.T) {
	ctx := context.Background()
	out := channel.NewFanout("out", 1)
	fast, err := out.Subscribe()
	require.NoError(t, err)
	slow, err := out.Subscribe()
	require.NoError(t, err)
	pctx := NewContext("s", nil, &Output{Name: "out", Channel: out}, newEngine(t, nil, "s"), nil)
	pctx.setQuantum(20 * time.Millisecond)

	require.NoError(t, pctx.Emit(ctx, pctx.Stamp(map[string]interface{}{"n": 1}, time.Time{})))
	m, ok := fast.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 1, m.Payload["n"])

	// fast accepts n=2, slow is still full: the send is parked half way.
	require.NoError(t, pctx.Emit(ctx, pctx.Stamp(map[string]interface{}{"n": 2}, time.Time{})))
	require.True(t, pctx.hasPending())

	m, ok = slow.TryRecv()
	require.True(t, ok)
	assert.Equal(t, 1, m.Payload["n"])
	require.NoError(t, pctx.flush(ctx))
	assert.False(t, pctx.hasPending())

	var fastGot, slowGot []interface{}
	for {
		m, ok := fast.TryRecv()
		if !ok {
			break
		}
		fastGot = append(fastGot, m.Payload["n"])
	}
	for {
		m, ok := slow.TryRecv()
		if !ok {
			break
		}
		slowGot = append(slowGot, m.Payload["n"])
	}
	assert.Equal(t, []interface{}{2}, fastGot)
	assert.Equal(t, []interface{}{2}, slowGot)
	assert.Equal(t, uint64(2), out.Stats().Sent)
}

func TestWaitUntil(t *testing.T) {
	pctx := NewContext("s", nil, nil, newEngine(t, nil, "s"), nil)
	require.NoError(t, pctx.WaitUntil(context.Background(), time.Now().Add(5*time.Millisecond)))

	pctx.setQuantum(5 * time.Millisecond)
	err := pctx.WaitUntil(context.Background(), time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrIdle)
}
