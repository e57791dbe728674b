package processor

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"liminal/internal/channel"
	"liminal/internal/config"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/internal/timing"
	"liminal/pkg/retry"
)

// harness wires one processor between an optional input channel and an
// output channel, the way the pipeline does.
type harness struct {
	t      *testing.T
	name   string
	proc   stage.Processor
	pctx   *stage.Context
	in     channel.Channel
	out    channel.Receiver
	stdout *bytes.Buffer
}

func testDeps(stdout *bytes.Buffer) Deps {
	return Deps{
		Stdout: stdout,
		Retry: retry.Policy{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			MaxInterval:     time.Millisecond,
			Multiplier:      1,
			MaxElapsedTime:  time.Second,
		},
	}
}

func build(t *testing.T, kind string, role config.Role, params map[string]interface{}) (stage.Processor, *bytes.Buffer) {
	t.Helper()
	stdout := &bytes.Buffer{}
	return buildWith(t, testDeps(stdout), kind, role, params), stdout
}

func buildWith(t *testing.T, deps Deps, kind string, role config.Role, params map[string]interface{}) stage.Processor {
	t.Helper()
	reg, err := NewRegistry(deps)
	require.NoError(t, err)
	p, err := reg.Build(Spec{
		Name:   "under-test",
		Role:   role,
		Config: config.StageConfig{Type: kind, Parameters: params},
	})
	require.NoError(t, err)
	return p
}

func newHarness(t *testing.T, kind string, role config.Role, params map[string]interface{}) *harness {
	t.Helper()
	proc, stdout := build(t, kind, role, params)
	h := attach(t, proc, role)
	h.stdout = stdout
	require.NoError(t, proc.Init(context.Background(), h.pctx))
	return h
}

// attach wires proc without running Init.
func attach(t *testing.T, proc stage.Processor, role config.Role) *harness {
	t.Helper()
	h := &harness{t: t, name: "under-test", proc: proc}

	var inputs []stage.Input
	if role != config.RoleInput {
		h.in = channel.NewDirect("in", 64)
		r, err := h.in.Subscribe()
		require.NoError(t, err)
		inputs = append(inputs, stage.Input{Name: "in", Receiver: r})
	}

	var output *stage.Output
	if role != config.RoleOutput {
		out := channel.NewDirect(h.name, 64)
		r, err := out.Subscribe()
		require.NoError(t, err)
		h.out = r
		output = &stage.Output{Name: h.name, Channel: out}
	}

	engine, err := timing.NewEngine(nil, h.name, h.name)
	require.NoError(t, err)
	h.pctx = stage.NewContext(h.name, inputs, output, engine, nil)

	t.Cleanup(func() {
		if c, ok := proc.(stage.Closer); ok {
			_ = c.Close(context.Background())
		}
	})
	return h
}

func (h *harness) send(payload map[string]interface{}) message.Message {
	h.t.Helper()
	msg := message.New("upstream", "upstream", payload, time.Now())
	require.NoError(h.t, h.in.Send(context.Background(), msg))
	return msg
}

// step runs one Process call with a deadline.
func (h *harness) step() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.proc.Process(ctx, h.pctx)
}

// next returns the next emitted message or fails after a short wait.
func (h *harness) next() message.Message {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := h.out.Recv(ctx)
	require.NoError(h.t, err)
	return msg
}

// none asserts that nothing was emitted.
func (h *harness) none() {
	h.t.Helper()
	_, ok := h.out.TryRecv()
	require.False(h.t, ok, "unexpected message on output")
}

// through sends payload, runs one step and returns what came out, if
// anything.
func (h *harness) through(payload map[string]interface{}) (message.Message, bool) {
	h.t.Helper()
	h.send(payload)
	require.NoError(h.t, h.step())
	msg, ok := h.out.TryRecv()
	return msg, ok
}
