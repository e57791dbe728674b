package stage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liminal/internal/channel"
)

type collector struct {
	mu   sync.Mutex
	seen []int
}

func (c *collector) processor() *funcProcessor {
	return &funcProcessor{process: func(ctx context.Context, pctx *Context) error {
		msg, err := pctx.Recv(ctx)
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.seen = append(c.seen, msg.Payload["n"].(int))
		c.mu.Unlock()
		return nil
	}}
}

func (c *collector) values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, len(c.seen))
	copy(out, c.seen)
	return out
}

// buildChain wires counter -> forward -> collector over direct channels.
func buildChain(t *testing.T, sched *Scheduler, backend Backend, n int) *collector {
	t.Helper()
	src := channel.NewDirect("src", 1)
	mid := channel.NewDirect("mid", 1)

	col := &collector{}
	stages := []*Stage{
		New("source", "counter", counter(n),
			NewContext("source", nil, &Output{Name: "src", Channel: src}, newEngine(t, nil, "source"), nil), backend, nil),
		New("relay", "forward", forward(),
			NewContext("relay", []Input{subscribe(t, src, "src")}, &Output{Name: "mid", Channel: mid}, newEngine(t, nil, "relay"), nil), backend, nil),
		New("sink", "collect", col.processor(),
			NewContext("sink", []Input{subscribe(t, mid, "mid")}, nil, newEngine(t, nil, "sink"), nil), backend, nil),
	}
	for _, st := range stages {
		require.NoError(t, sched.Add(st))
	}
	return col
}

func TestSchedulerBackends(t *testing.T) {
	tests := []struct {
		name     string
		backend  Backend
		poolSize int
	}{
		{name: "thread", backend: BackendThread},
		{name: "pool single worker", backend: BackendPool, poolSize: 1},
		{name: "pool several workers", backend: BackendPool, poolSize: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched := NewScheduler(SchedulerConfig{PoolSize: tt.poolSize, Quantum: 5 * time.Millisecond}, nil)
			col := buildChain(t, sched, tt.backend, 20)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			require.NoError(t, sched.Run(ctx))

			want := make([]int, 20)
			for i := range want {
				want[i] = i
			}
			assert.Equal(t, want, col.values())
			for _, snap := range sched.Snapshot() {
				assert.Equal(t, "stopped", snap.State, snap.Name)
			}
		})
	}
}

func TestSchedulerCancellationStopsEveryStage(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{PoolSize: 2, Quantum: 5 * time.Millisecond}, nil)

	in := channel.NewShared("in", 4)
	for _, backend := range []Backend{BackendThread, BackendPool} {
		name := string(backend)
		require.NoError(t, sched.Add(New(name, "forward", forward(),
			NewContext(name, []Input{subscribe(t, in, "in")}, nil, newEngine(t, nil, name), nil), backend, nil)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, snap := range sched.Snapshot() {
			if snap.State != "running" {
				return false
			}
		}
		return true
	}, 2*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			assert.ErrorIs(t, err, context.Canceled)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	for _, snap := range sched.Snapshot() {
		assert.Equal(t, "stopped", snap.State)
	}
}

func TestSchedulerReportsInitFailures(t *testing.T) {
	sched := NewScheduler(SchedulerConfig{}, nil)
	failing := &funcProcessor{
		init:    func(context.Context, *Context) error { return errors.New("unreachable host") },
		process: func(context.Context, *Context) error { return nil },
	}
	require.NoError(t, sched.Add(New("bad", "test", failing, NewContext("bad", nil, nil, newEngine(t, nil, "bad"), nil), BackendPool, nil)))
	col := &collector{}
	require.NoError(t, sched.Add(New("empty", "collect", col.processor(), NewContext("empty", nil, nil, newEngine(t, nil, "empty"), nil), BackendThread, nil)))

	err := sched.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unreachable host")

	err = sched.Add(New("late", "test", failing, NewContext("late", nil, nil, newEngine(t, nil, "late"), nil), BackendThread, nil))
	assert.Error(t, err)
}
