package stage

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"liminal/internal/logger"
)

const (
	DefaultPoolSize = 4
	DefaultQuantum  = 10 * time.Millisecond
)

type SchedulerConfig struct {
	PoolSize int
	Quantum  time.Duration
}

// Scheduler runs a fixed set of stages. Thread-backed stages own an OS
// thread each; pool-backed stages share PoolSize workers and run one step
// at a time from a run queue.
type Scheduler struct {
	cfg    SchedulerConfig
	logger logger.Logger
	runID  string

	mu      sync.Mutex
	stages  []*Stage
	started bool
}

func NewScheduler(cfg SchedulerConfig, log logger.Logger) *Scheduler {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.Quantum <= 0 {
		cfg.Quantum = DefaultQuantum
	}
	if log == nil {
		log = logger.NopLogger()
	}
	return &Scheduler{cfg: cfg, logger: log, runID: uuid.NewString()}
}

func (s *Scheduler) RunID() string {
	return s.runID
}

func (s *Scheduler) Add(st *Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	if st.Backend() == BackendPool {
		st.Context().setQuantum(s.cfg.Quantum)
	}
	s.stages = append(s.stages, st)
	return nil
}

func (s *Scheduler) Stages() []*Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Stage, len(s.stages))
	copy(out, s.stages)
	return out
}

// Run blocks until every stage has stopped. Cancelling ctx drains all
// stages. Stages that failed to initialize are reported together.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	stages := make([]*Stage, len(s.stages))
	copy(stages, s.stages)
	s.mu.Unlock()

	s.logger.Infow("Scheduler starting", "run_id", s.runID, "stages", len(stages), "pool_size", s.cfg.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	var pooled []*Stage
	for _, st := range stages {
		if st.Backend() == BackendPool {
			pooled = append(pooled, st)
			continue
		}
		st := st
		g.Go(func() error {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if err := st.Run(gctx); err != nil {
				s.logger.Errorw("Stage failed", "stage", st.Name(), "error", err)
			}
			return nil
		})
	}
	if len(pooled) > 0 {
		s.runPool(gctx, g, pooled)
	}

	err := g.Wait()

	var failures []error
	for _, st := range stages {
		if ferr := st.Failure(); ferr != nil {
			failures = append(failures, ferr)
		}
	}
	s.logger.Infow("Scheduler stopped", "run_id", s.runID, "failed_stages", len(failures))
	return errors.Join(append([]error{err}, failures...)...)
}

func (s *Scheduler) runPool(ctx context.Context, g *errgroup.Group, stages []*Stage) {
	runq := make(chan *Stage, len(stages))
	for _, st := range stages {
		runq <- st
	}
	var remaining atomic.Int64
	remaining.Store(int64(len(stages)))

	workers := s.cfg.PoolSize
	if workers > len(stages) {
		workers = len(stages)
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for st := range runq {
				if s.slice(ctx, st) {
					if remaining.Add(-1) == 0 {
						close(runq)
					}
					continue
				}
				runq <- st
			}
			return nil
		})
	}
}

// slice runs one step of st and reports whether the stage has stopped.
func (s *Scheduler) slice(ctx context.Context, st *Stage) bool {
	ctx = withStage(ctx, st)
	if st.State() == StateConstructed {
		if err := st.init(ctx); err != nil {
			s.logger.Errorw("Stage failed", "stage", st.Name(), "error", err)
			return true
		}
	}
	if st.step(ctx) == stepDrain {
		st.drain(ctx)
		return true
	}
	return false
}

func (s *Scheduler) Snapshot() []Snapshot {
	stages := s.Stages()
	out := make([]Snapshot, 0, len(stages))
	for _, st := range stages {
		out = append(out, st.Snapshot())
	}
	return out
}
