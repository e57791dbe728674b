// Package pipeline assembles a runnable stage graph from configuration.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"liminal/internal/channel"
	"liminal/internal/config"
	"liminal/internal/logger"
	"liminal/internal/processor"
	"liminal/internal/stage"
	"liminal/internal/timing"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/health"
)

// Pipeline is an assembled stage graph. Every channel exists and every
// consumer is subscribed before Run is called.
type Pipeline struct {
	scheduler *stage.Scheduler
	channels  *channel.Registry
	stages    []config.NamedStage
	logger    logger.Logger
}

// StageInfo describes one stage as declared and as currently running.
type StageInfo struct {
	stage.Snapshot
	Group string      `json:"group,omitempty"`
	Role  config.Role `json:"role"`
}

type Description struct {
	RunID    string          `json:"run_id"`
	Stages   []StageInfo     `json:"stages"`
	Channels []channel.Stats `json:"channels"`
}

// Build validates the declared graph and constructs every stage. Any
// failure is a configuration error and nothing is left open.
func Build(cfg config.PipelineConfig, sched config.SchedulerConfig, registry *processor.Registry, log logger.Logger) (*Pipeline, error) {
	if log == nil {
		log = logger.NopLogger()
	}
	if errs := config.ValidatePipeline(cfg); len(errs) > 0 {
		return nil, liminalerrors.ErrConfig.WithCause(fmt.Errorf("invalid pipeline: %w", errors.Join(errs...)))
	}

	p := &Pipeline{
		scheduler: stage.NewScheduler(stage.SchedulerConfig{PoolSize: sched.PoolSize, Quantum: sched.Quantum}, log),
		channels:  channel.NewRegistry(),
		stages:    cfg.Stages(),
		logger:    log,
	}

	if err := p.assemble(registry); err != nil {
		p.channels.CloseAll()
		return nil, err
	}

	log.Infow("Pipeline assembled",
		"run_id", p.scheduler.RunID(),
		"stages", len(p.stages),
		"channels", len(p.channels.List()))
	return p, nil
}

func (p *Pipeline) assemble(registry *processor.Registry) error {
	// Outputs first so inputs can name stages declared later.
	for _, st := range p.stages {
		if st.Config.Output == "" {
			continue
		}
		kind, err := channel.ParseKind(st.Config.Channel.Type)
		if err != nil {
			return stageError(st, err)
		}
		capacity := st.Config.Channel.Capacity
		if capacity == 0 {
			capacity = channel.DefaultCapacity
		}
		if _, err := p.channels.GetOrCreate(st.Config.Output, channel.Config{Type: kind, Capacity: capacity}); err != nil {
			return stageError(st, err)
		}
	}

	for _, st := range p.stages {
		s, err := p.buildStage(st, registry)
		if err != nil {
			return err
		}
		if err := p.scheduler.Add(s); err != nil {
			return stageError(st, err)
		}
	}
	return nil
}

func (p *Pipeline) buildStage(st config.NamedStage, registry *processor.Registry) (*stage.Stage, error) {
	backend, err := stage.ParseBackend(st.Config.Concurrency.Type)
	if err != nil {
		return nil, stageError(st, err)
	}

	proc, err := registry.Build(processor.Spec{Name: st.Name, Role: st.Role, Config: st.Config})
	if err != nil {
		return nil, err
	}

	tcfg, err := st.Config.Timing.Build()
	if err != nil {
		return nil, stageError(st, err)
	}
	topic := st.Config.Output
	if topic == "" {
		topic = st.Name
	}
	engine, err := timing.NewEngine(tcfg, st.Name, topic)
	if err != nil {
		return nil, stageError(st, err)
	}

	inputs := make([]stage.Input, 0, len(st.Config.Inputs))
	for _, name := range st.Config.Inputs {
		ch, ok := p.channels.Get(name)
		if !ok {
			return nil, stageError(st, fmt.Errorf("no stage produces %q", name))
		}
		rx, err := ch.Subscribe()
		if err != nil {
			return nil, stageError(st, fmt.Errorf("failed to subscribe to %q: %w", name, err))
		}
		inputs = append(inputs, stage.Input{Name: name, Receiver: rx})
	}

	var output *stage.Output
	if st.Config.Output != "" {
		ch, _ := p.channels.Get(st.Config.Output)
		output = &stage.Output{Name: st.Config.Output, Channel: ch}
	}

	log := p.logger.With("stage", st.Name)
	pctx := stage.NewContext(st.Name, inputs, output, engine, log)
	if st.Group != "" {
		pctx.SetMetadata("group", st.Group)
	}
	pctx.SetMetadata("role", string(st.Role))
	return stage.New(st.Name, st.Config.Type, proc, pctx, backend, log), nil
}

func stageError(st config.NamedStage, err error) error {
	return liminalerrors.ErrConfig.
		WithDetail("stage", st.Name).
		WithDetail("type", st.Config.Type).
		WithCause(err)
}

// Run blocks until every stage has stopped.
func (p *Pipeline) Run(ctx context.Context) error {
	return p.scheduler.Run(ctx)
}

func (p *Pipeline) RunID() string {
	return p.scheduler.RunID()
}

func (p *Pipeline) Snapshot() []stage.Snapshot {
	return p.scheduler.Snapshot()
}

func (p *Pipeline) Channels() []channel.Stats {
	list := p.channels.List()
	out := make([]channel.Stats, 0, len(list))
	for _, ch := range list {
		out = append(out, ch.Stats())
	}
	return out
}

func (p *Pipeline) Describe() Description {
	snaps := make(map[string]stage.Snapshot)
	for _, s := range p.scheduler.Snapshot() {
		snaps[s.Name] = s
	}
	d := Description{RunID: p.scheduler.RunID(), Channels: p.Channels()}
	for _, st := range p.stages {
		d.Stages = append(d.Stages, StageInfo{Snapshot: snaps[st.Name], Group: st.Group, Role: st.Role})
	}
	return d
}

// Stage returns the description of one stage.
func (p *Pipeline) Stage(name string) (StageInfo, bool) {
	for _, info := range p.Describe().Stages {
		if info.Name == name {
			return info, true
		}
	}
	return StageInfo{}, false
}

// StageReport implements health.StageReporter.
func (p *Pipeline) StageReport() health.StageReport {
	stages := p.scheduler.Stages()
	report := health.StageReport{Total: len(stages)}
	for _, st := range stages {
		switch {
		case st.Failure() != nil:
			report.Failed = append(report.Failed, st.Name())
		case st.State() == stage.StateStopped:
			report.Stopped = append(report.Stopped, st.Name())
		}
	}
	return report
}

// Close releases the channels of a pipeline that was built but never run.
func (p *Pipeline) Close() {
	p.channels.CloseAll()
}
