package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"

	"liminal/internal/admin"
	"liminal/internal/config"
	"liminal/internal/constants"
	"liminal/internal/logger"
	"liminal/internal/pipeline"
	"liminal/internal/processor"
	"liminal/pkg/bootstrap"
	"liminal/pkg/cel"
	"liminal/pkg/health"
	"liminal/pkg/metrics"
	"liminal/pkg/tracing"
)

const serviceName = "liminal"

type App struct {
	*bootstrap.Base
	registry       *processor.Registry
	pipeline       *pipeline.Pipeline
	checks         *health.CheckerRegistry
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(serviceName)
	}
	return &App{
		Base:   bootstrap.NewBase(cfg, log),
		checks: health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterStageMetrics()
	metrics.RegisterChannelMetrics()
	metrics.RegisterTimingMetrics()
	metrics.RegisterProcessorMetrics()
	metrics.RegisterAdminMetrics()
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	a.Connections.RegisterHealth(a.checks)

	p, err := a.assemble()
	if err != nil {
		return fmt.Errorf("failed to assemble pipeline: %w", err)
	}
	a.pipeline = p
	a.checks.Register(health.NewStageChecker(p))

	if a.Config.Admin.Enabled {
		handler := admin.NewHandler(p, a.registry, a.checks, a.Logger)
		router := admin.NewRouter(ctx, a.Config, handler, a.Logger)
		a.server = admin.NewServer(a.Config.Server, router)
	}
	return nil
}

// assemble builds the processor registry and the pipeline. Nothing
// connects until the stages initialize.
func (a *App) assemble() (*pipeline.Pipeline, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	reg, err := processor.NewRegistry(processor.Deps{
		Logger:         a.Logger,
		Datastores:     a.Connections,
		Retry:          a.Config.Retry.Policy(),
		CircuitBreaker: a.Config.CircuitBreaker,
		Evaluator:      evaluator,
	})
	if err != nil {
		return nil, err
	}
	a.registry = reg

	return pipeline.Build(a.Config.Pipeline, a.Config.Scheduler, reg, a.Logger)
}

// Run drives the pipeline and the admin server until ctx is cancelled or
// the pipeline stops on its own.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		defer cancel()
		if err := a.pipeline.Run(gctx); err != nil {
			return fmt.Errorf("pipeline error: %w", err)
		}
		a.Logger.InfowCtx(ctx, "Pipeline stopped", "run_id", a.pipeline.RunID())
		return nil
	})

	if a.server != nil {
		g.Go(func() error {
			a.Logger.InfowCtx(ctx, "Admin server listening", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	runErr := g.Wait()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancelShutdown()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

func (a *App) Shutdown(ctx context.Context) error {
	return a.Base.Shutdown(ctx, func(ctx context.Context) []error {
		var errs []error
		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer shutdown error: %w", err))
			}
		}
		return errs
	})
}
