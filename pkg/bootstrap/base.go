package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"liminal/internal/config"
	"liminal/internal/logger"
)

type Base struct {
	Config      *config.Config
	Logger      logger.Logger
	Connections *Connections
}

func NewBase(cfg *config.Config, log logger.Logger) *Base {
	return &Base{
		Config:      cfg,
		Logger:      log,
		Connections: NewConnections(NewDatabaseConnector(cfg, log)),
	}
}

func (b *Base) Shutdown(ctx context.Context, additionalShutdown func(ctx context.Context) []error) error {
	b.Logger.Info("Shutting down application...")

	var errs []error

	if additionalShutdown != nil {
		errs = append(errs, additionalShutdown(ctx)...)
	}

	errs = append(errs, b.Connections.Close(ctx)...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	b.Logger.Info("Application exited successfully")
	return nil
}
