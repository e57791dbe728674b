package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"liminal/internal/config"
	"liminal/internal/logger"
	"liminal/internal/processor"
	liminalerrors "liminal/pkg/errors"
	"liminal/pkg/logging"
)

var (
	configFile string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "liminal",
		Short:        "Streaming pipeline runtime",
		Long:         "Liminal runs a graph of input, transform and output stages connected by bounded channels",
		SilenceUsage: true,
		RunE:         serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (or CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(serveCmd(), validateCmd(), processorsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(earlyLog *logging.EarlyLog) (*config.Config, error) {
	if configFile == "" {
		configFile = os.Getenv("CONFIG_FILE")
		if configFile == "" {
			earlyLog.Error("Config file is required. Use --config flag or CONFIG_FILE environment variable")
			return nil, fmt.Errorf("config file is required")
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		earlyLog.Error("Failed to load config: %v", err)
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func setup() (*config.Config, logger.Logger, error) {
	earlyLog := logging.NewEarlyLog()

	cfg, err := loadConfig(earlyLog)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		earlyLog.Error("Failed to init logger: %v", err)
		return nil, nil, err
	}
	return cfg, log, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the configured pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting liminal", "config", configFile)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.ErrorwCtx(ctx, "Failed to initialize application", "error", err)
				_ = app.Shutdown(context.Background())
				return err
			}

			if err := app.Run(ctx); err != nil {
				log.ErrorwCtx(ctx, "Application error", "error", err)
				return err
			}
			return nil
		},
	}
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load the configuration and assemble the pipeline without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, log, err := setup()
			if err != nil {
				return reportInvalid(out, err)
			}
			defer log.Sync()

			app := NewApp(cfg, log)
			defer app.Shutdown(context.Background())

			p, err := app.assemble()
			if err != nil {
				return reportInvalid(out, err)
			}
			defer p.Close()

			d := p.Describe()
			fmt.Fprintf(out, "pipeline ok: %d stages, %d channels\n", len(d.Stages), len(d.Channels))
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STAGE\tROLE\tKIND\tBACKEND\tINPUTS\tOUTPUT")
			for _, st := range d.Stages {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n", st.Name, st.Role, st.Kind, st.Backend, st.Inputs, st.Output)
			}
			return w.Flush()
		},
	}
}

// reportInvalid prints configuration errors for the operator; other
// failures are returned as they are.
func reportInvalid(out io.Writer, err error) error {
	if liminalerrors.IsConfig(err) {
		fmt.Fprintf(out, "pipeline invalid: %v\n", err)
	}
	return err
}

func processorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processors",
		Short: "List the built-in stage kinds",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := processor.NewRegistry(processor.Deps{})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tROLES\tDESCRIPTION")
			for _, info := range reg.List() {
				fmt.Fprintf(w, "%s\t%v\t%s\n", info.Kind, info.Roles, info.Description)
			}
			return w.Flush()
		},
	}
}
