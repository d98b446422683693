package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ceapsi/staffcast/internal/config"
	"github.com/ceapsi/staffcast/internal/logging"
	"github.com/ceapsi/staffcast/internal/pipeline"
	"github.com/ceapsi/staffcast/pkg/otel"
)

var (
	// Global flags
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "staffcast",
		Short: "Demand forecasting and staffing recommendations",
		Long: `Forecasts daily workload (reservations, conversations, calls) for the next
business days with a four-family ensemble, and turns the forecast into alerts
and staffing recommendations.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file (YAML, default config.yaml or $STAFFCAST_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(forecastCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(modelsCmd())
	rootCmd.AddCommand(auditCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return cfg, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// openEngine loads the configuration and wires the pipeline. The returned
// cleanup flushes traces and closes the store.
func openEngine(ctx context.Context) (*pipeline.Engine, config.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, nil, err
	}
	logger := logging.NewStderr(verbose)

	shutdownTracing := func() {}
	if cfg.Telemetry.OTLPEndpoint != "" {
		tcfg := otel.DefaultConfig(cfg.Telemetry.ServiceName)
		tcfg.CollectorEndpoint = cfg.Telemetry.OTLPEndpoint
		tp, err := otel.InitTracer(ctx, tcfg)
		if err != nil {
			logger.Warn("tracing disabled: %v", err)
		} else {
			shutdownTracing = func() {
				if err := otel.Shutdown(context.Background(), tp); err != nil {
					logger.Warn("tracer shutdown: %v", err)
				}
			}
		}
	}

	engine, err := pipeline.Build(ctx, cfg, logger, nil, formats...)
	if err != nil {
		shutdownTracing()
		return nil, cfg, nil, err
	}
	cleanup := func() {
		if err := engine.Close(); err != nil {
			logger.Warn("close: %v", err)
		}
		shutdownTracing()
	}
	return engine, cfg, cleanup, nil
}
