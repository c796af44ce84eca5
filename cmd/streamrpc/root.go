package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ajitpratap0/streamrpc-go/pkg/config"
	"github.com/ajitpratap0/streamrpc-go/pkg/logging"
	"github.com/ajitpratap0/streamrpc-go/pkg/observability"
	"github.com/ajitpratap0/streamrpc-go/pkg/transport"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "dev"

type globalFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "streamrpc",
		Short:         "Resumable JSON-RPC over Server-Sent Events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (TOML); defaults to $"+config.EnvPath)
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(newServeCmd(flags), newCallCmd(flags), newVersionCmd())
	return root
}

func (f *globalFlags) load() (transport.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return transport.Config{}, err
	}
	if f.logLevel != "" {
		cfg.Observability.LogLevel = f.logLevel
	}
	return cfg, nil
}

func newLogger(cfg transport.ObservabilityConfig) (logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return logging.New(os.Stderr,
		logging.WithLevel(level),
		logging.WithFormat(logging.Format(strings.ToLower(cfg.LogFormat))),
		logging.WithComponent(cfg.ServiceName),
	), nil
}

func newMetrics(cfg transport.ObservabilityConfig) (observability.MetricsProvider, error) {
	if !cfg.MetricsEnabled {
		return observability.NewNoopMetricsProvider(), nil
	}
	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	return metrics, nil
}

func newTracer(cfg transport.ObservabilityConfig) (*observability.TracingProvider, error) {
	if !cfg.TracingEnabled {
		return observability.NewNoopTracingProvider(), nil
	}
	tracer, err := observability.NewTracingProvider(observability.TracingConfig{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version,
		ExporterType:   observability.ExporterType(cfg.TracingExporter),
		Endpoint:       cfg.TracingEndpoint,
		Insecure:       cfg.TracingInsecure,
		SampleRate:     cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	return tracer, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "streamrpc %s\n", version)
		},
	}
}

func shutdownTracer(tracer *observability.TracingProvider, logger logging.Logger) {
	if err := tracer.Shutdown(context.Background()); err != nil {
		logger.WithError(err).Warn("Tracer shutdown failed")
	}
}
