package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"jsqueue/config"
	"jsqueue/internal/logger"
)

type globalFlags struct {
	configPath     string
	natsURLs       string
	stream         string
	logLevel       string
	metricsAddr    string
	healthInterval time.Duration
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "jsqueue",
		Short:         "Resilient JetStream work-queue client",
		Long:          "jsqueue keeps durable queue-group consumers on a JetStream work-queue stream alive across restarts, races and out-of-band deletion.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", os.Getenv("JSQ_CONFIG"), "path to YAML config file (empty = env and defaults only)")
	pf.StringVar(&flags.natsURLs, "nats-urls", "", "override NATS server URLs, comma separated")
	pf.StringVar(&flags.stream, "stream", "", "override stream name")
	pf.StringVar(&flags.logLevel, "log-level", "", "override log level: debug|info|warn|error")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "override metrics server address (enables metrics)")
	pf.DurationVar(&flags.healthInterval, "health-interval", 0, "override subscription health check interval")

	rootCmd.AddCommand(
		newServeCommand(flags),
		newPublishCommand(flags),
		newCheckCommand(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// setup loads configuration, applies flag overrides and builds the logger.
func setup(flags *globalFlags) (*config.Config, *logger.Logger, error) {
	// Load validates, so required values given only as flags go in through the environment.
	if flags.stream != "" {
		_ = os.Setenv(config.EnvPrefix+"_STREAM_NAME", flags.stream)
	}
	if flags.natsURLs != "" {
		_ = os.Setenv(config.EnvPrefix+"_NATS_URLS", flags.natsURLs)
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.ApplyOverrides(flags.natsURLs, flags.stream, flags.logLevel, flags.metricsAddr, flags.healthInterval)
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config after overrides: %w", err)
	}

	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}
