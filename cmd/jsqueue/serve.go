package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"jsqueue/config"
	"jsqueue/internal/broker"
	natsadapter "jsqueue/internal/broker/nats"
	"jsqueue/internal/logger"
	"jsqueue/internal/metrics"
	"jsqueue/internal/processor"
	"jsqueue/internal/stats"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect, subscribe to the configured subjects and keep the consumers healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *logger.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	statsCollector := stats.NewStatsCollector()
	opts := []broker.Option{broker.WithStats(statsCollector)}

	// Setup metrics if enabled
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		metricsService, err := metrics.NewMetrics(reg)
		if err != nil {
			return err
		}
		opts = append(opts, broker.WithMetrics(metricsService))

		metricsCollector := metrics.NewMetricsCollector(metricsService, statsCollector, cfg.Metrics.UpdateInterval)
		metricsCollector.Start()
		defer metricsCollector.Stop()
	}

	manager := broker.NewManager(cfg, natsadapter.NewDialer(cfg.NATS, log), log, opts...)
	if err := manager.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), cfg.NATS.DrainTimeout*2)
		defer dcancel()
		manager.Disconnect(dctx)
	}()

	proc := processor.New(processor.Config{
		Workers:   cfg.Processing.Workers,
		QueueSize: cfg.Processing.QueueSize,
	}, log)
	defer func() {
		proc.Close()
		log.Info("processor stopped", "stats", proc.GetStats())
	}()

	handler := proc.Wrap(manager.AckHandler(func(ctx context.Context, msg jetstream.Msg) error {
		log.Debug("received message", "subject", msg.Subject(), "bytes", len(msg.Data()))
		return nil
	}))
	for _, subject := range cfg.Subscriptions {
		if _, err := manager.Subscribe(ctx, subject, handler); err != nil {
			return err
		}
	}

	monitor := broker.NewHealthMonitor(manager, cfg.Health.Interval, log)
	monitor.Start(ctx)
	defer monitor.Stop()

	var httpServer *http.Server
	if cfg.Metrics.Enabled {
		httpServer = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           newHTTPHandler(manager, statsCollector, reg, cfg.Metrics.Path),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("starting metrics server",
				"address", cfg.Metrics.Address,
				"path", cfg.Metrics.Path)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server error", "error", err)
			}
		}()
	}

	log.Info("jsqueue started",
		"stream", cfg.Stream.Name,
		"subscriptions", len(cfg.Subscriptions),
		"workers", cfg.Processing.Workers,
		"healthInterval", cfg.Health.Interval,
		"metricsEnabled", cfg.Metrics.Enabled)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-ctx.Done():
			log.Info("context cancelled, shutting down")
			return shutdownHTTP(httpServer, log)
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				log.Info("received SIGHUP, flushing logs")
				_ = log.Sync()
			default:
				log.Info("shutting down...", "signal", sig.String())
				return shutdownHTTP(httpServer, log)
			}
		}
	}
}

func shutdownHTTP(srv *http.Server, log *logger.Logger) error {
	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("failed to shutdown metrics server", "error", err)
		return err
	}
	return nil
}
