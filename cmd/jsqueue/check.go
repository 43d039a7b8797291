package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"jsqueue/internal/broker"
	natsadapter "jsqueue/internal/broker/nats"
)

type checkReport struct {
	State     broker.ConnState `json:"state"`
	Connected bool             `json:"connected"`
	Ping      bool             `json:"ping"`
	Stream    string           `json:"stream"`
	Healthy   bool             `json:"healthy"`
}

func newCheckCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Connect, provision the stream and ping the broker; exits non-zero when unhealthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			manager := broker.NewManager(cfg, natsadapter.NewDialer(cfg.NATS, log), log)
			if err := manager.Connect(ctx); err != nil {
				return err
			}
			defer manager.Disconnect(context.WithoutCancel(ctx))

			return runCheck(ctx, manager, cfg.Stream.Name, cmd.OutOrStdout())
		},
	}
}

func runCheck(ctx context.Context, mgr brokerStatus, stream string, out io.Writer) error {
	report := checkReport{
		State:     mgr.State(),
		Connected: mgr.IsConnected(),
		Ping:      mgr.Ping(ctx),
		Stream:    stream,
	}
	report.Healthy = report.Connected && report.Ping

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if !report.Healthy {
		return fmt.Errorf("broker unhealthy: state=%s ping=%t", report.State, report.Ping)
	}
	return nil
}
