package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"jsqueue/internal/broker"
	natsadapter "jsqueue/internal/broker/nats"
)

func newPublishCommand(flags *globalFlags) *cobra.Command {
	var (
		msgID   string
		headers []string
	)

	cmd := &cobra.Command{
		Use:   "publish <subject> [payload]",
		Short: "Publish one message to the stream (payload from stdin when omitted)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup(flags)
			if err != nil {
				return err
			}
			defer log.Sync()

			var payload []byte
			if len(args) == 2 {
				payload = []byte(args[1])
			} else {
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read payload: %w", err)
				}
			}

			hdr, err := parseHeaders(headers)
			if err != nil {
				return err
			}
			if msgID == "" {
				msgID = uuid.NewString()
			}
			hdr.Set(nats.MsgIdHdr, msgID)

			ctx := cmd.Context()
			manager := broker.NewManager(cfg, natsadapter.NewDialer(cfg.NATS, log), log)
			if err := manager.Connect(ctx); err != nil {
				return err
			}
			defer manager.Disconnect(context.WithoutCancel(ctx))

			ack, err := manager.Publish(ctx, args[0], payload, hdr)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "stream=%s seq=%d msg_id=%s duplicate=%t\n",
				ack.Stream, ack.Sequence, msgID, ack.Duplicate)
			return nil
		},
	}

	cmd.Flags().StringVar(&msgID, "msg-id", "", "message id for duplicate detection (default: random UUID)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "message header as key=value, repeatable")
	cmd.SetIn(os.Stdin)
	return cmd
}

func parseHeaders(pairs []string) (nats.Header, error) {
	hdr := nats.Header{}
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid header %q, expected key=value", p)
		}
		hdr.Add(key, value)
	}
	return hdr, nil
}
