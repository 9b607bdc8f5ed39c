// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tlscfg "github.com/absmach/peermq/pkg/tls"
	"github.com/absmach/peermq/sender"
	"github.com/absmach/peermq/transport"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	sendTo    string
	sendAddr  string
	messageID string
)

var sendCmd = &cobra.Command{
	Use:   "send [flags] <message|->",
	Short: "Send a message and wait for its acknowledgment",
	Long: `Send one message to a peer and wait until it is acknowledged or the
retry budget (transport.total_timeout) runs out. Use "-" to read the
message from standard input.`,
	Example: `  peermq send --addr 127.0.0.1:7600 "hello"
  peermq send --to node-b --id order-42 - < order.json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := []byte(args[0])
		if args[0] == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}
			payload = b
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runSend(ctx, cmd.OutOrStdout(), payload)
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Destination node id, resolved through the directory")
	sendCmd.Flags().StringVar(&sendAddr, "addr", "", "Destination address host:port")
	sendCmd.Flags().StringVar(&messageID, "id", "", "Message id (generated when empty)")
	sendCmd.MarkFlagsMutuallyExclusive("to", "addr")
	sendCmd.MarkFlagsOneRequired("to", "addr")
}

func runSend(ctx context.Context, out io.Writer, payload []byte) error {
	tel, err := initTelemetry(cfg)
	if err != nil {
		return err
	}
	defer tel.shutdown(context.Background())

	tlsConfig, err := tlscfg.LoadClientConfig(cfg.TLS)
	if err != nil {
		return err
	}

	res, err := newResolver(cfg.Directory)
	if err != nil {
		return err
	}
	defer res.Close()

	t := cfg.Transport
	s, err := sender.New(sender.Config{
		NodeID:                     cfg.Node.ID,
		AttemptTimeout:             t.AttemptTimeout,
		TotalTimeout:               t.TotalTimeout,
		MaxConcurrentPerConnection: t.MaxConcurrentPerConnection,
		MaxOpenSockets:             t.MaxOpenSockets,
		MaxMessageSize:             t.MaxMessageSize,
		DialTimeout:                t.DialTimeout,
		WriteTimeout:               t.WriteTimeout,
		TLSConfig:                  tlsConfig,
		BreakerFailures:            t.BreakerFailures,
		BreakerReset:               t.BreakerReset,
	},
		sender.WithLogger(logger),
		sender.WithObserver(tel.observer),
		sender.WithTracer(tel.tracer),
		sender.WithResolver(res),
	)
	if err != nil {
		return err
	}
	defer s.Close()

	var dest transport.Destination
	if sendAddr != "" {
		dest, err = transport.ParseDestination(sendAddr)
	} else {
		dest, err = res.GetAddress(ctx, sendTo)
	}
	if err != nil {
		return err
	}

	id := messageID
	if id == "" {
		id = uuid.NewString()
	}
	if err := s.SendWait(ctx, dest, payload, id); err != nil {
		return err
	}

	fmt.Fprintf(out, "delivered %s to %s\n", id, dest)
	return nil
}
