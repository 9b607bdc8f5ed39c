// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/peermq/directory"
	"github.com/absmach/peermq/events"
	tlscfg "github.com/absmach/peermq/pkg/tls"
	"github.com/absmach/peermq/ratelimit"
	"github.com/absmach/peermq/receiver"
	"github.com/absmach/peermq/server/health"
	"github.com/absmach/peermq/transport"
	"github.com/spf13/cobra"
)

var (
	listenAddr string
	manualAck  bool
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive messages and print them",
	Long: `Start a receiver on the configured address. Every message is printed as
"<sender> <message id> <payload>" and acknowledged once written.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runListen(ctx, cmd.OutOrStdout())
	},
}

func init() {
	listenCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "Listen address (overrides receiver.listen_addr)")
	listenCmd.Flags().BoolVar(&manualAck, "no-ack", false, "Print messages without acknowledging them")
}

// printer writes received messages to out and acks them.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	ack bool
}

func (p *printer) HandleMessage(m *receiver.Message) {
	p.mu.Lock()
	fmt.Fprintf(p.out, "%s %s %q\n", m.SenderID, m.MessageID, m.Payload)
	p.mu.Unlock()

	if !p.ack {
		return
	}
	if err := m.Ack(); err != nil {
		logger.Warn("Failed to acknowledge message", "message_id", m.MessageID, "error", err)
	}
}

func runListen(ctx context.Context, out io.Writer) error {
	if listenAddr != "" {
		cfg.Receiver.ListenAddr = listenAddr
	}

	tel, err := initTelemetry(cfg)
	if err != nil {
		return err
	}
	defer tel.shutdown(context.Background())

	tlsConfig, err := tlscfg.LoadServerConfig(cfg.TLS)
	if err != nil {
		return err
	}

	limiter := ratelimit.NewManager(cfg.RateLimit)
	defer limiter.Stop()

	r, err := receiver.New(receiver.Config{
		Address:         cfg.Receiver.ListenAddr,
		NodeID:          cfg.Node.ID,
		MaxMessageSize:  cfg.Transport.MaxMessageSize,
		MaxConnections:  cfg.Receiver.MaxConnections,
		WriteTimeout:    cfg.Receiver.WriteTimeout,
		ShutdownTimeout: cfg.Receiver.ShutdownTimeout,
		TCPKeepAlive:    cfg.Receiver.TCPKeepAlive,
		AckedRetention:  cfg.Receiver.AckedRetention,
		TLSConfig:       tlsConfig,
		ConnLimiter:     limiter,
		MessageLimiter:  limiter,
		Observer:        events.Multi{events.NewLogObserver(logger), tel.observer},
		Logger:          logger,
	}, &printer{out: out, ack: !manualAck})
	if err != nil {
		return err
	}
	if err := r.Start(ctx); err != nil {
		return err
	}
	logger.Info("Receiver started",
		"node_id", cfg.Node.ID,
		"address", r.Addr().String(),
		"security", tlscfg.SecurityStatus(tlsConfig))

	if cfg.Directory.Register {
		reg, err := register(ctx, r)
		if err != nil {
			r.Close()
			return err
		}
		defer reg.Close()
	}

	var wg sync.WaitGroup
	if cfg.Health.Enabled {
		hs := health.New(health.Config{
			Address:         cfg.Health.Addr,
			ShutdownTimeout: cfg.Receiver.ShutdownTimeout,
		}, cfg.Node.ID, nil, r, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hs.Listen(ctx); err != nil {
				logger.Error("Health check server error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down receiver")
	err = r.Close()
	wg.Wait()
	if errors.Is(err, receiver.ErrShutdownTimeout) {
		logger.Warn("Receiver shutdown timed out")
		return nil
	}
	return err
}

func register(ctx context.Context, r *receiver.Receiver) (*directory.Etcd, error) {
	addr := cfg.Directory.AdvertiseAddr
	if addr == "" {
		addr = r.Addr().String()
	}
	dest, err := transport.ParseDestination(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid advertise address: %w", err)
	}

	reg, err := directory.NewEtcd(cfg.Directory.Etcd, logger)
	if err != nil {
		return nil, err
	}
	if err := reg.Register(ctx, cfg.Node.ID, dest, cfg.Directory.Etcd.LeaseTTL); err != nil {
		reg.Close()
		return nil, err
	}
	return reg, nil
}
