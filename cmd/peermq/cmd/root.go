// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cmd implements the peermq CLI commands.
package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/absmach/peermq/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	configFile string
	nodeID     string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "peermq",
	Short: "Reliable point-to-point messaging between nodes",
	Long: `peermq delivers messages between nodes over TCP with per-attempt
deadlines, bounded retries and application-controlled acknowledgments.

Run "peermq listen" on the receiving node and "peermq send" to deliver
messages to it.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		if nodeID != "" {
			cfg.Node.ID = nodeID
		}

		logger = newLogger(cfg.Log, cmd.ErrOrStderr())
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&nodeID, "node-id", "", "Node id (overrides config and PEERMQ_NODE_ID)")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(sendCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func newLogger(c config.LogConfig, w io.Writer) *slog.Logger {
	logLevel := slog.LevelInfo
	switch c.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	if w == nil {
		w = os.Stderr
	}
	var handler slog.Handler
	if c.Format == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}
