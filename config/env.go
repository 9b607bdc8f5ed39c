// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvNodeID                     = "PEERMQ_NODE_ID"
	EnvListenAddr                 = "PEERMQ_LISTEN_ADDR"
	EnvAttemptTimeout             = "PEERMQ_ATTEMPT_TIMEOUT"
	EnvTotalTimeout               = "PEERMQ_TOTAL_TIMEOUT"
	EnvMaxConcurrentPerConnection = "PEERMQ_MAX_CONCURRENT_PER_CONNECTION"
	EnvMaxOpenSockets             = "PEERMQ_MAX_OPEN_SOCKETS"
	EnvMaxMessageSize             = "PEERMQ_MAX_MESSAGE_SIZE"
	EnvLogLevel                   = "PEERMQ_LOG_LEVEL"
	EnvLogFormat                  = "PEERMQ_LOG_FORMAT"
)

// ApplyEnv overrides fields with the PEERMQ_* environment variables that
// are set. Timeouts accept Go durations ("250ms") or plain milliseconds.
func (c *Config) ApplyEnv() error {
	str := map[string]*string{
		EnvNodeID:     &c.Node.ID,
		EnvListenAddr: &c.Receiver.ListenAddr,
		EnvLogLevel:   &c.Log.Level,
		EnvLogFormat:  &c.Log.Format,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		EnvMaxConcurrentPerConnection: &c.Transport.MaxConcurrentPerConnection,
		EnvMaxOpenSockets:             &c.Transport.MaxOpenSockets,
		EnvMaxMessageSize:             &c.Transport.MaxMessageSize,
	}
	for name, dst := range ints {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		EnvAttemptTimeout: &c.Transport.AttemptTimeout,
		EnvTotalTimeout:   &c.Transport.TotalTimeout,
	}
	for name, dst := range durations {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		*dst = d
	}

	return nil
}

func parseDuration(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}
