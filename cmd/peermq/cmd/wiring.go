// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"

	"github.com/absmach/peermq/config"
	"github.com/absmach/peermq/directory"
	"github.com/absmach/peermq/events"
	"github.com/absmach/peermq/server/otel"
	gotel "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// telemetry holds the optional otel pieces shared by both commands.
type telemetry struct {
	observer events.Observer
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

func initTelemetry(c *config.Config) (*telemetry, error) {
	t := &telemetry{shutdown: func(context.Context) error { return nil }}
	if !c.Telemetry.Enabled {
		return t, nil
	}

	shutdown, err := otel.InitProvider(c.Telemetry, c.Node.ID)
	if err != nil {
		return nil, err
	}
	t.shutdown = shutdown

	if c.Telemetry.MetricsEnabled {
		m, err := otel.NewMetrics(nil)
		if err != nil {
			shutdown(context.Background())
			return nil, err
		}
		t.observer = m
	}
	if c.Telemetry.TracesEnabled {
		t.tracer = gotel.Tracer("github.com/absmach/peermq")
	}
	logger.Info("OpenTelemetry initialized",
		"endpoint", c.Telemetry.Endpoint,
		"metrics", c.Telemetry.MetricsEnabled,
		"traces", c.Telemetry.TracesEnabled)
	return t, nil
}

// resolver is a directory.Resolver that may need closing.
type resolver interface {
	directory.Resolver
	Close() error
}

type staticResolver struct {
	*directory.Static
}

func (staticResolver) Close() error { return nil }

func newResolver(c config.DirectoryConfig) (resolver, error) {
	switch c.Type {
	case "etcd":
		e, err := directory.NewEtcd(c.Etcd, logger)
		if err != nil {
			return nil, err
		}
		return e, nil
	case "static", "":
		s, err := directory.NewStatic(c.Peers)
		if err != nil {
			return nil, err
		}
		return staticResolver{s}, nil
	default:
		return nil, fmt.Errorf("unknown directory type %q", c.Type)
	}
}
