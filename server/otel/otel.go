// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package otel exports peermq traces and transport metrics over OTLP.
package otel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/peermq/config"
	tlscfg "github.com/absmach/peermq/pkg/tls"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
)

const (
	defaultExportTimeout  = 10 * time.Second
	defaultMetricInterval = 10 * time.Second
	maxExportBatchSize    = 512
	batchTimeout          = 5 * time.Second
)

// collector holds the connection settings shared by the trace and metric
// exporters.
type collector struct {
	endpoint string
	creds    credentials.TransportCredentials // nil sends plaintext
	headers  map[string]string
	timeout  time.Duration
}

func newCollector(cfg config.TelemetryConfig) (collector, error) {
	c := collector{
		endpoint: cfg.Endpoint,
		headers:  cfg.Headers,
		timeout:  cfg.ExportTimeout,
	}
	if c.timeout <= 0 {
		c.timeout = defaultExportTimeout
	}
	if cfg.Insecure {
		return c, nil
	}

	tc := cfg.TLS
	tc.Enabled = true
	tlsConf, err := tlscfg.LoadClientConfig(tc)
	if err != nil {
		return collector{}, fmt.Errorf("failed to load collector TLS config: %w", err)
	}
	c.creds = credentials.NewTLS(tlsConf)
	return c, nil
}

func (c collector) traceOptions() []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(c.endpoint),
		otlptracegrpc.WithTimeout(c.timeout),
	}
	if c.creds != nil {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(c.creds))
	} else {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(c.headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(c.headers))
	}
	return opts
}

func (c collector) metricOptions() []otlpmetricgrpc.Option {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(c.endpoint),
		otlpmetricgrpc.WithTimeout(c.timeout),
	}
	if c.creds != nil {
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(c.creds))
	} else {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	if len(c.headers) > 0 {
		opts = append(opts, otlpmetricgrpc.WithHeaders(c.headers))
	}
	return opts
}

// InitProvider registers global trace and meter providers that export to
// the configured collector. The node id becomes the service instance id.
// The returned function flushes and stops both providers.
func InitProvider(cfg config.TelemetryConfig, nodeID string) (func(context.Context) error, error) {
	ctx := context.Background()

	if !cfg.TracesEnabled {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return func(context.Context) error { return nil }, nil
	}

	col, err := newCollector(cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		semconv.ServiceInstanceIDKey.String(nodeID),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	var stops []func(context.Context) error
	shutdown := func(ctx context.Context) error {
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(ctx))
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEnabled {
		exp, err := otlptracegrpc.New(ctx, col.traceOptions()...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := trace.NewTracerProvider(
			trace.WithResource(res),
			trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(cfg.TraceSampleRate))),
			trace.WithBatcher(exp,
				trace.WithMaxExportBatchSize(maxExportBatchSize),
				trace.WithBatchTimeout(batchTimeout),
			),
		)
		otel.SetTracerProvider(tp)
		stops = append(stops, tp.Shutdown)
	}

	if cfg.MetricsEnabled {
		exp, err := otlpmetricgrpc.New(ctx, col.metricOptions()...)
		if err != nil {
			shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = defaultMetricInterval
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(metric.NewPeriodicReader(exp, metric.WithInterval(interval))),
		)
		otel.SetMeterProvider(mp)
		stops = append(stops, mp.Shutdown)
	}

	return shutdown, nil
}
