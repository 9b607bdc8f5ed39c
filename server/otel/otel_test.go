// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/absmach/peermq/config"
	tlscfg "github.com/absmach/peermq/pkg/tls"
	"github.com/absmach/peermq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorPlaintext(t *testing.T) {
	c, err := newCollector(config.TelemetryConfig{Endpoint: "collector:4317", Insecure: true})
	require.NoError(t, err)
	assert.Nil(t, c.creds)
	assert.Equal(t, defaultExportTimeout, c.timeout)
	assert.Len(t, c.traceOptions(), 3)
	assert.Len(t, c.metricOptions(), 3)
}

func TestCollectorTLS(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	c, err := newCollector(config.TelemetryConfig{
		Endpoint:      "collector:4317",
		Headers:       map[string]string{"authorization": "Bearer token"},
		ExportTimeout: 3 * time.Second,
		TLS: tlscfg.Config{
			CertFile:     certs.ClientCertFile,
			KeyFile:      certs.ClientKeyFile,
			ServerCAFile: certs.CAFile,
			ServerName:   "localhost",
		},
	})
	require.NoError(t, err)
	require.NotNil(t, c.creds)
	assert.Equal(t, "tls", c.creds.Info().SecurityProtocol)
	assert.Equal(t, 3*time.Second, c.timeout)
	assert.Len(t, c.traceOptions(), 4)
	assert.Len(t, c.metricOptions(), 4)
}

func TestCollectorSystemRoots(t *testing.T) {
	c, err := newCollector(config.TelemetryConfig{Endpoint: "collector:4317"})
	require.NoError(t, err)
	require.NotNil(t, c.creds)
}

func TestCollectorBadCA(t *testing.T) {
	_, err := newCollector(config.TelemetryConfig{
		TLS: tlscfg.Config{ServerCAFile: filepath.Join(t.TempDir(), "missing.pem")},
	})
	assert.Error(t, err)

	_, err = InitProvider(config.TelemetryConfig{
		MetricsEnabled: true,
		TLS:            tlscfg.Config{ServerCAFile: filepath.Join(t.TempDir(), "missing.pem")},
	}, "node-a")
	assert.Error(t, err)
}

func TestInitProviderExportersAreLazy(t *testing.T) {
	shutdown, err := InitProvider(config.TelemetryConfig{
		Endpoint:        "127.0.0.1:1",
		ServiceName:     "peermq-test",
		Insecure:        true,
		MetricsEnabled:  true,
		TracesEnabled:   true,
		TraceSampleRate: 1,
		ExportTimeout:   100 * time.Millisecond,
		MetricInterval:  time.Hour,
	}, "node-a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
