// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/absmach/peermq/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledReturnsNil(t *testing.T) {
	srv, err := LoadServerConfig(Config{CertFile: "missing"})
	require.NoError(t, err)
	assert.Nil(t, srv)

	cli, err := LoadClientConfig(Config{})
	require.NoError(t, err)
	assert.Nil(t, cli)

	assert.Equal(t, "no TLS", SecurityStatus(nil))
}

func TestLoadServerConfig(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	cfg, err := LoadServerConfig(Config{Enabled: true, CertFile: certs.ServerCertFile, KeyFile: certs.ServerKeyFile})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
	assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	assert.Equal(t, "TLS", SecurityStatus(cfg))

	mtls, err := LoadServerConfig(Config{
		Enabled:      true,
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: certs.CAFile,
	})
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, mtls.ClientAuth)
	assert.Contains(t, SecurityStatus(mtls), "RequireAndVerifyClientCert")
}

func TestLoadServerConfigErrors(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	_, err := LoadServerConfig(Config{Enabled: true, CertFile: "nope", KeyFile: "nope"})
	assert.ErrorIs(t, err, errLoadCerts)

	_, err = LoadServerConfig(Config{
		Enabled:      true,
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: filepath.Join(t.TempDir(), "missing.crt"),
	})
	assert.ErrorIs(t, err, errLoadClientCA)

	garbage := filepath.Join(t.TempDir(), "garbage.crt")
	require.NoError(t, os.WriteFile(garbage, []byte("not a certificate"), 0o600))
	_, err = LoadServerConfig(Config{
		Enabled:      true,
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: garbage,
	})
	assert.ErrorIs(t, err, errAppendCA)
}

func TestMutualTLSHandshake(t *testing.T) {
	certs := testutil.GenerateCerts(t)

	srvCfg, err := LoadServerConfig(Config{
		Enabled:      true,
		CertFile:     certs.ServerCertFile,
		KeyFile:      certs.ServerKeyFile,
		ClientCAFile: certs.CAFile,
	})
	require.NoError(t, err)
	cliCfg, err := LoadClientConfig(Config{
		Enabled:      true,
		CertFile:     certs.ClientCertFile,
		KeyFile:      certs.ClientKeyFile,
		ServerCAFile: certs.CAFile,
		ServerName:   "localhost",
	})
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", srvCfg)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- err
			return
		}
		defer c.Close()
		accepted <- c.(*tls.Conn).Handshake()
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	client := tls.Client(nc, cliCfg)
	defer client.Close()

	require.NoError(t, client.Handshake())
	require.NoError(t, <-accepted)
}
