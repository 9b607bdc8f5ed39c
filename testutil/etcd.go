// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"
)

// Etcd is a single-member embedded etcd server for directory tests.
type Etcd struct {
	Endpoint string
}

func freePort(tb testing.TB) int {
	tb.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(tb, err)
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

// StartEtcd starts an embedded etcd member on free loopback ports and stops
// it when the test ends.
func StartEtcd(tb testing.TB) *Etcd {
	tb.Helper()

	clientPort := freePort(tb)
	peerPort := freePort(tb)
	for peerPort == clientPort {
		peerPort = freePort(tb)
	}

	clientURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", clientPort))
	require.NoError(tb, err)
	peerURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", peerPort))
	require.NoError(tb, err)

	cfg := embed.NewConfig()
	cfg.Name = "peermq-test"
	cfg.Dir = tb.TempDir()
	cfg.ListenPeerUrls = []url.URL{*peerURL}
	cfg.AdvertisePeerUrls = []url.URL{*peerURL}
	cfg.ListenClientUrls = []url.URL{*clientURL}
	cfg.AdvertiseClientUrls = []url.URL{*clientURL}
	cfg.InitialCluster = fmt.Sprintf("%s=%s", cfg.Name, peerURL.String())
	cfg.ClusterState = "new"
	cfg.Logger = "zap"
	cfg.LogLevel = "error"

	e, err := embed.StartEtcd(cfg)
	require.NoError(tb, err)

	select {
	case <-e.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		e.Server.Stop()
		tb.Fatal("etcd server took too long to start")
	}

	tb.Cleanup(e.Close)
	return &Etcd{Endpoint: clientURL.Host}
}
