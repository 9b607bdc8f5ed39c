// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/absmach/peermq/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	l.Info("hidden")
	l.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"key":"value"`)
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
}

func TestListenAndSend(t *testing.T) {
	cfg = config.Default()
	cfg.Node.ID = "node-test"
	cfg.Health.Enabled = false
	cfg.Transport.AttemptTimeout = 200 * time.Millisecond
	cfg.Transport.TotalTimeout = 2 * time.Second
	logger = newLogger(config.LogConfig{Level: "error"}, io.Discard)

	addr := freeAddr(t)
	listenAddr = addr
	manualAck = false
	t.Cleanup(func() { listenAddr = "" })

	received := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runListen(ctx, received) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 20*time.Millisecond)

	sendAddr = addr
	sendTo = ""
	messageID = "cli-1"
	t.Cleanup(func() { sendAddr, messageID = "", "" })

	var out bytes.Buffer
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer sendCancel()
	require.NoError(t, runSend(sendCtx, &out, []byte("hello")))
	assert.Equal(t, "delivered cli-1 to "+addr+"\n", out.String())
	assert.True(t, strings.HasPrefix(received.String(), `node-test cli-1 "hello"`))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("listen did not stop")
	}
}

func TestSendToUnknownNode(t *testing.T) {
	cfg = config.Default()
	logger = newLogger(config.LogConfig{Level: "error"}, io.Discard)

	sendAddr = ""
	sendTo = "nobody"
	t.Cleanup(func() { sendTo = "" })

	err := runSend(context.Background(), io.Discard, []byte("x"))
	assert.ErrorContains(t, err, "unknown node")
}
