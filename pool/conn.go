// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"sync"

	"github.com/absmach/peermq/transport"
)

// conn is one outbound connection. inflight and detached are guarded by the
// pool mutex; tc is set once before readyCh is closed.
type conn struct {
	id       uint64
	dest     string
	tc       *transport.Conn
	inflight map[uint64]string // sequence id -> message id
	detached bool

	readyCh   chan struct{}
	err       error
	closeOnce sync.Once
}

func newConn(id uint64, dest string) *conn {
	return &conn{
		id:       id,
		dest:     dest,
		inflight: make(map[uint64]string),
		readyCh:  make(chan struct{}),
	}
}

// ready reports whether the connection was established.
func (c *conn) ready() bool {
	select {
	case <-c.readyCh:
		return c.err == nil
	default:
		return false
	}
}

func (c *conn) setReady() {
	close(c.readyCh)
}

func (c *conn) fail(err error) {
	c.err = err
	close(c.readyCh)
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		if c.tc != nil {
			c.tc.Close()
		}
	})
}
