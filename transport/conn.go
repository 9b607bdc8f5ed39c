// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/absmach/peermq/internal/bufpool"
)

// FrameHeaderLen is the size of the length prefix preceding every envelope.
const FrameHeaderLen = 4

// Default socket buffer size for frame reads.
const defaultReadBufferSize = 8192

// Conn wraps a net.Conn and provides frame-level I/O.
// Reads are expected from a single goroutine; writes are serialized.
type Conn struct {
	net.Conn
	reader       *bufio.Reader
	maxFrameSize int
	writeTimeout time.Duration

	wmu sync.Mutex
}

// NewConn wraps conn. Frames longer than maxFrameSize are rejected before
// their body is read; zero disables the check.
func NewConn(conn net.Conn, maxFrameSize int, writeTimeout time.Duration) *Conn {
	return &Conn{
		Conn:         conn,
		reader:       bufio.NewReaderSize(conn, defaultReadBufferSize),
		maxFrameSize: maxFrameSize,
		writeTimeout: writeTimeout,
	}
}

// ReadFrame reads the next frame from the connection.
func (c *Conn) ReadFrame() ([]byte, error) {
	return ReadFrame(c.reader, c.maxFrameSize)
}

// WriteFrame writes a single length-prefixed frame.
func (c *Conn) WriteFrame(frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.writeTimeout > 0 {
		c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return WriteFrame(c.Conn, frame)
}

// ReadFrame reads one length-prefixed frame from r. The declared length is
// checked against maxFrameSize before any allocation.
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if maxFrameSize > 0 && uint64(n) > uint64(maxFrameSize) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit of %d: %w",
			ErrMalformedProtocolMessage, n, maxFrameSize, ErrMessageTooLarge)
	}

	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return frame, nil
}

// WriteFrame writes frame to w prefixed with its big-endian length, in a single Write.
func WriteFrame(w io.Writer, frame []byte) error {
	if uint64(len(frame)) > uint64(^uint32(0)) {
		return fmt.Errorf("%w: frame of %d bytes cannot be encoded", ErrMessageTooLarge, len(frame))
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	var hdr [FrameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	buf.Write(hdr[:])
	buf.Write(frame)

	_, err := w.Write(buf.Bytes())
	return err
}
