// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"fmt"
	"net"
	"strconv"
)

// Destination is the network address of a peer receiver.
type Destination struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// ParseDestination parses a host:port address.
func ParseDestination(addr string) (Destination, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return Destination{}, fmt.Errorf("invalid destination %q: %w", addr, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p <= 0 || p > 65535 {
		return Destination{}, fmt.Errorf("invalid destination port %q", port)
	}
	if host == "" {
		return Destination{}, fmt.Errorf("invalid destination %q: empty host", addr)
	}
	return Destination{Host: host, Port: p}, nil
}

// Key returns the host:port form used to group connections.
func (d Destination) Key() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

func (d Destination) String() string {
	return d.Key()
}

// Validate reports whether d can be dialed.
func (d Destination) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("destination host cannot be empty")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return fmt.Errorf("destination port %d out of range", d.Port)
	}
	return nil
}
