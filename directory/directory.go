// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package directory maps peer node ids to the addresses their receivers
// listen on.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/absmach/peermq/transport"
)

// ErrUnknownNode is returned when a node id has no registered address.
var ErrUnknownNode = errors.New("unknown node")

// Resolver looks up the receiver address of a node.
type Resolver interface {
	GetAddress(ctx context.Context, nodeID string) (transport.Destination, error)
}

// Static resolves node ids from a fixed table.
type Static struct {
	mu    sync.RWMutex
	peers map[string]transport.Destination
}

// NewStatic builds a resolver from node id to host:port entries.
func NewStatic(peers map[string]string) (*Static, error) {
	s := &Static{peers: make(map[string]transport.Destination, len(peers))}
	for id, addr := range peers {
		d, err := transport.ParseDestination(addr)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", id, err)
		}
		s.peers[id] = d
	}
	return s, nil
}

// GetAddress returns the address of nodeID.
func (s *Static) GetAddress(_ context.Context, nodeID string) (transport.Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.peers[nodeID]
	if !ok {
		return transport.Destination{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return d, nil
}

// Set adds or replaces the address of nodeID.
func (s *Static) Set(nodeID string, d transport.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[nodeID] = d
}
