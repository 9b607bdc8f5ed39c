// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/absmach/peermq/transport"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// DefaultPrefix is the etcd key prefix under which nodes are registered.
const DefaultPrefix = "/peermq/nodes/"

// ErrNotRegistered is returned by Deregister when this process registered
// nothing.
var ErrNotRegistered = errors.New("node not registered")

// EtcdConfig holds the etcd resolver settings.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
}

// Etcd resolves node addresses from keys under a prefix and keeps a local
// copy current with a watch.
type Etcd struct {
	client    *clientv3.Client
	ownClient bool
	prefix    string
	logger    *slog.Logger

	mu    sync.RWMutex
	cache map[string]transport.Destination

	regMu     sync.Mutex
	lease     clientv3.LeaseID
	stopAlive context.CancelFunc

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcd connects to etcd and loads the current node table.
func NewEtcd(cfg EtcdConfig, logger *slog.Logger) (*Etcd, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	e, err := NewEtcdWithClient(client, cfg.Prefix, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	e.ownClient = true
	return e, nil
}

// NewEtcdWithClient uses an existing client. The client is not closed by
// Close.
func NewEtcdWithClient(client *clientv3.Client, prefix string, logger *slog.Logger) (*Etcd, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Etcd{
		client: client,
		prefix: prefix,
		logger: logger,
		cache:  make(map[string]transport.Destination),
		cancel: cancel,
	}

	rev, err := e.load(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	e.wg.Add(1)
	go e.watch(ctx, rev+1)
	return e, nil
}

// GetAddress returns the registered address of nodeID, asking etcd when it
// is not cached.
func (e *Etcd) GetAddress(ctx context.Context, nodeID string) (transport.Destination, error) {
	e.mu.RLock()
	d, ok := e.cache[nodeID]
	e.mu.RUnlock()
	if ok {
		return d, nil
	}

	resp, err := e.client.Get(ctx, e.prefix+nodeID)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("failed to look up node %s: %w", nodeID, err)
	}
	if len(resp.Kvs) == 0 {
		return transport.Destination{}, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}

	d, err = transport.ParseDestination(string(resp.Kvs[0].Value))
	if err != nil {
		return transport.Destination{}, fmt.Errorf("node %s has invalid address: %w", nodeID, err)
	}
	e.mu.Lock()
	e.cache[nodeID] = d
	e.mu.Unlock()
	return d, nil
}

// Register publishes this node's receiver address under a lease that is
// kept alive until Deregister or Close. Registering again replaces the
// previous registration and revokes its lease.
func (e *Etcd) Register(ctx context.Context, nodeID string, d transport.Destination, ttl time.Duration) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if ttl < time.Second {
		ttl = 10 * time.Second
	}

	lease, err := e.client.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	if _, err := e.client.Put(ctx, e.prefix+nodeID, d.Key(), clientv3.WithLease(lease.ID)); err != nil {
		e.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("failed to register node %s: %w", nodeID, err)
	}

	kaCtx, stop := context.WithCancel(context.Background())
	ka, err := e.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		stop()
		e.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	go func() {
		for range ka {
		}
	}()

	e.regMu.Lock()
	prev, prevStop := e.lease, e.stopAlive
	e.lease, e.stopAlive = lease.ID, stop
	e.regMu.Unlock()

	if prev != 0 {
		prevStop()
		if _, err := e.client.Revoke(ctx, prev); err != nil {
			e.logger.Warn("failed to revoke previous lease",
				slog.String("node_id", nodeID),
				slog.String("error", err.Error()))
		}
	}

	e.logger.Info("registered node in directory",
		slog.String("node_id", nodeID),
		slog.String("address", d.Key()))
	return nil
}

// Deregister revokes the registration lease, removing the node's key.
func (e *Etcd) Deregister(ctx context.Context) error {
	e.regMu.Lock()
	lease, stop := e.lease, e.stopAlive
	e.lease, e.stopAlive = 0, nil
	e.regMu.Unlock()

	if lease == 0 {
		return ErrNotRegistered
	}
	stop()
	if _, err := e.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}

// Close stops the watch, deregisters and closes an owned client.
func (e *Etcd) Close() error {
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Deregister(ctx); err != nil && !errors.Is(err, ErrNotRegistered) {
		errs = append(errs, err)
	}

	e.cancel()
	e.wg.Wait()

	if e.ownClient {
		if err := e.client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Etcd) load(ctx context.Context) (int64, error) {
	resp, err := e.client.Get(ctx, e.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("failed to load directory: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, kv := range resp.Kvs {
		e.put(string(kv.Key), kv.Value)
	}
	return resp.Header.Revision, nil
}

// put updates the cache from one key. Caller holds e.mu.
func (e *Etcd) put(key string, value []byte) {
	nodeID := strings.TrimPrefix(key, e.prefix)
	d, err := transport.ParseDestination(string(value))
	if err != nil {
		e.logger.Warn("ignoring invalid directory entry",
			slog.String("node_id", nodeID),
			slog.String("error", err.Error()))
		return
	}
	e.cache[nodeID] = d
}

func (e *Etcd) watch(ctx context.Context, rev int64) {
	defer e.wg.Done()

	watchCh := e.client.Watch(ctx, e.prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for resp := range watchCh {
		if err := resp.Err(); err != nil {
			e.logger.Warn("directory watch error", slog.String("error", err.Error()))
			continue
		}

		e.mu.Lock()
		for _, ev := range resp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				e.put(string(ev.Kv.Key), ev.Kv.Value)
			case clientv3.EventTypeDelete:
				delete(e.cache, strings.TrimPrefix(string(ev.Kv.Key), e.prefix))
			}
		}
		e.mu.Unlock()
	}
}
