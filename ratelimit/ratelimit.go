// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles inbound connections per remote IP and inbound
// messages per sender node.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// keyedLimiter holds one token bucket per key and forgets keys that have
// been idle for two cleanup intervals.
type keyedLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newKeyedLimiter(r float64, burst int, cleanupInterval time.Duration) *keyedLimiter {
	l := &keyedLimiter{
		limiters: make(map[string]*entry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go l.cleanupLoop()
	}
	return l
}

func (l *keyedLimiter) allow(key string) bool {
	now := time.Now()

	l.mu.Lock()
	e, ok := l.limiters[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func (l *keyedLimiter) remove(key string) {
	l.mu.Lock()
	delete(l.limiters, key)
	l.mu.Unlock()
}

func (l *keyedLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *keyedLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictIdle(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *keyedLimiter) evictIdle(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.limiters {
		if e.lastSeen.Before(threshold) {
			delete(l.limiters, k)
		}
	}
}

func (l *keyedLimiter) stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	l *keyedLimiter
}

// NewIPRateLimiter creates a limiter allowing r connections per second per
// IP with the given burst.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	return &IPRateLimiter{l: newKeyedLimiter(r, burst, cleanupInterval)}
}

// Allow reports whether a connection from addr may proceed. Addresses
// without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}
	return l.l.allow(ip)
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.l.stop()
}

// SenderRateLimiter limits inbound messages per sender node.
type SenderRateLimiter struct {
	l *keyedLimiter
}

// NewSenderRateLimiter creates a limiter allowing r messages per second
// per sender with the given burst.
func NewSenderRateLimiter(r float64, burst int, cleanupInterval time.Duration) *SenderRateLimiter {
	return &SenderRateLimiter{l: newKeyedLimiter(r, burst, cleanupInterval)}
}

// Allow reports whether a message from senderID may be accepted.
func (l *SenderRateLimiter) Allow(senderID string) bool {
	return l.l.allow(senderID)
}

// Forget drops the limiter state of senderID.
func (l *SenderRateLimiter) Forget(senderID string) {
	l.l.remove(senderID)
}

// Stop stops the cleanup goroutine.
func (l *SenderRateLimiter) Stop() {
	l.l.stop()
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Message    MessageConfig    `yaml:"message"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // connections per second per IP
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// MessageConfig holds per-sender message rate limiting settings. Messages
// over the limit are dropped unacknowledged, so the sender retries them.
type MessageConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // messages per second per sender
	Burst           int           `yaml:"burst"` // burst allowance
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultConfig returns the default configuration; limiting is disabled.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Message: MessageConfig{
			Enabled:         true,
			Rate:            1000,
			Burst:           100,
			CleanupInterval: 5 * time.Minute,
		},
	}
}

// Manager coordinates the connection and message limiters.
type Manager struct {
	ip     *IPRateLimiter
	sender *SenderRateLimiter
}

// NewManager creates a manager. A disabled config yields a manager that
// allows everything.
func NewManager(cfg Config) *Manager {
	m := &Manager{}
	if !cfg.Enabled {
		return m
	}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Message.Enabled {
		m.sender = NewSenderRateLimiter(cfg.Message.Rate, cfg.Message.Burst, cfg.Message.CleanupInterval)
	}
	return m
}

// Allow reports whether a connection from addr may be accepted.
func (m *Manager) Allow(addr net.Addr) bool {
	if m == nil || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowMessage reports whether a message from senderID may be accepted.
func (m *Manager) AllowMessage(senderID string) bool {
	if m == nil || m.sender == nil {
		return true
	}
	return m.sender.Allow(senderID)
}

// Stop stops all cleanup goroutines.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	if m.ip != nil {
		m.ip.Stop()
	}
	if m.sender != nil {
		m.sender.Stop()
	}
}
