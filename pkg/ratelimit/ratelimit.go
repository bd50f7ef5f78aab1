// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides per-host token bucket limiting for the fetch
// proxy. The watch cannot reach the network itself, so every fetch() a watch
// app issues lands on the bridge; the bucket keeps a misbehaving app from
// hammering a remote API with the host machine's bandwidth.
package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements the token bucket algorithm.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   int64
	tokens     int64
	refillRate int64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding at most capacity tokens,
// refilled at refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// refill adds tokens based on elapsed time.
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	tokensToAdd := int64(elapsed * float64(tb.refillRate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}
}

// HostLimiter tracks one bucket per target host.
type HostLimiter struct {
	mu         sync.Mutex
	buckets    map[string]*TokenBucket
	capacity   int64
	refillRate int64
	maxHosts   int
}

// NewHostLimiter creates a per-host limiter. Every host gets its own bucket
// with the given capacity and refill rate.
func NewHostLimiter(capacity, refillRate int64, maxHosts int) *HostLimiter {
	if maxHosts == 0 {
		maxHosts = 1000
	}
	return &HostLimiter{
		buckets:    make(map[string]*TokenBucket),
		capacity:   capacity,
		refillRate: refillRate,
		maxHosts:   maxHosts,
	}
}

// Allow reports whether a fetch to the given host fits its budget.
func (l *HostLimiter) Allow(host string) bool {
	l.mu.Lock()
	tb, ok := l.buckets[host]
	if !ok {
		if len(l.buckets) >= l.maxHosts {
			// Bounded memory: reset tracking rather than grow forever.
			l.buckets = make(map[string]*TokenBucket)
		}
		tb = NewTokenBucket(l.capacity, l.refillRate)
		l.buckets[host] = tb
	}
	l.mu.Unlock()

	return tb.Allow()
}

// Hosts returns the number of hosts currently tracked.
func (l *HostLimiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
