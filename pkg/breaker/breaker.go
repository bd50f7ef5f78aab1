// Copyright (c) OpenTela
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides per-host circuit breaking for proxied fetches.
// A watch app stuck in a fetch() retry loop against a dead API would
// otherwise keep the bridge dialing it every few seconds.
package breaker

import (
	"sync"
	"time"

	"github.com/OpenTela/TelaOS/pkg/errors"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of failures before opening the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before transitioning to HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
}

// Breaker tracks the health of one target host.
type Breaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
}

// New creates a new circuit breaker.
func New(config Config) *Breaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 60 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}

	return &Breaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn if the circuit allows it, recording the outcome.
// Returns ErrCircuitOpen without calling fn while the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()

	b.afterCall(err)
	return err
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.lastStateChange) > b.config.ResetTimeout {
			b.setState(StateHalfOpen)
			return nil
		}
		return errors.ErrCircuitOpen
	default:
		return nil
	}
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.successes = 0
		switch b.state {
		case StateClosed:
			if b.failures >= b.config.MaxFailures {
				b.setState(StateOpen)
			}
		case StateHalfOpen:
			// Any failure in HalfOpen immediately reopens the circuit
			b.setState(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

func (b *Breaker) setState(newState State) {
	if b.state == newState {
		return
	}
	b.state = newState
	b.lastStateChange = time.Now()
	if newState == StateClosed {
		b.failures = 0
	}
	b.successes = 0
}

// Group keys breakers by host so one dead API does not trip fetches to
// healthy ones.
type Group struct {
	mu       sync.Mutex
	config   Config
	breakers map[string]*Breaker
	maxHosts int
}

// NewGroup creates a breaker group; every host gets the same Config.
func NewGroup(config Config, maxHosts int) *Group {
	if maxHosts == 0 {
		maxHosts = 1000
	}
	return &Group{
		config:   config,
		breakers: make(map[string]*Breaker),
		maxHosts: maxHosts,
	}
}

// Host returns the breaker for the given host, creating it on first use.
func (g *Group) Host(host string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.breakers[host]
	if !ok {
		if len(g.breakers) >= g.maxHosts {
			// Bounded memory: drop all tracked hosts rather than grow forever.
			g.breakers = make(map[string]*Breaker)
		}
		b = New(g.config)
		g.breakers[host] = b
	}
	return b
}
