// Circuit breaker protecting backend dials. Adapted from the classic
// three-state pattern: closed passes traffic, open rejects, half-open
// probes with a bounded number of requests.
package backend

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal operation, requests pass through
	StateOpen                         // Failure threshold exceeded, requests blocked
	StateHalfOpen                     // Testing if the backend recovered
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrCircuitOpen is returned while the breaker rejects traffic.
var ErrCircuitOpen = errors.New("backend: circuit breaker is open")

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	Name        string
	MaxFailures uint32        // consecutive failures before tripping
	MaxProbes   uint32        // requests allowed in half-open state
	Timeout     time.Duration // open-state period before probing
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:        name,
		MaxFailures: 5,
		MaxProbes:   3,
		Timeout:     30 * time.Second,
	}
}

// Breaker is a minimal three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failures     uint32
	probes       uint32
	openedAt     time.Time
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Breaker{cfg: cfg}
}

// Allow reports whether a request may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.setState(StateHalfOpen)
			b.probes = 1
			return nil
		}
		return ErrCircuitOpen
	default: // half-open
		if b.probes >= b.cfg.MaxProbes {
			return ErrCircuitOpen
		}
		b.probes++
		return nil
	}
}

// Report records the outcome of a request.
func (b *Breaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.cfg.MaxFailures {
		b.setState(StateOpen)
		b.openedAt = time.Now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	slog.Info("backend breaker state change",
		"name", b.cfg.Name, "from", b.state.String(), "to", s.String())
	b.state = s
	if s == StateClosed {
		b.failures = 0
		b.probes = 0
	}
}
