// Package backend implements backend selection (directors), the backend
// connection pool and the wire fetch used by the session engine.
package backend

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Conn is one backend connection. Recycled reports whether it came from
// the idle pool; a failure on a recycled connection is retried once by
// the fetch state.
type Conn struct {
	nc       net.Conn
	br       *bufio.Reader
	bw       *bufio.Writer
	owner    *Backend
	recycled bool
	closed   bool
}

func (c *Conn) Recycled() bool { return c.recycled }

// Close tears the connection down.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.nc.Close()
}

// Recycle returns the connection to the owner's idle pool.
func (c *Conn) Recycle() {
	if c.closed {
		return
	}
	c.owner.putIdle(c)
}

// Director selects a backend connection for a request.
type Director interface {
	Name() string
	GetConn() (*Conn, error)
}

// Backend is a single-host director with an idle pool and a breaker.
type Backend struct {
	name        string
	addr        string
	dialTimeout time.Duration
	maxIdle     int
	breaker     *Breaker

	mu   sync.Mutex
	idle []*Conn
}

func NewBackend(name, addr string, dialTimeout time.Duration, maxIdle int, breaker *Breaker) *Backend {
	if breaker == nil {
		breaker = NewBreaker(DefaultBreakerConfig(name))
	}
	return &Backend{
		name:        name,
		addr:        addr,
		dialTimeout: dialTimeout,
		maxIdle:     maxIdle,
		breaker:     breaker,
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) GetConn() (*Conn, error) {
	b.mu.Lock()
	if n := len(b.idle); n > 0 {
		c := b.idle[n-1]
		b.idle = b.idle[:n-1]
		b.mu.Unlock()
		c.recycled = true
		return c, nil
	}
	b.mu.Unlock()

	if err := b.breaker.Allow(); err != nil {
		return nil, err
	}
	nc, err := net.DialTimeout("tcp", b.addr, b.dialTimeout)
	if err != nil {
		b.breaker.Report(false)
		return nil, fmt.Errorf("dial %s (%s): %w", b.name, b.addr, err)
	}
	b.breaker.Report(true)
	return &Conn{
		nc:    nc,
		br:    bufio.NewReader(nc),
		bw:    bufio.NewWriter(nc),
		owner: b,
	}, nil
}

func (b *Backend) putIdle(c *Conn) {
	c.recycled = false
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.idle) >= b.maxIdle {
		c.nc.Close()
		c.closed = true
		return
	}
	b.idle = append(b.idle, c)
}

// RoundRobin cycles over several backends.
type RoundRobin struct {
	name     string
	backends []*Backend
	next     atomic.Uint64
}

func NewRoundRobin(name string, backends ...*Backend) *RoundRobin {
	return &RoundRobin{name: name, backends: backends}
}

func (rr *RoundRobin) Name() string { return rr.name }

func (rr *RoundRobin) GetConn() (*Conn, error) {
	n := len(rr.backends)
	if n == 0 {
		return nil, fmt.Errorf("director %s: no backends", rr.name)
	}
	var lastErr error
	for i := 0; i < n; i++ {
		b := rr.backends[int(rr.next.Add(1)%uint64(n))]
		c, err := b.GetConn()
		if err == nil {
			return c, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
