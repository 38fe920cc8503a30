package backend

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
)

// =============================================================================
// Circuit breaker
// =============================================================================

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 3, Timeout: time.Hour})

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Report(false)
	}
	assert.Equal(t, StateClosed, b.State(), "below the threshold the breaker stays closed")

	require.NoError(t, b.Allow())
	b.Report(false)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 2, Timeout: time.Hour})

	b.Report(false)
	b.Report(true)
	b.Report(false)
	assert.Equal(t, StateClosed, b.State(), "a success in between resets the consecutive count")
}

func TestBreakerHalfOpenProbes(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 1, MaxProbes: 2, Timeout: 10 * time.Millisecond})

	b.Report(false)
	require.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	time.Sleep(15 * time.Millisecond)

	// After the open timeout a bounded number of probes pass
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen, "probe budget exhausted")
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 1, MaxProbes: 3, Timeout: 10 * time.Millisecond})

	b.Report(false)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Report(true)
	assert.Equal(t, StateClosed, b.State())
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "t", MaxFailures: 1, MaxProbes: 3, Timeout: 10 * time.Millisecond})

	b.Report(false)
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Report(false)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreakerBlocksDialing(t *testing.T) {
	br := NewBreaker(BreakerConfig{Name: "down", MaxFailures: 1, Timeout: time.Hour})
	b := NewBackend("down", "127.0.0.1:1", 100*time.Millisecond, 2, br)

	_, err := b.GetConn()
	require.Error(t, err, "nothing listens on port 1")

	_, err = b.GetConn()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

// =============================================================================
// Connection pool
// =============================================================================

// originServer accepts connections and serves canned responses; each
// conn handles any number of requests until closeAfter responses, then
// closes.
type originServer struct {
	ln         net.Listener
	resp       []byte
	closeAfter int // responses per conn before server closes it, 0 = never
	accepted   chan net.Conn
}

func newOriginServer(t *testing.T, resp []byte, closeAfter int) *originServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &originServer{ln: ln, resp: resp, closeAfter: closeAfter, accepted: make(chan net.Conn, 8)}
	go srv.serve()
	t.Cleanup(func() { ln.Close() })
	return srv
}

func (s *originServer) addr() string { return s.ln.Addr().String() }

func (s *originServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.accepted <- conn
		go func(c net.Conn) {
			defer c.Close()
			br := bufio.NewReader(c)
			served := 0
			for {
				if _, err := readRequestHead(br); err != nil {
					return
				}
				if _, err := c.Write(s.resp); err != nil {
					return
				}
				served++
				if s.closeAfter > 0 && served >= s.closeAfter {
					return
				}
			}
		}(conn)
	}
}

func readRequestHead(br *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		sb.WriteString(line)
		if line == "\r\n" || line == "\n" {
			return sb.String(), nil
		}
	}
}

func okResp(body string) []byte {
	return []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
}

func testBereq() *httpx.HdrSet {
	bereq := httpx.NewHdrSet()
	bereq.Method = "GET"
	bereq.URL = "/"
	bereq.Set("Host", "origin")
	return bereq
}

func TestConnRecycling(t *testing.T) {
	srv := newOriginServer(t, okResp("one"), 0)
	b := NewBackend("o", srv.addr(), time.Second, 4, nil)
	f := &Fetcher{Timeouts: Timeouts{FirstByte: time.Second, BetweenBytes: time.Second}}

	c, beresp, retryable, err := f.FetchHdr(b, testBereq(), nil)
	require.NoError(t, err)
	assert.False(t, retryable)
	assert.False(t, c.Recycled(), "first use is a fresh dial")
	assert.Equal(t, 200, beresp.Status)

	bo := &cache.BusyObj{Beresp: beresp}
	bo.BodyStatus, bo.BodyLen = httpx.Body(beresp)
	var body strings.Builder
	require.NoError(t, f.FetchBody(c, bo, passthrough{}, &body))
	assert.Equal(t, "one", body.String())

	// Length framing without Connection: close recycles the conn
	c2, _, _, err := f.FetchHdr(b, testBereq(), nil)
	require.NoError(t, err)
	assert.True(t, c2.Recycled(), "second fetch reuses the pooled connection")
	c2.Close()
	assert.Len(t, srv.accepted, 1, "both fetches rode one TCP connection")
}

type passthrough struct{}

func (passthrough) Run(dst io.Writer, src io.Reader) error {
	_, err := io.Copy(dst, src)
	return err
}

func TestIdlePoolCap(t *testing.T) {
	srv := newOriginServer(t, okResp("x"), 0)
	b := NewBackend("o", srv.addr(), time.Second, 1, nil)

	c1, err := b.GetConn()
	require.NoError(t, err)
	c2, err := b.GetConn()
	require.NoError(t, err)

	c1.Recycle()
	c2.Recycle() // over the cap of 1: closed instead of pooled

	r1, err := b.GetConn()
	require.NoError(t, err)
	assert.True(t, r1.Recycled())
	r2, err := b.GetConn()
	require.NoError(t, err)
	assert.False(t, r2.Recycled(), "only one idle conn survived the cap")
	r1.Close()
	r2.Close()
}

func TestRoundRobinCycles(t *testing.T) {
	srv1 := newOriginServer(t, okResp("a"), 0)
	srv2 := newOriginServer(t, okResp("b"), 0)
	rr := NewRoundRobin("default",
		NewBackend("b1", srv1.addr(), time.Second, 1, nil),
		NewBackend("b2", srv2.addr(), time.Second, 1, nil))

	for i := 0; i < 2; i++ {
		c, err := rr.GetConn()
		require.NoError(t, err)
		c.Close()
	}
	assert.Len(t, srv1.accepted, 1)
	assert.Len(t, srv2.accepted, 1)
}

// =============================================================================
// Retry on recycled connections
// =============================================================================

// A recycled connection the origin closed behind our back fails with
// retryable set, and a single retry on a fresh dial succeeds.
func TestFetchHdrRetryableOnStaleRecycledConn(t *testing.T) {
	srv := newOriginServer(t, okResp("first"), 1)
	b := NewBackend("o", srv.addr(), time.Second, 4, nil)
	f := &Fetcher{Timeouts: Timeouts{FirstByte: time.Second, BetweenBytes: time.Second}}

	c, beresp, _, err := f.FetchHdr(b, testBereq(), nil)
	require.NoError(t, err)
	bo := &cache.BusyObj{Beresp: beresp}
	bo.BodyStatus, bo.BodyLen = httpx.Body(beresp)
	var body strings.Builder
	require.NoError(t, f.FetchBody(c, bo, passthrough{}, &body))

	// The origin closes the connection after that first response; give
	// the close time to land, then fetch through the now-stale pooled
	// conn.
	time.Sleep(20 * time.Millisecond)

	_, _, retryable, err := f.FetchHdr(b, testBereq(), nil)
	require.Error(t, err, "the pooled connection is dead")
	assert.True(t, retryable, "failures on recycled connections are retryable")

	// The single retry the fetch state performs: a fresh dial works
	c3, beresp3, retryable3, err := f.FetchHdr(b, testBereq(), nil)
	require.NoError(t, err)
	assert.False(t, retryable3)
	assert.Equal(t, 200, beresp3.Status)
	c3.Close()
}

// A failure on a fresh dial is not retryable.
func TestFetchHdrFreshConnNotRetryable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	// Accept and immediately close without answering
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	t.Cleanup(func() { ln.Close() })

	b := NewBackend("o", ln.Addr().String(), time.Second, 4, nil)
	f := &Fetcher{Timeouts: Timeouts{FirstByte: 200 * time.Millisecond}}

	_, _, retryable, err := f.FetchHdr(b, testBereq(), nil)
	require.Error(t, err)
	assert.False(t, retryable)
}
