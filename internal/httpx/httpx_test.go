package httpx

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDissectRequest(t *testing.T) {
	head := []byte("GET /a HTTP/1.1\r\nHost: x\r\nAccept-Encoding: gzip\r\n\r\n")
	req, code := DissectRequest(head, 64)
	require.Equal(t, 0, code)
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/a", req.URL)
	assert.Equal(t, 11, req.Protover)
	assert.Equal(t, "gzip", req.Get("Accept-Encoding"))
}

func TestDissectRequestGarbage(t *testing.T) {
	for _, bad := range []string{
		"garbage\r\n\r\n",
		"GET /a HTTP/2.0\r\n\r\n",
		"GET  HTTP/1.1\r\n\r\n",
	} {
		_, code := DissectRequest([]byte(bad), 64)
		assert.Equal(t, 400, code, "input %q", bad)
	}
}

func TestDissectRequestTooManyHeaders(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("GET / HTTP/1.1\r\n")
	for i := 0; i < 10; i++ {
		sb.WriteString("X-H: v\r\n")
	}
	sb.WriteString("\r\n")
	_, code := DissectRequest([]byte(sb.String()), 4)
	assert.Equal(t, 413, code)
}

func TestDoConnection(t *testing.T) {
	req, code := DissectRequest([]byte("GET / HTTP/1.0\r\n\r\n"), 64)
	require.Equal(t, 0, code)
	assert.Equal(t, "not HTTP/1.1", req.DoConnection())

	req, _ = DissectRequest([]byte("GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n"), 64)
	assert.Equal(t, "", req.DoConnection())

	req, _ = DissectRequest([]byte("GET / HTTP/1.1\r\nConnection: close\r\n\r\n"), 64)
	assert.Equal(t, "Connection: close", req.DoConnection())

	req, _ = DissectRequest([]byte("GET / HTTP/1.1\r\n\r\n"), 64)
	assert.Equal(t, "", req.DoConnection())
}

func TestRxBufPipelining(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	rx := NewRxBuf(server, 4096)
	_, err := client.Write([]byte("GET /1 HTTP/1.1\r\n\r\nGET /2 HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	require.Equal(t, RxComplete, rx.Rx(time.Now().Add(time.Second)))
	assert.Contains(t, string(rx.Head()), "GET /1")

	// Second request is already buffered
	require.Equal(t, RxComplete, rx.Reinit())
	assert.Contains(t, string(rx.Head()), "GET /2")

	// Nothing left after the second
	assert.Equal(t, RxIncomplete, rx.Reinit())
	assert.Equal(t, 0, rx.Buffered())
}

func TestRxBufOverflow(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	rx := NewRxBuf(server, 32)
	_, err := client.Write([]byte(strings.Repeat("A", 64)))
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	st := rx.Rx(deadline)
	for st == RxIncomplete && time.Now().Before(deadline) {
		st = rx.Rx(deadline)
	}
	assert.Equal(t, RxOverflow, st)
}

func TestRxBufTimeout(t *testing.T) {
	server, client := tcpPair(t)
	defer server.Close()
	defer client.Close()

	rx := NewRxBuf(server, 64)
	start := time.Now()
	st := rx.Rx(time.Now().Add(30 * time.Millisecond))
	assert.Equal(t, RxIncomplete, st)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestBodyStatus(t *testing.T) {
	resp := &HdrSet{Status: 200, Hdr: map[string][]string{"Content-Length": {"42"}}}
	st, n := Body(resp)
	assert.Equal(t, BodyLength, st)
	assert.Equal(t, int64(42), n)

	resp = &HdrSet{Status: 200, Hdr: map[string][]string{"Transfer-Encoding": {"chunked"}}}
	st, _ = Body(resp)
	assert.Equal(t, BodyChunked, st)

	resp = &HdrSet{Status: 304, Hdr: map[string][]string{}}
	st, _ = Body(resp)
	assert.Equal(t, BodyNone, st)

	resp = &HdrSet{Status: 200, Hdr: map[string][]string{}}
	st, _ = Body(resp)
	assert.Equal(t, BodyEOF, st)
}

func TestTTL(t *testing.T) {
	now := time.Now()
	def := TTLDefaults{TTL: 120 * time.Second, Grace: 10 * time.Second}

	resp := &HdrSet{Status: 200, Hdr: map[string][]string{"Cache-Control": {"max-age=300"}}}
	ttl, _, _ := TTL(resp, nil, now, def)
	assert.Equal(t, 300*time.Second, ttl)

	resp = &HdrSet{Status: 200, Hdr: map[string][]string{"Cache-Control": {"s-maxage=60, max-age=300"}}}
	ttl, _, _ = TTL(resp, nil, now, def)
	assert.Equal(t, 60*time.Second, ttl)

	resp = &HdrSet{Status: 200, Hdr: map[string][]string{"Cache-Control": {"no-store"}}}
	ttl, _, _ = TTL(resp, nil, now, def)
	assert.Equal(t, time.Duration(0), ttl)

	resp = &HdrSet{Status: 200, Hdr: map[string][]string{}}
	ttl, _, _ = TTL(resp, nil, now, def)
	assert.Equal(t, 120*time.Second, ttl)

	resp = &HdrSet{Status: 500, Hdr: map[string][]string{}}
	ttl, _, _ = TTL(resp, nil, now, def)
	assert.Equal(t, time.Duration(0), ttl)
}

func TestReqGzip(t *testing.T) {
	req := &HdrSet{Hdr: map[string][]string{"Accept-Encoding": {"gzip, deflate"}}}
	assert.True(t, ReqGzip(req))

	req = &HdrSet{Hdr: map[string][]string{"Accept-Encoding": {"gzip;q=0"}}}
	assert.False(t, ReqGzip(req))

	req = &HdrSet{Hdr: map[string][]string{}}
	assert.False(t, ReqGzip(req))
}

func TestFilterClasses(t *testing.T) {
	src, code := DissectRequest([]byte("GET /x HTTP/1.1\r\n" +
		"Host: h\r\nConnection: keep-alive\r\nRange: bytes=0-5\r\n" +
		"If-Modified-Since: x\r\nCookie: c\r\n\r\n"), 64)
	require.Equal(t, 0, code)

	fetch := NewHdrSet()
	FilterInto(fetch, src, FilterFetch)
	assert.False(t, fetch.Has("Connection"))
	assert.False(t, fetch.Has("Range"))
	assert.False(t, fetch.Has("If-Modified-Since"))
	assert.True(t, fetch.Has("Cookie"))

	pass := NewHdrSet()
	FilterInto(pass, src, FilterPass)
	assert.False(t, pass.Has("Connection"))
	assert.True(t, pass.Has("Range"))
	assert.True(t, pass.Has("If-Modified-Since"))
}

func TestChunkedRoundTrip(t *testing.T) {
	var sb strings.Builder
	w := bufio.NewWriter(&sb)
	cw := NewChunkedWriter(w)
	cw.Write([]byte("hello "))
	cw.Write([]byte("world"))
	cw.Close()
	w.Flush()

	cr := NewChunkedReader(bufio.NewReader(strings.NewReader(sb.String())))
	var out []byte
	buf := make([]byte, 4)
	for {
		n, err := cr.Read(buf)
		out = append(out, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, "hello world", string(out))
}

func tcpPair(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(done)
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	<-done
	require.NotNil(t, server)
	return server, client
}
