package backend

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
)

// Timeouts carries the point-in-time fetch timeouts.
type Timeouts struct {
	Connect      time.Duration
	FirstByte    time.Duration
	BetweenBytes time.Duration
}

// Fetcher performs the wire side of a backend fetch.
type Fetcher struct {
	Timeouts Timeouts
}

// FetchHdr connects through the director, sends the backend request (plus
// the client body for pass/pipe requests) and reads the response head.
// retryable is true when the failure happened on a recycled connection
// before any response bytes arrived; the fetch state retries those once.
func (f *Fetcher) FetchHdr(d Director, bereq *httpx.HdrSet, body io.Reader) (*Conn, *httpx.HdrSet, bool, error) {
	c, err := d.GetConn()
	if err != nil {
		return nil, nil, false, err
	}
	if err := httpx.WriteHead(c.bw, bereq); err != nil {
		c.Close()
		return nil, nil, c.recycled, fmt.Errorf("write bereq: %w", err)
	}
	if body != nil {
		if _, err := io.Copy(c.bw, body); err != nil {
			c.Close()
			return nil, nil, c.recycled, fmt.Errorf("write request body: %w", err)
		}
	}
	if err := c.bw.Flush(); err != nil {
		c.Close()
		return nil, nil, c.recycled, fmt.Errorf("flush bereq: %w", err)
	}

	if f.Timeouts.FirstByte > 0 {
		c.nc.SetReadDeadline(time.Now().Add(f.Timeouts.FirstByte))
	}
	beresp, err := httpx.ReadResponseHead(c.br)
	if err != nil {
		retryable := c.recycled && c.br.Buffered() == 0
		c.Close()
		return nil, nil, retryable, fmt.Errorf("read beresp: %w", err)
	}
	return c, beresp, false, nil
}

// BodyFilter transforms fetched body bytes before they reach the object.
type BodyFilter interface {
	Run(dst io.Writer, src io.Reader) error
}

// FetchBody drives the response body from the backend connection through
// the filter into dst. The connection is recycled on clean completion
// with persistent framing, closed otherwise.
func (f *Fetcher) FetchBody(c *Conn, bo *cache.BusyObj, filter BodyFilter, dst io.Writer) error {
	var src io.Reader
	switch bo.BodyStatus {
	case httpx.BodyNone:
		src = nil
	case httpx.BodyLength:
		src = io.LimitReader(&deadlineReader{c: c, between: f.Timeouts.BetweenBytes}, bo.BodyLen)
	case httpx.BodyChunked:
		src = httpx.NewChunkedReader(c.br)
	case httpx.BodyEOF:
		src = &deadlineReader{c: c, between: f.Timeouts.BetweenBytes}
	default:
		c.Close()
		return fmt.Errorf("fetch body: invalid body status %v", bo.BodyStatus)
	}

	if src != nil {
		if err := filter.Run(dst, src); err != nil {
			c.Close()
			return fmt.Errorf("fetch body: %w", err)
		}
	}

	if bo.BodyStatus == httpx.BodyEOF || (bo.Beresp != nil && bo.Beresp.Is("Connection", "close")) {
		c.Close()
	} else {
		c.Recycle()
	}
	return nil
}

// deadlineReader reads from the connection's buffered reader with a
// between-bytes deadline.
type deadlineReader struct {
	c       *Conn
	between time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if r.between > 0 {
		r.c.nc.SetReadDeadline(time.Now().Add(r.between))
	}
	return r.c.br.Read(p)
}

// Pipe shuttles bytes both ways between the client and the backend until
// either end closes. buffered is read-ahead client data that must reach
// the backend first.
func (f *Fetcher) Pipe(client net.Conn, buffered []byte, d Director, bereq *httpx.HdrSet) error {
	c, err := d.GetConn()
	if err != nil {
		return err
	}
	defer c.Close()

	if err := httpx.WriteHead(c.bw, bereq); err != nil {
		return fmt.Errorf("pipe: write bereq: %w", err)
	}
	if len(buffered) > 0 {
		if _, err := c.bw.Write(buffered); err != nil {
			return fmt.Errorf("pipe: write buffered: %w", err)
		}
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("pipe: flush: %w", err)
	}

	client.SetReadDeadline(time.Time{})
	c.nc.SetReadDeadline(time.Time{})

	var wg sync.WaitGroup
	wg.Add(2)
	var firstErr error
	var once sync.Once
	shuttle := func(dst, src net.Conn) {
		defer wg.Done()
		_, err := io.Copy(dst, src)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			once.Do(func() { firstErr = err })
		}
		// Unblock the opposite direction
		dst.Close()
		src.Close()
	}
	go shuttle(c.nc, client)
	shuttle(client, c.nc)
	wg.Wait()
	return firstErr
}
