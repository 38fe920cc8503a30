// Package session implements the central state machine that pushes
// requests: a per-session step tag, a dispatcher loop, and one handler
// per state. A session cannot be driven by direct calls because any
// policy hook can kick it back to an earlier state (restart) and a cache
// lookup can suspend it behind a busy peer and resume it on a different
// worker.
package session

import (
	"bufio"
	"io"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/edgecache/edged/internal/backend"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/workspace"
)

// Step is the session's current state tag.
type Step int

const (
	StepFirst Step = iota + 1
	StepWait
	StepStart
	StepRecv
	StepLookup
	StepHit
	StepMiss
	StepPass
	StepPipe
	StepFetch
	StepFetchBody
	StepStreamBody
	StepPrepResp
	StepDeliver
	StepError
	StepDone
)

func (s Step) String() string {
	switch s {
	case StepFirst:
		return "first"
	case StepWait:
		return "wait"
	case StepStart:
		return "start"
	case StepRecv:
		return "recv"
	case StepLookup:
		return "lookup"
	case StepHit:
		return "hit"
	case StepMiss:
		return "miss"
	case StepPass:
		return "pass"
	case StepPipe:
		return "pipe"
	case StepFetch:
		return "fetch"
	case StepFetchBody:
		return "fetchbody"
	case StepStreamBody:
		return "streambody"
	case StepPrepResp:
		return "prepresp"
	case StepDeliver:
		return "deliver"
	case StepError:
		return "error"
	case StepDone:
		return "done"
	default:
		return "invalid"
	}
}

// Session is the unit of work. Everything that must survive a worker
// migration lives here; the worker is scratch.
type Session struct {
	ID   string // correlation id for the request log
	Peer string

	conn   net.Conn
	bw     *bufio.Writer
	rx     *httpx.RxBuf
	closed bool

	Step     Step
	XID      uint64
	Restarts int
	ESILevel int

	TOpen time.Time
	TReq  time.Time
	TResp time.Time
	TEnd  time.Time

	Req  *httpx.HdrSet // parsed request, mutable by policy
	Req0 *httpx.HdrSet // original-request snapshot for restarts

	WS    *workspace.Workspace
	wsSes workspace.Mark
	wsReq workspace.Mark

	Digest [32]byte

	Wantbody       bool
	Sendbody       bool
	DisableESI     bool
	HashAlwaysMiss bool
	HashIgnoreBusy bool

	// Doclose, when non-empty, closes the connection after delivery.
	Doclose string

	Director backend.Director
	vclRef   *vcl.Config

	// Error synthesis state.
	ErrCode   int
	ErrReason string

	beStatus     int   // backend response status, stamped on the object
	reqBodyBytes int64

	// waitingList marks a session parked on a busy objhead; on requeue
	// the lookup handler finds its workspace reservation still open.
	waitingList bool

	// ESI sub-requests share the parent's framed body writer.
	parent   *Session
	esiBodyW io.Writer
}

// New wraps an accepted connection in a session at the first state.
func New(conn net.Conn, reqSize, wsSize int) *Session {
	s := &Session{
		ID:    uuid.NewString(),
		Step:  StepFirst,
		conn:  conn,
		bw:    bufio.NewWriter(conn),
		rx:    httpx.NewRxBuf(conn, reqSize),
		WS:    workspace.New(wsSize),
		TOpen: time.Now(),
	}
	if conn != nil {
		s.Peer = conn.RemoteAddr().String()
	}
	return s
}

// Closed reports whether the client connection is gone.
func (s *Session) Closed() bool { return s.closed }

// close tears the connection down with a reason. The reason is logged by
// the caller through the worker's log buffer.
func (s *Session) close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.conn != nil {
		s.bw.Flush()
		s.conn.Close()
	}
}

// subSession builds an ESI child for an include source. It has no
// connection of its own; delivery goes through the parent's body writer.
func (s *Session) subSession(src string, wsSize int) *Session {
	req := s.Req0.Copy()
	req.URL = src
	req.Method = "GET"
	req.Del("Expect")
	child := &Session{
		ID:       s.ID,
		Peer:     s.Peer,
		Step:     StepRecv,
		XID:      s.XID,
		ESILevel: s.ESILevel + 1,
		TOpen:    s.TOpen,
		TReq:     s.TReq,
		Req:      req,
		Req0:     req.Copy(),
		WS:       workspace.New(wsSize),
		Wantbody: true,
		parent:   s,
	}
	child.wsSes = child.WS.Snapshot()
	child.wsReq = child.WS.Snapshot()
	return child
}
