package session

import (
	"crypto/sha256"
	"hash"
	"io"

	"github.com/edgecache/edged/internal/backend"
	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// ResMode is the response-mode bitset computed in prepresp.
type ResMode uint8

const (
	ResLen ResMode = 1 << iota
	ResChunked
	ResEOF
	ResESI
	ResESIChild
	ResGunzip
)

// Worker is per-thread scratch. A session may migrate between workers
// across a park/resume boundary, so no per-request state here outlives the
// request; only the cached policy reference and the stats counter carry
// over.
type Worker struct {
	engine *Engine

	vclRef *vcl.Config // cached reference between requests

	// obj is the held object reference; fetchCore the busy core being
	// fetched; busyobj the transient fetch record.
	obj       *cache.ObjCore
	fetchCore *cache.ObjCore
	busyobj   *cache.BusyObj

	bereq  *httpx.HdrSet
	beresp *httpx.HdrSet
	resp   *httpx.HdrSet

	// hContentLength is the backend Content-Length line captured before
	// policy could touch the headers; it decides length framing during
	// streaming.
	hContentLength string

	resMode ResMode
	vbc     *backend.Conn
	sha     hash.Hash

	storageHint string

	// bodyW is the active framed body writer during delivery; ESI
	// children write through it.
	bodyW    io.Writer
	released bool

	logbuf *vsl.Buffer

	acct     acctTmp
	statsReq int // client requests since the last stats flush
}

// acctTmp is the per-request accounting, summed into the metrics at done.
type acctTmp struct {
	sess  int
	req   int
	fetch int
	pass  int
	pipe  int
}

func (a *acctTmp) zero() bool {
	return a.sess == 0 && a.req == 0 && a.fetch == 0 && a.pass == 0 && a.pipe == 0
}

// NewWorker creates worker scratch bound to the engine.
func NewWorker(e *Engine) *Worker {
	return &Worker{
		engine: e,
		sha:    sha256.New(),
		logbuf: e.Log.NewBuffer(),
	}
}

// assertClean panics unless the worker holds no per-request resources.
// Called around every dispatcher entry and exit.
func (w *Worker) assertClean() {
	if w.obj != nil {
		panic("worker: object reference leaked across dispatch")
	}
	if w.fetchCore != nil {
		panic("worker: busy objcore leaked across dispatch")
	}
	if w.vbc != nil {
		panic("worker: backend connection leaked across dispatch")
	}
	if !w.acct.zero() {
		panic("worker: accounting not charged")
	}
}

// resetReq clears the per-request scratch between requests of one
// session.
func (w *Worker) resetReq() {
	w.bereq = nil
	w.beresp = nil
	w.resp = nil
	w.hContentLength = ""
	w.resMode = 0
	w.storageHint = ""
	w.bodyW = nil
	w.released = false
	w.busyobj = nil
}

func (w *Worker) diag(s *Session, state string) {
	w.logbuf.Add(vsl.TagDebug, s.ID, s.XID,
		"step %s sess %s obj %v", state, s.ID, w.obj != nil)
	w.logbuf.Flush()
}
