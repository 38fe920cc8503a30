package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// stepFirst runs once per new connection: record the session watermark
// and charge the accept. The receive buffer is sized when the session is
// created.
func (e *Engine) stepFirst(w *Worker, s *Session) bool {
	if s.XID != 0 {
		panic("first: xid already assigned")
	}
	if s.Restarts != 0 || s.ESILevel != 0 {
		panic("first: dirty session")
	}

	s.wsSes = s.WS.Snapshot()
	w.acct.sess++
	e.Metrics.SessAccepted.Inc()

	s.Step = StepWait
	return false
}

// stepWait blocks briefly until a full request head is buffered.
func (e *Engine) stepWait(w *Worker, s *Session) bool {
	if s.vclRef != nil || w.obj != nil {
		panic("wait: resources held")
	}
	if s.XID != 0 {
		panic("wait: xid must be zero")
	}

	st := s.rx.Complete()
	if st == httpx.RxIncomplete && e.Cfg.Session.LingerMs > 0 {
		deadline := time.Now().Add(time.Duration(e.Cfg.Session.LingerMs) * time.Millisecond)
		st = s.rx.Rx(deadline)
	}
	switch st {
	case httpx.RxIncomplete:
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "herding")
		e.Metrics.SessHerd.Inc()
		e.chargeAcct(w)
		e.Queue.ParkWaiter(s)
		return true
	case httpx.RxComplete:
		s.Step = StepStart
		return false
	case httpx.RxOverflow:
		e.sesClose(w, s, "overflow")
	case httpx.RxEOF:
		if s.rx.Buffered() == 0 {
			e.sesClose(w, s, "EOF")
		} else {
			e.sesClose(w, s, "error")
		}
	default:
		e.sesClose(w, s, "error")
	}
	s.Step = StepDone
	return false
}

// stepStart assigns the xid, borrows the policy reference and dissects
// the request.
func (e *Engine) stepStart(w *Worker, s *Session) bool {
	if s.Restarts != 0 || w.obj != nil || s.vclRef != nil || s.ESILevel != 0 {
		panic("start: dirty session")
	}

	w.statsReq++
	s.TReq = time.Now()
	w.acct.req++
	e.Metrics.ClientReq.Inc()

	s.XID = e.nextXID()
	w.logbuf.Add(vsl.TagReqStart, s.ID, s.XID, "%s %d", s.Peer, s.XID)

	// Borrow the policy reference from the worker
	w.vclRef = e.VCL.Refresh(w.vclRef)
	s.vclRef = w.vclRef
	w.vclRef = nil

	req, code := httpx.DissectRequest(s.rx.Head(), e.Cfg.HTTP.MaxHdr)
	if code == 400 {
		s.Step = StepDone
		e.sesClose(w, s, "junk")
		return false
	}
	s.Req = req

	s.wsReq = s.WS.Snapshot()
	s.Req0 = req.Copy()

	if code != 0 {
		s.ErrCode = code
		s.Step = StepError
		return false
	}

	s.Doclose = s.Req.DoConnection()

	if expect := s.Req.Get("Expect"); expect != "" {
		if !strings.EqualFold(expect, "100-continue") {
			s.ErrCode = 417
			s.Step = StepError
			return false
		}
		s.bw.WriteString("HTTP/1.1 100 Continue\r\n\r\n")
		s.bw.Flush()
		s.Req.Del("Expect")
	}

	s.Step = StepRecv
	return false
}

// stepRecv runs the recv and hash hooks on a complete request and
// dispatches on the verdict.
func (e *Engine) stepRecv(w *Worker, s *Session) bool {
	if w.obj != nil {
		panic("recv: object reference held")
	}
	if s.vclRef == nil {
		panic("recv: no policy reference")
	}

	// By default we use the first director
	if s.Director != nil {
		panic("recv: director already set")
	}
	directors := s.vclRef.Directors()
	if len(directors) > 0 {
		s.Director = directors[0]
	}

	s.DisableESI = false
	s.HashAlwaysMiss = false
	s.HashIgnoreBusy = false
	s.Req.CollectHdr("Cache-Control")

	ctx := &vcl.Ctx{
		Req:      s.Req,
		Director: s.Director,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	recvHandling := s.vclRef.Hooks().Recv(ctx)
	s.Director = ctx.Director
	s.DisableESI = ctx.DisableESI
	s.HashAlwaysMiss = ctx.HashAlwaysMiss
	s.HashIgnoreBusy = ctx.HashIgnoreBusy
	if ctx.ErrCode != 0 {
		s.ErrCode = ctx.ErrCode
		s.ErrReason = ctx.ErrReason
	}

	if s.Restarts > e.Cfg.Session.MaxRestarts {
		if s.ErrCode == 0 {
			s.ErrCode = 503
		}
		s.Step = StepError
		return false
	}

	if e.Cfg.HTTP.GzipSupport &&
		recvHandling != vcl.HandlingPipe &&
		recvHandling != vcl.HandlingPass {
		if httpx.ReqGzip(s.Req) {
			s.Req.Del("Accept-Encoding")
			s.Req.Set("Accept-Encoding", "gzip")
		} else {
			s.Req.Del("Accept-Encoding")
		}
	}

	w.sha.Reset()
	hashCtx := &vcl.Ctx{
		Req: s.Req,
		HashData: func(data string) {
			w.sha.Write([]byte(data))
			w.sha.Write([]byte{0})
		},
	}
	if h := s.vclRef.Hooks().Hash(hashCtx); h != vcl.HandlingHash {
		panic(fmt.Sprintf("recv: illegal action %s in hash hook", h))
	}
	w.sha.Sum(s.Digest[:0])

	s.Wantbody = s.Req.Method != "HEAD"
	s.Sendbody = false

	switch recvHandling {
	case vcl.HandlingLookup:
		s.Step = StepLookup
	case vcl.HandlingPipe:
		if s.ESILevel > 0 {
			panic("recv: pipe inside an ESI sub-request is not implemented")
		}
		s.Step = StepPipe
	case vcl.HandlingPass:
		s.Step = StepPass
	case vcl.HandlingError:
		s.Step = StepError
	default:
		panic(fmt.Sprintf("recv: illegal action %s in recv hook", recvHandling))
	}
	return false
}

// sesClose closes the client connection with a fixed reason string.
func (e *Engine) sesClose(w *Worker, s *Session, reason string) {
	if s.closed {
		return
	}
	w.logbuf.Add(vsl.TagSessClose, s.ID, s.XID, "%s", reason)
	e.Metrics.SessClosed.Inc()
	s.close()
}

// chargeAcct folds the worker's temporary accounting into the metrics.
func (e *Engine) chargeAcct(w *Worker) {
	if w.acct.pass > 0 {
		e.Metrics.Pass.Add(float64(w.acct.pass))
	}
	if w.acct.pipe > 0 {
		e.Metrics.Pipe.Add(float64(w.acct.pipe))
	}
	if w.acct.fetch > 0 {
		e.Metrics.Fetch.Add(float64(w.acct.fetch))
	}
	w.acct = acctTmp{}
}

// stepDone terminates the request: timing records, scratch cleanup, and
// the keepalive/close/pipeline decision.
func (e *Engine) stepDone(w *Worker, s *Session) bool {
	if w.obj != nil || w.vbc != nil {
		panic("done: resources held")
	}
	s.Director = nil
	s.Restarts = 0
	w.busyobj = nil
	w.resetReq()

	e.chargeAcct(w)

	// If we did an ESI include, don't mess up our state
	if s.ESILevel > 0 {
		return true
	}

	if s.vclRef != nil {
		if w.vclRef != nil {
			e.VCL.Rel(w.vclRef)
		}
		w.vclRef = s.vclRef
		s.vclRef = nil
	}

	s.TEnd = time.Now()
	if s.XID == 0 {
		s.TResp = s.TEnd
	} else {
		dp := s.TResp.Sub(s.TReq).Seconds()
		da := s.TEnd.Sub(s.TResp).Seconds()
		dh := s.TReq.Sub(s.TOpen).Seconds()
		if !s.closed {
			w.logbuf.Add(vsl.TagLength, s.ID, s.XID, "%d", s.reqBodyBytes)
		}
		w.logbuf.Add(vsl.TagReqEnd, s.ID, s.XID, "%d %.9f %.9f %.9f %.9f %.9f",
			s.XID, timeSecs(s.TReq), timeSecs(s.TEnd), dh, dp, da)
		e.Stats.Record(s.TEnd.Sub(s.TReq))
		e.Metrics.ReqDur.Observe(s.TEnd.Sub(s.TReq).Seconds())
	}
	s.XID = 0
	w.logbuf.Flush()

	s.TOpen = s.TEnd
	s.TResp = time.Time{}
	s.TReq = time.Time{}
	s.reqBodyBytes = 0
	s.HashAlwaysMiss = false
	s.HashIgnoreBusy = false
	s.ErrCode = 0
	s.ErrReason = ""

	if !s.closed && s.Doclose != "" {
		e.sesClose(w, s, s.Doclose)
	}

	if s.closed {
		return true
	}

	if w.statsReq >= e.Cfg.Workers.StatsRate {
		w.statsReq = 0
		for _, st := range e.Stores.Stores() {
			e.Metrics.StoreBytes.WithLabelValues(st.Name()).Set(float64(st.BytesInUse()))
		}
	}

	// Reset the workspace to the session watermark
	s.WS.Reset(s.wsSes)

	if s.rx.Reinit() == httpx.RxComplete {
		e.Metrics.SessPipeline.Inc()
		s.Step = StepStart
		return false
	}
	if s.rx.Buffered() > 0 {
		e.Metrics.SessReadahead.Inc()
		s.Step = StepWait
		return false
	}
	if e.Cfg.Session.LingerMs > 0 {
		e.Metrics.SessLinger.Inc()
		s.Step = StepWait
		return false
	}
	e.Metrics.SessHerd.Inc()
	e.Queue.ParkWaiter(s)
	return true
}

func timeSecs(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// discardReqBody drains a Content-Length request body that will not be
// forwarded.
func (e *Engine) discardReqBody(s *Session) {
	if s.rx == nil {
		return
	}
	cl := s.Req.Get("Content-Length")
	if cl == "" {
		return
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil || n <= 0 {
		return
	}
	buf := make([]byte, 8*1024)
	r := s.rx.BodyReader()
	var got int64
	for got < n {
		want := int64(len(buf))
		if n-got < want {
			want = n - got
		}
		m, err := r.Read(buf[:want])
		got += int64(m)
		if err != nil {
			break
		}
	}
	s.reqBodyBytes += got
}
