package session

import (
	"fmt"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// stepLookup hashes into the shared index. Three outcomes: parked behind
// a busy peer (release), miss with the busy flag transferred to us, or a
// usable object (hit or hit-for-pass).
func (e *Engine) stepLookup(w *Worker, s *Session) bool {
	if s.vclRef == nil {
		panic("lookup: no policy reference")
	}

	var varyBuf []byte
	if !s.waitingList {
		varyBuf = s.WS.Reserve()
	} else {
		// Waiting-list return: the reservation from the parked lookup
		// is still open.
		if !s.WS.Reserved() {
			panic("lookup: waiting-list return without reservation")
		}
		e.Metrics.ParkedSes.Dec()
		varyBuf = s.WS.Reservation()
	}

	// Mark the park before the lookup: the wakeup can fire on another
	// worker the instant the index decides to retain us.
	s.waitingList = true

	oc, varyLen := e.Index.Lookup(&cache.LookupReq{
		Digest:     s.Digest,
		Req:        s.Req,
		AlwaysMiss: s.HashAlwaysMiss,
		IgnoreBusy: s.HashIgnoreBusy || s.ESILevel > 0,
		VaryBuf:    varyBuf,
		Wakeup: func() {
			e.Queue.Queue(s)
		},
	})

	if oc == nil {
		// We lost the session to a busy object; the index will
		// re-dispatch it, still in lookup, when the busy object
		// isn't. Do not touch the session any more.
		e.Metrics.ParkedSes.Inc()
		e.chargeAcct(w)
		return true
	}
	s.waitingList = false

	// If we inserted a new object it's a miss
	if oc.IsBusy() {
		e.Metrics.CacheMiss.Inc()
		if varyLen > 0 {
			cache.VaryValidate(oc.Busy().Vary)
			s.WS.Release(varyLen)
		} else {
			s.WS.Release(0)
		}
		w.fetchCore = oc
		w.busyobj = oc.Busy()
		e.Metrics.BusyObjs.Inc()
		s.Step = StepMiss
		return false
	}

	w.obj = oc
	s.WS.Release(0)

	if oc.IsPass() {
		e.Metrics.CacheHitPass.Inc()
		w.logbuf.Add(vsl.TagHitPass, s.ID, s.XID, "%d", oc.Obj().XID)
		e.Index.Deref(oc)
		w.obj = nil
		s.Step = StepPass
		return false
	}

	e.Metrics.CacheHit.Inc()
	w.logbuf.Add(vsl.TagHit, s.ID, s.XID, "%d", oc.Obj().XID)
	s.Step = StepHit
	return false
}

// stepHit asks policy what to do with a cache hit.
func (e *Engine) stepHit(w *Worker, s *Session) bool {
	if w.obj == nil {
		panic("hit: no object reference")
	}
	if w.obj.IsPass() {
		panic("hit: hit-for-pass object reached hit state")
	}

	ctx := &vcl.Ctx{
		Req:      s.Req,
		ObjHdr:   w.obj.Obj().Hdr,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	handling := s.vclRef.Hooks().Hit(ctx)
	if ctx.ErrCode != 0 {
		s.ErrCode = ctx.ErrCode
		s.ErrReason = ctx.ErrReason
	}

	if handling == vcl.HandlingDeliver {
		// Dispose of any body part of the request
		e.discardReqBody(s)
		s.Step = StepPrepResp
		return false
	}

	// Drop our object, we won't need it
	e.Index.Deref(w.obj)
	w.obj = nil
	w.fetchCore = nil
	w.busyobj = nil

	switch handling {
	case vcl.HandlingPass:
		s.Step = StepPass
	case vcl.HandlingError:
		s.Step = StepError
	case vcl.HandlingRestart:
		s.Director = nil
		s.Restarts++
		e.Metrics.Restarts.Inc()
		s.Step = StepRecv
	default:
		panic(fmt.Sprintf("hit: illegal action %s in hit hook", handling))
	}
	return false
}

// stepMiss builds the fetch-filtered backend request and asks policy.
func (e *Engine) stepMiss(w *Worker, s *Session) bool {
	if w.obj != nil {
		panic("miss: object reference held")
	}
	if w.fetchCore == nil || w.busyobj == nil {
		panic("miss: no busy objcore")
	}

	w.bereq = httpx.NewHdrSet()
	httpx.FilterInto(w.bereq, s.Req, httpx.FilterFetch)
	w.bereq.ForceGet()
	if e.Cfg.HTTP.GzipSupport {
		// We always ask the backend for gzip, even if the client
		// doesn't grok it. We will uncompress for the minority of
		// clients which don't.
		w.bereq.Del("Accept-Encoding")
		w.bereq.Set("Accept-Encoding", "gzip")
	}

	ctx := &vcl.Ctx{
		Req:      s.Req,
		Bereq:    w.bereq,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	handling := s.vclRef.Hooks().Miss(ctx)
	if ctx.ErrCode != 0 {
		s.ErrCode = ctx.ErrCode
		s.ErrReason = ctx.ErrReason
	}

	switch handling {
	case vcl.HandlingError:
		e.dropFetchCore(w)
		w.busyobj = nil
		w.bereq = nil
		s.Step = StepError
	case vcl.HandlingPass:
		e.dropFetchCore(w)
		w.busyobj = nil
		s.Step = StepPass
	case vcl.HandlingFetch:
		s.Step = StepFetch
	case vcl.HandlingRestart:
		e.dropFetchCore(w)
		w.busyobj = nil
		panic("miss: restart from miss is not implemented")
	default:
		panic(fmt.Sprintf("miss: illegal action %s in miss hook", handling))
	}
	return false
}

// stepPass builds a pass-filtered backend request; the response will not
// be cached.
func (e *Engine) stepPass(w *Worker, s *Session) bool {
	if w.obj != nil {
		panic("pass: object reference held")
	}
	if s.vclRef == nil {
		panic("pass: no policy reference")
	}

	w.bereq = httpx.NewHdrSet()
	httpx.FilterInto(w.bereq, s.Req, httpx.FilterPass)

	ctx := &vcl.Ctx{
		Req:      s.Req,
		Bereq:    w.bereq,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	handling := s.vclRef.Hooks().Pass(ctx)
	if ctx.ErrCode != 0 {
		s.ErrCode = ctx.ErrCode
		s.ErrReason = ctx.ErrReason
	}
	if handling == vcl.HandlingError {
		w.bereq = nil
		s.Step = StepError
		return false
	}
	if handling != vcl.HandlingPass {
		panic(fmt.Sprintf("pass: illegal action %s in pass hook", handling))
	}
	w.acct.pass++
	s.Sendbody = true
	w.busyobj = &cache.BusyObj{}
	s.Step = StepFetch
	return false
}

// stepPipe ships the request head unchanged and shuttles bytes both ways
// until either end closes.
func (e *Engine) stepPipe(w *Worker, s *Session) bool {
	if s.vclRef == nil {
		panic("pipe: no policy reference")
	}

	w.acct.pipe++
	w.bereq = httpx.NewHdrSet()
	httpx.FilterInto(w.bereq, s.Req, httpx.FilterPipe)

	ctx := &vcl.Ctx{
		Req:      s.Req,
		Bereq:    w.bereq,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	handling := s.vclRef.Hooks().Pipe(ctx)
	if handling == vcl.HandlingError {
		panic("pipe: error from pipe hook is not implemented")
	}
	if handling != vcl.HandlingPipe {
		panic(fmt.Sprintf("pipe: illegal action %s in pipe hook", handling))
	}

	if err := e.Fetcher.Pipe(s.conn, s.rx.PipeBuffered(), s.Director, w.bereq); err != nil {
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "pipe: %v", err)
	}
	e.Metrics.SessClosed.Inc()
	s.closed = true
	w.bereq = nil
	s.Step = StepDone
	return false
}
