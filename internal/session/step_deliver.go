package session

import (
	"fmt"
	"time"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// stepPrepResp computes the response mode, builds the response head and
// runs the deliver hook.
func (e *Engine) stepPrepResp(w *Worker, s *Session) bool {
	if w.obj == nil {
		panic("prepresp: no object reference")
	}
	if s.vclRef == nil {
		panic("prepresp: no policy reference")
	}
	obj := w.obj.Obj()

	if w.busyobj != nil && w.busyobj.DoStream && w.fetchCore != nil {
		if !w.fetchCore.IsBusy() && !w.fetchCore.IsPass() {
			panic("prepresp: streaming core neither busy nor pass")
		}
	}

	w.resMode = 0

	if w.busyobj == nil {
		w.resMode |= ResLen
	}

	if w.busyobj != nil &&
		(w.hContentLength != "" || !w.busyobj.DoStream) &&
		!w.busyobj.DoGzip && !w.busyobj.DoGunzip {
		w.resMode |= ResLen
	}

	if !s.DisableESI && obj.ESIData != nil {
		// In ESI mode, we don't know the aggregate length
		w.resMode &^= ResLen
		w.resMode |= ResESI
	}

	if s.ESILevel > 0 {
		w.resMode &^= ResLen
		w.resMode |= ResESIChild
	}

	if e.Cfg.HTTP.GzipSupport && obj.Gzipped && !httpx.ReqGzip(s.Req) {
		// We don't know what it uncompresses to
		w.resMode &^= ResLen
		w.resMode |= ResGunzip
	}

	if w.resMode&(ResLen|ResChunked|ResEOF) == 0 {
		if obj.Len == 0 && (w.busyobj == nil || !w.busyobj.DoStream) {
			// If the object is empty, neither ESI nor GUNZIP can
			// make it any different size
			w.resMode |= ResLen
		} else if !s.Wantbody {
			// Nothing
		} else if s.Req.Protover >= 11 {
			w.resMode |= ResChunked
		} else {
			w.resMode |= ResEOF
			s.Doclose = "EOF mode"
		}
	}

	s.TResp = time.Now()
	lru := time.Duration(e.Cfg.Cache.LRUTimeoutSec) * time.Second
	if s.TResp.Sub(obj.LastLRU) > lru && e.Expiry.Touch(w.obj) {
		obj.LastLRU = s.TResp
	}
	e.Expiry.TouchUse(w.obj, s.TResp)

	e.resBuildHTTP(w, s)
	ctx := &vcl.Ctx{
		Req:      s.Req,
		Resp:     w.resp,
		Restarts: s.Restarts,
		ESILevel: s.ESILevel,
	}
	handling := s.vclRef.Hooks().Deliver(ctx)
	switch handling {
	case vcl.HandlingDeliver:
	case vcl.HandlingRestart:
		if s.Restarts >= e.Cfg.Session.MaxRestarts {
			break
		}
		if w.busyobj != nil && w.busyobj.DoStream {
			w.vbc.Close()
			w.vbc = nil
			if w.fetchCore != nil {
				e.dropFetchCore(w)
			} else {
				e.Index.Deref(w.obj)
			}
		} else {
			e.Index.Deref(w.obj)
		}
		w.obj = nil
		s.Restarts++
		e.Metrics.Restarts.Inc()
		s.Director = nil
		w.hContentLength = ""
		w.bereq = nil
		w.beresp = nil
		w.resp = nil
		w.busyobj = nil
		s.Step = StepRecv
		return false
	default:
		panic(fmt.Sprintf("prepresp: illegal action %s in deliver hook", handling))
	}

	if w.busyobj != nil && w.busyobj.DoStream {
		s.Step = StepStreamBody
	} else {
		s.Step = StepDeliver
	}
	return false
}

// stepDeliver sends an already stored object.
func (e *Engine) stepDeliver(w *Worker, s *Session) bool {
	if w.obj == nil {
		panic("deliver: no object reference")
	}

	s.Director = nil
	s.Restarts = 0

	e.resWriteObj(w, s)

	if !w.released {
		panic("deliver: write path did not release the response writer")
	}
	e.Index.Deref(w.obj)
	w.obj = nil
	w.fetchCore = nil
	w.busyobj = nil
	w.resp = nil
	s.Step = StepDone
	return false
}

// stepError synthesizes an error response and delivers it through
// prepresp.
func (e *Engine) stepError(w *Worker, s *Session) bool {
	if w.obj == nil {
		core := e.Index.Prealloc()
		w.busyobj = &cache.BusyObj{}
		obj, err := e.Stores.NewObject("", e.Cfg.HTTP.RespSize, e.Cfg.HTTP.MaxHdr)
		if err != nil {
			obj, err = e.Stores.TransientStore().NewObject(e.Cfg.HTTP.RespSize, e.Cfg.HTTP.MaxHdr)
		}
		if err != nil {
			s.Doclose = "Out of objects"
			s.Director = nil
			w.hContentLength = ""
			w.bereq = nil
			w.beresp = nil
			w.busyobj = nil
			s.Step = StepDone
			return false
		}
		obj.XID = s.XID
		obj.Exp.Entered = s.TReq
		core.SetObj(obj)
		w.obj = core
	}
	obj := w.obj.Obj()

	if s.ErrCode < 100 || s.ErrCode > 999 {
		s.ErrCode = 501
	}

	h := obj.Hdr
	h.Proto = "HTTP/1.1"
	h.Protover = 11
	obj.Status = s.ErrCode
	h.Status = s.ErrCode
	h.Set("Date", time.Now().UTC().Format(time.RFC1123))
	h.Set("Server", "Varnish")
	h.Set("Content-Type", "text/html; charset=utf-8")
	if s.ErrReason != "" {
		h.Reason = s.ErrReason
	} else {
		h.Reason = httpx.StatusMessage(s.ErrCode)
	}

	e.synthBody(w, s, obj)
	e.Metrics.Errors.WithLabelValues(fmt.Sprintf("%d", s.ErrCode)).Inc()
	w.logbuf.Add(vsl.TagError, s.ID, s.XID, "%d %s", s.ErrCode, h.Reason)

	ctx := &vcl.Ctx{
		Req:       s.Req,
		Resp:      h,
		ErrCode:   s.ErrCode,
		ErrReason: h.Reason,
		Restarts:  s.Restarts,
		ESILevel:  s.ESILevel,
	}
	var handling vcl.Handling
	if s.vclRef != nil {
		handling = s.vclRef.Hooks().Error(ctx)
	} else {
		handling = vcl.HandlingDeliver
	}

	if handling == vcl.HandlingRestart && s.Restarts < e.Cfg.Session.MaxRestarts {
		e.Index.Deref(w.obj)
		w.obj = nil
		w.busyobj = nil
		s.Director = nil
		s.Restarts++
		e.Metrics.Restarts.Inc()
		s.ErrCode = 0
		s.ErrReason = ""
		s.Step = StepRecv
		return false
	} else if handling == vcl.HandlingRestart {
		handling = vcl.HandlingDeliver
	}
	if handling != vcl.HandlingDeliver {
		panic(fmt.Sprintf("error: illegal action %s in error hook", handling))
	}

	// We always close when we take this path
	s.Doclose = "error"
	s.Wantbody = true

	s.ErrCode = 0
	s.ErrReason = ""
	w.bereq = nil
	s.Step = StepPrepResp
	return false
}

// synthBody fills the error object with the default error page.
func (e *Engine) synthBody(w *Worker, s *Session, obj *cache.Object) {
	if obj.Len > 0 {
		return
	}
	page := fmt.Sprintf(`<?xml version="1.0" encoding="utf-8"?>
<!DOCTYPE html>
<html>
  <head>
    <title>%d %s</title>
  </head>
  <body>
    <h1>Error %d %s</h1>
    <p>%s</p>
    <h3>Guru Meditation:</h3>
    <p>XID: %d</p>
  </body>
</html>
`, obj.Status, obj.Hdr.Reason, obj.Status, obj.Hdr.Reason, obj.Hdr.Reason, s.XID)
	bw := &objBodyWriter{obj: obj}
	if _, err := bw.Write([]byte(page)); err != nil {
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "synth body: %v", err)
	}
}

// dropFetchCore abandons the busy core and wakes its waiting list.
func (e *Engine) dropFetchCore(w *Worker) {
	if w.fetchCore == nil {
		return
	}
	e.Index.Drop(w.fetchCore)
	w.fetchCore = nil
	e.Metrics.BusyObjs.Dec()
}

// unbusyFetchCore publishes the fetched object and wakes its waiting
// list; the caller keeps its reference for delivery.
func (e *Engine) unbusyFetchCore(w *Worker) {
	if w.fetchCore == nil {
		return
	}
	e.Index.Unbusy(w.fetchCore)
	w.fetchCore = nil
	e.Metrics.BusyObjs.Dec()
}
