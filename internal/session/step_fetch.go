package session

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/edgecache/edged/internal/bodyfilter"
	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/storage"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// objBodyWriter appends fetched bytes to the object against its store's
// budget.
type objBodyWriter struct {
	obj *cache.Object
}

func (w *objBodyWriter) Write(p []byte) (int, error) {
	if err := w.obj.Store.Grow(w.obj, len(p)); err != nil {
		return 0, err
	}
	w.obj.Body = append(w.obj.Body, p...)
	w.obj.Len += int64(len(p))
	return len(p), nil
}

// stepFetch sends the backend request and reads response headers. A
// recycled connection that died gets a single retry.
func (e *Engine) stepFetch(w *Worker, s *Session) bool {
	if s.vclRef == nil || w.busyobj == nil {
		panic("fetch: missing policy or busy object")
	}
	if s.Director == nil {
		panic("fetch: no director")
	}
	if w.vbc != nil || w.hContentLength != "" {
		panic("fetch: backend state leaked")
	}

	var body io.Reader
	if s.Sendbody && s.rx != nil {
		if cl, err := strconv.ParseInt(s.Req.Get("Content-Length"), 10, 64); err == nil && cl > 0 {
			body = io.LimitReader(s.rx.BodyReader(), cl)
			s.reqBodyBytes += cl
		}
	}

	conn, beresp, retryable, err := e.Fetcher.FetchHdr(s.Director, w.bereq, body)
	// If we recycle a backend connection, there is a finite chance that
	// the backend closed it before we get a request to it. Do a single
	// retry in that case.
	if err != nil && retryable && body == nil {
		e.Metrics.BackendRetry.Inc()
		conn, beresp, _, err = e.Fetcher.FetchHdr(s.Director, w.bereq, nil)
	}

	handling := vcl.HandlingError
	if err != nil {
		w.logbuf.Add(vsl.TagBackend, s.ID, s.XID, "fetch failed: %v", err)
		s.ErrCode = 503
	} else {
		w.vbc = conn
		w.beresp = beresp
		w.busyobj.Beresp = beresp

		// These two headers can be spread over multiple actual
		// headers and we rely on their content outside of policy, so
		// collect them into one line here.
		w.beresp.CollectHdr("Cache-Control")
		w.beresp.CollectHdr("Vary")

		// Figure out how the fetch is supposed to happen, before the
		// headers are adultered by policy
		w.busyobj.BodyStatus, w.busyobj.BodyLen = httpx.Body(w.beresp)
		w.hContentLength = w.beresp.Get("Content-Length")

		s.beStatus = w.beresp.Status

		w.busyobj.Exp.Clr()
		w.busyobj.Exp.Entered = time.Now()
		ttl, grace, keep := httpx.TTL(w.beresp, s.Req, w.busyobj.Exp.Entered, httpx.TTLDefaults{
			TTL:   120 * time.Second,
			Grace: time.Duration(e.Cfg.Cache.ShortlivedSec) * time.Second,
		})
		w.busyobj.Exp.TTL, w.busyobj.Exp.Grace, w.busyobj.Exp.Keep = ttl, grace, keep

		// pass from recv has negative TTL
		if w.fetchCore == nil {
			w.busyobj.Exp.TTL = -1
		}

		if w.busyobj.DoESI {
			panic("fetch: do_esi set before fetch hook")
		}

		ctx := &vcl.Ctx{
			Req:      s.Req,
			Bereq:    w.bereq,
			Beresp:   w.beresp,
			TTL:      &w.busyobj.Exp.TTL,
			DoStream: &w.busyobj.DoStream,
			DoESI:    &w.busyobj.DoESI,
			DoGzip:   &w.busyobj.DoGzip,
			DoGunzip: &w.busyobj.DoGunzip,
			Restarts: s.Restarts,
			ESILevel: s.ESILevel,
		}
		handling = s.vclRef.Hooks().Fetch(ctx)
		if ctx.ErrCode != 0 {
			s.ErrCode = ctx.ErrCode
			s.ErrReason = ctx.ErrReason
		}

		switch handling {
		case vcl.HandlingHitForPass:
			if w.fetchCore != nil {
				w.fetchCore.SetPass()
			}
			s.Step = StepFetchBody
			return false
		case vcl.HandlingDeliver:
			s.Step = StepFetchBody
			return false
		}

		// We are not going to fetch the body, close the connection
		w.vbc.Close()
		w.vbc = nil
	}

	// Clean up partial fetch
	e.dropFetchCore(w)
	w.busyobj = nil
	w.bereq = nil
	w.beresp = nil
	w.hContentLength = ""
	s.Director = nil
	w.storageHint = ""

	switch handling {
	case vcl.HandlingRestart:
		s.Restarts++
		e.Metrics.Restarts.Inc()
		s.Step = StepRecv
	case vcl.HandlingError:
		s.Step = StepError
	default:
		panic(fmt.Sprintf("fetch: illegal action %s in fetch hook", handling))
	}
	return false
}

// stepFetchBody decides the storage representation, allocates the object
// and, unless streaming, drives the body fetch to completion.
func (e *Engine) stepFetchBody(w *Worker, s *Session) bool {
	bo := w.busyobj
	if bo == nil {
		panic("fetchbody: no busy object")
	}

	if w.fetchCore == nil {
		// This is a pass from recv; policy may have fiddled the TTL,
		// but that doesn't help
		bo.Exp.TTL = -1
	}

	// The backend Content-Encoding header tells us what we are going to
	// receive, the do_g[un]zip hints how we want it stored.
	if !e.Cfg.HTTP.GzipSupport {
		bo.DoGzip = false
		bo.DoGunzip = false
	}
	bo.IsGzip = w.beresp.Is("Content-Encoding", "gzip")
	bo.IsGunzip = !w.beresp.Has("Content-Encoding")
	if bo.IsGzip && bo.IsGunzip {
		panic("fetchbody: gzip classification is contradictory")
	}

	// We won't gunzip unless it is gzip'ed
	if bo.DoGunzip && !bo.IsGzip {
		bo.DoGunzip = false
	}
	if bo.DoGunzip {
		w.beresp.Del("Content-Encoding")
	}

	// We won't gzip unless it is ungziped
	if bo.DoGzip && !bo.IsGunzip {
		bo.DoGzip = false
	}
	if bo.DoGzip {
		w.beresp.Set("Content-Encoding", "gzip")
	}
	if bo.DoGzip && bo.DoGunzip {
		panic("fetchbody: gzip and gunzip both requested")
	}

	// ESI takes precedence; the ESI filter does no gzip or gunzip of its
	// own
	switch {
	case bo.DoESI:
		bo.Filter = cache.FilterESI
	case bo.DoGunzip:
		bo.Filter = cache.FilterGunzip
	case bo.DoGzip:
		bo.Filter = cache.FilterGzip
	case bo.IsGzip:
		bo.Filter = cache.FilterTestGzip
	default:
		bo.Filter = cache.FilterPassthrough
	}

	if bo.DoESI || s.ESILevel > 0 {
		bo.DoStream = false
	}
	if !s.Wantbody {
		bo.DoStream = false
	}

	budget, nhdr := httpx.EstimateWS(w.beresp, httpx.FilterStore)

	var vary []byte
	if w.fetchCore != nil {
		vary = cache.VaryCreate(w.beresp, s.Req)
		if vary != nil {
			cache.VaryValidate(vary)
			budget += len(vary)
		}
	}

	// Space for producing a Content-Length header including padding
	budget += len("Content-Length: XxxXxxXxxXxxXxxXxx") + 8

	shortlived := time.Duration(e.Cfg.Cache.ShortlivedSec) * time.Second
	if bo.Exp.TTL < shortlived || w.fetchCore == nil {
		w.storageHint = storage.Transient
	}

	obj, err := e.Stores.NewObject(w.storageHint, budget, nhdr)
	if err != nil {
		// Try to salvage the transaction by allocating a shortlived
		// object on transient storage.
		e.Metrics.StoreFail.WithLabelValues(e.Cfg.Storage.Default).Inc()
		obj, err = e.Stores.TransientStore().NewObject(budget, nhdr)
		if bo.Exp.TTL > shortlived {
			bo.Exp.TTL = shortlived
		}
		bo.Exp.Grace = 0
		bo.Exp.Keep = 0
	}
	if err != nil {
		e.Metrics.StoreFail.WithLabelValues(storage.Transient).Inc()
		s.ErrCode = 503
		s.Step = StepError
		w.vbc.Close()
		w.vbc = nil
		e.dropFetchCore(w)
		w.busyobj = nil
		return false
	}
	w.storageHint = ""

	if bo.DoGzip || (bo.IsGzip && !bo.DoGunzip) {
		obj.Gzipped = true
	}
	obj.Vary = vary
	obj.XID = s.XID
	obj.Status = s.beStatus
	obj.Exp = bo.Exp

	// Filter the response headers into the object
	httpx.FilterInto(obj.Hdr, w.beresp, httpx.FilterStore)
	if lm := w.beresp.Get("Last-Modified"); lm != "" {
		if t, err := time.Parse(time.RFC1123, lm); err == nil {
			obj.LastModified = t
		}
	}
	if obj.LastModified.IsZero() {
		obj.LastModified = bo.Exp.Entered.Truncate(time.Second)
	}

	// If we can deliver a 304 reply, we don't bother streaming. Notice
	// that the deliver hook could still nuke the headers that allow the
	// 304, in which case we return 200 non-stream.
	if obj.Status == 200 && httpx.HasConds(s.Req) &&
		httpx.DoCond(s.Req, obj.ETag(), obj.LastModified) {
		bo.DoStream = false
	}

	core := w.fetchCore
	if core == nil {
		core = e.Index.Prealloc()
	}
	core.SetObj(obj)
	w.obj = core

	if bo.DoStream {
		s.Step = StepPrepResp
		return false
	}

	// Buffered fetch: drive the body to completion before delivery
	filter := bodyfilter.New(bo.Filter)
	fetchErr := e.Fetcher.FetchBody(w.vbc, bo, filter, &objBodyWriter{obj: obj})
	w.vbc = nil

	if esi, ok := filter.(*bodyfilter.ESIFilter); ok && fetchErr == nil {
		obj.ESIData = esi.Data()
	}

	w.hContentLength = ""
	w.bereq = nil
	w.beresp = nil

	if fetchErr != nil {
		w.logbuf.Add(vsl.TagBackend, s.ID, s.XID, "fetch body failed: %v", fetchErr)
		if w.fetchCore != nil {
			e.dropFetchCore(w)
		} else {
			e.Index.Deref(w.obj)
		}
		w.obj = nil
		s.ErrCode = 503
		s.Step = StepError
		return false
	}

	if err := obj.Store.Commit(obj); err != nil {
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "store commit: %v", err)
	}

	if w.fetchCore != nil {
		e.Expiry.Insert(obj)
		e.unbusyFetchCore(w)
	}
	w.acct.fetch++
	s.Step = StepPrepResp
	return false
}

// stepStreamBody delivers while the body is still being fetched.
func (e *Engine) stepStreamBody(w *Worker, s *Session) bool {
	bo := w.busyobj
	if bo == nil || w.obj == nil {
		panic("streambody: missing busy object or reference")
	}
	obj := w.obj.Obj()

	sctx, err := e.resStreamStart(w, s)
	if err != nil {
		s.Doclose = "Stream error"
	}

	var fetchErr error
	if err == nil {
		filter := bodyfilter.New(bo.Filter)
		dst := io.MultiWriter(&objBodyWriter{obj: obj}, sctx.clientW)
		fetchErr = e.Fetcher.FetchBody(w.vbc, bo, filter, dst)
	} else if w.vbc != nil {
		w.vbc.Close()
	}
	w.vbc = nil
	w.hContentLength = ""
	w.bereq = nil
	w.beresp = nil

	if fetchErr == nil && err == nil && w.fetchCore != nil {
		if cerr := obj.Store.Commit(obj); cerr != nil {
			w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "store commit: %v", cerr)
		}
		e.Expiry.Insert(obj)
		e.unbusyFetchCore(w)
	} else if fetchErr != nil {
		w.logbuf.Add(vsl.TagBackend, s.ID, s.XID, "stream fetch failed: %v", fetchErr)
		s.Doclose = "Stream error"
	}
	w.acct.fetch++
	s.Director = nil
	s.Restarts = 0

	if err := e.resStreamEnd(w, s, sctx); err != nil {
		s.Doclose = "Stream error"
	}

	if w.fetchCore != nil {
		// The fetch failed with the core still busy: abandon it and
		// wake the waiting list.
		e.dropFetchCore(w)
	} else {
		e.Index.Deref(w.obj)
	}
	w.obj = nil
	w.busyobj = nil
	w.resp = nil
	s.Step = StepDone
	return false
}
