package session

import (
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/klauspost/compress/gzip"

	"github.com/edgecache/edged/internal/bodyfilter"
	"github.com/edgecache/edged/internal/httpx"
	"github.com/edgecache/edged/internal/vsl"
)

// The response shaper emits the chosen framing (LEN / CHUNKED / EOF /
// ESI / ESI_CHILD / GUNZIP) and interleaves filter output correctly
// during streaming.

// resBuildHTTP assembles the client response head from the held object.
func (e *Engine) resBuildHTTP(w *Worker, s *Session) {
	obj := w.obj.Obj()
	resp := httpx.NewHdrSet()
	httpx.FilterInto(resp, obj.Hdr, httpx.FilterStore)
	resp.Method = ""
	resp.URL = ""
	resp.Proto = "HTTP/1.1"
	resp.Protover = 11
	resp.Status = obj.Status
	resp.Reason = httpx.StatusMessage(obj.Status)
	if obj.Hdr.Reason != "" {
		resp.Reason = obj.Hdr.Reason
	}

	if obj.Status == 200 && httpx.HasConds(s.Req) &&
		httpx.DoCond(s.Req, obj.ETag(), obj.LastModified) {
		resp.Status = 304
		resp.Reason = "Not Modified"
		s.Wantbody = false
		w.resMode = ResLen
	}

	age := int64(s.TResp.Sub(obj.Exp.Entered).Seconds())
	if age < 0 {
		age = 0
	}
	resp.Set("Age", strconv.FormatInt(age, 10))
	resp.Set("Via", "1.1 edged")
	resp.Set("X-Edged", fmt.Sprintf("%d %d", s.XID, obj.XID))
	w.resp = resp
}

// applyFraming stamps the framing headers just before the head goes out.
func (w *Worker) applyFraming(s *Session, bodyLen int64) {
	resp := w.resp
	switch {
	case w.resMode&ResGunzip != 0:
		resp.Del("Content-Encoding")
	}
	switch {
	case w.resMode&ResLen != 0:
		if resp.Status == 304 {
			resp.Del("Content-Length")
		} else {
			resp.Set("Content-Length", strconv.FormatInt(bodyLen, 10))
		}
		resp.Del("Transfer-Encoding")
	case w.resMode&ResChunked != 0:
		resp.Del("Content-Length")
		resp.Set("Transfer-Encoding", "chunked")
	case w.resMode&ResEOF != 0:
		resp.Del("Content-Length")
		resp.Del("Transfer-Encoding")
		resp.Set("Connection", "close")
	default:
		// headerless body modes (ESI child) never write a head
	}
	if s.Doclose != "" && w.resMode&ResEOF == 0 {
		resp.Set("Connection", "close")
	}
}

// resWriteObj sends the stored object: head plus body in the chosen
// framing. ESI instruction walks re-enter the engine for includes.
func (e *Engine) resWriteObj(w *Worker, s *Session) {
	obj := w.obj.Obj()

	if w.resMode&ResESIChild != 0 {
		// Sub-request: no head, write straight into the parent's
		// framed body writer.
		if s.parent != nil && s.parent.esiBodyW != nil && s.Wantbody && obj.Len > 0 {
			e.writeBody(w, s, s.parent.esiBodyW, obj.Body, obj.ESIData)
		}
		w.released = true
		return
	}

	w.applyFraming(s, obj.Len)
	if err := httpx.WriteHead(s.bw, w.resp); err != nil {
		e.sesClose(w, s, "error")
		w.released = true
		return
	}

	if !s.Wantbody || w.resp.Status == 304 {
		s.bw.Flush()
		w.released = true
		return
	}

	var bw io.Writer = s.bw
	var chunked *httpx.ChunkedWriter
	if w.resMode&ResChunked != 0 {
		chunked = httpx.NewChunkedWriter(s.bw)
		bw = chunked
	}
	w.bodyW = bw

	e.writeBody(w, s, bw, obj.Body, obj.ESIData)

	if chunked != nil {
		chunked.Close()
	}
	if err := s.bw.Flush(); err != nil {
		e.sesClose(w, s, "error")
	}
	w.bodyW = nil
	w.released = true
}

// writeBody emits one object body through the active transforms.
func (e *Engine) writeBody(w *Worker, s *Session, dst io.Writer, body, esiData []byte) {
	if esiData != nil && w.resMode&(ResESI|ResESIChild) != 0 {
		e.writeESI(w, s, dst, body, esiData)
		return
	}
	if w.resMode&ResGunzip != 0 {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "gunzip delivery: %v", err)
			return
		}
		buf := make([]byte, e.Cfg.HTTP.GzipStackBuffer)
		if _, err := io.CopyBuffer(dst, gz, buf); err != nil {
			w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "gunzip delivery: %v", err)
		}
		gz.Close()
		return
	}
	dst.Write(body)
}

// writeESI walks the instruction list: literals from the stored body,
// includes through a sub-request.
func (e *Engine) writeESI(w *Worker, s *Session, dst io.Writer, body, esiData []byte) {
	instrs, err := bodyfilter.ParseInstr(esiData)
	if err != nil {
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "esi: %v", err)
		dst.Write(body)
		return
	}
	s.esiBodyW = dst
	for _, in := range instrs {
		if in.Literal {
			if in.Start >= 0 && in.End <= len(body) {
				dst.Write(body[in.Start:in.End])
			}
			continue
		}
		e.esiInclude(w, s, in.Src)
	}
	s.esiBodyW = nil
}

// esiInclude runs a sub-request for an include source, delivering its
// body inline.
func (e *Engine) esiInclude(w *Worker, s *Session, src string) {
	if s.ESILevel >= 5 {
		w.logbuf.Add(vsl.TagDebug, s.ID, s.XID, "esi: include depth exceeded at %q", src)
		return
	}
	child := s.subSession(src, e.Cfg.HTTP.ReqSize)
	child.vclRef = s.vclRef

	// Save the worker's per-request state around the recursive dispatch
	saved := *w
	w.obj = nil
	w.fetchCore = nil
	w.busyobj = nil
	w.bereq = nil
	w.beresp = nil
	w.resp = nil
	w.hContentLength = ""
	w.resMode = 0

	e.dispatch(w, child)

	*w = saved
}

// streamCtx carries the delivery side of a streaming fetch.
type streamCtx struct {
	clientW io.Writer
	chunked *httpx.ChunkedWriter

	// gunzip-on-the-fly plumbing
	pw   *io.PipeWriter
	done chan error
}

// resStreamStart writes the head and assembles the client-side writer
// chain for a streaming fetch.
func (e *Engine) resStreamStart(w *Worker, s *Session) (*streamCtx, error) {
	bodyLen := int64(0)
	if w.hContentLength != "" && w.resMode&ResLen != 0 {
		bodyLen, _ = strconv.ParseInt(w.hContentLength, 10, 64)
	}
	w.applyFraming(s, bodyLen)
	if err := httpx.WriteHead(s.bw, w.resp); err != nil {
		return nil, err
	}

	sctx := &streamCtx{}
	var out io.Writer = s.bw
	if w.resMode&ResChunked != 0 {
		sctx.chunked = httpx.NewChunkedWriter(s.bw)
		out = sctx.chunked
	}

	if w.resMode&ResGunzip != 0 {
		// The object stores gzip while the client gets plain: feed the
		// fetched bytes through a pipe into a streaming gunzipper.
		pr, pw := io.Pipe()
		sctx.pw = pw
		sctx.done = make(chan error, 1)
		sctx.clientW = pw
		buf := make([]byte, e.Cfg.HTTP.GzipStackBuffer)
		go func() {
			gz, err := gzip.NewReader(pr)
			if err != nil {
				pr.CloseWithError(err)
				sctx.done <- err
				return
			}
			_, err = io.CopyBuffer(out, gz, buf)
			gz.Close()
			pr.CloseWithError(err)
			sctx.done <- err
		}()
	} else {
		sctx.clientW = out
	}
	w.bodyW = sctx.clientW
	return sctx, nil
}

// resStreamEnd drains the filter chain and finishes the framing.
func (e *Engine) resStreamEnd(w *Worker, s *Session, sctx *streamCtx) error {
	if sctx == nil {
		return nil
	}
	var err error
	if sctx.pw != nil {
		sctx.pw.Close()
		err = <-sctx.done
	}
	if sctx.chunked != nil {
		if cerr := sctx.chunked.Close(); err == nil {
			err = cerr
		}
	}
	if ferr := s.bw.Flush(); err == nil {
		err = ferr
	}
	w.bodyW = nil
	w.released = true
	return err
}
