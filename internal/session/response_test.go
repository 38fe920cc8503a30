package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
)

// Framing decision matrix: drive the prepresp mode computation directly
// across the documented combinations and check the bitset.

type framingCase struct {
	name string

	protover   int
	acceptGzip bool
	wantbody   bool
	esiLevel   int
	disableESI bool

	objLen     int64
	objGzipped bool
	esiData    []byte

	busyobj  bool
	doStream bool
	doGzip   bool
	doGunzip bool
	hCL      string

	wantMode    ResMode
	wantDoclose string
	wantStep    Step
}

func (tc framingCase) run(t *testing.T, env *testEnv) {
	t.Helper()

	req := httpx.NewHdrSet()
	req.Method = "GET"
	req.URL = "/"
	req.Protover = tc.protover
	if tc.protover == 10 {
		req.Proto = "HTTP/1.0"
	}
	if tc.acceptGzip {
		req.Set("Accept-Encoding", "gzip")
	}

	s := New(nil, 1024, 1024)
	s.Req = req
	s.Wantbody = tc.wantbody
	s.ESILevel = tc.esiLevel
	s.DisableESI = tc.disableESI
	s.vclRef = env.engine.VCL.Refresh(nil)
	s.Step = StepPrepResp

	obj := &cache.Object{
		Hdr:     httpx.NewHdrSet(),
		Status:  200,
		Len:     tc.objLen,
		Body:    make([]byte, tc.objLen),
		Gzipped: tc.objGzipped,
		ESIData: tc.esiData,
	}
	w := NewWorker(env.engine)
	core := env.engine.Index.Prealloc()
	core.SetObj(obj)
	w.obj = core

	if tc.busyobj {
		w.busyobj = &cache.BusyObj{
			DoStream: tc.doStream,
			DoGzip:   tc.doGzip,
			DoGunzip: tc.doGunzip,
		}
		w.hContentLength = tc.hCL
	}

	release := env.engine.stepPrepResp(w, s)
	require.False(t, release)

	assert.Equal(t, tc.wantMode, w.resMode, "mode bits")
	assert.Equal(t, tc.wantDoclose, s.Doclose)
	assert.Equal(t, tc.wantStep, s.Step)

	// LEN, CHUNKED and EOF are mutually exclusive in any response
	exclusive := 0
	for _, m := range []ResMode{ResLen, ResChunked, ResEOF} {
		if w.resMode&m != 0 {
			exclusive++
		}
	}
	assert.LessOrEqual(t, exclusive, 1, "LEN/CHUNKED/EOF must be mutually exclusive")
	if w.resMode&ResGunzip != 0 {
		assert.True(t, obj.Gzipped, "GUNZIP implies a gzip-stored object")
	}

	// Unwind the reference the case created
	env.engine.Index.Deref(w.obj)
	w.obj = nil
	w.busyobj = nil
	env.engine.VCL.Rel(s.vclRef)
	s.vclRef = nil
	w.acct = acctTmp{}
}

func TestFramingDecisionMatrix(t *testing.T) {
	env := newTestEnv(t, nil, "127.0.0.1:1")

	cases := []framingCase{
		{
			name:     "stored object, no busyobj: length framing",
			protover: 11, wantbody: true, objLen: 10,
			wantMode: ResLen, wantStep: StepDeliver,
		},
		{
			name:     "buffered fetch, no transforms: length framing",
			protover: 11, wantbody: true, objLen: 10,
			busyobj: true, hCL: "10",
			wantMode: ResLen, wantStep: StepDeliver,
		},
		{
			name:     "streaming with known length and no transforms: length framing",
			protover: 11, wantbody: true,
			busyobj: true, doStream: true, hCL: "10",
			wantMode: ResLen, wantStep: StepStreamBody,
		},
		{
			name:     "streaming gunzip, unknown length, HTTP/1.1: chunked",
			protover: 11, wantbody: true,
			busyobj: true, doStream: true, doGunzip: true,
			wantMode: ResChunked, wantStep: StepStreamBody,
		},
		{
			name:     "streaming gunzip, unknown length, HTTP/1.0: EOF and close",
			protover: 10, wantbody: true,
			busyobj: true, doStream: true, doGunzip: true,
			wantMode: ResEOF, wantDoclose: "EOF mode", wantStep: StepStreamBody,
		},
		{
			name:     "ESI parent: aggregate length unknown, chunked",
			protover: 11, wantbody: true, objLen: 20,
			esiData:  []byte("I /frag\n"),
			wantMode: ResESI | ResChunked, wantStep: StepDeliver,
		},
		{
			name:     "ESI parent with esi disabled: plain length framing",
			protover: 11, wantbody: true, objLen: 20, disableESI: true,
			esiData:  []byte("I /frag\n"),
			wantMode: ResLen, wantStep: StepDeliver,
		},
		{
			name:     "ESI child: headerless body into the parent frame",
			protover: 11, wantbody: true, objLen: 20, esiLevel: 1,
			wantMode: ResESIChild | ResChunked, wantStep: StepDeliver,
		},
		{
			name:     "gzip-stored object, plain client: gunzip on deliver, chunked",
			protover: 11, wantbody: true, objLen: 30, objGzipped: true,
			wantMode: ResGunzip | ResChunked, wantStep: StepDeliver,
		},
		{
			name:     "gzip-stored object, plain HTTP/1.0 client: gunzip with EOF close",
			protover: 10, wantbody: true, objLen: 30, objGzipped: true,
			wantMode: ResGunzip | ResEOF, wantDoclose: "EOF mode", wantStep: StepDeliver,
		},
		{
			name:     "gzip-stored object, gzip client: length framing, no transform",
			protover: 11, acceptGzip: true, wantbody: true, objLen: 30, objGzipped: true,
			wantMode: ResLen, wantStep: StepDeliver,
		},
		{
			name:     "HEAD on a gunzip candidate: no body mode at all",
			protover: 11, wantbody: false, objLen: 30, objGzipped: true,
			wantMode: ResGunzip, wantStep: StepDeliver,
		},
		{
			name:     "empty object: gunzip cannot change its size, length framing returns",
			protover: 11, wantbody: true, objLen: 0, objGzipped: true,
			wantMode: ResGunzip | ResLen, wantStep: StepDeliver,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) { tc.run(t, env) })
	}
}
