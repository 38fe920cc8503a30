package session

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgecache/edged/internal/backend"
	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/config"
	"github.com/edgecache/edged/internal/metrics"
	"github.com/edgecache/edged/internal/stats"
	"github.com/edgecache/edged/internal/storage"
	"github.com/edgecache/edged/internal/vcl"
	"github.com/edgecache/edged/internal/vsl"
)

// Queuer re-dispatches sessions the engine has released: requeueing a
// session woken from a busy objhead, and parking idle keepalive sessions
// on the waiter.
type Queuer interface {
	Queue(s *Session)
	ParkWaiter(s *Session)
}

// Engine owns the shared collaborators of every session and drives the
// per-session state pump.
type Engine struct {
	Cfg     *config.Config
	Index   *cache.Index
	Expiry  *cache.Expiry
	Stores  *storage.Registry
	VCL     *vcl.Manager
	Fetcher *backend.Fetcher
	Metrics *metrics.Metrics
	Stats   *stats.Recorder
	Log     *vsl.Log
	Queue   Queuer

	xids atomic.Uint64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewEngine wires an engine. The xid counter is seeded randomly;
// debug.xid can pin it for reproducible runs.
func NewEngine(cfg *config.Config, idx *cache.Index, exp *cache.Expiry, stores *storage.Registry,
	mgr *vcl.Manager, fetcher *backend.Fetcher, m *metrics.Metrics, rec *stats.Recorder,
	log *vsl.Log, queue Queuer) *Engine {

	e := &Engine{
		Cfg:     cfg,
		Index:   idx,
		Expiry:  exp,
		Stores:  stores,
		VCL:     mgr,
		Fetcher: fetcher,
		Metrics: m,
		Stats:   rec,
		Log:     log,
		Queue:   queue,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	e.xids.Store(uint64(e.rnd.Uint32()))
	return e
}

func (e *Engine) nextXID() uint64 {
	return e.xids.Add(1)
}

// XID reports the current value of the global xid counter.
func (e *Engine) XID() uint64 { return e.xids.Load() }

// SetXID pins the global xid counter (debug.xid).
func (e *Engine) SetXID(v uint64) { e.xids.Store(v) }

// SeedRandom reseeds the engine's pseudo-random source (debug.srandom).
// Seed 1 is the default, the only seed guaranteed to reproduce.
func (e *Engine) SeedRandom(seed int64) {
	e.rndMu.Lock()
	e.rnd = rand.New(rand.NewSource(seed))
	e.rndMu.Unlock()
}

// Run pumps the session until a handler releases it. Legal entry states
// are first, start, lookup and recv only.
func (e *Engine) Run(w *Worker, s *Session) {
	switch s.Step {
	case StepFirst, StepStart, StepLookup, StepRecv:
	default:
		panic(fmt.Sprintf("session: illegal entry state %s", s.Step))
	}
	w.assertClean()

	e.dispatch(w, s)

	w.logbuf.Flush()
	w.assertClean()
}

// dispatch is the inner pump; ESI sub-requests re-enter it recursively.
func (e *Engine) dispatch(w *Worker, s *Session) {
	diag := e.Cfg.Debug.DiagBitmap&0x01 != 0
	for {
		if diag {
			w.diag(s, s.Step.String())
		}
		s.WS.Assert()
		var release bool
		switch s.Step {
		case StepFirst:
			release = e.stepFirst(w, s)
		case StepWait:
			release = e.stepWait(w, s)
		case StepStart:
			release = e.stepStart(w, s)
		case StepRecv:
			release = e.stepRecv(w, s)
		case StepLookup:
			release = e.stepLookup(w, s)
		case StepHit:
			release = e.stepHit(w, s)
		case StepMiss:
			release = e.stepMiss(w, s)
		case StepPass:
			release = e.stepPass(w, s)
		case StepPipe:
			release = e.stepPipe(w, s)
		case StepFetch:
			release = e.stepFetch(w, s)
		case StepFetchBody:
			release = e.stepFetchBody(w, s)
		case StepStreamBody:
			release = e.stepStreamBody(w, s)
		case StepPrepResp:
			release = e.stepPrepResp(w, s)
		case StepDeliver:
			release = e.stepDeliver(w, s)
		case StepError:
			release = e.stepError(w, s)
		case StepDone:
			release = e.stepDone(w, s)
		default:
			panic(fmt.Sprintf("session: state engine misfire: %d", s.Step))
		}
		if release {
			return
		}
		s.WS.Assert()
	}
}
