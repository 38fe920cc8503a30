package cache

import (
	"crypto/sha256"
	"sync"
	"time"

	"github.com/edgecache/edged/internal/httpx"
)

// Index is the shared hash table of cached objects, keyed by the request
// digest. It owns the busy-object waiting lists and all reference-count
// mutation; sessions never touch refcounts directly.
type Index struct {
	mu    sync.RWMutex
	heads map[[sha256.Size]byte]*objHead

	now func() time.Time
}

type objHead struct {
	mu      sync.Mutex
	digest  [sha256.Size]byte
	cores   []*ObjCore
	waiters []func()
}

func NewIndex() *Index {
	return &Index{
		heads: make(map[[sha256.Size]byte]*objHead),
		now:   time.Now,
	}
}

// SetClock replaces the time source. Tests use this.
func (idx *Index) SetClock(now func() time.Time) { idx.now = now }

// LookupReq carries one cache lookup.
type LookupReq struct {
	Digest     [sha256.Size]byte
	Req        *httpx.HdrSet
	AlwaysMiss bool
	IgnoreBusy bool

	// VaryBuf is the caller's workspace reservation. When the lookup
	// inserts a busy core, the request-side vary snapshot is written
	// here and its length returned, so peer lookups can match against
	// the in-flight object.
	VaryBuf []byte

	// Wakeup requeues the parked session, in lookup state, once the
	// busy peer resolves. Called at most once.
	Wakeup func()
}

func (idx *Index) head(digest [sha256.Size]byte) *objHead {
	idx.mu.RLock()
	oh := idx.heads[digest]
	idx.mu.RUnlock()
	if oh != nil {
		return oh
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if oh = idx.heads[digest]; oh == nil {
		oh = &objHead{digest: digest}
		idx.heads[digest] = oh
	}
	return oh
}

// Lookup finds or inserts the object for the request digest.
//
// Returns (nil, 0): the session was parked behind a busy peer; the index
// retains the Wakeup callback and will re-dispatch the session exactly
// once when the peer leaves busy state. The caller must not touch the
// session afterwards.
//
// Returns a busy core: a new core was inserted and the busy flag belongs
// to the caller (cache miss). varyLen is the number of VaryBuf bytes
// published as the in-flight vary snapshot.
//
// Returns a non-busy core: a usable object was found; a reference is
// held for the caller.
func (idx *Index) Lookup(lr *LookupReq) (*ObjCore, int) {
	oh := idx.head(lr.Digest)
	now := idx.now()

	oh.mu.Lock()
	defer oh.mu.Unlock()

	var busyPeer *ObjCore
	var varySnap []byte

	if !lr.AlwaysMiss {
		for _, oc := range oh.cores {
			if oc.flags&FlagBusy != 0 {
				if oc.busy != nil && len(oc.busy.Vary) > 0 {
					varySnap = varyRequestSnapshot(oc.busy.Vary, lr.Req)
					if !VaryMatch(oc.busy.Vary, lr.Req) {
						continue
					}
				}
				busyPeer = oc
				continue
			}
			if oc.obj == nil {
				continue
			}
			if len(oc.obj.Vary) > 0 {
				varySnap = varyRequestSnapshot(oc.obj.Vary, lr.Req)
				if !VaryMatch(oc.obj.Vary, lr.Req) {
					continue
				}
			}
			if oc.exp.Expired(now) {
				continue
			}
			oc.refs++
			return oc, 0
		}
	}

	if busyPeer != nil && !lr.IgnoreBusy && !lr.AlwaysMiss {
		oh.waiters = append(oh.waiters, lr.Wakeup)
		return nil, 0
	}

	// Miss: insert a new busy core, transferring the busy flag to the
	// caller.
	oc := &ObjCore{
		flags:  FlagBusy,
		refs:   1,
		head:   oh,
		linked: true,
		busy:   &BusyObj{},
	}
	varyLen := 0
	if varySnap != nil && len(varySnap) <= len(lr.VaryBuf) {
		varyLen = copy(lr.VaryBuf, varySnap)
		oc.busy.Vary = lr.VaryBuf[:varyLen]
	}
	oh.cores = append(oh.cores, oc)
	return oc, varyLen
}

// varyRequestSnapshot rebuilds a vary blob with this request's values for
// the header names of an existing blob.
func varyRequestSnapshot(blob []byte, req *httpx.HdrSet) []byte {
	if req == nil {
		return nil
	}
	hdrs := varyHeaderNames(blob)
	if len(hdrs) == 0 {
		return nil
	}
	synth := &httpx.HdrSet{Hdr: map[string][]string{"Vary": {join(hdrs)}}}
	return VaryCreate(synth, req)
}

// Deref releases one reference. When the last reference on an unlinked
// core drops, the object is freed in its store.
func (idx *Index) Deref(oc *ObjCore) {
	oc.lock()
	if oc.refs <= 0 {
		oc.unlock()
		panic("cache: deref of unreferenced objcore")
	}
	oc.refs--
	free := oc.refs == 0 && !oc.linked
	obj := oc.obj
	oc.unlock()
	if free && obj != nil && obj.Store != nil {
		obj.Store.Free(obj)
	}
}

// Unbusy publishes a fetched object: clears the busy flag, records the
// expiry on the core and wakes every parked session. The caller keeps its
// reference for delivery.
func (idx *Index) Unbusy(oc *ObjCore) {
	oc.lock()
	if oc.flags&FlagBusy == 0 {
		oc.unlock()
		panic("cache: unbusy of non-busy objcore")
	}
	oc.flags &^= FlagBusy
	if oc.obj != nil {
		oc.exp = oc.obj.Exp
	}
	oc.busy = nil
	waiters := oc.takeWaitersLocked()
	oc.unlock()
	wake(waiters)
}

// Drop abandons a busy core after a failed fetch: unlinks it, wakes the
// parked sessions (they will re-run lookup and miss), and releases the
// caller's reference.
func (idx *Index) Drop(oc *ObjCore) {
	oc.lock()
	oc.flags &^= FlagBusy
	oc.busy = nil
	oc.unlinkLocked()
	waiters := oc.takeWaitersLocked()
	oc.unlock()
	wake(waiters)
	idx.Deref(oc)
}

// Prealloc returns an unlinked core for a synthesized error object, so
// the deliver path sees the same shape as a cached hit.
func (idx *Index) Prealloc() *ObjCore {
	return &ObjCore{refs: 1}
}

// Reap unlinks objects expired at now and frees the unreferenced ones.
// Returns the number of objects unlinked.
func (idx *Index) Reap(now time.Time) int {
	idx.mu.RLock()
	heads := make([]*objHead, 0, len(idx.heads))
	for _, oh := range idx.heads {
		heads = append(heads, oh)
	}
	idx.mu.RUnlock()

	reaped := 0
	for _, oh := range heads {
		var freeList []*Object
		oh.mu.Lock()
		kept := oh.cores[:0]
		for _, oc := range oh.cores {
			if oc.flags&FlagBusy == 0 && oc.exp.Expired(now) {
				oc.linked = false
				reaped++
				if oc.refs == 0 && oc.obj != nil && oc.obj.Store != nil {
					freeList = append(freeList, oc.obj)
				}
				continue
			}
			kept = append(kept, oc)
		}
		oh.cores = kept
		oh.mu.Unlock()
		for _, obj := range freeList {
			obj.Store.Free(obj)
		}
	}
	return reaped
}

// Len reports how many cores are currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	n := 0
	for _, oh := range idx.heads {
		oh.mu.Lock()
		n += len(oh.cores)
		oh.mu.Unlock()
	}
	return n
}

func (oc *ObjCore) unlinkLocked() {
	if !oc.linked || oc.head == nil {
		return
	}
	oc.linked = false
	cores := oc.head.cores
	for i, c := range cores {
		if c == oc {
			oc.head.cores = append(cores[:i], cores[i+1:]...)
			break
		}
	}
}

func (oc *ObjCore) takeWaitersLocked() []func() {
	if oc.head == nil {
		return nil
	}
	w := oc.head.waiters
	oc.head.waiters = nil
	return w
}

func wake(waiters []func()) {
	for _, w := range waiters {
		if w != nil {
			w()
		}
	}
}

func join(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
