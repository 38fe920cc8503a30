// Package cache implements the shared object index: the hash table of
// cached objects, busy-object tracking with a waiting list, reference
// counting and the expiry/LRU engine.
package cache

import (
	"time"

	"github.com/edgecache/edged/internal/httpx"
)

// Exp carries the expiry data of an object or in-flight fetch.
type Exp struct {
	Entered time.Time
	TTL     time.Duration // negative: never cacheable (pass)
	Grace   time.Duration
	Keep    time.Duration
}

// Clr resets the record.
func (e *Exp) Clr() {
	*e = Exp{TTL: -1}
}

// Expired reports whether the object is past TTL+grace at now.
func (e Exp) Expired(now time.Time) bool {
	if e.TTL < 0 {
		return true
	}
	return now.After(e.Entered.Add(e.TTL + e.Grace))
}

// ObjStore is the slice of the storage layer the cache needs: freeing and
// growing object bodies, and committing completed ones.
type ObjStore interface {
	Name() string
	Grow(obj *Object, n int) error
	Commit(obj *Object) error
	Free(obj *Object)
}

// Object is a stored response. The body lives in the owning store.
type Object struct {
	XID      uint64
	Status   int
	Hdr      *httpx.HdrSet
	Body     []byte
	Len      int64
	Gzipped  bool
	ESIData  []byte
	Vary     []byte
	LastModified time.Time

	Exp     Exp
	LastLRU time.Time
	LastUse time.Time

	Core  *ObjCore
	Store ObjStore
}

// ETag returns the stored validator, if any.
func (o *Object) ETag() string {
	if o.Hdr == nil {
		return ""
	}
	return o.Hdr.Get("Etag")
}

// Flags on an objcore.
type Flags uint8

const (
	FlagBusy Flags = 1 << iota // fetch in progress
	FlagPass                   // hit-for-pass marker
)

// ObjCore is the index-side record of an object. All fields are protected
// by the owning objhead's lock; the session only reads its own reference.
type ObjCore struct {
	flags  Flags
	refs   int
	linked bool
	obj    *Object
	head   *objHead
	busy   *BusyObj
	exp    Exp
}

// IsBusy reports the busy flag.
func (oc *ObjCore) IsBusy() bool {
	oc.lock()
	defer oc.unlock()
	return oc.flags&FlagBusy != 0
}

// IsPass reports the hit-for-pass flag.
func (oc *ObjCore) IsPass() bool {
	oc.lock()
	defer oc.unlock()
	return oc.flags&FlagPass != 0
}

// SetPass marks the core hit-for-pass.
func (oc *ObjCore) SetPass() {
	oc.lock()
	oc.flags |= FlagPass
	oc.unlock()
}

// Busy returns the transient fetch record attached at miss-insertion.
func (oc *ObjCore) Busy() *BusyObj { return oc.busy }

// Obj returns the object, nil while the core is busy.
func (oc *ObjCore) Obj() *Object {
	oc.lock()
	defer oc.unlock()
	return oc.obj
}

// SetObj attaches the allocated object to the core. Called once by the
// fetching session before Unbusy.
func (oc *ObjCore) SetObj(o *Object) {
	oc.lock()
	oc.obj = o
	o.Core = oc
	oc.unlock()
}

func (oc *ObjCore) lock() {
	if oc.head != nil {
		oc.head.mu.Lock()
	}
}

func (oc *ObjCore) unlock() {
	if oc.head != nil {
		oc.head.mu.Unlock()
	}
}

// BodyFilter names the fetch-side body transform.
type BodyFilter int

const (
	FilterPassthrough BodyFilter = iota
	FilterGzip
	FilterGunzip
	FilterTestGzip
	FilterESI
)

func (f BodyFilter) String() string {
	switch f {
	case FilterGzip:
		return "gzip"
	case FilterGunzip:
		return "gunzip"
	case FilterTestGzip:
		return "testgzip"
	case FilterESI:
		return "esi"
	default:
		return "passthrough"
	}
}

// BusyObj is the transient record of an in-progress fetch. It lives from
// cache-miss insertion (or pass) until the fetch completes.
type BusyObj struct {
	Beresp     *httpx.HdrSet
	BodyStatus httpx.BodyStatus
	BodyLen    int64
	Filter     BodyFilter

	DoStream bool
	DoGzip   bool
	DoGunzip bool
	DoESI    bool
	IsGzip   bool
	IsGunzip bool

	// Vary request snapshot written by the lookup that inserted the core,
	// so peer lookups can match against the in-flight object.
	Vary []byte

	Exp Exp
}
