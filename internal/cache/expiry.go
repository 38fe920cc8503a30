package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Expiry drives object lifetime: insertion after a successful fetch, LRU
// touching on delivery, and periodic reaping of expired objects.
type Expiry struct {
	mu         sync.Mutex
	idx        *Index
	lruTimeout time.Duration
	inserted   int64
}

func NewExpiry(idx *Index, lruTimeout time.Duration) *Expiry {
	return &Expiry{idx: idx, lruTimeout: lruTimeout}
}

// LRUTimeout is the configured touch throttle.
func (e *Expiry) LRUTimeout() time.Duration { return e.lruTimeout }

// Insert registers a freshly fetched object with the expiry engine.
func (e *Expiry) Insert(obj *Object) {
	now := time.Now()
	e.mu.Lock()
	obj.LastLRU = now
	e.inserted++
	e.mu.Unlock()
}

// Touch reports whether the core is still linked in the index. No LRU list
// is kept, so nothing is reordered. Returns false when the core has been
// unlinked, in which case the caller must not update its LRU stamp. The
// prepresp handler throttles calls via LRUTimeout.
func (e *Expiry) Touch(oc *ObjCore) bool {
	if oc == nil {
		return false
	}
	oc.lock()
	defer oc.unlock()
	return oc.linked
}

// TouchUse stamps last_use under the objhead lock.
func (e *Expiry) TouchUse(oc *ObjCore, now time.Time) {
	if oc == nil {
		return
	}
	oc.lock()
	if oc.obj != nil {
		oc.obj.LastUse = now
	}
	oc.unlock()
}

// Inserted reports how many objects have been inserted.
func (e *Expiry) Inserted() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inserted
}

// Run reaps expired objects until the context ends.
func (e *Expiry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := e.idx.Reap(now); n > 0 {
				slog.Debug("expiry: reaped objects", "count", n)
			}
		}
	}
}
