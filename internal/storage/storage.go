// Package storage implements the object stores. Objects are allocated
// against a byte budget; a full store fails the allocation and the session
// engine falls back to transient storage.
package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgecache/edged/internal/cache"
	"github.com/edgecache/edged/internal/httpx"
)

// Transient is the distinguished storage hint for short-lived objects.
const Transient = "transient"

// ErrFull is returned when a store cannot cover the requested budget.
var ErrFull = errors.New("storage: store full")

// Store allocates and owns object bodies.
type Store interface {
	cache.ObjStore
	NewObject(byteBudget int, headerCount int) (*cache.Object, error)
	BytesInUse() int64
}

// Registry maps storage hints to stores.
type Registry struct {
	def       Store
	transient Store
	byName    map[string]Store
}

func NewRegistry(def, transient Store, extra ...Store) *Registry {
	r := &Registry{
		def:       def,
		transient: transient,
		byName: map[string]Store{
			def.Name(): def,
			Transient:  transient,
		},
	}
	for _, s := range extra {
		r.byName[s.Name()] = s
	}
	return r
}

// NewObject allocates from the hinted store; an empty hint selects the
// default store. Unknown hints are an error.
func (r *Registry) NewObject(hint string, byteBudget, headerCount int) (*cache.Object, error) {
	st := r.def
	if hint != "" {
		var ok bool
		if st, ok = r.byName[hint]; !ok {
			return nil, fmt.Errorf("storage: unknown hint %q", hint)
		}
	}
	return st.NewObject(byteBudget, headerCount)
}

// TransientStore returns the transient store.
func (r *Registry) TransientStore() Store { return r.transient }

// Stores lists all registered stores.
func (r *Registry) Stores() []Store {
	seen := make(map[string]bool, len(r.byName))
	out := make([]Store, 0, len(r.byName))
	for _, s := range r.byName {
		if !seen[s.Name()] {
			seen[s.Name()] = true
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// Malloc store
// =============================================================================

// MallocStore keeps object bodies on the heap against a fixed byte cap.
// A cap of zero means unbounded (used for the transient store).
type MallocStore struct {
	name string
	cap  int64

	mu        sync.Mutex
	used      int64
	accounted map[*cache.Object]int64
}

func NewMallocStore(name string, capBytes int64) *MallocStore {
	return &MallocStore{
		name:      name,
		cap:       capBytes,
		accounted: make(map[*cache.Object]int64),
	}
}

func (s *MallocStore) Name() string { return s.name }

func (s *MallocStore) BytesInUse() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *MallocStore) NewObject(byteBudget, headerCount int) (*cache.Object, error) {
	if byteBudget < 0 || headerCount < 0 {
		return nil, fmt.Errorf("storage: bad budget %d/%d", byteBudget, headerCount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && s.used+int64(byteBudget) > s.cap {
		return nil, ErrFull
	}
	obj := &cache.Object{
		Hdr:   httpx.NewHdrSet(),
		Store: s,
	}
	s.used += int64(byteBudget)
	s.accounted[obj] = int64(byteBudget)
	return obj, nil
}

func (s *MallocStore) Grow(obj *cache.Object, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap > 0 && s.used+int64(n) > s.cap {
		return ErrFull
	}
	s.used += int64(n)
	s.accounted[obj] += int64(n)
	return nil
}

func (s *MallocStore) Commit(obj *cache.Object) error { return nil }

func (s *MallocStore) Free(obj *cache.Object) {
	s.mu.Lock()
	s.used -= s.accounted[obj]
	delete(s.accounted, obj)
	s.mu.Unlock()
	obj.Body = nil
}
