package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMallocStoreBudget(t *testing.T) {
	st := NewMallocStore("malloc", 100)

	obj, err := st.NewObject(60, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(60), st.BytesInUse())

	_, err = st.NewObject(60, 8)
	assert.ErrorIs(t, err, ErrFull)

	st.Free(obj)
	assert.Equal(t, int64(0), st.BytesInUse())

	_, err = st.NewObject(60, 8)
	assert.NoError(t, err)
}

func TestMallocStoreGrow(t *testing.T) {
	st := NewMallocStore("malloc", 100)
	obj, err := st.NewObject(10, 8)
	require.NoError(t, err)

	require.NoError(t, st.Grow(obj, 80))
	assert.ErrorIs(t, st.Grow(obj, 20), ErrFull)

	st.Free(obj)
	assert.Equal(t, int64(0), st.BytesInUse())
}

func TestTransientUnbounded(t *testing.T) {
	st := NewMallocStore(Transient, 0)
	obj, err := st.NewObject(1 << 20, 8)
	require.NoError(t, err)
	require.NoError(t, st.Grow(obj, 1<<20))
	st.Free(obj)
}

func TestRegistryHints(t *testing.T) {
	def := NewMallocStore("malloc", 1024)
	tr := NewMallocStore(Transient, 0)
	r := NewRegistry(def, tr)

	obj, err := r.NewObject("", 10, 4)
	require.NoError(t, err)
	assert.Equal(t, "malloc", obj.Store.Name())

	obj, err = r.NewObject(Transient, 10, 4)
	require.NoError(t, err)
	assert.Equal(t, Transient, obj.Store.Name())

	_, err = r.NewObject("bogus", 10, 4)
	assert.Error(t, err)
}

func TestRegistryFallbackFlow(t *testing.T) {
	// The session engine falls back to transient when the primary is
	// full; the registry just reports the failure.
	def := NewMallocStore("malloc", 10)
	tr := NewMallocStore(Transient, 0)
	r := NewRegistry(def, tr)

	_, err := r.NewObject("", 100, 4)
	require.ErrorIs(t, err, ErrFull)

	obj, err := r.TransientStore().NewObject(100, 4)
	require.NoError(t, err)
	assert.Equal(t, Transient, obj.Store.Name())
}
