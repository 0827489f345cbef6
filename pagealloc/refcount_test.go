package pagealloc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRefcountCopyOnWriteLifecycle(t *testing.T) {
	a := NewAllocator(1, 2)
	a.Init()
	r := NewRefAllocator(a)

	p := r.Alloc(0)
	require.NotNil(t, p)
	require.Equal(t, int32(1), r.RefCount(p))

	r.Pin(p)
	require.Equal(t, int32(2), r.RefCount(p))

	r.Free(0, p)
	require.Equal(t, int32(1), r.RefCount(p), "first free only drops a reference")

	// The page must still be live: draining the allocator must not
	// hand it back out.
	q1 := a.Alloc(0)
	require.NotNil(t, q1)
	require.NotEqual(t, p.idx, q1.idx, "page with live references reached the freelist")
	require.Nil(t, a.Alloc(0))
	a.Free(0, q1)

	r.Free(0, p)
	require.Equal(t, int32(0), r.RefCount(p))

	// Now the page is reclaimable.
	seen := map[int]bool{}
	for {
		q := a.Alloc(0)
		if q == nil {
			break
		}
		seen[q.idx] = true
	}
	require.True(t, seen[p.idx], "fully released page never returned to the freelist")
}

func TestRefcountFreeUnderflowPanics(t *testing.T) {
	a := NewAllocator(1, 1)
	a.Init()
	r := NewRefAllocator(a)

	p := r.Alloc(0)
	require.NotNil(t, p)
	r.Free(0, p)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic freeing a page with refcount zero")
		}
	}()
	r.Free(0, p)
}

func TestRefcountExhaustionStillReturnsNil(t *testing.T) {
	a := NewAllocator(1, 1)
	a.Init()
	r := NewRefAllocator(a)

	p := r.Alloc(0)
	require.NotNil(t, p)
	require.Nil(t, r.Alloc(0))
}
