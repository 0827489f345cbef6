package pagealloc

import "sync"

// RefAllocator is a drop-in replacement for Allocator that supports
// multiple owners per physical page (e.g. copy-on-write fork). It
// wraps an *Allocator and adds a single global lock protecting a
// dense refcount table indexed by page number.
type RefAllocator struct {
	alloc *Allocator

	mu       sync.Mutex
	refcount []int32
}

// NewRefAllocator wraps alloc with refcounting. alloc must already be
// initialized (Init called) before use.
func NewRefAllocator(alloc *Allocator) *RefAllocator {
	return &RefAllocator{
		alloc:    alloc,
		refcount: make([]int32, alloc.totalPages),
	}
}

// Alloc allocates a page and sets its refcount to 1.
func (r *RefAllocator) Alloc(cpu int) *Page {
	p := r.alloc.Alloc(cpu)
	if p == nil {
		return nil
	}
	r.mu.Lock()
	r.refcount[p.idx] = 1
	r.mu.Unlock()
	return p
}

// Pin increments p's refcount, used when a page table entry referring
// to p is duplicated.
func (r *RefAllocator) Pin(p *Page) {
	r.mu.Lock()
	r.refcount[p.idx]++
	r.mu.Unlock()
}

// Free decrements p's refcount and returns p to the underlying
// allocator's freelist only once the count reaches zero. The
// decrement and the conditional freelist insert happen under the same
// critical section, so a page is on the freelist iff its refcount is
// zero: no other goroutine can observe a zero count for a page that
// isn't already on its way to the freelist.
func (r *RefAllocator) Free(cpu int, p *Page) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refcount[p.idx]--
	switch {
	case r.refcount[p.idx] < 0:
		panic("pagealloc: refcount underflow on free")
	case r.refcount[p.idx] == 0:
		r.alloc.Free(cpu, p)
	}
}

// RefCount returns p's current refcount.
func (r *RefAllocator) RefCount(p *Page) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refcount[p.idx]
}
