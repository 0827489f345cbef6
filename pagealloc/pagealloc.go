// Package pagealloc implements the physical page allocator: a
// per-CPU free-list allocator of fixed-size pages with work-stealing
// on local exhaustion. Allocation and free junk-fill the page with
// distinct bytes to surface use-of-uninitialized and use-after-free
// bugs.
//
// A physical page here is not addressed by a raw pointer into kernel
// memory (Go has no such primitive to offer safely). Alloc and Free
// pass a *Page handle instead, carrying the arena index a kernel
// would recover by pointer arithmetic.
package pagealloc

import "sync"

const (
	// PGSize is the page size in bytes.
	PGSize = 4096
	// junkAlloc fills a freshly allocated page, to surface
	// use-of-uninitialized-memory bugs.
	junkAlloc = 0x05
	// junkFree fills a page on free, to surface use-after-free bugs.
	junkFree = 0x01
)

type cpuPool struct {
	mu   sync.Mutex
	head int // index of the first free page, or -1
}

// Allocator holds one arena of totalPages pages and one free-list per
// CPU. A physical page is reachable from exactly one per-CPU freelist
// or allocated to exactly one owner, never both and never neither.
type Allocator struct {
	arena      []byte
	totalPages int
	next       []int // per-page freelist link, index into arena or -1

	cpus []cpuPool
}

// NewAllocator reserves totalPages pages of backing storage for ncpu
// CPUs. Call Init to seed CPU 0's freelist with every page.
func NewAllocator(ncpu, totalPages int) *Allocator {
	a := &Allocator{
		arena:      make([]byte, totalPages*PGSize),
		totalPages: totalPages,
		next:       make([]int, totalPages),
		cpus:       make([]cpuPool, ncpu),
	}
	for i := range a.cpus {
		a.cpus[i].head = -1
	}
	return a
}

// Init seeds CPU 0's freelist with every page in the arena, by
// freeing each in turn.
func (a *Allocator) Init() {
	for i := 0; i < a.totalPages; i++ {
		a.Free(0, a.pageAt(i))
	}
}

func (a *Allocator) pageAt(idx int) *Page {
	lo := idx * PGSize
	hi := lo + PGSize
	return &Page{owner: a, idx: idx, data: a.arena[lo:hi:hi]}
}

// Alloc returns a page-aligned, page-sized block of memory for cpu,
// or nil on exhaustion; callers propagate nil as an allocation
// failure. The page is filled with a junk byte to surface
// use-of-uninitialized bugs.
func (a *Allocator) Alloc(cpu int) *Page {
	idx, ok := a.popLocal(cpu)
	if !ok {
		a.steal(cpu)
		idx, ok = a.popLocal(cpu)
		if !ok {
			return nil
		}
	}

	page := a.pageAt(idx)
	for i := range page.data {
		page.data[i] = junkAlloc
	}
	return page
}

func (a *Allocator) popLocal(cpu int) (int, bool) {
	a.cpus[cpu].mu.Lock()
	defer a.cpus[cpu].mu.Unlock()

	head := a.cpus[cpu].head
	if head == -1 {
		return 0, false
	}
	a.cpus[cpu].head = a.next[head]
	return head, true
}

// Free returns page to cpu's freelist, filling it with a distinct
// junk byte first to surface use-after-free bugs.
func (a *Allocator) Free(cpu int, page *Page) {
	if page == nil {
		panic("pagealloc: free of nil page")
	}
	if page.owner != a {
		panic("pagealloc: free of a page belonging to a different allocator")
	}
	if page.idx < 0 || page.idx >= a.totalPages {
		panic("pagealloc: free of out-of-range or misaligned page")
	}

	for i := range page.data {
		page.data[i] = junkFree
	}

	a.cpus[cpu].mu.Lock()
	a.next[page.idx] = a.cpus[cpu].head
	a.cpus[cpu].head = page.idx
	a.cpus[cpu].mu.Unlock()
}

// steal visits every CPU other than cpu exactly once, in ascending
// index order, and moves at most one page from each non-empty remote
// freelist into a temporary chain. Once every remote has been
// visited, the whole chain (if any) is spliced onto cpu's freelist in
// a single critical section.
//
// Never holds more than one CPU's lock at a time: each remote visit
// is its own lock/pop/unlock, and the local splice is a separate,
// final lock/push/unlock. Holding the local lock across a remote
// acquisition would let two CPUs stealing from each other deadlock.
func (a *Allocator) steal(cpu int) {
	chainHead, chainTail := -1, -1

	for i := 0; i < len(a.cpus); i++ {
		if i == cpu {
			continue
		}

		a.cpus[i].mu.Lock()
		head := a.cpus[i].head
		if head != -1 {
			a.cpus[i].head = a.next[head]
		}
		a.cpus[i].mu.Unlock()

		if head == -1 {
			continue
		}

		a.next[head] = -1
		if chainHead == -1 {
			chainHead = head
		} else {
			a.next[chainTail] = head
		}
		chainTail = head
	}

	if chainHead == -1 {
		return
	}

	a.cpus[cpu].mu.Lock()
	a.next[chainTail] = a.cpus[cpu].head
	a.cpus[cpu].head = chainHead
	a.cpus[cpu].mu.Unlock()
}

// NCPU returns the number of CPU pools this allocator was built with.
func (a *Allocator) NCPU() int {
	return len(a.cpus)
}

// TotalPages returns the number of pages in the arena.
func (a *Allocator) TotalPages() int {
	return a.totalPages
}
