// Package bufcache implements the block buffer cache: a bounded,
// content-addressed cache of disk blocks providing mutual exclusion
// per block and approximate LRU recycling of free entries.
//
// The cache is sharded into hash buckets keyed by block number, with
// a single serializing eviction lock. The common case (cache hit)
// takes only its own bucket's lock, so hits on keys in different
// buckets never contend; keys sharing a bucket contend briefly on
// that bucket's lock. Eviction is rare and inherently global
// (LRU must consider every bucket), so it is serialized by a distinct
// lock instead.
package bufcache

import (
	"sync"

	"github.com/rs/zerolog/log"

	"xv6pool/concurrency"
	"xv6pool/kfile"
	"xv6pool/tick"
)

const (
	// NBuf is the number of resident slots in the cache.
	NBuf = 30
	// NBucket is the number of hash buckets; must stay prime so that
	// blockNo mod NBucket spreads sequential blocks evenly.
	NBucket = 17
	// BSize is the number of content bytes per slot (one disk block).
	BSize = 1024
)

// bucketCell holds the fields of a slot that are read and mutated
// under the lock of whichever bucket currently owns the slot: device,
// blockNo, refcnt, timestamp, and the slot's own bucket membership.
// timestamp is meaningful only while refcnt == 0.
type bucketCell struct {
	device    uint32
	blockNo   uint64
	refcnt    int
	timestamp uint64
	bucketIdx int
}

// sleepCell holds the fields guarded by the slot's own sleep-lock
// instead of a bucket lock: whether content has been read from disk
// yet, and the content itself. Only the sleep-lock holder may touch
// these, so no additional lock is needed to prevent torn reads of
// content.
type sleepCell struct {
	valid   bool
	content [BSize]byte
}

type slotState struct {
	bucket bucketCell
	sleep  *concurrency.SleepLock
	data   sleepCell
}

// link is one node of an intrusive circular doubly-linked list,
// expressed as array indices rather than pointers: the first NBuf
// entries are real slots, the next NBucket entries are bucket
// sentinels.
type link struct {
	prev, next int
}

// Cache is the block buffer cache: NBuf slots, sharded across NBucket
// hash buckets, plus one serializing eviction lock.
type Cache struct {
	disk  *kfile.Disk
	ticks *tick.Source

	slots [NBuf]slotState
	links [NBuf + NBucket]link

	bucketLocks [NBucket]sync.Mutex
	evictLock   sync.Mutex
}

// NewCache builds a Cache backed by disk, using ticks as the LRU
// clock. Every slot starts in bucket 0 with refcnt 0 and timestamp 0.
func NewCache(disk *kfile.Disk, ticks *tick.Source) *Cache {
	c := &Cache{disk: disk, ticks: ticks}
	c.init()
	return c
}

func (c *Cache) init() {
	for i := 0; i < NBucket; i++ {
		s := NBuf + i
		c.links[s].next = s
		c.links[s].prev = s
	}
	for i := 0; i < NBuf; i++ {
		c.slots[i].sleep = concurrency.NewSleepLock()
		c.insertHead(0, i)
	}
}

// unlink removes slot idx from whatever list it currently sits in.
// Caller must hold the lock of that list's bucket.
func (c *Cache) unlink(idx int) {
	p, n := c.links[idx].prev, c.links[idx].next
	c.links[p].next = n
	c.links[n].prev = p
}

// insertHead splices slot idx onto the head of bucket bucketIdx's
// list. Caller must hold bucketLocks[bucketIdx].
func (c *Cache) insertHead(bucketIdx, idx int) {
	sentinel := NBuf + bucketIdx
	n := c.links[sentinel].next
	c.links[idx].next = n
	c.links[idx].prev = sentinel
	c.links[n].prev = idx
	c.links[sentinel].next = idx
}

// lookupAndPin scans bucket b under its lock for a slot already
// carrying blk, incrementing refcnt and returning a handle on a hit.
// Returns nil on a miss.
func (c *Cache) lookupAndPin(b int, blk kfile.BlockID) *Slot {
	c.bucketLocks[b].Lock()
	defer c.bucketLocks[b].Unlock()

	sentinel := NBuf + b
	for n := c.links[sentinel].next; n != sentinel; n = c.links[n].next {
		s := &c.slots[n]
		if s.bucket.device == blk.Device && s.bucket.blockNo == blk.BlockNo {
			s.bucket.refcnt++
			return &Slot{cache: c, idx: n}
		}
	}
	return nil
}

// findVictim scans every bucket for the slot with refcnt == 0 and the
// smallest timestamp, taking and releasing each bucket's lock in turn
// rather than holding locks across loop iterations; the caller
// rechecks refcnt under the winner's bucket lock before committing.
// Ties go to whichever slot the fixed ascending bucket-index scan
// order reaches first. The target bucket is included in the scan: a
// victim already living there is evicted in place, with no
// cross-bucket relocation.
func (c *Cache) findVictim() (idx int, bucketIdx int, ok bool) {
	best := -1
	bestBucket := -1
	var bestTs uint64

	for i := 0; i < NBucket; i++ {
		c.bucketLocks[i].Lock()
		sentinel := NBuf + i
		for n := c.links[sentinel].next; n != sentinel; n = c.links[n].next {
			s := &c.slots[n]
			if s.bucket.refcnt == 0 && (best == -1 || s.bucket.timestamp < bestTs) {
				best, bestBucket, bestTs = n, i, s.bucket.timestamp
			}
		}
		c.bucketLocks[i].Unlock()
	}
	if best == -1 {
		return 0, 0, false
	}
	return best, bestBucket, true
}

// get is the three-phase acquisition path: fast-path hit under the
// key's bucket lock, serialized recheck under the eviction lock, then
// eviction. It always returns with the returned slot's sleep-lock
// held and refcnt incremented, or panics if no slot anywhere is
// evictable.
func (c *Cache) get(blk kfile.BlockID) *Slot {
	b := blk.Bucket(NBucket)

	if s := c.lookupAndPin(b, blk); s != nil {
		c.slots[s.idx].sleep.Lock()
		return s
	}

	c.evictLock.Lock()

	// Another CPU may have installed the same key between the miss
	// and our acquisition of the eviction lock; only one eviction
	// proceeds at a time, so rechecking here preserves the
	// one-slot-per-key invariant.
	if s := c.lookupAndPin(b, blk); s != nil {
		c.evictLock.Unlock()
		c.slots[s.idx].sleep.Lock()
		return s
	}

	var victim, victimBucket int
	for {
		idx, bi, ok := c.findVictim()
		if !ok {
			c.evictLock.Unlock()
			panic("bufcache: no buffers")
		}
		c.bucketLocks[bi].Lock()
		if c.slots[idx].bucket.refcnt == 0 {
			victim, victimBucket = idx, bi
			break
		}
		// Lost the race: something re-pinned this slot between the
		// scan and the recheck. Release and scan again.
		c.bucketLocks[bi].Unlock()
	}

	// victimBucket's lock is already held; lock b too if it is a
	// different bucket. evictLock already serializes every other
	// eviction in flight, and the fast path only ever takes a single
	// bucket lock, so no other goroutine can be holding two bucket
	// locks here; acquiring in this order can't form a cycle even
	// though it isn't strictly ascending.
	if victimBucket != b {
		c.bucketLocks[b].Lock()
	}

	c.unlink(victim)
	c.insertHead(b, victim)

	st := &c.slots[victim]
	st.bucket.device = blk.Device
	st.bucket.blockNo = blk.BlockNo
	st.bucket.refcnt = 1
	st.bucket.bucketIdx = b
	st.data.valid = false

	if victimBucket != b {
		c.bucketLocks[b].Unlock()
	}
	c.bucketLocks[victimBucket].Unlock()
	c.evictLock.Unlock()

	st.sleep.Lock()
	return &Slot{cache: c, idx: victim}
}

// Read returns a slot whose sleep-lock the caller holds and whose
// content reflects blk's on-disk contents, reading from disk only if
// the slot was not already valid.
func (c *Cache) Read(blk kfile.BlockID) *Slot {
	s := c.get(blk)
	st := &c.slots[s.idx]
	if !st.data.valid {
		c.disk.ReadWrite(blk, st.data.content[:], false)
		st.data.valid = true
	}
	return s
}

// Write writes slot's content to disk. The caller must hold the
// slot's sleep-lock; calling Write without it is a programmer error.
func (c *Cache) Write(s *Slot) {
	st := &c.slots[s.idx]
	if !st.sleep.Held() {
		panic("bufcache: write of buffer without holding its sleep-lock")
	}
	blk := kfile.NewBlockID(st.bucket.device, st.bucket.blockNo)
	c.disk.ReadWrite(blk, st.data.content[:], true)
}

// Release drops the caller's sleep-lock, decrements refcnt, and if it
// reaches zero stamps timestamp with the current tick.
func (c *Cache) Release(s *Slot) {
	st := &c.slots[s.idx]
	if !st.sleep.Held() {
		panic("bufcache: release of unlocked buffer")
	}
	st.sleep.Unlock()

	b := st.bucket.bucketIdx
	c.bucketLocks[b].Lock()
	st.bucket.refcnt--
	if st.bucket.refcnt == 0 {
		st.bucket.timestamp = c.ticks.Now()
	}
	c.bucketLocks[b].Unlock()
}

// Pin increments refcnt without touching the sleep-lock, keeping the
// slot alive across a Release done by someone else.
func (c *Cache) Pin(s *Slot) {
	st := &c.slots[s.idx]
	b := st.bucket.bucketIdx
	c.bucketLocks[b].Lock()
	st.bucket.refcnt++
	c.bucketLocks[b].Unlock()
}

// Unpin decrements refcnt without touching the sleep-lock. Unpinning
// a slot nobody holds is a caller bug but not worth killing the
// kernel over; it is logged and ignored.
func (c *Cache) Unpin(s *Slot) {
	st := &c.slots[s.idx]
	b := st.bucket.bucketIdx
	c.bucketLocks[b].Lock()
	if st.bucket.refcnt <= 0 {
		dev, bno := st.bucket.device, st.bucket.blockNo
		c.bucketLocks[b].Unlock()
		log.Warn().
			Uint32("device", dev).
			Uint64("block", bno).
			Msg("unpin of a buffer that is not pinned")
		return
	}
	st.bucket.refcnt--
	if st.bucket.refcnt == 0 {
		st.bucket.timestamp = c.ticks.Now()
	}
	c.bucketLocks[b].Unlock()
}
