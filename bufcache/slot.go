package bufcache

import "xv6pool/kfile"

// Slot is a handle on one resident cache entry. Device, BlockNo, and
// Content are only meaningful to call while the caller holds the
// slot's sleep-lock, i.e. between a Read and the matching Release.
type Slot struct {
	cache *Cache
	idx   int
}

// Device is the owning block's device id.
func (s *Slot) Device() uint32 {
	return s.cache.slots[s.idx].bucket.device
}

// BlockNo is the owning block's block number.
func (s *Slot) BlockNo() uint64 {
	return s.cache.slots[s.idx].bucket.blockNo
}

// BlockID returns the (device, blockNo) key this slot currently holds.
func (s *Slot) BlockID() kfile.BlockID {
	return kfile.NewBlockID(s.Device(), s.BlockNo())
}

// Valid reports whether Content has been populated from disk yet.
func (s *Slot) Valid() bool {
	return s.cache.slots[s.idx].data.valid
}

// Content returns the slot's mutable block content. Mutations are
// visible to the next Write call made while the same sleep-lock
// tenancy is held.
func (s *Slot) Content() []byte {
	return s.cache.slots[s.idx].data.content[:]
}
