// Package kfile provides the on-disk block identity and the file-backed
// disk substrate that the buffer cache reads and writes through.
package kfile

import "fmt"

// BlockID names one fixed-size block on one device. It is the cache key
// the buffer cache hashes and compares on: at most one slot may hold a
// given BlockID at a time.
type BlockID struct {
	Device  uint32
	BlockNo uint64
}

// NewBlockID constructs a BlockID. Device/BlockNo have no invalid range
// of their own; validation lives with whatever maps a Device to storage.
func NewBlockID(device uint32, blockNo uint64) BlockID {
	return BlockID{Device: device, BlockNo: blockNo}
}

func (b BlockID) String() string {
	return fmt.Sprintf("[dev %d, block %d]", b.Device, b.BlockNo)
}

// Bucket returns the hash bucket this block falls into for a cache
// with the given number of buckets: blockNo mod nbucket.
func (b BlockID) Bucket(nbucket int) int {
	return int(b.BlockNo % uint64(nbucket))
}
