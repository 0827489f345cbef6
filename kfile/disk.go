package kfile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// Disk is a synchronous, file-backed block device. The only contract
// the rest of this module relies on is ReadWrite: read or write one
// block, blocking until done.
//
// A device-level I/O failure is not a recoverable condition here:
// ReadWrite panics rather than returning an error, the way a real
// disk driver traps into the kernel's fatal-error path instead of
// propagating errno to a caller that has no way to retry a corrupt
// block device.
type Disk struct {
	dir       string
	blockSize int

	blocksRead    atomic.Uint64
	blocksWritten atomic.Uint64

	mu    sync.Mutex
	files map[uint32]*devFile
}

// devFile is one open backing file. Its mutex serializes the
// grow-then-write sequence: two concurrent writers to the same device
// must not interleave a stale size check with a Truncate, or the
// later Truncate can shrink the file over the other writer's block.
// Reads take no lock; ReadAt is safe concurrently and a read racing a
// grow just sees not-yet-written bytes as zeros.
type devFile struct {
	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewDisk opens (creating if necessary) the directory that backs one
// device file per Device id, each block-aligned at blockSize bytes.
func NewDisk(dir string, blockSize int) (*Disk, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("kfile: blockSize must be positive, got %d", blockSize)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("kfile: failed to create disk directory %s: %w", dir, err)
	}
	return &Disk{
		dir:       dir,
		blockSize: blockSize,
		files:     make(map[uint32]*devFile),
	}, nil
}

// BlockSize returns the configured block size (BSIZE).
func (d *Disk) BlockSize() int {
	return d.blockSize
}

func (d *Disk) fileFor(device uint32) *devFile {
	d.mu.Lock()
	defer d.mu.Unlock()

	if df, ok := d.files[device]; ok {
		return df
	}
	path := filepath.Join(d.dir, fmt.Sprintf("device-%d.img", device))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		panic(fmt.Sprintf("kfile: disk error: cannot open %s: %v", path, err))
	}
	stat, err := f.Stat()
	if err != nil {
		panic(fmt.Sprintf("kfile: disk error: stat %s: %v", path, err))
	}
	df := &devFile{f: f, size: stat.Size()}
	d.files[device] = df
	return df
}

// ReadWrite is disk_rw(buf, write?): on return, if write is false, buf
// reflects the block's on-disk contents; if write is true, the disk
// reflects buf. len(buf) must equal BlockSize().
func (d *Disk) ReadWrite(blk BlockID, buf []byte, write bool) {
	if len(buf) != d.blockSize {
		panic(fmt.Sprintf("kfile: disk error: buffer size %d != block size %d", len(buf), d.blockSize))
	}

	df := d.fileFor(blk.Device)
	offset := int64(blk.BlockNo) * int64(d.blockSize)

	if write {
		df.mu.Lock()
		if end := offset + int64(d.blockSize); df.size < end {
			if err := df.f.Truncate(end); err != nil {
				panic(fmt.Sprintf("kfile: disk error: truncate %v: %v", blk, err))
			}
			df.size = end
		}
		if _, err := df.f.WriteAt(buf, offset); err != nil {
			df.mu.Unlock()
			panic(fmt.Sprintf("kfile: disk error: write %v: %v", blk, err))
		}
		if err := df.f.Sync(); err != nil {
			df.mu.Unlock()
			panic(fmt.Sprintf("kfile: disk error: sync %v: %v", blk, err))
		}
		df.mu.Unlock()
		d.blocksWritten.Add(1)
		return
	}

	n, err := df.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		panic(fmt.Sprintf("kfile: disk error: read %v: %v", blk, err))
	}
	// A block past current EOF reads as zeros; the device has never
	// been written there yet, which is not a device error.
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	d.blocksRead.Add(1)
}

// BlocksRead returns the number of block reads issued to the device.
func (d *Disk) BlocksRead() uint64 {
	return d.blocksRead.Load()
}

// BlocksWritten returns the number of block writes issued to the
// device.
func (d *Disk) BlocksWritten() uint64 {
	return d.blocksWritten.Load()
}

// Close closes every open device file. Not part of the disk_rw
// contract; used by tests and the demo CLI for cleanup.
func (d *Disk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for dev, df := range d.files {
		if err := df.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("kfile: failed to close device %d: %w", dev, err)
		}
		delete(d.files, dev)
	}
	return firstErr
}
