package kfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func tempDisk(t *testing.T) *Disk {
	t.Helper()
	dir := filepath.Join(os.TempDir(), "xv6pool-disk-test")
	require.NoError(t, os.RemoveAll(dir))

	d, err := NewDisk(dir, 1024)
	require.NoError(t, err)

	t.Cleanup(func() {
		d.Close()
		os.RemoveAll(dir)
	})
	return d
}

func TestDiskReadWriteRoundTrip(t *testing.T) {
	d := tempDisk(t)
	blk := NewBlockID(1, 34)

	out := make([]byte, d.BlockSize())
	copy(out, []byte("hello block"))
	d.ReadWrite(blk, out, true)

	in := make([]byte, d.BlockSize())
	d.ReadWrite(blk, in, false)

	require.Equal(t, out, in)
}

func TestDiskReadUnwrittenBlockIsZero(t *testing.T) {
	d := tempDisk(t)
	blk := NewBlockID(1, 5)

	buf := make([]byte, d.BlockSize())
	d.ReadWrite(blk, buf, false)

	for i, v := range buf {
		if v != 0 {
			t.Fatalf("expected zero byte at offset %d, got %d", i, v)
		}
	}
}

func TestDiskReadWritePanicsOnWrongBufferSize(t *testing.T) {
	d := tempDisk(t)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on mismatched buffer size")
		}
	}()
	d.ReadWrite(NewBlockID(1, 0), make([]byte, 7), false)
}

func TestDiskSeparatesDevices(t *testing.T) {
	d := tempDisk(t)

	a := make([]byte, d.BlockSize())
	copy(a, []byte("device-a"))
	d.ReadWrite(NewBlockID(1, 0), a, true)

	b := make([]byte, d.BlockSize())
	copy(b, []byte("device-b"))
	d.ReadWrite(NewBlockID(2, 0), b, true)

	readA := make([]byte, d.BlockSize())
	d.ReadWrite(NewBlockID(1, 0), readA, false)
	require.Equal(t, a, readA)
}

func TestDiskConcurrentWritesSameDevice(t *testing.T) {
	d := tempDisk(t)
	const blocks = 32

	// Writers racing on one device must each grow the file without
	// truncating away another writer's block.
	var wg sync.WaitGroup
	for n := 0; n < blocks; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			buf := make([]byte, d.BlockSize())
			for i := range buf {
				buf[i] = byte(n)
			}
			d.ReadWrite(NewBlockID(1, uint64(n)), buf, true)
		}(n)
	}
	wg.Wait()

	for n := 0; n < blocks; n++ {
		buf := make([]byte, d.BlockSize())
		d.ReadWrite(NewBlockID(1, uint64(n)), buf, false)
		for i, v := range buf {
			if v != byte(n) {
				t.Fatalf("block %d byte %d = %#x, want %#x", n, i, v, byte(n))
			}
		}
	}
}
