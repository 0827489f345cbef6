package kfile

import "testing"

func TestBlockIDBucket(t *testing.T) {
	blk := NewBlockID(1, 100)
	if got := blk.Bucket(17); got != 15 {
		t.Errorf("expected bucket 15 for block 100 mod 17, got %d", got)
	}

	blk2 := NewBlockID(1, 34)
	if got := blk2.Bucket(17); got != 0 {
		t.Errorf("expected bucket 0 for block 34 mod 17, got %d", got)
	}
}

func TestBlockIDEquality(t *testing.T) {
	a := NewBlockID(1, 7)
	b := NewBlockID(1, 7)
	c := NewBlockID(2, 7)

	if a != b {
		t.Errorf("expected %v == %v", a, b)
	}
	if a == c {
		t.Errorf("expected %v != %v", a, c)
	}
}
