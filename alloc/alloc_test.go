// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package alloc

import (
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

func testBitmap(t *testing.T, blocks uint64) (*Bitmap, *pmem.Mem, *layout.T) {
	t.Helper()
	lay := layout.New(blocks, 1, 1)
	dev := pmem.NewMem(lay.Size())
	return NewBitmap(dev, lay), dev, lay
}

func TestAlloc(t *testing.T) {
	b, _, _ := testBitmap(t, 16)
	blocknr, granted, err := b.Alloc(0, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 0 || granted != 4 {
		t.Errorf("got (%d, %d), want (0, 4)", blocknr, granted)
	}
	// The next grant must not overlap the first.
	blocknr, granted, err = b.Alloc(0, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 4 || granted != 2 {
		t.Errorf("got (%d, %d), want (4, 2)", blocknr, granted)
	}
	if got, want := b.Used(), uint64(6); got != want {
		t.Errorf("used: got %d, want %d", got, want)
	}
}

func TestAllocHint(t *testing.T) {
	b, _, _ := testBitmap(t, 16)
	blocknr, _, err := b.Alloc(10, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 10 {
		t.Errorf("got %d, want hint 10", blocknr)
	}
	// An out-of-range hint wraps to the start.
	blocknr, _, err = b.Alloc(100, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 0 {
		t.Errorf("got %d, want 0", blocknr)
	}
}

func TestAllocPartialGrant(t *testing.T) {
	b, _, _ := testBitmap(t, 8)
	if _, _, err := b.Alloc(2, 1, false); err != nil {
		t.Fatal(err)
	}
	// Asking for 4 at 0 runs into the block taken at 2: the grant is
	// cut short rather than fragmented.
	blocknr, granted, err := b.Alloc(0, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 0 || granted != 2 {
		t.Errorf("got (%d, %d), want (0, 2)", blocknr, granted)
	}
}

func TestAllocExhaustion(t *testing.T) {
	b, _, _ := testBitmap(t, 4)
	if _, granted, err := b.Alloc(0, 4, false); err != nil || granted != 4 {
		t.Fatalf("got (%d, %v)", granted, err)
	}
	if _, _, err := b.Alloc(0, 1, false); !errors.Is(errors.OOM, err) {
		t.Errorf("got %v, want OOM", err)
	}
	b.Free(1, 2)
	blocknr, granted, err := b.Alloc(0, 4, false)
	if err != nil {
		t.Fatal(err)
	}
	if blocknr != 1 || granted != 2 {
		t.Errorf("got (%d, %d), want (1, 2)", blocknr, granted)
	}
}

func TestAllocZero(t *testing.T) {
	b, dev, lay := testBitmap(t, 4)
	// Dirty a block, free it, then reallocate it zeroed.
	if _, err := dev.WriteNoCache(lay.BlockOff(0), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	blocknr, _, err := b.Alloc(0, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	block := make([]byte, layout.BlockSize)
	if err := dev.ReadAt(block, lay.BlockOff(blocknr)); err != nil {
		t.Fatal(err)
	}
	for i, c := range block {
		if c != 0 {
			t.Fatalf("byte %d not zeroed", i)
		}
	}
	// The zeroing is durable.
	c := dev.Crash()
	if err := c.ReadAt(block, lay.BlockOff(blocknr)); err != nil {
		t.Fatal(err)
	}
	for i, ch := range block {
		if ch != 0 {
			t.Fatalf("byte %d not durably zeroed", i)
		}
	}
}
