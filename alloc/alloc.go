// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package alloc defines the block allocator consumed by the update
// engine, together with a simple first-fit bitmap implementation.
// Allocation policy is deliberately out of the engine's scope: the
// engine only requires best-effort contiguous grants and fail-fast
// exhaustion, never blocking on space.
package alloc

import (
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
	"github.com/willf/bitset"
)

// An Allocator grants runs of data blocks. Alloc returns the first
// block of a contiguous run of granted blocks, where
// 1 <= granted <= count; hint is the preferred starting block. If
// zero is set the granted blocks are durably zeroed before they are
// returned. Alloc fails fast with an errors.OOM error when no block
// is free. Free returns a run to the allocator.
type Allocator interface {
	Alloc(hint, count uint64, zero bool) (blocknr, granted uint64, err error)
	Free(blocknr, count uint64)
}

// Bitmap is a first-fit bitmap Allocator over a volume's data
// blocks.
type Bitmap struct {
	dev pmem.Device
	lay *layout.T

	mu   sync.Mutex
	used *bitset.BitSet
}

var _ Allocator = (*Bitmap)(nil)

// NewBitmap returns an empty bitmap allocator for the volume
// described by lay. The device is used only to zero granted blocks.
func NewBitmap(dev pmem.Device, lay *layout.T) *Bitmap {
	return &Bitmap{dev: dev, lay: lay, used: bitset.New(uint(lay.Blocks))}
}

// Alloc implements Allocator.
func (b *Bitmap) Alloc(hint, count uint64, zero bool) (uint64, uint64, error) {
	if count == 0 {
		return 0, 0, errors.E("alloc", errors.Invalid, "zero count")
	}
	if hint >= b.lay.Blocks {
		hint = 0
	}
	b.mu.Lock()
	start, ok := b.used.NextClear(uint(hint))
	if !ok || uint64(start) >= b.lay.Blocks {
		start, ok = b.used.NextClear(0)
	}
	if !ok || uint64(start) >= b.lay.Blocks {
		b.mu.Unlock()
		return 0, 0, errors.E("alloc", errors.OOM, "no free blocks")
	}
	granted := uint64(0)
	for granted < count && uint64(start)+granted < b.lay.Blocks && !b.used.Test(start+uint(granted)) {
		b.used.Set(start + uint(granted))
		granted++
	}
	b.mu.Unlock()
	blocknr := uint64(start)
	if zero {
		if err := b.zero(blocknr, granted); err != nil {
			b.Free(blocknr, granted)
			return 0, 0, err
		}
	}
	return blocknr, granted, nil
}

// Free implements Allocator.
func (b *Bitmap) Free(blocknr, count uint64) {
	b.mu.Lock()
	for i := uint64(0); i < count; i++ {
		b.used.Clear(uint(blocknr + i))
	}
	b.mu.Unlock()
}

// Reserve marks [blocknr, blocknr+count) allocated. Opening an
// existing volume uses it to rebuild occupancy from the on-media
// structures before accepting writes.
func (b *Bitmap) Reserve(blocknr, count uint64) {
	b.mu.Lock()
	for i := uint64(0); i < count; i++ {
		b.used.Set(uint(blocknr + i))
	}
	b.mu.Unlock()
}

// Used returns the number of allocated blocks.
func (b *Bitmap) Used() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint64(b.used.Count())
}

func (b *Bitmap) zero(blocknr, count uint64) error {
	zeros := make([]byte, layout.BlockSize)
	off := b.lay.BlockOff(blocknr)
	n := int64(count) << layout.BlockShift
	for at := off; at < off+n; at += layout.BlockSize {
		if _, err := b.dev.WriteNoCache(at, zeros); err != nil {
			return err
		}
	}
	return b.dev.Flush(off, n)
}
