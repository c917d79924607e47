// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extlog

import (
	"sync"

	"github.com/grailbio/nvmstore/inode"
)

// Inode is the in-memory state of one open file: its on-media
// metadata view, the logical-page index rebuilt from the extent log,
// and volatile bookkeeping. One exclusive, non-reentrant lock per
// inode serializes writers and index mutation; readers take the read
// side and observe either the pre- or post-commit index, never a
// torn one.
type Inode struct {
	mu sync.RWMutex

	// Meta is the on-media metadata. Mutated only with the write
	// lock held.
	Meta *inode.Inode

	idx    index
	size   uint64
	blocks uint64
	mapped bool // a writable memory mapping is active
}

// NewInode returns in-memory state for the given metadata view. The
// index starts empty; callers replay the log (Log.Rebuild) to
// populate it.
func NewInode(meta *inode.Inode) *Inode {
	return &Inode{Meta: meta, size: meta.Size(), blocks: meta.Blocks()}
}

func (in *Inode) Lock()    { in.mu.Lock() }
func (in *Inode) Unlock()  { in.mu.Unlock() }
func (in *Inode) RLock()   { in.mu.RLock() }
func (in *Inode) RUnlock() { in.mu.RUnlock() }

// Size returns the in-memory file size.
func (in *Inode) Size() uint64 { return in.size }

// SetSize updates the in-memory file size. The on-media copy is
// updated separately via Meta.
func (in *Inode) SetSize(v uint64) { in.size = v }

// Blocks returns the in-memory allocated-block count.
func (in *Inode) Blocks() uint64 { return in.blocks }

// AddBlocks adds to the in-memory allocated-block count.
func (in *Inode) AddBlocks(n uint64) { in.blocks += n }

// SubBlocks deducts from the in-memory allocated-block count.
func (in *Inode) SubBlocks(n uint64) { in.blocks -= n }

// Mapped reports whether a writable memory mapping is active.
func (in *Inode) Mapped() bool { return in.mapped }

// SetMapped records whether a writable memory mapping is active.
// Buffered writes and writable mappings are mutually exclusive.
func (in *Inode) SetMapped(v bool) { in.mapped = v }

// A Mapping reports the authoritative extent coverage of a logical
// page range: Pages pages starting at Pgoff are backed by the blocks
// starting at Blocknr, and Rec is the record that appended them.
type Mapping struct {
	Pgoff   uint64
	Pages   uint32
	Blocknr uint64
	Rec     Record
}

// Lookup returns the authoritative mapping covering logical page pg.
// The returned run starts at pg: Pgoff==pg and Pages is the number
// of contiguous pages (from one extent) mapped at and after pg. The
// second result is false for a hole.
func (in *Inode) Lookup(pg uint64) (Mapping, bool) {
	m := in.idx.lookup(pg)
	if m == nil {
		return Mapping{}, false
	}
	return Mapping{
		Pgoff:   pg,
		Pages:   uint32(m.end() - pg),
		Blocknr: m.blocknr(pg),
		Rec:     m.ext.rec,
	}, true
}

// NextAfter returns the earliest mapping starting strictly after
// page pg, used to bound hole-filling allocations.
func (in *Inode) NextAfter(pg uint64) (Mapping, bool) {
	m := in.idx.next(pg)
	if m == nil {
		return Mapping{}, false
	}
	return Mapping{
		Pgoff:   m.pgoff,
		Pages:   m.pages,
		Blocknr: m.blocknr(m.pgoff),
		Rec:     m.ext.rec,
	}, true
}
