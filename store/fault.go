// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/extlog"
	"github.com/grailbio/nvmstore/layout"
)

// MapFault resolves a mapped page fault on logical page pg: it
// returns the byte offset of the backing block and the length in
// pages of the contiguous mapped run starting there. On a hole with
// create set, a zeroed run of at most maxPages pages is allocated,
// bounded so it does not reach the next existing extent, and its
// record is appended and committed immediately: fault resolution
// needs per-fault durability rather than batching. A hole without
// create is reported as errors.NotExist. MapFault never extends the
// file size.
func (s *Store) MapFault(in *extlog.Inode, pg uint64, maxPages uint32, create bool) (int64, uint32, error) {
	if maxPages == 0 {
		maxPages = 1
	}
	in.Lock()
	defer in.Unlock()
	if m, ok := in.Lookup(pg); ok {
		pages := m.Pages
		if pages > maxPages {
			pages = maxPages
		}
		return s.lay.BlockOff(m.Blocknr), pages, nil
	}
	if !create {
		return 0, 0, errors.E("nvmstore.MapFault", errors.NotExist)
	}
	s.unprotect()
	defer s.protect()

	num := uint64(maxPages)
	if next, ok := in.NextAfter(pg); ok {
		if next.Pgoff <= pg {
			return 0, 0, errors.E("nvmstore.MapFault", errors.Invalid,
				errors.New("index returned a non-forward extent"))
		}
		if hole := next.Pgoff - pg; num > hole {
			num = hole
		}
	}
	// Mapped pages are returned initialized.
	blocknr, allocated, err := s.alloc.Alloc(pg, num, true)
	if err != nil {
		return 0, 0, err
	}
	now := uint64(time.Now().Unix())
	rec := extlog.Record{
		Pgoff:    pg,
		Blocknr:  blocknr,
		Size:     in.Size(), // never extended by a fault
		TransID:  s.nextTransID(),
		NumPages: uint32(allocated),
		Mtime:    uint32(now),
		Type:     extlog.TypeWrite,
	}
	if s.codec.ChecksumEnabled() || s.codec.ParityEnabled() {
		for b := uint64(0); b < allocated; b++ {
			if err = s.codec.UpdateZero(blocknr + b); err != nil {
				s.alloc.Free(blocknr, allocated)
				return 0, 0, err
			}
		}
	}
	tail := in.Meta.LogTail()
	cur, next, err := s.log.Append(in, &rec, tail)
	if err != nil {
		s.alloc.Free(blocknr, allocated)
		return 0, 0, err
	}
	if err = s.log.Commit(in, next); err != nil {
		return 0, 0, err
	}
	if err = s.log.Reassign(in, cur, next); err != nil {
		return 0, 0, err
	}
	in.AddBlocks(allocated)
	if err = s.syncMeta(in, now); err != nil {
		return 0, 0, err
	}
	log.Debug.Printf("nvmstore: fault inode %d pg %d -> block %d x%d",
		in.Meta.Ino(), pg, blocknr, allocated)
	return s.lay.BlockOff(blocknr), uint32(allocated), nil
}

// SetMapped records that a writable memory mapping of the inode was
// established or torn down. While set, buffered writes are rejected.
func (s *Store) SetMapped(in *extlog.Inode, writable bool) {
	in.Lock()
	in.SetMapped(writable)
	in.Unlock()
}

// UpdateParityAfterTruncate refreshes checksum and parity of the
// block containing newSize after a truncation has zeroed the block's
// bytes beyond it. Truncating on a block boundary, or into a hole,
// needs no refresh.
func (s *Store) UpdateParityAfterTruncate(in *extlog.Inode, newSize uint64) error {
	if newSize&(layout.BlockSize-1) == 0 {
		return nil
	}
	in.Lock()
	defer in.Unlock()
	m, ok := in.Lookup(newSize >> layout.BlockShift)
	if !ok {
		return nil
	}
	s.unprotect()
	defer s.protect()
	block, err := s.dev.Bytes(s.lay.BlockOff(m.Blocknr), layout.BlockSize)
	if err != nil {
		return err
	}
	return s.codec.Update(m.Blocknr, block)
}

// A Mapper is the narrow capability interface consumed by an
// external mapping-presentation layer: it translates logical pages
// to media addresses, optionally allocating on fault.
type Mapper interface {
	// Translate returns the byte offset backing page pg, or an
	// errors.NotExist error for a hole.
	Translate(pg uint64) (int64, error)
	// AllocateOnFault returns the byte offset backing page pg,
	// allocating a zeroed block if pg is a hole.
	AllocateOnFault(pg uint64) (int64, error)
}

type faultMapper struct {
	s  *Store
	in *extlog.Inode
}

// Mapper returns a Mapper resolving faults on the given inode.
func (s *Store) Mapper(in *extlog.Inode) Mapper {
	return faultMapper{s: s, in: in}
}

func (f faultMapper) Translate(pg uint64) (int64, error) {
	off, _, err := f.s.MapFault(f.in, pg, 1, false)
	return off, err
}

func (f faultMapper) AllocateOnFault(pg uint64) (int64, error) {
	off, _, err := f.s.MapFault(f.in, pg, 1, true)
	return off, err
}
