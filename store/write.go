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

// Write stores p at byte offset off of the inode, copy-on-write:
// fresh blocks are allocated for every covered page, unaligned head
// and tail bytes are merged from the content being superseded, and
// the whole call commits atomically with a single log-tail store.
// On failure everything the call allocated or appended is unwound
// and the reported count is the number of bytes durably written,
// which for a failed call is zero; on success it is len(p).
//
// Write is rejected while the inode has an active writable memory
// mapping: buffered writes and direct mappings are mutually
// exclusive.
func (s *Store) Write(in *extlog.Inode, off int64, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if off < 0 {
		return 0, errors.E("nvmstore.Write", errors.Invalid, "negative offset")
	}
	in.Lock()
	defer in.Unlock()
	if in.Mapped() {
		return 0, errors.E("nvmstore.Write", errors.NotAllowed,
			errors.New("inode has an active writable mapping"))
	}
	s.unprotect()
	defer s.protect()

	var (
		pos       = uint64(off)
		count     = uint64(len(p))
		offset    = pos & (layout.BlockSize - 1)
		numBlocks = (count+offset-1)>>layout.BlockShift + 1
		total     = numBlocks
		transID   = s.nextTransID()
		now       = uint64(time.Now().Unix())
		tail      = in.Meta.LogTail()
		beginTail uint64
		bufOff    uint64
		werr      error
	)
	log.Debug.Printf("nvmstore: write inode %d off %d len %d", in.Meta.Ino(), off, len(p))
	for numBlocks > 0 {
		offset = pos & (layout.BlockSize - 1)
		startBlk := pos >> layout.BlockShift

		// The allocated blocks are about to be overwritten or
		// merged; skip zero fill.
		blocknr, allocated, err := s.alloc.Alloc(startBlk, numBlocks, false)
		if err != nil {
			werr = err
			break
		}
		chunk := allocated<<layout.BlockShift - offset
		if chunk > count {
			chunk = count
		}
		kmemOff := s.lay.BlockOff(blocknr)
		if err = s.mergeEdges(in, pos, chunk, kmemOff, allocated); err != nil {
			s.alloc.Free(blocknr, allocated)
			werr = err
			break
		}
		if _, err = s.dev.WriteNoCache(kmemOff+int64(offset), p[bufOff:bufOff+chunk]); err != nil {
			s.alloc.Free(blocknr, allocated)
			werr = err
			break
		}
		if err = s.dev.Flush(kmemOff, int64(allocated)<<layout.BlockShift); err != nil {
			s.alloc.Free(blocknr, allocated)
			werr = err
			break
		}
		if err = s.refresh(blocknr, allocated); err != nil {
			s.alloc.Free(blocknr, allocated)
			werr = err
			break
		}

		size := in.Size()
		if pos+chunk > size {
			size = pos + chunk
		}
		rec := extlog.Record{
			Pgoff:    startBlk,
			Blocknr:  blocknr,
			Size:     size,
			TransID:  transID,
			NumPages: uint32(allocated),
			Mtime:    uint32(now),
			Type:     extlog.TypeWrite,
		}
		cur, next, err := s.log.Append(in, &rec, tail)
		if err != nil {
			s.alloc.Free(blocknr, allocated)
			werr = err
			break
		}
		if beginTail == 0 {
			beginTail = cur
		}
		tail = next
		pos += chunk
		bufOff += chunk
		count -= chunk
		numBlocks -= allocated
	}
	if werr != nil {
		// Unwind: nothing was committed, so every appended record
		// is inert; free its blocks and report zero durable bytes.
		if err := s.log.CleanupIncomplete(in, beginTail, tail); err != nil {
			log.Error.Printf("nvmstore: write rollback: %v", err)
		}
		return 0, werr
	}

	// The durability point for the whole call.
	if err := s.log.Commit(in, tail); err != nil {
		return 0, err
	}
	// Everything is durable from here on; failures below report the
	// full durable count alongside the error.
	if err := s.log.Reassign(in, beginTail, tail); err != nil {
		return len(p), err
	}

	in.AddBlocks(total)
	if pos > in.Size() {
		in.SetSize(pos)
	}
	if err := s.syncMeta(in, now); err != nil {
		return len(p), err
	}
	return len(p), nil
}

// mergeEdges fills the unaligned head and tail bytes of the chunk's
// first and last blocks from the blocks being superseded, or zeros
// when no prior content exists. Fully covered interior bytes are
// left alone; they are about to be overwritten.
func (s *Store) mergeEdges(in *extlog.Inode, pos, count uint64, kmemOff int64, blocks uint64) error {
	offset := pos & (layout.BlockSize - 1)
	startBlk := pos >> layout.BlockShift
	if offset != 0 {
		if err := s.copyEdge(in, startBlk, kmemOff, 0, offset); err != nil {
			return err
		}
	}
	endOff := (pos + count) & (layout.BlockSize - 1)
	if endOff != 0 {
		endBlk := startBlk + blocks - 1
		endKmem := kmemOff + int64(blocks-1)<<layout.BlockShift
		if err := s.copyEdge(in, endBlk, endKmem, endOff, layout.BlockSize-endOff); err != nil {
			return err
		}
	}
	return nil
}

// copyEdge copies n bytes at offset off of logical page pg into the
// new block at kmemOff, from the superseded block if one exists and
// zeros otherwise.
func (s *Store) copyEdge(in *extlog.Inode, pg uint64, kmemOff int64, off, n uint64) error {
	var src []byte
	if m, ok := in.Lookup(pg); ok {
		b, err := s.dev.Bytes(s.lay.BlockOff(m.Blocknr)+int64(off), int64(n))
		if err != nil {
			return err
		}
		src = b
	} else {
		src = make([]byte, n)
	}
	_, err := s.dev.WriteNoCache(kmemOff+int64(off), src)
	return err
}

// refresh recomputes checksum and parity for each freshly written
// block.
func (s *Store) refresh(blocknr, blocks uint64) error {
	for b := uint64(0); b < blocks; b++ {
		block, err := s.dev.Bytes(s.lay.BlockOff(blocknr+b), layout.BlockSize)
		if err != nil {
			return err
		}
		if err = s.codec.Update(blocknr+b, block); err != nil {
			return err
		}
	}
	return nil
}

// syncMeta writes back size, block count, and mtime, then refreshes
// the metadata checksum and mirror copy.
func (s *Store) syncMeta(in *extlog.Inode, now uint64) error {
	if err := in.Meta.SetSize(in.Size()); err != nil {
		return err
	}
	if err := in.Meta.SetBlocks(in.Blocks()); err != nil {
		return err
	}
	if err := in.Meta.SetMtime(now); err != nil {
		return err
	}
	if err := in.Meta.UpdateChecksum(); err != nil {
		return err
	}
	return in.Meta.SyncMirror()
}
