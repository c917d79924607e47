// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/extlog"
	"github.com/grailbio/nvmstore/layout"
)

// Read copies up to len(p) bytes starting at byte offset off of the
// inode into p, returning the number of bytes read. Reads are
// clamped to the file size; holes read as zeros without touching
// media. When checksums are enabled every covered block is verified
// before its bytes are copied out, and a block failing verification
// is reconstructed via parity when that is enabled; unverified bytes
// are never returned. An unreconstructable block yields the bytes
// read so far and an integrity error.
func (s *Store) Read(in *extlog.Inode, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, errors.E("nvmstore.Read", errors.Invalid, "negative offset")
	}
	in.RLock()
	defer in.RUnlock()
	size := in.Size()
	if uint64(off) >= size || len(p) == 0 {
		return 0, nil
	}
	length := uint64(len(p))
	if length > size-uint64(off) {
		length = size - uint64(off)
	}
	var (
		pg     = uint64(off) >> layout.BlockShift
		offset = uint64(off) & (layout.BlockSize - 1)
		copied uint64
	)
	for copied < length {
		n := layout.BlockSize - offset
		if n > length-copied {
			n = length - copied
		}
		m, ok := in.Lookup(pg)
		if !ok {
			// Hole: zero fill without touching media.
			zero(p[copied : copied+n])
		} else {
			run := uint64(m.Pages)<<layout.BlockShift - offset
			if n > run {
				n = run
			}
			if err := s.verifyRange(m.Blocknr, offset, n); err != nil {
				return int(copied), err
			}
			b, err := s.dev.Bytes(s.lay.BlockOff(m.Blocknr)+int64(offset), int64(n))
			if err != nil {
				return int(copied), err
			}
			copy(p[copied:], b)
		}
		copied += n
		offset += n
		pg += offset >> layout.BlockShift
		offset &= layout.BlockSize - 1
	}
	return int(copied), nil
}

// verifyRange checksum-verifies the whole blocks covering the range
// [offset, offset+n) of the extent starting at blocknr, attempting
// parity reconstruction on mismatch. Only whole blocks can be
// verified.
func (s *Store) verifyRange(blocknr, offset, n uint64) error {
	if !s.codec.ChecksumEnabled() {
		return nil
	}
	blocks := (offset+n-1)>>layout.BlockShift + 1
	for b := uint64(0); b < blocks; b++ {
		err := s.codec.Verify(blocknr + b)
		if err == nil {
			continue
		}
		if !errors.Is(errors.Integrity, err) {
			return err
		}
		if !s.codec.ParityEnabled() {
			return err
		}
		log.Error.Printf("nvmstore: block %d failed verification, reconstructing", blocknr+b)
		s.unprotect()
		_, rerr := s.codec.Repair(blocknr + b)
		s.protect()
		if rerr != nil {
			return rerr
		}
	}
	return nil
}

func zero(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
