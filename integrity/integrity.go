// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package integrity implements the data-integrity codec of an
// nvmstore volume: per-block CRC32-C checksums, stored redundantly
// in two copies, and a single XOR parity stripe per block.
//
// Checksums and parity operate at whole-block granularity only;
// callers updating part of a block must first merge the modification
// with the block's unmodified remainder (see UpdateRange). The
// parity scheme tolerates exactly one bad stripe per block: a
// reconstructed stripe is accepted only if the resulting block
// matches either of the two stored checksum copies.
package integrity

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// initCsum is the nonzero seed of every block digest.
const initCsum = 1

// Checksum returns the seeded CRC32-C digest of p.
func Checksum(p []byte) uint32 {
	return crc32.Update(initCsum, castagnoli, p)
}

// Parity computes the XOR of the layout.NumStripes stripes of block
// into stripe. Both slices must be of the fixed block and stripe
// sizes.
func Parity(stripe, block []byte) {
	_ = block[layout.BlockSize-1]
	copy(stripe, block[:layout.StripeSize])
	for s := 1; s < layout.NumStripes; s++ {
		b := block[s<<layout.StripeShift:]
		for i := 0; i < layout.StripeSize; i += 8 {
			x := binary.LittleEndian.Uint64(stripe[i:]) ^ binary.LittleEndian.Uint64(b[i:])
			binary.LittleEndian.PutUint64(stripe[i:], x)
		}
	}
}

// Codec maintains the checksum and parity regions of one volume.
type Codec struct {
	dev pmem.Device
	lay *layout.T

	// Checksum and Parity gate the respective transforms; disabled
	// transforms leave their region untouched and verification
	// passes vacuously.
	checksum bool
	parity   bool
}

// New returns a codec over dev with the given layout. The checksum
// and parity arguments enable the respective transforms.
func New(dev pmem.Device, lay *layout.T, checksum, parity bool) *Codec {
	return &Codec{dev: dev, lay: lay, checksum: checksum, parity: parity}
}

// ChecksumEnabled reports whether checksum maintenance is enabled.
func (c *Codec) ChecksumEnabled() bool { return c.checksum }

// ParityEnabled reports whether parity maintenance is enabled.
func (c *Codec) ParityEnabled() bool { return c.parity }

// Update refreshes the stored checksum copies and parity stripe of
// data block blocknr from the full block image in block.
func (c *Codec) Update(blocknr uint64, block []byte) error {
	if c.checksum {
		var b [layout.CsumSize]byte
		binary.LittleEndian.PutUint32(b[:], Checksum(block))
		for copyi := 0; copyi < 2; copyi++ {
			off := c.lay.CsumOff(copyi, blocknr)
			if _, err := c.dev.WriteNoCache(off, b[:]); err != nil {
				return err
			}
			if err := c.dev.Flush(off, layout.CsumSize); err != nil {
				return err
			}
		}
	}
	if c.parity {
		return c.updateParity(blocknr, block, false)
	}
	return nil
}

// UpdateRange refreshes checksum and parity for a sub-block
// modification: data replaces the bytes at off within block blocknr,
// and the unmodified remainder is merged from the stored block so
// the final digest always covers a whole block. The modified bytes
// must already have been stored to the block itself.
func (c *Codec) UpdateRange(blocknr uint64, off int, data []byte) error {
	block := make([]byte, layout.BlockSize)
	if err := c.dev.ReadAt(block, c.lay.BlockOff(blocknr)); err != nil {
		return err
	}
	copy(block[off:], data)
	return c.Update(blocknr, block)
}

// UpdateZero refreshes checksum and parity for a block known to be
// all zeros, skipping the read of its contents.
func (c *Codec) UpdateZero(blocknr uint64) error {
	if !c.checksum && !c.parity {
		return nil
	}
	block := make([]byte, layout.BlockSize)
	if c.checksum {
		var b [layout.CsumSize]byte
		binary.LittleEndian.PutUint32(b[:], Checksum(block))
		for copyi := 0; copyi < 2; copyi++ {
			off := c.lay.CsumOff(copyi, blocknr)
			if _, err := c.dev.WriteNoCache(off, b[:]); err != nil {
				return err
			}
			if err := c.dev.Flush(off, layout.CsumSize); err != nil {
				return err
			}
		}
	}
	if c.parity {
		return c.updateParity(blocknr, block, true)
	}
	return nil
}

func (c *Codec) updateParity(blocknr uint64, block []byte, zero bool) error {
	stripe := make([]byte, layout.StripeSize)
	if !zero {
		Parity(stripe, block)
	}
	off := c.lay.ParityOff(blocknr)
	if _, err := c.dev.WriteNoCache(off, stripe); err != nil {
		return err
	}
	return c.dev.Flush(off, layout.StripeSize)
}

// Verify recomputes the checksum of the stored block blocknr and
// compares it with the redundant stored copies; a match with either
// copy passes. It returns an errors.Integrity error on mismatch. If
// checksum maintenance is disabled Verify is a no-op.
func (c *Codec) Verify(blocknr uint64) error {
	if !c.checksum {
		return nil
	}
	block, err := c.dev.Bytes(c.lay.BlockOff(blocknr), layout.BlockSize)
	if err != nil {
		return err
	}
	if c.matches(blocknr, Checksum(block)) {
		return nil
	}
	return errors.E("integrity.Verify", errors.Integrity,
		errors.New("block checksum mismatch"))
}

func (c *Codec) matches(blocknr uint64, sum uint32) bool {
	for copyi := 0; copyi < 2; copyi++ {
		b, err := c.dev.Bytes(c.lay.CsumOff(copyi, blocknr), layout.CsumSize)
		if err != nil {
			return false
		}
		if binary.LittleEndian.Uint32(b) == sum {
			return true
		}
	}
	return false
}

// Reconstruct rebuilds stripe badStripe of block blocknr from the
// other stripes and the parity stripe, validates the rebuilt block
// against either stored checksum copy, and on success writes the
// repaired stripe back to the block and returns the full repaired
// block image. A rebuilt block matching neither checksum copy is
// unrecoverable.
func (c *Codec) Reconstruct(blocknr uint64, badStripe int) ([]byte, error) {
	if !c.parity {
		return nil, errors.E("integrity.Reconstruct", errors.NotSupported,
			errors.New("parity is disabled"))
	}
	if badStripe < 0 || badStripe >= layout.NumStripes {
		return nil, errors.E("integrity.Reconstruct", errors.Invalid,
			errors.New("bad stripe index"))
	}
	block := make([]byte, layout.BlockSize)
	if err := c.dev.ReadAt(block, c.lay.BlockOff(blocknr)); err != nil {
		return nil, err
	}
	// Substituting the parity stripe for the bad stripe makes the
	// XOR of all stripes equal the missing data.
	if err := c.dev.ReadAt(block[badStripe<<layout.StripeShift:(badStripe+1)<<layout.StripeShift], c.lay.ParityOff(blocknr)); err != nil {
		return nil, err
	}
	stripe := make([]byte, layout.StripeSize)
	Parity(stripe, block)
	copy(block[badStripe<<layout.StripeShift:], stripe)
	if !c.matches(blocknr, Checksum(block)) {
		return nil, errors.E("integrity.Reconstruct", errors.Integrity, errors.Fatal,
			errors.New("rebuilt block matches neither checksum copy"))
	}
	off := c.lay.BlockOff(blocknr) + int64(badStripe)<<layout.StripeShift
	if _, err := c.dev.WriteNoCache(off, stripe); err != nil {
		return nil, err
	}
	if err := c.dev.Flush(off, layout.StripeSize); err != nil {
		return nil, err
	}
	return block, nil
}

// Repair locates and reconstructs a single bad stripe of block
// blocknr by attempting each stripe index in turn. It is the
// fallback of a failed Verify; blocks with more than one bad stripe
// are unrecoverable.
func (c *Codec) Repair(blocknr uint64) ([]byte, error) {
	for s := 0; s < layout.NumStripes; s++ {
		block, err := c.Reconstruct(blocknr, s)
		if err == nil {
			log.Printf("integrity: repaired stripe %d of block %d", s, blocknr)
			return block, nil
		}
		if !errors.Is(errors.Integrity, err) {
			return nil, err
		}
	}
	return nil, errors.E("integrity.Repair", errors.Integrity, errors.Fatal,
		errors.New("block is unrecoverable"))
}
