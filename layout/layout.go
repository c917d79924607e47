// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package layout defines the on-media geometry of an nvmstore volume:
// fixed block and stripe sizes, and the byte offsets of the regions
// that hold journal pointer pairs, inode metadata, block checksums,
// parity stripes, and data blocks. All structure addresses are derived
// purely from block, lane, or inode numbers, so that nothing on media
// is a reference that can dangle across a restart.
package layout

// Fixed geometry. Blocks are 4kB, divided into 8 stripes of 512 bytes
// for parity. On-media structures are packed at a cache-line stride.
const (
	BlockShift  = 12
	BlockSize   = 1 << BlockShift
	StripeShift = 9
	StripeSize  = 1 << StripeShift
	NumStripes  = BlockSize >> StripeShift

	CacheLine = 64

	// CsumSize is the width of a stored block checksum, a
	// little-endian CRC32-C word.
	CsumSize = 4

	// InodeStride is the size of the packed on-media inode metadata.
	InodeStride = 128
)

// T describes the region layout of one volume. Regions are packed in
// order: journal pointer pairs, inode table, mirror inode table,
// checksum copies 0 and 1, parity, data. All bases are block aligned.
type T struct {
	Blocks    uint64 // number of data blocks
	Lanes     int    // journal lanes
	MaxInodes uint64

	PairBase   int64 // lane pointer pairs, CacheLine stride
	InodeBase  int64 // primary inode table, InodeStride stride
	MirrorBase int64 // mirror inode table
	Csum0Base  int64 // first checksum copy, CsumSize per block
	Csum1Base  int64 // second checksum copy
	ParityBase int64 // one StripeSize stripe per block
	DataBase   int64
}

// New computes the layout of a volume with the given number of data
// blocks, journal lanes, and inode table capacity.
func New(blocks uint64, lanes int, maxInodes uint64) *T {
	l := &T{Blocks: blocks, Lanes: lanes, MaxInodes: maxInodes}
	off := int64(0)
	l.PairBase = off
	off = align(off+int64(lanes)*CacheLine, BlockSize)
	l.InodeBase = off
	off = align(off+int64(maxInodes)*InodeStride, BlockSize)
	l.MirrorBase = off
	off = align(off+int64(maxInodes)*InodeStride, BlockSize)
	l.Csum0Base = off
	off = align(off+int64(blocks)*CsumSize, BlockSize)
	l.Csum1Base = off
	off = align(off+int64(blocks)*CsumSize, BlockSize)
	l.ParityBase = off
	off = align(off+int64(blocks)*StripeSize, BlockSize)
	l.DataBase = off
	return l
}

// Size returns the total number of bytes the layout occupies.
func (l *T) Size() int64 {
	return l.DataBase + int64(l.Blocks)<<BlockShift
}

// BlockOff returns the byte offset of data block blocknr.
func (l *T) BlockOff(blocknr uint64) int64 {
	return l.DataBase + int64(blocknr)<<BlockShift
}

// Blocknr inverts BlockOff.
func (l *T) Blocknr(off int64) uint64 {
	return uint64(off-l.DataBase) >> BlockShift
}

// CsumOff returns the byte offset of checksum copy (0 or 1) for data
// block blocknr.
func (l *T) CsumOff(copy int, blocknr uint64) int64 {
	base := l.Csum0Base
	if copy != 0 {
		base = l.Csum1Base
	}
	return base + int64(blocknr)*CsumSize
}

// ParityOff returns the byte offset of the parity stripe for data
// block blocknr.
func (l *T) ParityOff(blocknr uint64) int64 {
	return l.ParityBase + int64(blocknr)*StripeSize
}

// PairOff returns the byte offset of the head/tail pointer pair for
// journal lane lane.
func (l *T) PairOff(lane int) int64 {
	return l.PairBase + int64(lane)*CacheLine
}

// InodeOff returns the byte offset of the primary metadata for inode
// ino.
func (l *T) InodeOff(ino uint64) int64 {
	return l.InodeBase + int64(ino)*InodeStride
}

// MirrorOff returns the byte offset of the mirror metadata for inode
// ino.
func (l *T) MirrorOff(ino uint64) int64 {
	return l.MirrorBase + int64(ino)*InodeStride
}

func align(off, to int64) int64 {
	return (off + to - 1) &^ (to - 1)
}
