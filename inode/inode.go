// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package inode provides a typed view of the packed on-media inode
// metadata. An inode occupies layout.InodeStride bytes, little
// endian, with a CRC32-C self checksum and a full mirror copy at an
// independent offset. The mirror is what the undo journal's
// inode-pair entries restore, so every metadata mutation must be
// followed by UpdateChecksum and SyncMirror.
//
// Field layout:
//
//	ino       uint64  @0
//	size      uint64  @8
//	blocks    uint64  @16
//	log head  uint64  @24
//	log tail  uint64  @32
//	mtime     uint64  @40
//	flags     uint32  @48
//	checksum  uint32  @52   // CRC32-C of bytes [0, 52)
//
// The log tail is the commit point for file writes: CommitTail is the
// single flushed, aligned store that makes appended extent records
// authoritative.
package inode

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

const (
	offIno     = 0
	offSize    = 8
	offBlocks  = 16
	offLogHead = 24
	offLogTail = 32
	offMtime   = 40
	offFlags   = 48
	offCsum    = 52
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Inode is a view of one on-media inode and its mirror.
type Inode struct {
	dev    pmem.Device
	off    int64
	mirror int64
}

// View returns a view of the inode stored at off with its mirror at
// mirror.
func View(dev pmem.Device, off, mirror int64) *Inode {
	return &Inode{dev: dev, off: off, mirror: mirror}
}

// Offset returns the byte offset of the primary copy.
func (i *Inode) Offset() int64 { return i.off }

// MirrorOffset returns the byte offset of the mirror copy.
func (i *Inode) MirrorOffset() int64 { return i.mirror }

// SizeFieldOffset returns the byte offset of the size field, for use
// as an undo-journal field target.
func (i *Inode) SizeFieldOffset() int64 { return i.off + offSize }

func (i *Inode) u64(field int64) uint64 {
	b, err := i.dev.Bytes(i.off+field, 8)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (i *Inode) put64(field int64, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := i.dev.WriteNoCache(i.off+field, b[:])
	return err
}

func (i *Inode) Ino() uint64     { return i.u64(offIno) }
func (i *Inode) Size() uint64    { return i.u64(offSize) }
func (i *Inode) Blocks() uint64  { return i.u64(offBlocks) }
func (i *Inode) LogHead() uint64 { return i.u64(offLogHead) }
func (i *Inode) LogTail() uint64 { return i.u64(offLogTail) }
func (i *Inode) Mtime() uint64   { return i.u64(offMtime) }

func (i *Inode) SetSize(v uint64) error    { return i.put64(offSize, v) }
func (i *Inode) SetBlocks(v uint64) error  { return i.put64(offBlocks, v) }
func (i *Inode) SetMtime(v uint64) error   { return i.put64(offMtime, v) }
func (i *Inode) SetLogHead(v uint64) error {
	if err := i.put64(offLogHead, v); err != nil {
		return err
	}
	return i.dev.Flush(i.off+offLogHead, 8)
}

// CommitTail durably publishes tail as the log's committed tail.
// This is the commit point: records appended beyond the previous
// tail become authoritative exactly here.
func (i *Inode) CommitTail(tail uint64) error {
	if err := i.put64(offLogTail, tail); err != nil {
		return err
	}
	return i.dev.Flush(i.off+offLogTail, 8)
}

// Init formats the inode in place: all fields zero except the inode
// number, checksum refreshed, mirror synchronized.
func (i *Inode) Init(ino uint64) error {
	zero := make([]byte, layout.InodeStride)
	binary.LittleEndian.PutUint64(zero[offIno:], ino)
	if _, err := i.dev.WriteNoCache(i.off, zero); err != nil {
		return err
	}
	if err := i.UpdateChecksum(); err != nil {
		return err
	}
	return i.SyncMirror()
}

func (i *Inode) csumBytes() ([]byte, error) {
	return i.dev.Bytes(i.off, offCsum)
}

// UpdateChecksum recomputes the self checksum and flushes the inode.
func (i *Inode) UpdateChecksum() error {
	b, err := i.csumBytes()
	if err != nil {
		return err
	}
	var c [4]byte
	binary.LittleEndian.PutUint32(c[:], crc32.Checksum(b, castagnoli))
	if _, err = i.dev.WriteNoCache(i.off+offCsum, c[:]); err != nil {
		return err
	}
	return i.dev.Flush(i.off, layout.InodeStride)
}

// VerifyChecksum recomputes the self checksum and compares it with
// the stored one.
func (i *Inode) VerifyChecksum() error {
	b, err := i.csumBytes()
	if err != nil {
		return err
	}
	stored, err := i.dev.Bytes(i.off+offCsum, 4)
	if err != nil {
		return err
	}
	if crc32.Checksum(b, castagnoli) != binary.LittleEndian.Uint32(stored) {
		return errors.E("inode.VerifyChecksum", errors.Integrity,
			errors.New("inode metadata checksum mismatch"))
	}
	return nil
}

// SyncMirror copies the primary bytes over the mirror and flushes
// it.
func (i *Inode) SyncMirror() error {
	b, err := i.dev.Bytes(i.off, layout.InodeStride)
	if err != nil {
		return err
	}
	if _, err = i.dev.WriteNoCache(i.mirror, b); err != nil {
		return err
	}
	return i.dev.Flush(i.mirror, layout.InodeStride)
}
