// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extlog

import (
	"encoding/binary"

	xxhash "github.com/cespare/xxhash/v2"
)

// RecordSize is the packed size of one extent record, one cache
// line.
const RecordSize = 64

// TypeWrite is the record type of a file write extent. The log can
// carry other record types; replay skips everything else.
const TypeWrite = 1

const csumOff = 48

// A Record describes one extent: a contiguous run of blocks holding
// the data of a contiguous run of logical pages. Records are
// immutable once appended; supersession is tracked by index updates,
// never by rewriting record bytes. The InvalidPages and Reassigned
// fields are therefore written as zero and maintained in memory
// only, rebuilt by replay.
//
// Packed layout (little endian):
//
//	pgoff     uint64  @0
//	blocknr   uint64  @8
//	size      uint64  @16   // file size at commit
//	trans id  uint64  @24
//	num pages uint32  @32
//	invalid   uint32  @36
//	mtime     uint32  @40
//	type      uint8   @44
//	reassign  uint8   @45
//	checksum  uint32  @48   // xxhash of bytes [0, 48)
type Record struct {
	Pgoff        uint64
	Blocknr      uint64
	Size         uint64
	TransID      uint64
	NumPages     uint32
	InvalidPages uint32
	Mtime        uint32
	Type         uint8
	Reassigned   uint8
}

func checksum(data []byte) uint32 {
	h := xxhash.Sum64(data)
	return uint32(h>>32) ^ uint32(h)
}

func le64(p []byte) uint64 {
	return binary.LittleEndian.Uint64(p)
}

func putle64(p []byte, v uint64) {
	binary.LittleEndian.PutUint64(p, v)
}

func (r *Record) marshal(p []byte) {
	_ = p[RecordSize-1]
	for i := range p {
		p[i] = 0
	}
	binary.LittleEndian.PutUint64(p[0:], r.Pgoff)
	binary.LittleEndian.PutUint64(p[8:], r.Blocknr)
	binary.LittleEndian.PutUint64(p[16:], r.Size)
	binary.LittleEndian.PutUint64(p[24:], r.TransID)
	binary.LittleEndian.PutUint32(p[32:], r.NumPages)
	binary.LittleEndian.PutUint32(p[36:], r.InvalidPages)
	binary.LittleEndian.PutUint32(p[40:], r.Mtime)
	p[44] = r.Type
	p[45] = r.Reassigned
	binary.LittleEndian.PutUint32(p[csumOff:], checksum(p[:csumOff]))
}

// unmarshal decodes the record at p, reporting whether its checksum
// is intact.
func (r *Record) unmarshal(p []byte) bool {
	_ = p[RecordSize-1]
	if checksum(p[:csumOff]) != binary.LittleEndian.Uint32(p[csumOff:]) {
		return false
	}
	r.Pgoff = binary.LittleEndian.Uint64(p[0:])
	r.Blocknr = binary.LittleEndian.Uint64(p[8:])
	r.Size = binary.LittleEndian.Uint64(p[16:])
	r.TransID = binary.LittleEndian.Uint64(p[24:])
	r.NumPages = binary.LittleEndian.Uint32(p[32:])
	r.InvalidPages = binary.LittleEndian.Uint32(p[36:])
	r.Mtime = binary.LittleEndian.Uint32(p[40:])
	r.Type = p[44]
	r.Reassigned = p[45]
	return true
}
