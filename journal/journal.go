// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package journal implements the per-lane undo journal protecting
// short multi-inode metadata transactions. Each lane owns one 4kB
// circular page of fixed-size, checksummed entries and a head/tail
// pointer pair stored at a cache-line stride: entries are appended
// from the head, the tail is published in one flushed store to open
// the transaction durably, and commit advances the head to the tail
// in a single flushed store. head==tail therefore means no pending
// transaction, which is the recoverability invariant.
//
// Recovery runs once at start-up, before any new transaction: every
// lane with head != tail first has all pending entries checksum
// verified (any failure is fatal to mounting), then walked head to
// tail undoing the recorded mutations, and finally its tail reset to
// its head. Recovery undoes in-flight metadata transactions only; it
// never redoes partial file writes, which rely solely on the extent
// log's append-then-commit ordering.
//
// Lanes are independent shards, typically one per concurrency unit,
// so unrelated transactions never contend on the same durability
// point. A lane holds at most one open transaction; violating that
// is a programming defect, not a runtime condition to recover from.
package journal

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/nvmstore/alloc"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

// EntrySize is the packed size of one journal entry, one cache
// line. A lane's page holds layout.BlockSize/EntrySize entries laid
// out circularly: the successor of the last slot is the first.
const EntrySize = layout.CacheLine

const slotsPerPage = layout.BlockSize / EntrySize

// Entry types.
const (
	// TypeInode protects a whole inode: Data1 is the primary
	// metadata offset, Data2 the mirror offset. Undo copies the
	// mirror bytes over the primary.
	TypeInode = 1
	// TypeField protects one 64-bit field: Data1 is the field's
	// byte offset, Data2 the value to restore. Undo stores Data2 at
	// Data1.
	TypeField = 2
)

// An Entry is one undo record. Its checksum covers every other
// field.
//
// Packed layout (little endian):
//
//	type      uint32  @0
//	checksum  uint32  @4    // CRC32-C of bytes [8, 24)
//	data1     uint64  @8
//	data2     uint64  @16
type Entry struct {
	Type  uint32
	Data1 uint64
	Data2 uint64
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (e *Entry) csum() uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:], e.Data1)
	binary.LittleEndian.PutUint64(b[8:], e.Data2)
	sum := crc32.Update(0, castagnoli, b[:])
	var t [4]byte
	binary.LittleEndian.PutUint32(t[:], e.Type)
	return crc32.Update(sum, castagnoli, t[:])
}

func (e *Entry) marshal(p []byte) {
	_ = p[EntrySize-1]
	for i := range p {
		p[i] = 0
	}
	binary.LittleEndian.PutUint32(p[0:], e.Type)
	binary.LittleEndian.PutUint32(p[4:], e.csum())
	binary.LittleEndian.PutUint64(p[8:], e.Data1)
	binary.LittleEndian.PutUint64(p[16:], e.Data2)
}

func (e *Entry) unmarshal(p []byte) bool {
	_ = p[EntrySize-1]
	e.Type = binary.LittleEndian.Uint32(p[0:])
	e.Data1 = binary.LittleEndian.Uint64(p[8:])
	e.Data2 = binary.LittleEndian.Uint64(p[16:])
	return e.csum() == binary.LittleEndian.Uint32(p[4:])
}

// InodeEntry returns an entry protecting the inode metadata at
// primary, whose mirror copy lives at mirror.
func InodeEntry(primary, mirror int64) Entry {
	return Entry{Type: TypeInode, Data1: uint64(primary), Data2: uint64(mirror)}
}

// FieldEntry returns an entry protecting the 64-bit field at off,
// capturing its current value from dev.
func FieldEntry(dev pmem.Device, off int64) (Entry, error) {
	b, err := dev.Bytes(off, 8)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Type: TypeField, Data1: uint64(off), Data2: binary.LittleEndian.Uint64(b)}, nil
}

// Journal is the undo journal of one volume.
type Journal struct {
	dev pmem.Device
	lay *layout.T

	locks     []sync.Mutex
	recovered bool
}

// New returns the journal of the volume described by lay. Recover
// (or Format, for a fresh volume) must complete before any
// transaction is begun.
func New(dev pmem.Device, lay *layout.T) *Journal {
	return &Journal{dev: dev, lay: lay, locks: make([]sync.Mutex, lay.Lanes)}
}

// Lanes returns the number of lanes.
func (j *Journal) Lanes() int { return j.lay.Lanes }

// Page returns the byte offset of lane's journal page, or zero for a
// lane that was never formatted.
func (j *Journal) Page(lane int) (uint64, error) {
	head, _, err := j.pair(lane)
	return head &^ (layout.BlockSize - 1), err
}

func (j *Journal) pair(lane int) (head, tail uint64, err error) {
	b, err := j.dev.Bytes(j.lay.PairOff(lane), 16)
	if err != nil {
		return 0, 0, err
	}
	return binary.LittleEndian.Uint64(b), binary.LittleEndian.Uint64(b[8:]), nil
}

func (j *Journal) setHead(lane int, head uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], head)
	if _, err := j.dev.WriteNoCache(j.lay.PairOff(lane), b[:]); err != nil {
		return err
	}
	return j.dev.Flush(j.lay.PairOff(lane), layout.CacheLine)
}

func (j *Journal) setTail(lane int, tail uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], tail)
	if _, err := j.dev.WriteNoCache(j.lay.PairOff(lane)+8, b[:]); err != nil {
		return err
	}
	return j.dev.Flush(j.lay.PairOff(lane), layout.CacheLine)
}

// nextSlot returns the slot following pos in its lane's circular
// page: the last slot wraps to the page start.
func nextSlot(pos uint64) uint64 {
	if pos&(layout.BlockSize-1)+EntrySize >= layout.BlockSize {
		return pos &^ (layout.BlockSize - 1)
	}
	return pos + EntrySize
}

// Format initializes a fresh journal: one zeroed page per lane, with
// head==tail pointing at it. It implies recovery is unnecessary.
func (j *Journal) Format(a alloc.Allocator) error {
	for lane := 0; lane < j.lay.Lanes; lane++ {
		blocknr, _, err := a.Alloc(0, 1, true)
		if err != nil {
			return err
		}
		page := uint64(j.lay.BlockOff(blocknr))
		var b [16]byte
		binary.LittleEndian.PutUint64(b[0:], page)
		binary.LittleEndian.PutUint64(b[8:], page)
		if _, err = j.dev.WriteNoCache(j.lay.PairOff(lane), b[:]); err != nil {
			return err
		}
		if err = j.dev.Flush(j.lay.PairOff(lane), layout.CacheLine); err != nil {
			return err
		}
	}
	j.recovered = true
	return nil
}

// Recover replays every lane with a pending transaction, undoing its
// entries, and must complete before any new transaction or write is
// accepted. Lanes recover independently and in parallel. Any entry
// checksum failure is fatal: a volume refuses to come online rather
// than risk silently dropping a pending rollback.
func (j *Journal) Recover() error {
	err := traverse.Each(j.lay.Lanes, func(lane int) error {
		return j.recoverLane(lane)
	})
	if err != nil {
		return err
	}
	j.recovered = true
	return nil
}

func (j *Journal) recoverLane(lane int) error {
	head, tail, err := j.pair(lane)
	if err != nil {
		return err
	}
	if head == tail {
		// No pending transaction; recovery is a no-op.
		return nil
	}
	log.Printf("journal: lane %d has a pending transaction, rolling back", lane)
	// Verify every pending entry before trusting any of them.
	var ents []Entry
	for pos, n := head, 0; pos != tail; pos, n = nextSlot(pos), n+1 {
		if n >= slotsPerPage {
			return errors.E("journal.Recover", errors.Invalid, errors.Fatal,
				errors.New("lane pointers delimit no valid entry sequence"))
		}
		b, err := j.dev.Bytes(int64(pos), EntrySize)
		if err != nil {
			return err
		}
		var e Entry
		if !e.unmarshal(b) {
			return errors.E("journal.Recover", errors.Integrity, errors.Fatal,
				errors.New("journal entry checksum failure"))
		}
		ents = append(ents, e)
	}
	for i := range ents {
		if err := j.undo(&ents[i]); err != nil {
			return err
		}
	}
	return j.setTail(lane, head)
}

func (j *Journal) undo(e *Entry) error {
	switch e.Type {
	case TypeInode:
		b, err := j.dev.Bytes(int64(e.Data2), layout.InodeStride)
		if err != nil {
			return err
		}
		if _, err = j.dev.WriteNoCache(int64(e.Data1), b); err != nil {
			return err
		}
		return j.dev.Flush(int64(e.Data1), layout.InodeStride)
	case TypeField:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], e.Data2)
		if _, err := j.dev.WriteNoCache(int64(e.Data1), b[:]); err != nil {
			return err
		}
		return j.dev.Flush(int64(e.Data1), layout.CacheLine)
	default:
		return errors.E("journal.Recover", errors.Invalid, errors.Fatal,
			errors.New("unknown journal entry type"))
	}
}

// A Tx is an open transaction on one lane.
type Tx struct {
	lane int
	head uint64
	tail uint64
}

// Begin opens a transaction on lane, appending one entry per
// protected target and durably publishing the lane's tail. It locks
// the lane; Commit releases it. The entry count must be at most one
// page's worth of slots, and recovery must have completed.
func (j *Journal) Begin(lane int, ents ...Entry) (*Tx, error) {
	must.True(j.recovered, "journal: transaction begun before recovery")
	must.True(len(ents) > 0 && len(ents) < slotsPerPage, "journal: bad entry count ", len(ents))
	j.locks[lane].Lock()
	head, tail, err := j.pair(lane)
	if err != nil {
		j.locks[lane].Unlock()
		return nil, err
	}
	must.True(head == tail, "journal: lane ", lane, " already has an open transaction")
	pos := head
	var buf [EntrySize]byte
	for i := range ents {
		ents[i].marshal(buf[:])
		if _, err = j.dev.WriteNoCache(int64(pos), buf[:]); err != nil {
			j.locks[lane].Unlock()
			return nil, err
		}
		if err = j.dev.Flush(int64(pos), EntrySize); err != nil {
			j.locks[lane].Unlock()
			return nil, err
		}
		pos = nextSlot(pos)
	}
	if err = j.setTail(lane, pos); err != nil {
		j.locks[lane].Unlock()
		return nil, err
	}
	return &Tx{lane: lane, head: head, tail: pos}, nil
}

// Commit closes tx: a single flushed store advances the lane's head
// to its tail, after which the lane has no pending transaction and
// recovery would be a no-op.
func (j *Journal) Commit(tx *Tx) error {
	err := j.setHead(tx.lane, tx.tail)
	j.locks[tx.lane].Unlock()
	return err
}
