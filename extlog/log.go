// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package extlog implements the per-inode extent log and its
// logical-page index. The log is an append-only chain of 4kB pages,
// each holding a fixed count of fixed-size, checksummed records; a
// page's first cache line is a header whose only field is the offset
// of the next page in the chain. The persisted log tail in the inode
// metadata marks the next free slot: records are appended and
// flushed without moving it, and a single atomic, flushed tail store
// (inode.CommitTail) is the durability point that makes them
// authoritative. A crash before the commit leaves appended records
// inert.
//
// The index is rebuilt or advanced exclusively by replaying records
// (Reassign, Rebuild); it is never updated during append. This
// ordering is part of the crash-recovery contract: a crash after
// commit but before replay leaves the old mappings intact in memory
// images rebuilt later, since replay always runs from a known-good
// position.
package extlog

import (
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/alloc"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

// HeaderSize is the size of a log page header. The header holds the
// offset of the next log page in its first eight bytes, little
// endian; zero terminates the chain.
const HeaderSize = layout.CacheLine

// RecordsPerPage is the fixed record count of one log page.
const RecordsPerPage = (layout.BlockSize - HeaderSize) / RecordSize

// Log appends, commits, and replays extent records for all inodes of
// one volume.
type Log struct {
	dev   pmem.Device
	lay   *layout.T
	alloc alloc.Allocator
}

// NewLog returns a log service over dev. Log pages are allocated
// from a, and replay returns superseded extents to it.
func NewLog(dev pmem.Device, lay *layout.T, a alloc.Allocator) *Log {
	return &Log{dev: dev, lay: lay, alloc: a}
}

func invalidLog(msg string) error {
	return errors.E("extlog", errors.Invalid, errors.New(msg))
}

// next returns the slot position following pos, following the page
// chain when pos is the last slot of its page. It returns 0 at the
// end of the chain.
func (l *Log) next(pos uint64) (uint64, error) {
	pos += RecordSize
	if pos&(layout.BlockSize-1) != 0 {
		return pos, nil
	}
	// pos is at its page's end; follow the chain.
	hdr, err := l.dev.Bytes(int64(pos)-layout.BlockSize, 8)
	if err != nil {
		return 0, err
	}
	nextPage := le64(hdr)
	if nextPage == 0 {
		return 0, nil
	}
	return nextPage + HeaderSize, nil
}

// newPage allocates and initializes a fresh log page, returning its
// byte offset.
func (l *Log) newPage() (uint64, error) {
	blocknr, _, err := l.alloc.Alloc(0, 1, true)
	if err != nil {
		return 0, err
	}
	return uint64(l.lay.BlockOff(blocknr)), nil
}

// Append writes rec at the tail slot, allocating and chaining a new
// log page if the current one is full, flushes the record, and
// returns its position together with the tail for the next append.
// Append does not move the persisted tail; the records it writes
// become authoritative only at Commit.
func (l *Log) Append(in *Inode, rec *Record, tail uint64) (pos, next uint64, err error) {
	switch {
	case tail == 0:
		// Empty log: reuse the head page left behind by an append
		// whose commit never happened, else allocate the first page.
		page := in.Meta.LogHead()
		if page == 0 {
			if page, err = l.newPage(); err != nil {
				return 0, 0, err
			}
			if err = in.Meta.SetLogHead(page); err != nil {
				return 0, 0, err
			}
		}
		pos = page + HeaderSize
	case tail&(layout.BlockSize-1) == 0:
		// Tail at page end: follow or extend the chain.
		pos, err = l.next(tail - RecordSize)
		if err != nil {
			return 0, 0, err
		}
		if pos == 0 {
			page, err := l.newPage()
			if err != nil {
				return 0, 0, err
			}
			var b [8]byte
			putle64(b[:], page)
			hdrOff := int64(tail) - layout.BlockSize
			if _, err = l.dev.WriteNoCache(hdrOff, b[:]); err != nil {
				return 0, 0, err
			}
			if err = l.dev.Flush(hdrOff, 8); err != nil {
				return 0, 0, err
			}
			pos = page + HeaderSize
		}
	default:
		pos = tail
	}
	var buf [RecordSize]byte
	rec.marshal(buf[:])
	if _, err = l.dev.WriteNoCache(int64(pos), buf[:]); err != nil {
		return 0, 0, err
	}
	if err = l.dev.Flush(int64(pos), RecordSize); err != nil {
		return 0, 0, err
	}
	return pos, pos + RecordSize, nil
}

// Commit durably publishes tail as the inode's authoritative log
// tail.
func (l *Log) Commit(in *Inode, tail uint64) error {
	return in.Meta.CommitTail(tail)
}

// walk visits the records in [from, to), following page chains. A
// zero from is the empty log. A write filling the last slot of a
// page commits a page-aligned tail, so to may name a page end; the
// endpoint check runs before any chain crossing.
func (l *Log) walk(from, to uint64, fn func(pos uint64, rec *Record) error) error {
	cur := from
	for cur != to {
		if cur == 0 {
			return invalidLog("log chain ends before the committed tail")
		}
		if cur&(layout.BlockSize-1) == 0 {
			// Page end that is not the endpoint: cross to the
			// chained page.
			var err error
			cur, err = l.next(cur - RecordSize)
			if err != nil {
				return err
			}
			continue
		}
		b, err := l.dev.Bytes(int64(cur), RecordSize)
		if err != nil {
			return err
		}
		var rec Record
		if !rec.unmarshal(b) {
			return invalidLog("record checksum mismatch")
		}
		if err = fn(cur, &rec); err != nil {
			return err
		}
		cur += RecordSize
	}
	return nil
}

// Reassign replays the write records in [from, to), updating the
// index so that later records supersede earlier overlapping ones by
// append order. Fully superseded extents are freed and deducted from
// the inode's block count. Run once per write call, after the
// commit.
func (l *Log) Reassign(in *Inode, from, to uint64) error {
	free := func(blocknr, count uint64) {
		l.alloc.Free(blocknr, count)
		in.SubBlocks(count)
	}
	return l.walk(from, to, func(pos uint64, rec *Record) error {
		if rec.Type != TypeWrite {
			log.Debug.Printf("extlog: skipping record type %d at %#x", rec.Type, pos)
			return nil
		}
		in.idx.assign(&extent{rec: *rec, pos: pos}, free)
		return nil
	})
}

// Rebuild resets the index and replays the whole committed log, head
// to tail. Blocks are not freed during a rebuild: supersession
// within the replayed history was already settled when it was first
// applied.
func (l *Log) Rebuild(in *Inode) error {
	in.idx.reset()
	head, tail := in.Meta.LogHead(), in.Meta.LogTail()
	if head == 0 || tail == 0 {
		// Nothing was ever committed; a head without a tail is a
		// first append whose commit never happened.
		return nil
	}
	return l.walk(head+HeaderSize, tail, func(pos uint64, rec *Record) error {
		if rec.Type != TypeWrite {
			return nil
		}
		in.idx.assign(&extent{rec: *rec, pos: pos}, nil)
		return nil
	})
}

// Blocks reports every block the inode's log references: the log
// pages themselves, including chained pages past the committed tail
// and the head page of a log whose first commit never happened, and
// the data blocks of every committed write record. Superseded
// extents are still reported; their blocks remain occupied until a
// garbage collection pass reclaims them.
func (l *Log) Blocks(in *Inode, fn func(blocknr, count uint64)) error {
	head, tail := in.Meta.LogHead(), in.Meta.LogTail()
	if head == 0 {
		return nil
	}
	for page := head; page != 0; {
		fn(l.lay.Blocknr(int64(page)), 1)
		hdr, err := l.dev.Bytes(int64(page), 8)
		if err != nil {
			return err
		}
		page = le64(hdr)
	}
	if tail == 0 {
		return nil
	}
	return l.walk(head+HeaderSize, tail, func(pos uint64, rec *Record) error {
		if rec.Type == TypeWrite {
			fn(rec.Blocknr, uint64(rec.NumPages))
		}
		return nil
	})
}

// CleanupIncomplete frees the blocks of the appended-but-uncommitted
// records in [from, to). It is the write path's local rollback after
// a mid-call failure; committed records are never touched.
func (l *Log) CleanupIncomplete(in *Inode, from, to uint64) error {
	if from == 0 || to == 0 {
		return nil
	}
	return l.walk(from, to, func(pos uint64, rec *Record) error {
		if rec.Type != TypeWrite {
			return nil
		}
		l.alloc.Free(rec.Blocknr, uint64(rec.NumPages))
		return nil
	})
}
