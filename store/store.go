// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store implements the copy-on-write update engine of an
// nvmstore volume. A Store orchestrates the external collaborators
// (the persistent region and the block allocator) with the integrity
// codec, the per-inode extent log, and the undo journal to provide
// crash-consistent reads, writes, mapped-fault resolution, and
// multi-inode metadata transactions.
//
// Writes never overwrite a block referenced by a still-valid extent
// record: each write call allocates fresh blocks, merges unaligned
// head and tail bytes with the content being superseded, refreshes
// checksums and parity, appends extent records, and becomes durable
// at a single atomic log-tail commit. The undo journal is orthogonal
// and protects only short metadata transactions; its recovery runs
// once at Open, before any write or new transaction is accepted.
package store

import (
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/nvmstore/alloc"
	"github.com/grailbio/nvmstore/extlog"
	"github.com/grailbio/nvmstore/inode"
	"github.com/grailbio/nvmstore/integrity"
	"github.com/grailbio/nvmstore/journal"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

// Options configure a Store.
type Options struct {
	// Checksum enables block checksum maintenance and read-time
	// verification.
	Checksum bool
	// Parity enables parity maintenance and single-stripe
	// reconstruction of blocks that fail verification.
	Parity bool
	// WriteProtect keeps the device write protected except around
	// the engine's own stores, when the device supports protection.
	WriteProtect bool
}

// Store is the update engine of one volume.
type Store struct {
	dev   pmem.Device
	lay   *layout.T
	alloc alloc.Allocator
	codec *integrity.Codec
	log   *extlog.Log
	jnl   *journal.Journal
	opts  Options

	transID uint64

	protMu   sync.Mutex
	protCnt  int
	prot     pmem.Protector

	mu     sync.Mutex
	inodes map[uint64]*extlog.Inode
}

func newStore(dev pmem.Device, lay *layout.T, a alloc.Allocator, opts Options) *Store {
	s := &Store{
		dev:    dev,
		lay:    lay,
		alloc:  a,
		codec:  integrity.New(dev, lay, opts.Checksum, opts.Parity),
		jnl:    journal.New(dev, lay),
		opts:   opts,
		inodes: make(map[uint64]*extlog.Inode),
	}
	s.log = extlog.NewLog(dev, lay, a)
	if opts.WriteProtect {
		if p, ok := dev.(pmem.Protector); ok {
			s.prot = p
		}
	}
	return s
}

// Format initializes a fresh volume on dev: the journal lanes are
// allocated and quiesced, and the returned store is ready for use
// without recovery.
func Format(dev pmem.Device, lay *layout.T, a alloc.Allocator, opts Options) (*Store, error) {
	s := newStore(dev, lay, a, opts)
	s.unprotect()
	defer s.protect()
	if err := s.jnl.Format(a); err != nil {
		return nil, err
	}
	if s.prot != nil {
		// Establish the initial protected state.
		if err := s.prot.Protect(false); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Open returns a store over an existing volume. Undo-journal
// recovery for every lane runs here, before any operation is
// accepted; any journal checksum failure is fatal and the volume
// refuses to come online.
func Open(dev pmem.Device, lay *layout.T, a alloc.Allocator, opts Options) (*Store, error) {
	s := newStore(dev, lay, a, opts)
	s.unprotect()
	defer s.protect()
	if err := s.jnl.Recover(); err != nil {
		log.Error.Printf("nvmstore: journal recovery failed: %v", err)
		return nil, err
	}
	return s, nil
}

func (s *Store) nextTransID() uint64 {
	return atomic.AddUint64(&s.transID, 1)
}

// unprotect temporarily lifts write protection for an engine
// mutation; calls nest.
func (s *Store) unprotect() {
	if s.prot == nil {
		return
	}
	s.protMu.Lock()
	if s.protCnt == 0 {
		if err := s.prot.Protect(false); err != nil {
			log.Error.Printf("nvmstore: unprotect: %v", err)
		}
	}
	s.protCnt++
	s.protMu.Unlock()
}

func (s *Store) protect() {
	if s.prot == nil {
		return
	}
	s.protMu.Lock()
	s.protCnt--
	if s.protCnt == 0 {
		if err := s.prot.Protect(true); err != nil {
			log.Error.Printf("nvmstore: protect: %v", err)
		}
	}
	s.protMu.Unlock()
}

// Create formats inode ino in place and returns its in-memory state.
func (s *Store) Create(ino uint64) (*extlog.Inode, error) {
	if ino >= s.lay.MaxInodes {
		return nil, errors.E("nvmstore.Create", errors.Invalid, "inode number out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inodes[ino]; ok {
		return nil, errors.E("nvmstore.Create", errors.Exists)
	}
	s.unprotect()
	defer s.protect()
	meta := inode.View(s.dev, s.lay.InodeOff(ino), s.lay.MirrorOff(ino))
	if err := meta.Init(ino); err != nil {
		return nil, err
	}
	in := extlog.NewInode(meta)
	s.inodes[ino] = in
	return in, nil
}

// Inode returns the in-memory state of inode ino, loading and
// verifying its metadata and rebuilding its extent index on first
// use. A primary copy that fails verification is restored from its
// mirror when the mirror verifies.
func (s *Store) Inode(ino uint64) (*extlog.Inode, error) {
	if ino >= s.lay.MaxInodes {
		return nil, errors.E("nvmstore.Inode", errors.Invalid, "inode number out of range")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inodes[ino]; ok {
		return in, nil
	}
	meta := inode.View(s.dev, s.lay.InodeOff(ino), s.lay.MirrorOff(ino))
	if err := meta.VerifyChecksum(); err != nil {
		merr := s.restoreFromMirror(meta, ino)
		if merr != nil {
			return nil, err
		}
		log.Printf("nvmstore: inode %d restored from its mirror", ino)
	}
	if meta.Ino() != ino {
		return nil, errors.E("nvmstore.Inode", errors.NotExist)
	}
	in := extlog.NewInode(meta)
	if err := s.log.Rebuild(in); err != nil {
		return nil, err
	}
	s.inodes[ino] = in
	return in, nil
}

func (s *Store) restoreFromMirror(meta *inode.Inode, ino uint64) error {
	mirror := inode.View(s.dev, s.lay.MirrorOff(ino), s.lay.InodeOff(ino))
	if err := mirror.VerifyChecksum(); err != nil {
		return err
	}
	s.unprotect()
	defer s.protect()
	return mirror.SyncMirror() // the mirror's mirror is the primary
}

// ReserveInUse reports every block the volume's on-media structures
// occupy: journal pages, extent-log pages, and the blocks of
// committed extents, calling reserve for each run. Opening an
// existing volume uses it to rebuild allocator occupancy before
// accepting writes; unreadable or never-created inode slots are
// skipped.
func (s *Store) ReserveInUse(reserve func(blocknr, count uint64)) error {
	for lane := 0; lane < s.jnl.Lanes(); lane++ {
		page, err := s.jnl.Page(lane)
		if err != nil {
			return err
		}
		if page != 0 {
			reserve(s.lay.Blocknr(int64(page)), 1)
		}
	}
	for ino := uint64(0); ino < s.lay.MaxInodes; ino++ {
		meta := inode.View(s.dev, s.lay.InodeOff(ino), s.lay.MirrorOff(ino))
		if meta.VerifyChecksum() != nil || meta.Ino() != ino {
			continue
		}
		if err := s.log.Blocks(extlog.NewInode(meta), reserve); err != nil {
			return err
		}
	}
	return nil
}

// Begin opens a multi-inode metadata transaction on the given lane,
// journaling each inode's current state so that an incomplete
// transaction is rolled back at the next Open. Callers mutate the
// inodes' metadata between Begin and Commit.
func (s *Store) Begin(lane int, inodes ...*extlog.Inode) (*journal.Tx, error) {
	ents := make([]journal.Entry, len(inodes))
	for i, in := range inodes {
		ents[i] = journal.InodeEntry(in.Meta.Offset(), in.Meta.MirrorOffset())
	}
	s.unprotect()
	defer s.protect()
	return s.jnl.Begin(lane, ents...)
}

// BeginFields opens a transaction protecting raw 64-bit fields,
// capturing their current values for rollback.
func (s *Store) BeginFields(lane int, offs ...int64) (*journal.Tx, error) {
	ents := make([]journal.Entry, len(offs))
	for i, off := range offs {
		e, err := journal.FieldEntry(s.dev, off)
		if err != nil {
			return nil, err
		}
		ents[i] = e
	}
	s.unprotect()
	defer s.protect()
	return s.jnl.Begin(lane, ents...)
}

// Commit closes a transaction begun with Begin or BeginFields.
func (s *Store) Commit(tx *journal.Tx) error {
	s.unprotect()
	defer s.protect()
	return s.jnl.Commit(tx)
}

// Lanes returns the number of journal lanes.
func (s *Store) Lanes() int { return s.jnl.Lanes() }
