// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/nvmstore/alloc"
	"github.com/grailbio/nvmstore/extlog"
	"github.com/grailbio/nvmstore/layout"
	"github.com/grailbio/nvmstore/pmem"
)

func testStore(t *testing.T, blocks uint64, opts Options) (*Store, *pmem.Mem, *alloc.Bitmap, *layout.T) {
	t.Helper()
	lay := layout.New(blocks, 2, 4)
	dev := pmem.NewMem(lay.Size())
	a := alloc.NewBitmap(dev, lay)
	s, err := Format(dev, lay, a, opts)
	if err != nil {
		t.Fatal(err)
	}
	return s, dev, a, lay
}

func data(n int, seed int64) []byte {
	p := make([]byte, n)
	r := rand.New(rand.NewSource(seed))
	for i := range p {
		p[i] = byte(r.Intn(256))
	}
	return p
}

func readAll(t *testing.T, s *Store, in *extlog.Inode, off int64, n int) []byte {
	t.Helper()
	p := make([]byte, n)
	m, err := s.Read(in, off, p)
	if err != nil {
		t.Fatal(err)
	}
	return p[:m]
}

func TestRoundTrip(t *testing.T) {
	s, _, _, _ := testStore(t, 64, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(10000, 1)
	n, err := s.Write(in, 3, want)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(want) {
		t.Fatalf("wrote %d, want %d", n, len(want))
	}
	if got := in.Size(); got != 10003 {
		t.Errorf("size: got %d, want 10003", got)
	}
	if got := readAll(t, s, in, 3, len(want)); !bytes.Equal(got, want) {
		t.Error("read-back differs from what was written")
	}
	// The merged-in head bytes before offset 3 are zeros.
	if got, want := readAll(t, s, in, 0, 3), []byte{0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("head: got %v, want %v", got, want)
	}
	// Reads clamp at the file size.
	if got := readAll(t, s, in, 10000, 100); len(got) != 3 {
		t.Errorf("tail read: got %d bytes, want 3", len(got))
	}
	if got := readAll(t, s, in, 20000, 100); len(got) != 0 {
		t.Errorf("read past eof: got %d bytes, want 0", len(got))
	}
}

func TestSubBlockWrite(t *testing.T) {
	s, _, _, _ := testStore(t, 16, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in, 5, []byte("0123456789")); err != nil {
		t.Fatal(err)
	}
	if got := in.Size(); got != 15 {
		t.Errorf("size: got %d, want 15", got)
	}
	got := readAll(t, s, in, 0, layout.BlockSize)
	want := append(make([]byte, 5), []byte("0123456789")...)
	if !bytes.Equal(got, want) {
		t.Errorf("got %q, want zeros then the data", got)
	}
}

func TestOverwriteMerges(t *testing.T) {
	s, _, a, _ := testStore(t, 64, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	base := data(3*layout.BlockSize, 2)
	if _, err := s.Write(in, 0, base); err != nil {
		t.Fatal(err)
	}
	used := a.Used()
	blk := mustMap(t, in, 1).Blocknr

	// An unaligned overwrite in the middle block: the chunk's edges
	// merge from the superseded content, and the block moves.
	patch := data(100, 3)
	if _, err := s.Write(in, layout.BlockSize+50, patch); err != nil {
		t.Fatal(err)
	}
	want := append([]byte(nil), base...)
	copy(want[layout.BlockSize+50:], patch)
	if got := readAll(t, s, in, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("merged content differs")
	}
	if got := mustMap(t, in, 1).Blocknr; got == blk {
		t.Error("overwrite reused the superseded block")
	}
	// The three-page extent keeps its valid edge pages, so its blocks
	// stay; only the freshly allocated block adds to usage.
	if got := a.Used(); got != used+1 {
		t.Errorf("used: got %d, want %d", got, used+1)
	}
	if got := in.Size(); got != uint64(len(base)) {
		t.Errorf("size: got %d, want %d", got, len(base))
	}
}

func TestBlocksAccounting(t *testing.T) {
	s, _, _, _ := testStore(t, 64, Options{Checksum: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in, 0, data(2*layout.BlockSize, 1)); err != nil {
		t.Fatal(err)
	}
	if got := in.Blocks(); got != 2 {
		t.Fatalf("blocks after write: got %d, want 2", got)
	}
	// A full overwrite supersedes the extent; its freed blocks leave
	// the count instead of accumulating.
	if _, err := s.Write(in, 0, data(2*layout.BlockSize, 2)); err != nil {
		t.Fatal(err)
	}
	if got := in.Blocks(); got != 2 {
		t.Errorf("blocks after full overwrite: got %d, want 2", got)
	}
	if got := in.Meta.Blocks(); got != 2 {
		t.Errorf("on-media blocks: got %d, want 2", got)
	}
}

func mustMap(t *testing.T, in *extlog.Inode, pg uint64) extlog.Mapping {
	t.Helper()
	m, ok := in.Lookup(pg)
	if !ok {
		t.Fatalf("page %d: unexpected hole", pg)
	}
	return m
}

// singleBlock degrades an allocator to one-block grants, forcing
// multi-extent writes.
type singleBlock struct {
	alloc.Allocator
}

func (s singleBlock) Alloc(hint, count uint64, zero bool) (uint64, uint64, error) {
	return s.Allocator.Alloc(hint, 1, zero)
}

func TestFragmentedWrite(t *testing.T) {
	lay := layout.New(64, 2, 4)
	dev := pmem.NewMem(lay.Size())
	a := singleBlock{alloc.NewBitmap(dev, lay)}
	s, err := Format(dev, lay, a, Options{Checksum: true, Parity: true})
	if err != nil {
		t.Fatal(err)
	}
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(8000, 4)
	if _, err := s.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	// One-block grants split the write into one extent record per
	// covered page, all committed together under one transaction.
	m0, m1 := mustMap(t, in, 0), mustMap(t, in, 1)
	if m0.Pages != 1 || m1.Pages != 1 {
		t.Errorf("got %d+%d page runs, want 1+1", m0.Pages, m1.Pages)
	}
	if m0.Rec.TransID != m1.Rec.TransID {
		t.Error("extents of one write carry different transaction ids")
	}
	if m0.Rec.Size != layout.BlockSize || m1.Rec.Size != 8000 {
		t.Errorf("record sizes: got %d, %d", m0.Rec.Size, m1.Rec.Size)
	}
	if got := in.Size(); got != 8000 {
		t.Errorf("size: got %d, want 8000", got)
	}
	if got := readAll(t, s, in, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("read-back differs across extents")
	}
}

func TestReadHole(t *testing.T) {
	s, _, _, _ := testStore(t, 64, Options{Checksum: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(100, 5)
	if _, err := s.Write(in, 2*layout.BlockSize, want); err != nil {
		t.Fatal(err)
	}
	got := readAll(t, s, in, 0, 2*layout.BlockSize+100)
	if !bytes.Equal(got[:2*layout.BlockSize], make([]byte, 2*layout.BlockSize)) {
		t.Error("hole did not read as zeros")
	}
	if !bytes.Equal(got[2*layout.BlockSize:], want) {
		t.Error("data after hole differs")
	}
}

func TestCrashAfterWrite(t *testing.T) {
	s, dev, _, lay := testStore(t, 64, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(10000, 6)
	if _, err := s.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}

	crashed := dev.Crash()
	a2 := alloc.NewBitmap(crashed, lay)
	s2, err := Open(crashed, lay, a2, Options{Checksum: true, Parity: true})
	if err != nil {
		t.Fatal(err)
	}
	in2, err := s2.Inode(1)
	if err != nil {
		t.Fatal(err)
	}
	if got := in2.Size(); got != uint64(len(want)) {
		t.Errorf("size after crash: got %d, want %d", got, len(want))
	}
	if got := readAll(t, s2, in2, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("committed write lost across crash")
	}

	// Rebuilding allocator occupancy lets new writes proceed without
	// clobbering surviving extents.
	if err := s2.ReserveInUse(a2.Reserve); err != nil {
		t.Fatal(err)
	}
	in3, err := s2.Create(2)
	if err != nil {
		t.Fatal(err)
	}
	other := data(20000, 60)
	if _, err := s2.Write(in3, 0, other); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s2, in3, 0, len(other)); !bytes.Equal(got, other) {
		t.Error("post-reopen write differs")
	}
	if got := readAll(t, s2, in2, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("reopen write clobbered an existing extent")
	}
}

func TestMappedWriteRejected(t *testing.T) {
	s, _, _, _ := testStore(t, 16, Options{})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	s.SetMapped(in, true)
	if _, err := s.Write(in, 0, []byte("x")); !errors.Is(errors.NotAllowed, err) {
		t.Errorf("got %v, want not-allowed", err)
	}
	s.SetMapped(in, false)
	if _, err := s.Write(in, 0, []byte("x")); err != nil {
		t.Errorf("write after unmap: %v", err)
	}
}

func TestMapFault(t *testing.T) {
	s, dev, _, lay := testStore(t, 64, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.MapFault(in, 0, 1, false); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want not-exist for a hole", err)
	}
	off, pages, err := s.MapFault(in, 0, 4, true)
	if err != nil {
		t.Fatal(err)
	}
	if pages == 0 || pages > 4 {
		t.Fatalf("pages: got %d", pages)
	}
	// Faulted-in pages come zeroed and verified.
	block := make([]byte, layout.BlockSize)
	if err := dev.ReadAt(block, off); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block, make([]byte, layout.BlockSize)) {
		t.Error("faulted page not zeroed")
	}
	if err := s.codec.Verify(lay.Blocknr(off)); err != nil {
		t.Errorf("faulted page fails verification: %v", err)
	}
	// Faults never extend the file.
	if got := in.Size(); got != 0 {
		t.Errorf("size: got %d, want 0", got)
	}
	// A second fault on the same page resolves to the same block.
	off2, _, err := s.MapFault(in, 0, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if off2 != off {
		t.Errorf("refault moved the page: %#x vs %#x", off2, off)
	}
}

func TestMapFaultBounded(t *testing.T) {
	s, _, _, _ := testStore(t, 64, Options{})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.MapFault(in, 2, 1, true); err != nil {
		t.Fatal(err)
	}
	// Filling the hole before the extent at page 2 must not allocate
	// past it.
	_, pages, err := s.MapFault(in, 0, 8, true)
	if err != nil {
		t.Fatal(err)
	}
	if pages > 2 {
		t.Errorf("hole fill spilled into the next extent: %d pages", pages)
	}
}

func TestRepairOnRead(t *testing.T) {
	s, dev, _, lay := testStore(t, 16, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(layout.BlockSize, 7)
	if _, err := s.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	// Scribble over one stripe of the backing block.
	blk := mustMap(t, in, 0).Blocknr
	b, err := dev.Bytes(lay.BlockOff(blk)+2<<layout.StripeShift, layout.StripeSize)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] ^= 0xff
	}
	if got := readAll(t, s, in, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("read did not reconstruct the corrupted stripe")
	}
	if err := s.codec.Verify(blk); err != nil {
		t.Errorf("block not repaired in place: %v", err)
	}
}

func TestCorruptionWithoutParity(t *testing.T) {
	s, dev, _, lay := testStore(t, 16, Options{Checksum: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in, 0, data(layout.BlockSize, 8)); err != nil {
		t.Fatal(err)
	}
	blk := mustMap(t, in, 0).Blocknr
	b, err := dev.Bytes(lay.BlockOff(blk), 1)
	if err != nil {
		t.Fatal(err)
	}
	b[0]++
	if _, err := s.Read(in, 0, make([]byte, 16)); !errors.Is(errors.Integrity, err) {
		t.Errorf("got %v, want integrity error", err)
	}
}

func TestWriteExhaustion(t *testing.T) {
	s, _, a, _ := testStore(t, 8, Options{})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	used := a.Used()
	n, err := s.Write(in, 0, data(8*layout.BlockSize, 9))
	if !errors.Is(errors.OOM, err) {
		t.Fatalf("got %v, want OOM", err)
	}
	if n != 0 {
		t.Errorf("failed write reported %d durable bytes", n)
	}
	if got := in.Size(); got != 0 {
		t.Errorf("size after failed write: got %d", got)
	}
	// The unwound data blocks are back; at most the log page the
	// first append chained stays allocated.
	if got := a.Used(); got > used+1 {
		t.Errorf("used: got %d, want at most %d", got, used+1)
	}
}

func TestMetaTransactionRollback(t *testing.T) {
	s, dev, _, lay := testStore(t, 64, Options{Checksum: true})
	in1, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	in2, err := s.Create(2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in1, 0, data(100, 10)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in2, 0, data(200, 11)); err != nil {
		t.Fatal(err)
	}
	// Mutate both inodes under a transaction, then crash before the
	// commit. Mirrors are deliberately left alone until commit; they
	// are what the rollback restores.
	if _, err := s.Begin(0, in1, in2); err != nil {
		t.Fatal(err)
	}
	for _, in := range []*extlog.Inode{in1, in2} {
		if err := in.Meta.SetSize(9999); err != nil {
			t.Fatal(err)
		}
		if err := in.Meta.UpdateChecksum(); err != nil {
			t.Fatal(err)
		}
	}

	crashed := dev.Crash()
	s2, err := Open(crashed, lay, alloc.NewBitmap(crashed, lay), Options{Checksum: true})
	if err != nil {
		t.Fatal(err)
	}
	for ino, want := range map[uint64]uint64{1: 100, 2: 200} {
		in, err := s2.Inode(ino)
		if err != nil {
			t.Fatal(err)
		}
		if got := in.Size(); got != want {
			t.Errorf("inode %d: size %d after rollback, want %d", ino, got, want)
		}
	}
}

func TestMetaTransactionCommit(t *testing.T) {
	s, dev, _, lay := testStore(t, 64, Options{Checksum: true})
	in1, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := s.Begin(1, in1)
	if err != nil {
		t.Fatal(err)
	}
	if err := in1.Meta.SetSize(4242); err != nil {
		t.Fatal(err)
	}
	if err := in1.Meta.UpdateChecksum(); err != nil {
		t.Fatal(err)
	}
	if err := s.Commit(tx); err != nil {
		t.Fatal(err)
	}
	if err := in1.Meta.SyncMirror(); err != nil {
		t.Fatal(err)
	}

	crashed := dev.Crash()
	s2, err := Open(crashed, lay, alloc.NewBitmap(crashed, lay), Options{Checksum: true})
	if err != nil {
		t.Fatal(err)
	}
	in, err := s2.Inode(1)
	if err != nil {
		t.Fatal(err)
	}
	if got := in.Meta.Size(); got != 4242 {
		t.Errorf("size: got %d, want committed 4242", got)
	}
}

func TestInodeMirrorRestore(t *testing.T) {
	s, dev, _, lay := testStore(t, 64, Options{Checksum: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(5000, 12)
	if _, err := s.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	// Corrupt the primary metadata; a fresh store must restore it
	// from the mirror.
	b, err := dev.Bytes(lay.InodeOff(1)+8, 1)
	if err != nil {
		t.Fatal(err)
	}
	b[0] ^= 0xff
	s2, err := Open(dev, lay, alloc.NewBitmap(dev, lay), Options{Checksum: true})
	if err != nil {
		t.Fatal(err)
	}
	in2, err := s2.Inode(1)
	if err != nil {
		t.Fatal(err)
	}
	if got := in2.Size(); got != uint64(len(want)) {
		t.Errorf("size: got %d, want %d", got, len(want))
	}
	if got := readAll(t, s2, in2, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("content differs after mirror restore")
	}
}

func TestInodeErrors(t *testing.T) {
	s, _, _, _ := testStore(t, 16, Options{})
	if _, err := s.Create(1); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(1); !errors.Is(errors.Exists, err) {
		t.Errorf("got %v, want exists", err)
	}
	if _, err := s.Create(99); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want invalid", err)
	}
	if _, err := s.Inode(2); err == nil {
		t.Error("loading a never-created inode succeeded")
	}
}

func TestWriteProtect(t *testing.T) {
	s, dev, _, _ := testStore(t, 16, Options{WriteProtect: true})
	// Outside engine operations the device stays protected.
	if _, err := dev.WriteNoCache(0, []byte{1}); err != pmem.ErrProtected {
		t.Fatalf("got %v, want ErrProtected", err)
	}
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	want := data(1000, 13)
	if _, err := s.Write(in, 0, want); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, in, 0, len(want)); !bytes.Equal(got, want) {
		t.Error("read-back differs under write protection")
	}
	if _, err := dev.WriteNoCache(0, []byte{1}); err != pmem.ErrProtected {
		t.Errorf("got %v, want ErrProtected after the write", err)
	}
}

func TestTruncateRefresh(t *testing.T) {
	s, _, _, _ := testStore(t, 16, Options{Checksum: true, Parity: true})
	in, err := s.Create(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Write(in, 0, data(layout.BlockSize, 14)); err != nil {
		t.Fatal(err)
	}
	// A truncation zeroes the block's bytes beyond the new size and
	// then refreshes its checksum and parity.
	const newSize = 1000
	blk := mustMap(t, in, 0).Blocknr
	b, err := s.dev.Bytes(s.lay.BlockOff(blk)+newSize, layout.BlockSize-newSize)
	if err != nil {
		t.Fatal(err)
	}
	for i := range b {
		b[i] = 0
	}
	if err := s.UpdateParityAfterTruncate(in, newSize); err != nil {
		t.Fatal(err)
	}
	if err := s.codec.Verify(blk); err != nil {
		t.Errorf("block fails verification after truncate refresh: %v", err)
	}
}
