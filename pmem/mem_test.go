// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pmem

import (
	"bytes"
	"testing"
)

func TestMemRoundTrip(t *testing.T) {
	m := NewMem(1 << 16)
	p := []byte("the quick brown fox")
	if n, err := m.WriteNoCache(100, p); err != nil || n != len(p) {
		t.Fatalf("write: %v, %v", n, err)
	}
	got := make([]byte, len(p))
	if err := m.ReadAt(got, 100); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, p) {
		t.Errorf("got %q, want %q", got, p)
	}
}

func TestMemCrashDropsUnflushed(t *testing.T) {
	m := NewMem(1 << 16)
	if _, err := m.WriteNoCache(0, []byte("flushed")); err != nil {
		t.Fatal(err)
	}
	if err := m.Flush(0, 7); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteNoCache(4096, []byte("dropped")); err != nil {
		t.Fatal(err)
	}
	c := m.Crash()
	got := make([]byte, 7)
	if err := c.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if want := []byte("flushed"); !bytes.Equal(got, want) {
		t.Errorf("got %q, want %q", got, want)
	}
	if err := c.ReadAt(got, 4096); err != nil {
		t.Fatal(err)
	}
	if want := make([]byte, 7); !bytes.Equal(got, want) {
		t.Errorf("unflushed store survived crash: %q", got)
	}
}

func TestMemFlushLineGranularity(t *testing.T) {
	m := NewMem(1 << 12)
	if _, err := m.WriteNoCache(60, []byte{1, 2, 3, 4, 5, 6, 7, 8}); err != nil {
		t.Fatal(err)
	}
	// Flushing a single byte must persist its whole cache line and
	// nothing beyond it.
	if err := m.Flush(63, 1); err != nil {
		t.Fatal(err)
	}
	c := m.Crash()
	got := make([]byte, 8)
	if err := c.ReadAt(got, 60); err != nil {
		t.Fatal(err)
	}
	if want := []byte{1, 2, 3, 4, 0, 0, 0, 0}; !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemProtect(t *testing.T) {
	m := NewMem(1 << 12)
	if err := m.Protect(true); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteNoCache(0, []byte{1}); err != ErrProtected {
		t.Errorf("got %v, want ErrProtected", err)
	}
	if err := m.Protect(false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.WriteNoCache(0, []byte{1}); err != nil {
		t.Errorf("write after unprotect: %v", err)
	}
}

func TestMemRange(t *testing.T) {
	m := NewMem(128)
	if _, err := m.Bytes(120, 16); err != ErrOutOfRange {
		t.Errorf("got %v, want ErrOutOfRange", err)
	}
	if err := m.ReadAt(make([]byte, 1), -1); err != ErrOutOfRange {
		t.Errorf("got %v, want ErrOutOfRange", err)
	}
}
