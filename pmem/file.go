// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// +build linux darwin

package pmem

import (
	"os"

	"golang.org/x/sys/unix"
)

// File is a Device backed by a memory-mapped file. Flush is an
// msync barrier over the page-aligned range covering the request,
// so flushed stores survive process and system crashes.
type File struct {
	f         *os.File
	data      []byte
	protected bool
}

var (
	_ Device    = (*File)(nil)
	_ Protector = (*File)(nil)
)

// OpenFile maps the named file as a persistent region of the given
// size, creating or extending it as needed.
func OpenFile(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	if err = f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f, data: data}, nil
}

func (d *File) Bytes(off, n int64) ([]byte, error) {
	if err := checkRange(d.Size(), off, n); err != nil {
		return nil, err
	}
	return d.data[off : off+n : off+n], nil
}

func (d *File) ReadAt(p []byte, off int64) error {
	if err := checkRange(d.Size(), off, int64(len(p))); err != nil {
		return err
	}
	copy(p, d.data[off:])
	return nil
}

func (d *File) WriteNoCache(off int64, p []byte) (int, error) {
	if d.protected {
		return 0, ErrProtected
	}
	if err := checkRange(d.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(d.data[off:], p), nil
}

func (d *File) Flush(off, n int64) error {
	if err := checkRange(d.Size(), off, n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	pagesz := int64(os.Getpagesize())
	lo := off &^ (pagesz - 1)
	hi := off + n
	if r := hi & (pagesz - 1); r != 0 {
		hi += pagesz - r
	}
	if hi > d.Size() {
		hi = d.Size()
	}
	return unix.Msync(d.data[lo:hi], unix.MS_SYNC)
}

func (d *File) Size() int64 { return int64(len(d.data)) }

// Protect changes the mapping's protection with mprotect.
func (d *File) Protect(readonly bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if readonly {
		prot = unix.PROT_READ
	}
	if err := unix.Mprotect(d.data, prot); err != nil {
		return err
	}
	d.protected = readonly
	return nil
}

// Close flushes the whole region, unmaps it, and closes the file.
func (d *File) Close() error {
	err := unix.Msync(d.data, unix.MS_SYNC)
	if e := unix.Munmap(d.data); err == nil {
		err = e
	}
	if e := d.f.Close(); err == nil {
		err = e
	}
	d.data = nil
	return err
}
