// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pmem models a flat, byte-addressable persistent memory
// region. A Device exposes the region as directly addressable bytes
// together with the primitives the update engine's crash-consistency
// argument is built on: cache-bypassing stores and synchronous
// flush+fence barriers. Writes are not durable until the covering
// range has been flushed; a flush blocks until the range is
// guaranteed persistent.
//
// Two implementations are provided: Mem, a volatile buffer with a
// durable shadow for crash simulation in tests, and File, a file
// mapped with mmap whose flushes are msync barriers.
package pmem

import "errors"

// ErrOutOfRange is returned for accesses beyond the device.
var ErrOutOfRange = errors.New("pmem: access out of range")

// ErrProtected is returned for stores to a write-protected device.
var ErrProtected = errors.New("pmem: device is write protected")

// A Device is a byte-addressable persistent region.
type Device interface {
	// Bytes returns a direct view of the region [off, off+n). The
	// returned slice aliases device memory; stores through it are
	// not durable until flushed.
	Bytes(off, n int64) ([]byte, error)

	// ReadAt copies len(p) bytes at offset off into p.
	ReadAt(p []byte, off int64) error

	// WriteNoCache stores p at offset off, bypassing the CPU cache,
	// and returns the number of bytes written. The store is not
	// durable until the range is flushed.
	WriteNoCache(off int64, p []byte) (int, error)

	// Flush writes back and fences the range [off, off+n). It
	// returns only once the range is guaranteed persistent.
	Flush(off, n int64) error

	// Size returns the size of the region in bytes.
	Size() int64
}

// A Protector is a device that can write-protect its mapping.
// Engines running with write protection enabled keep the device
// read-only except around their own stores.
type Protector interface {
	Protect(readonly bool) error
}

func checkRange(size, off, n int64) error {
	if off < 0 || n < 0 || off+n > size {
		return ErrOutOfRange
	}
	return nil
}
