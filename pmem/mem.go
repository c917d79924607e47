// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pmem

// Mem is an in-memory Device backed by two images: a volatile buffer
// that all accesses operate on, and a durable shadow that receives
// flushed ranges only. Crash returns a device restored from the
// shadow, discarding every store that was not covered by a Flush.
// This deliberately models the conservative failure mode: unflushed
// stores are lost.
type Mem struct {
	buf       []byte
	durable   []byte
	protected bool
}

var (
	_ Device    = (*Mem)(nil)
	_ Protector = (*Mem)(nil)
)

// NewMem returns a zeroed in-memory device of the given size.
func NewMem(size int64) *Mem {
	return &Mem{buf: make([]byte, size), durable: make([]byte, size)}
}

func (m *Mem) Bytes(off, n int64) ([]byte, error) {
	if err := checkRange(m.Size(), off, n); err != nil {
		return nil, err
	}
	return m.buf[off : off+n : off+n], nil
}

func (m *Mem) ReadAt(p []byte, off int64) error {
	if err := checkRange(m.Size(), off, int64(len(p))); err != nil {
		return err
	}
	copy(p, m.buf[off:])
	return nil
}

func (m *Mem) WriteNoCache(off int64, p []byte) (int, error) {
	if m.protected {
		return 0, ErrProtected
	}
	if err := checkRange(m.Size(), off, int64(len(p))); err != nil {
		return 0, err
	}
	return copy(m.buf[off:], p), nil
}

// Flush persists [off, off+n), rounded outward to cache-line
// granularity, into the durable image.
func (m *Mem) Flush(off, n int64) error {
	if err := checkRange(m.Size(), off, n); err != nil {
		return err
	}
	const line = 64
	lo := off &^ (line - 1)
	hi := off + n
	if r := hi & (line - 1); r != 0 {
		hi += line - r
	}
	if hi > m.Size() {
		hi = m.Size()
	}
	copy(m.durable[lo:hi], m.buf[lo:hi])
	return nil
}

func (m *Mem) Size() int64 { return int64(len(m.buf)) }

// Protect makes subsequent WriteNoCache calls fail (readonly=true)
// or succeed (readonly=false). Direct stores through Bytes are not
// policed; engine code is expected to mutate via WriteNoCache.
func (m *Mem) Protect(readonly bool) error {
	m.protected = readonly
	return nil
}

// Crash simulates a power failure: it returns a new device whose
// contents are exactly the durable image. The receiver must not be
// used afterwards.
func (m *Mem) Crash() *Mem {
	c := NewMem(m.Size())
	copy(c.buf, m.durable)
	copy(c.durable, m.durable)
	return c
}
