// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package extlog

import "github.com/biogo/store/llrb"

// extent is the in-memory state of one appended record: the record
// itself, its log position, and the supersession counters that are
// never written back to media.
type extent struct {
	rec        Record
	pos        uint64
	invalid    uint32
	reassigned bool
}

func (e *extent) live() uint32 { return e.rec.NumPages - e.invalid }

// mapping maps a contiguous run of logical pages to (part of) an
// extent. Partially superseded extents are represented by trimmed or
// split mappings; the extent is shared.
type mapping struct {
	pgoff uint64
	pages uint32
	ext   *extent
}

func (m *mapping) end() uint64 { return m.pgoff + uint64(m.pages) }

// blocknr returns the physical block backing logical page pg, which
// must be covered by m.
func (m *mapping) blocknr(pg uint64) uint64 {
	return m.ext.rec.Blocknr + (pg - m.ext.rec.Pgoff)
}

// Compare implements llrb.Comparable, ordering mappings by starting
// page offset.
func (m *mapping) Compare(c llrb.Comparable) int {
	o := c.(*mapping)
	switch {
	case m.pgoff < o.pgoff:
		return -1
	case m.pgoff > o.pgoff:
		return 1
	}
	return 0
}

// index is the logical-page index of one inode: an ordered map from
// page runs to extents. It is not safe for concurrent mutation; the
// owning inode's lock serializes access.
type index struct {
	tree llrb.Tree
}

func (x *index) reset() { x.tree = llrb.Tree{} }

// lookup returns the mapping covering page pg, if any.
func (x *index) lookup(pg uint64) *mapping {
	got := x.tree.Floor(&mapping{pgoff: pg})
	if got == nil {
		return nil
	}
	m := got.(*mapping)
	if m.end() <= pg {
		return nil
	}
	return m
}

// next returns the earliest mapping starting strictly after page pg,
// if any.
func (x *index) next(pg uint64) *mapping {
	got := x.tree.Ceil(&mapping{pgoff: pg + 1})
	if got == nil {
		return nil
	}
	return got.(*mapping)
}

// assign makes ext the authoritative extent for its page range,
// superseding older overlapping mappings in append order. Fully
// superseded extents have their blocks returned via free.
func (x *index) assign(ext *extent, free func(blocknr, count uint64)) {
	var (
		s        = ext.rec.Pgoff
		e        = s + uint64(ext.rec.NumPages)
		overlaps []*mapping
	)
	if m := x.lookup(s); m != nil && m.pgoff < s {
		overlaps = append(overlaps, m)
	}
	for pg := s; ; {
		got := x.tree.Ceil(&mapping{pgoff: pg})
		if got == nil {
			break
		}
		m := got.(*mapping)
		if m.pgoff >= e {
			break
		}
		overlaps = append(overlaps, m)
		pg = m.pgoff + 1
	}
	for _, m := range overlaps {
		lo, hi := m.pgoff, m.end()
		if lo < s {
			lo = s
		}
		if hi > e {
			hi = e
		}
		x.tree.Delete(m)
		old := m.ext
		old.invalid += uint32(hi - lo)
		if m.pgoff < lo {
			x.tree.Insert(&mapping{pgoff: m.pgoff, pages: uint32(lo - m.pgoff), ext: old})
			old.reassigned = true
		}
		if m.end() > hi {
			x.tree.Insert(&mapping{pgoff: hi, pages: uint32(m.end() - hi), ext: old})
			old.reassigned = true
		}
		if old.live() == 0 && free != nil {
			free(old.rec.Blocknr, uint64(old.rec.NumPages))
		}
	}
	x.tree.Insert(&mapping{pgoff: s, pages: ext.rec.NumPages, ext: ext})
}
