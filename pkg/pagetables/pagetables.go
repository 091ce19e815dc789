// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pagetables

import (
	"sync/atomic"
	"unsafe"

	"vem.dev/vem/pkg/hostarch"
)

// entriesPerTable is the number of 8-byte entries in a 4 KiB table page.
const entriesPerTable = 512

// Shifts for the four levels of the radix tree, spec §4.3. Level 12 is the
// leaf; levels 39/30/21 are interior.
const (
	pgdShift = 39
	pudShift = 30
	pmdShift = 21
	pteShift = 12

	indexMask = entriesPerTable - 1
)

// Table is a single 4 KiB page of 512 entries. Interior tables hold only
// EntryV plus the host address of the child table; level-12 tables hold
// leaves.
//
// Table is always backed by a page handed out by pkg/pgalloc, so its
// address is a real, page-aligned host address; this is the one place the
// 64-bit Entry integer is allowed to cross into an actual pointer (spec
// §9, "Tagged address bits").
type Table struct {
	entries [entriesPerTable]entry64
}

// entry64 is a little-endian-consistent atomic box for one Entry. Page
// table entries are read/written with acquire-release atomics so
// concurrent readers observe either the old or the new entry, never a
// torn value (spec §5).
type entry64 struct {
	v uint64
}

func (e *entry64) load() Entry          { return Entry(atomic.LoadUint64(&e.v)) }
func (e *entry64) store(val Entry)      { atomic.StoreUint64(&e.v, uint64(val)) }
func (e *entry64) compareAndSwap(old, new Entry) bool {
	return atomic.CompareAndSwapUint64(&e.v, uint64(old), uint64(new))
}

// HostAddr returns the host address of the table itself, suitable for
// storing in a parent entry.
func (t *Table) HostAddr() uintptr {
	return uintptr(unsafe.Pointer(t))
}

// TableAt reinterprets a host address previously returned by HostAddr (or
// by pkg/pgalloc.AllocatePageTable) as a *Table.
func TableAt(addr uintptr) *Table {
	return (*Table)(unsafe.Pointer(addr))
}

// IsZero reports whether every entry in the table is the zero Entry,
// i.e. the table has no populated slots and may be reclaimed (spec
// §4.3's FreePageTables post-order collapse).
func (t *Table) IsZero() bool {
	for i := range t.entries {
		if t.entries[i].load() != 0 {
			return false
		}
	}
	return true
}

// indices returns the four radix indices for guest virtual address v.
func indices(v hostarch.Addr) [4]uint {
	uv := uint64(v)
	return [4]uint{
		uint(uv>>pgdShift) & indexMask,
		uint(uv>>pudShift) & indexMask,
		uint(uv>>pmdShift) & indexMask,
		uint(uv>>pteShift) & indexMask,
	}
}

// Allocator sources and reclaims table pages. pkg/pgalloc.Pool implements
// this by calling AllocatePageTable/FreeAnonymousPage (spec §4.2).
type Allocator interface {
	// AllocatePageTable returns a zeroed table page.
	AllocatePageTable() *Table
	// FreePageTable returns a table page to the pool, zero-filling it.
	FreePageTable(t *Table)
}

// Lookup walks root for v and returns the leaf entry, without
// materializing any missing interior table. Missing entries at any level
// cause an immediate "unmapped" return (spec §4.3).
func Lookup(root *Table, v hostarch.Addr) (Entry, bool) {
	idx := indices(v)
	t := root
	for level := 0; level < 3; level++ {
		e := t.entries[idx[level]].load()
		if !e.Valid() {
			return 0, false
		}
		t = TableAt(e.HostAddr())
	}
	leaf := t.entries[idx[3]].load()
	return leaf, leaf.Valid()
}

// lookupSlot is like Lookup but returns the leaf's entry64 slot itself so
// the caller can store into it, again without materializing missing
// tables.
func lookupSlot(root *Table, v hostarch.Addr) *entry64 {
	idx := indices(v)
	t := root
	for level := 0; level < 3; level++ {
		e := t.entries[idx[level]].load()
		if !e.Valid() {
			return nil
		}
		t = TableAt(e.HostAddr())
	}
	return &t.entries[idx[3]]
}

// Store writes leaf at v's level-12 slot, without allocating missing
// interior tables. The caller must have already materialized the path
// with Materialize.
func Store(root *Table, v hostarch.Addr, leaf Entry) bool {
	slot := lookupSlot(root, v)
	if slot == nil {
		return false
	}
	slot.store(leaf)
	return true
}

// Clear zeros v's level-12 slot, if present, and returns the entry that
// was there.
func Clear(root *Table, v hostarch.Addr) Entry {
	slot := lookupSlot(root, v)
	if slot == nil {
		return 0
	}
	old := slot.load()
	slot.store(0)
	return old
}

// Materialize walks root for v, allocating any missing interior table with
// alloc.AllocatePageTable (spec §4.4.1: "Walk top-down allocating missing
// interior tables"), and returns the level-12 slot.
func Materialize(root *Table, v hostarch.Addr, alloc Allocator) *entry64 {
	idx := indices(v)
	t := root
	for level := 0; level < 3; level++ {
		slot := &t.entries[idx[level]]
		e := slot.load()
		if !e.Valid() {
			child := alloc.AllocatePageTable()
			// Interior entries carry only EntryV plus the host
			// address of the child table (spec §3).
			e = EntryV.WithHostAddr(child.HostAddr())
			slot.store(e)
		}
		t = TableAt(e.HostAddr())
	}
	return &t.entries[idx[3]]
}

// LeafSlot is exported for addrspace, which needs to both read and
// write a discovered slot atomically during Reserve/Protect walks.
type LeafSlot struct {
	slot *entry64
}

// MaterializeLeaf is Materialize wrapped to return a LeafSlot handle.
func MaterializeLeaf(root *Table, v hostarch.Addr, alloc Allocator) LeafSlot {
	return LeafSlot{slot: Materialize(root, v, alloc)}
}

// LookupLeaf returns a LeafSlot handle for v if the full path to the leaf
// is already populated, without allocating.
func LookupLeaf(root *Table, v hostarch.Addr) (LeafSlot, bool) {
	slot := lookupSlot(root, v)
	if slot == nil {
		return LeafSlot{}, false
	}
	return LeafSlot{slot: slot}, true
}

// Load reads the current entry.
func (s LeafSlot) Load() Entry { return s.slot.load() }

// Store writes a new entry.
func (s LeafSlot) Store(e Entry) { s.slot.store(e) }

// CompareAndSwap performs a CAS on the slot.
func (s LeafSlot) CompareAndSwap(old, new Entry) bool { return s.slot.compareAndSwap(old, new) }

// EntriesPerTable exposes entriesPerTable for callers that need to batch
// level-12 fills (spec §4.4.1: "fill consecutive slots until 512 are
// exhausted").
const EntriesPerTable = entriesPerTable

// SpanOfLevel returns the number of bytes one entry at the given level
// (0 = top, 3 = leaf) covers, used by FindVirtual to skip whole
// unpopulated subtrees (spec §4.4.5).
func SpanOfLevel(level int) uintptr {
	switch level {
	case 0:
		return 1 << pgdShift
	case 1:
		return 1 << pudShift
	case 2:
		return 1 << pmdShift
	default:
		return hostarch.PageSize
	}
}

// WalkUnmappedSpan returns the span to advance by when probing v: it walks
// from the root and, at the first level whose entry is unmapped, returns
// that level's span so FindVirtual can skip the whole unpopulated subtree
// (spec §4.4.5).
func WalkUnmappedSpan(root *Table, v hostarch.Addr) (span uintptr, populated bool) {
	idx := indices(v)
	t := root
	for level := 0; level < 4; level++ {
		e := t.entries[idx[level]].load()
		if !e.Valid() {
			return SpanOfLevel(level), false
		}
		if level == 3 {
			return hostarch.PageSize, true
		}
		t = TableAt(e.HostAddr())
	}
	return hostarch.PageSize, true
}

// FreePageTables performs the post-order traversal described in spec
// §4.3: it descends into each populated child table first, then, if that
// child's slots are all zero, nulls the slot pointing at it and returns
// the child page to alloc. root itself is never freed. It is invoked by
// CleanseMemory.
func FreePageTables(root *Table, level int, alloc Allocator) {
	if level >= 3 {
		return
	}
	for i := range root.entries {
		slot := &root.entries[i]
		e := slot.load()
		if !e.Valid() {
			continue
		}
		child := TableAt(e.HostAddr())
		FreePageTables(child, level+1, alloc)
		// child is a level-(level+1) table; level+1 == 3 means child
		// holds real leaf Entries rather than further table pointers,
		// but it is still a table page that can be collapsed once
		// every leaf in it has gone to zero.
		if child.IsZero() {
			slot.store(0)
			alloc.FreePageTable(child)
		}
	}
}
