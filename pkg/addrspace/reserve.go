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

package addrspace

import (
	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/pagetables"
	"vem.dev/vem/pkg/pgalloc"
	"vem.dev/vem/pkg/vemerr"
)

// removeVirtual is the pre-step shared by ReserveVirtual and FreeVirtual
// (spec §4.4.1). It walks the existing interval and:
//   - for {HOST} leaves (anonymous, in either mode) returns the page to
//     the pool;
//   - for {HOST|MAP|MUG} leaves, munmaps the individual host mapping;
//   - for {HOST|MAP} linear leaves, defers the unmap and instead
//     accumulates contiguous guest-virtual sub-ranges so the caller can
//     batch them into one host munmap (or decide to MAP_FIXED-replace
//     them without unmapping at all).
//
// It zeros every leaf it visits and tallies vss/rss/memchurn, then returns
// the accumulated {HOST|MAP} linear ranges, in ascending order.
func (as *AddressSpace) removeVirtual(virt hostarch.Addr, size uintptr) []hostarch.AddrRange {
	var ranges []hostarch.AddrRange
	var curStart, curEnd hostarch.Addr
	haveCur := false

	flush := func() {
		if haveCur {
			ranges = append(ranges, hostarch.AddrRange{Start: curStart, End: curEnd})
			haveCur = false
		}
	}

	end := virt + hostarch.Addr(size)
	for page := virt; page < end; page += hostarch.PageSize {
		slot, ok := pagetables.LookupLeaf(as.Root, page)
		if !ok {
			flush()
			continue
		}
		e := slot.Load()
		if !e.Valid() {
			flush()
			continue
		}

		switch {
		case e.IsHost() && e.IsMapped() && e.IsMug():
			if err := pgalloc.Munmap(e.HostAddr(), hostarch.PageSize); err != nil {
				vemerr.Panic("munmap", err)
			}
			as.freed.Add(1)
			as.memchurn.Add(1)
			flush()

		case e.IsHost() && e.IsMapped():
			// Linear {HOST|MAP}: defer the unmap, batch the range.
			if haveCur && curEnd == page {
				curEnd = page + hostarch.PageSize
			} else {
				flush()
				curStart, curEnd, haveCur = page, page+hostarch.PageSize, true
			}

		case e.IsHost():
			as.pool.FreeAnonymousPage(e)
			as.freed.Add(1)
			as.memchurn.Add(1)
			flush()

		default:
			// Reserved-only ({} or non-host real-mode) leaf: nothing to
			// release host-side.
			flush()
		}

		as.vss.Add(^uint64(0))
		if e.Committed() {
			as.rss.Add(^uint64(0))
		}
		slot.Store(0)
	}
	flush()
	return ranges
}

// ReserveVirtual implements spec §4.4.1. prot is guest PROT_* bits
// (pkg/abi/linux); fd == -1 selects an anonymous mapping; shared
// distinguishes MAP_SHARED from MAP_PRIVATE for file-backed and
// non-linear-mode mappings. (The literal spec signature takes a raw
// guest-supplied "flags" bitmask; this module reconstructs the bits it
// needs — shared vs private, anonymous vs file-backed — directly from fd
// and shared, since the guest MAP_* xlat table is an external syscall-shim
// concern per spec §1 and is not otherwise specified.)
func (as *AddressSpace) ReserveVirtual(virt hostarch.Addr, size uintptr, prot uint32, fd int, offset int64, shared bool) error {
	if err := IsValidAddrSize(virt, size); err != nil {
		return err
	}
	off := offset
	if fd == -1 {
		off = -1
	}
	if err := as.validateLinear(virt, size, off); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ranges := as.removeVirtual(virt, size)

	if as.Linear {
		full := hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}
		if len(ranges) == 1 && ranges[0] == full {
			// Path 1: fully covered by exactly one range — replace
			// atomically with MAP_FIXED.
			if err := as.mapLinearWhole(virt, size, prot, fd, offset, shared, unix.MAP_FIXED); err != nil {
				return vemerr.Wrap("mmap", err)
			}
		} else {
			// Path 2: holes or multiple ranges. Pre-munmap each
			// deferred sub-range, then demand-map the whole interval
			// greenfield. Once the first munmap has succeeded, the
			// host address space is no longer consistent with the
			// page tables until the final mmap also succeeds: any
			// failure from here on is fatal.
			crossedPointOfNoReturn := false
			for _, r := range ranges {
				err := pgalloc.Munmap(as.toHost(r.Start), r.Length())
				if err != nil {
					if crossedPointOfNoReturn {
						vemerr.Panic("munmap", err)
					}
					return vemerr.Wrap("munmap", err)
				}
				crossedPointOfNoReturn = true
			}
			if err := as.mapLinearWhole(virt, size, prot, fd, offset, shared, unix.MAP_FIXED); err != nil {
				if crossedPointOfNoReturn {
					vemerr.Panic("mmap", err)
				}
				return vemerr.Wrap("mmap", err)
			}
		}
	}

	return as.insertLeaves(virt, size, prot, fd, offset, shared)
}

// mapLinearWhole issues the single host mmap covering [virt, virt+size)
// in linear mode, at the translated host address, with extraFlags (e.g.
// MAP_FIXED) merged in.
func (as *AddressSpace) mapLinearWhole(virt hostarch.Addr, size uintptr, prot uint32, fd int, offset int64, shared bool, extraFlags int) error {
	flags := unix.MAP_PRIVATE
	if shared {
		flags = unix.MAP_SHARED
	}
	if fd == -1 {
		flags |= unix.MAP_ANON
		offset = 0
	}
	return pgalloc.MmapFixed(as.toHost(virt), size, hostProt(prot), flags|extraFlags, fd, offset)
}

// insertLeaves performs spec §4.4.1's "insert leaves" step: walk top-down
// materializing missing interior tables, filling one level-12 slot per
// guest page.
func (as *AddressSpace) insertLeaves(virt hostarch.Addr, size uintptr, prot uint32, fd int, offset int64, shared bool) error {
	end := virt + hostarch.Addr(size)
	protBits := protFromLinux(prot)

	for page := virt; page < end; page += hostarch.PageSize {
		slot := pagetables.MaterializeLeaf(as.Root, page, as.pool)

		var leaf pagetables.Entry
		switch {
		case as.Linear:
			leaf = pagetables.EntryV | pagetables.EntryHost | pagetables.EntryMap | protBits
			leaf = leaf.WithHostAddr(as.toHost(page))
			as.rss.Add(1)

		case fd != -1 || shared:
			// Non-linear shared or file-backed: an individually
			// host-mmap'd "mug" page (spec §4.4.1, §6 glossary).
			mapFlags := unix.MAP_PRIVATE
			if shared {
				mapFlags = unix.MAP_SHARED
			}
			pageOff := offset + int64(page-virt)
			roundedOff := (pageOff / int64(hostPageSize)) * int64(hostPageSize)
			skew := uintptr(pageOff - roundedOff)
			mug, err := pgalloc.Global().AllocateBig(hostarch.PageSize+skew, hostProt(prot)|unix.PROT_WRITE, mapFlags, fd, roundedOff)
			if err != nil {
				return vemerr.Wrap("mmap", err)
			}
			leaf = pagetables.EntryV | pagetables.EntryHost | pagetables.EntryMap | pagetables.EntryMug | pagetables.EntryRSRV | protBits
			leaf = leaf.WithHostAddr(mug + skew)

		default:
			// Non-linear anonymous: committed lazily on first access
			// (see CommitLazy).
			leaf = pagetables.EntryV | pagetables.EntryRSRV | protBits
		}

		if fd != -1 && page+hostarch.PageSize >= end {
			leaf |= pagetables.EntryEOF
		}

		slot.Store(leaf)
		as.vss.Add(1)
		as.reserved.Add(1)
	}
	return nil
}

// CommitLazy backs a reserved-only, non-linear anonymous leaf with a real
// page from the pool on first access (spec §4.4.1: "committed lazily by
// later AllocatePage on first access"). Callers are the (externally
// specified, out-of-scope) interpreter's fault path.
func (as *AddressSpace) CommitLazy(virt hostarch.Addr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	page := virt.RoundDown()
	slot, ok := pagetables.LookupLeaf(as.Root, page)
	if !ok {
		return vemerr.ErrFault
	}
	e := slot.Load()
	if !e.Valid() || !e.IsReserved() || e.IsHost() {
		return vemerr.ErrFault
	}
	return as.commitLazyLocked(page, slot)
}
