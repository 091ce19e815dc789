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
	"unsafe"

	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/pagetables"
	"vem.dev/vem/pkg/vemerr"
)

// HostPointer resolves a guest address to a host address through the page
// table, committing a lazy non-linear anonymous page on first touch (spec
// §4.4.1's "committed lazily"). This is the one place outside
// pkg/pagetables/pkg/pgalloc that crosses the unsafe boundary described
// in spec §9's "Tagged address bits" note, and only to hand callers a
// plain uintptr — they still go through ReadBytes/WriteBytes below rather
// than dereferencing it themselves.
//
// Returns vemerr.ErrFault if addr is not backed by a valid mapping
// (IsValidMemory, spec §7).
func (as *AddressSpace) HostPointer(addr hostarch.Addr) (uintptr, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.hostPointerLocked(addr)
}

func (as *AddressSpace) hostPointerLocked(addr hostarch.Addr) (uintptr, error) {
	page := addr.RoundDown()
	slot, ok := pagetables.LookupLeaf(as.Root, page)
	if !ok {
		return 0, vemerr.ErrFault
	}
	e := slot.Load()
	if !e.Valid() {
		return 0, vemerr.ErrFault
	}
	if e.IsReserved() && !e.IsHost() {
		// Non-linear anonymous, not yet committed: commit on first
		// touch (spec §4.4.1).
		if err := as.commitLazyLocked(page, slot); err != nil {
			return 0, err
		}
		e = slot.Load()
	}
	if !e.IsHost() {
		return 0, vemerr.ErrFault
	}
	off := uintptr(addr - page)
	return e.HostAddr() + off, nil
}

// commitLazyLocked is the body of CommitLazy, reusable from
// hostPointerLocked which already holds as.mu and already has the slot.
func (as *AddressSpace) commitLazyLocked(page hostarch.Addr, slot pagetables.LeafSlot) error {
	e := slot.Load()
	newPage, err := as.pool.AllocatePage()
	if err != nil {
		return err
	}
	leaf := newPage.WithProt(e) &^ pagetables.EntryRSRV
	if !slot.CompareAndSwap(e, leaf) {
		as.pool.FreeAnonymousPage(newPage)
		return vemerr.ErrFault
	}
	as.rss.Add(1)
	as.committed.Add(1)
	return nil
}

// IsValidMemory reports whether every page in [addr, addr+n) is backed by
// a valid (committed-or-committable) mapping (spec §7's EFAULT
// condition).
func (as *AddressSpace) IsValidMemory(addr hostarch.Addr, n uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	end := addr + hostarch.Addr(n)
	for page := addr.RoundDown(); page < end; page += hostarch.PageSize {
		slot, ok := pagetables.LookupLeaf(as.Root, page)
		if !ok || !slot.Load().Valid() {
			return false
		}
	}
	return true
}

// ReadBytes copies from guest memory starting at addr into p.
func (as *AddressSpace) ReadBytes(addr hostarch.Addr, p []byte) error {
	return as.copyBytes(addr, p, false)
}

// WriteBytes copies p into guest memory starting at addr.
func (as *AddressSpace) WriteBytes(addr hostarch.Addr, p []byte) error {
	return as.copyBytes(addr, p, true)
}

func (as *AddressSpace) copyBytes(addr hostarch.Addr, p []byte, write bool) error {
	for len(p) > 0 {
		page := addr.RoundDown()
		off := uintptr(addr - page)
		n := hostarch.PageSize - off
		if n > uintptr(len(p)) {
			n = uintptr(len(p))
		}

		as.mu.Lock()
		host, err := as.hostPointerLocked(addr)
		if err != nil {
			as.mu.Unlock()
			return err
		}
		dst := unsafe.Slice((*byte)(unsafe.Pointer(host)), n)
		if write {
			copy(dst, p[:n])
		} else {
			copy(p[:n], dst)
		}
		as.mu.Unlock()

		addr += hostarch.Addr(n)
		p = p[n:]
	}
	return nil
}
