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

// ProtectVirtual implements spec §4.4.3. The interval must already be
// fully mapped. PROT_EXEC is never forwarded to the host; in linear mode,
// a request unaligned to the host's (possibly larger) page size widens
// the host-side protection to RW rather than risking a foreign page being
// clamped — the guest's logical protection still applies through the
// page-table bits this function sets on every leaf regardless.
//
// Per-page mprotect/msync-class failures during the batch walk are
// remembered, not fatal: the walk continues and the first error is
// returned at the end (spec §7).
func (as *AddressSpace) ProtectVirtual(virt hostarch.Addr, size uintptr, prot uint32) error {
	if err := IsValidAddrSize(virt, size); err != nil {
		return err
	}
	if err := as.validateLinear(virt, size, -1); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if !as.isFullyMappedLocked(virt, size) {
		return vemerr.ErrNoMemory
	}

	protBits := protFromLinux(prot)
	hp := hostProt(prot)
	hostAligned := uintptr(virt)%hostPageSize == 0 && size%hostPageSize == 0
	if as.Linear && !hostAligned {
		hp = unix.PROT_READ | unix.PROT_WRITE
	}

	var ranges []hostarch.AddrRange
	var curStart, curEnd hostarch.Addr
	haveCur := false
	flush := func() {
		if haveCur {
			ranges = append(ranges, hostarch.AddrRange{Start: curStart, End: curEnd})
			haveCur = false
		}
	}

	var firstErr error
	end := virt + hostarch.Addr(size)
	for page := virt; page < end; page += hostarch.PageSize {
		slot, _ := pagetables.LookupLeaf(as.Root, page)
		e := slot.Load()

		switch {
		case e.IsMug():
			if err := pgalloc.Mprotect(e.HostAddr(), hostarch.PageSize, hp); err != nil && firstErr == nil {
				firstErr = err
			}
			flush()
		case as.Linear && e.IsHost() && e.IsMapped():
			if haveCur && curEnd == page {
				curEnd = page + hostarch.PageSize
			} else {
				flush()
				curStart, curEnd, haveCur = page, page+hostarch.PageSize, true
			}
		default:
			flush()
		}

		slot.Store(e.WithProt(protBits))
	}
	flush()

	for _, r := range ranges {
		if err := pgalloc.Mprotect(as.toHost(r.Start), r.Length(), hp); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return vemerr.Wrap("mprotect", firstErr)
	}
	return nil
}
