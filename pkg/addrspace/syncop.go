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
	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/pagetables"
	"vem.dev/vem/pkg/pgalloc"
	"vem.dev/vem/pkg/vemerr"
)

// SyncVirtual implements spec §4.4.4: round virt down to the host page
// size in linear mode (widening size accordingly), require the interval
// fully mapped, then msync every mug page individually and every linear
// range once. No TLB invalidation is needed (msync doesn't change
// mappings, only flushes them).
func (as *AddressSpace) SyncVirtual(virt hostarch.Addr, size uintptr, sysFlags int) error {
	if as.Linear {
		aligned := hostarch.Addr(hostarch.RoundDownPageSize(uintptr(virt), hostPageSize))
		size += uintptr(virt - aligned)
		virt = aligned
		size = hostarch.RoundUpPageSize(size, hostPageSize)
	}

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
			if err := pgalloc.Msync(e.HostAddr(), hostarch.PageSize, sysFlags); err != nil && firstErr == nil {
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
	}
	flush()

	for _, r := range ranges {
		if err := pgalloc.Msync(as.toHost(r.Start), r.Length(), sysFlags); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return vemerr.Wrap("msync", firstErr)
	}
	return nil
}
