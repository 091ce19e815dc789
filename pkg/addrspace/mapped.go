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
)

// IsFullyMapped implements spec §4.4.6: a parallel walk returning on the
// first counterexample.
func (as *AddressSpace) IsFullyMapped(virt hostarch.Addr, size uintptr) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.isFullyMappedLocked(virt, size)
}

func (as *AddressSpace) isFullyMappedLocked(virt hostarch.Addr, size uintptr) bool {
	end := virt + hostarch.Addr(size)
	for page := virt; page < end; page += hostarch.PageSize {
		slot, ok := pagetables.LookupLeaf(as.Root, page)
		if !ok || !slot.Load().Valid() {
			return false
		}
	}
	return true
}

// IsFullyUnmapped implements spec §4.4.6, additionally rejecting
// intervals that overlap the precious window in linear mode (the
// interval itself is then, by definition, not a valid "unmapped guest
// range" — see DESIGN.md for why this module's chosen window constants
// make that case unreachable through IsValidAddrSize-accepted input).
func (as *AddressSpace) IsFullyUnmapped(virt hostarch.Addr, size uintptr) bool {
	if as.Linear && overlapsPreciousWindow(hostarch.AddrRange{Start: virt, End: virt + hostarch.Addr(size)}) {
		return false
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	end := virt + hostarch.Addr(size)
	for page := virt; page < end; page += hostarch.PageSize {
		slot, ok := pagetables.LookupLeaf(as.Root, page)
		if ok && slot.Load().Valid() {
			return false
		}
	}
	return true
}
