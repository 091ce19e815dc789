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
	"vem.dev/vem/pkg/vemerr"
)

// guestCeiling is the exclusive upper bound of valid guest addresses
// (spec §4.4's "end ≤ 2^47").
const guestCeiling = hostarch.Addr(1) << 47

// FindVirtual implements spec §4.4.5: a linear scan from hint, skipping
// the precious window in linear mode, using pagetables.WalkUnmappedSpan
// to skip whole unpopulated subtrees rather than probing page by page.
func (as *AddressSpace) FindVirtual(hint hostarch.Addr, size uintptr) (hostarch.Addr, error) {
	if size == 0 {
		return 0, vemerr.ErrInvalidArgument
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	v := hint.RoundDown()
	if v < hint {
		v += hostarch.PageSize
	}

	for v+hostarch.Addr(size) <= guestCeiling {
		if as.Linear && overlapsPreciousWindow(hostarch.AddrRange{Start: v, End: v + hostarch.Addr(size)}) {
			v += hostarch.PageSize
			continue
		}

		holeStart := v
		cur := v
		found := true
		for cur < holeStart+hostarch.Addr(size) {
			span, populated := pagetables.WalkUnmappedSpan(as.Root, cur)
			if populated {
				v = cur + hostarch.Addr(span)
				found = false
				break
			}
			// Advance to the end of the unpopulated subtree cur lies in.
			cur = (cur | hostarch.Addr(span-1)) + 1
		}
		if found {
			return holeStart, nil
		}
	}
	return 0, vemerr.ErrNoMemory
}
