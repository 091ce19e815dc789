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
	"vem.dev/vem/pkg/pgalloc"
	"vem.dev/vem/pkg/vemerr"
)

// FreeVirtual implements spec §4.4.2: validate, call the shared
// removeVirtual pre-step, then unmap each accumulated contiguous linear
// range with one host munmap. Individual mug pages and anonymous pages
// were already released inside removeVirtual.
//
// Callers are responsible for broadcasting the TLB invalidate this
// mutation requires (pkg/kernel.InvalidateSystem), since that requires
// access to the System's machine list, which this package does not hold
// (spec §9's open question: linear-mode gating, and by extension
// cross-machine invalidation, is a System-level concern).
func (as *AddressSpace) FreeVirtual(virt hostarch.Addr, size uintptr) error {
	if err := IsValidAddrSize(virt, size); err != nil {
		return err
	}
	if err := as.validateLinear(virt, size, -1); err != nil {
		return err
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	ranges := as.removeVirtual(virt, size)
	for _, r := range ranges {
		if err := pgalloc.Munmap(as.toHost(r.Start), r.Length()); err != nil {
			return vemerr.Wrap("munmap", err)
		}
	}
	return nil
}
