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

package pgalloc

import "golang.org/x/sys/unix"

// MmapFixed maps exactly [addr, addr+n) with MAP_FIXED, letting the host
// kernel atomically replace whatever was there (spec §4.4.1 path 1: "use
// MAP_FIXED against the host, letting the kernel atomically replace"; and
// path 2, mapping greenfield after an explicit pre-munmap). Unlike the
// Arena's own AllocateBig, the destination address here is derived from
// the guest virtual address (ToHost(virt)), not chosen by the cursor, so
// there is no retry-elsewhere path: failure here is either a validation
// bug (EINVAL/EFAULT, before the point of no return) or fatal corruption
// (after it); see pkg/addrspace.
func MmapFixed(addr, n uintptr, prot, flags int, fd int, off int64) error {
	_, err := mmapDemandFixed(addr, n, prot, flags|unix.MAP_FIXED, fd, off)
	return err
}

// Munmap unmaps [addr, addr+n).
func Munmap(addr, n uintptr) error {
	return munmapHost(addr, n)
}

// Mprotect changes protection on [addr, addr+n). prot is host PROT_* bits;
// PROT_EXEC is never passed through (spec §4.4.3: "the emulator does not
// execute guest memory natively").
func Mprotect(addr, n uintptr, prot int) error {
	return mprotectHost(addr, n, prot&^unix.PROT_EXEC)
}

// Msync flushes [addr, addr+n) to its backing file.
func Msync(addr, n uintptr, flags int) error {
	return msyncHost(addr, n, flags)
}
