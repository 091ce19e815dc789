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

//go:build linux

package pgalloc

import "golang.org/x/sys/unix"

// mmapDemand requests a host mapping at exactly base, failing with
// errMapDenied if the kernel refuses (spec §4.1). On Linux this is
// MAP_FIXED_NOREPLACE, which (unlike MAP_FIXED) never silently clobbers an
// existing mapping.
func mmapDemand(base, n uintptr, prot, flags int, fd int, off int64) (uintptr, error) {
	addr, err := mmapDemandFixed(base, n, prot, flags|unix.MAP_FIXED_NOREPLACE, fd, off)
	if err == unix.EEXIST {
		return 0, errMapDenied
	}
	return addr, err
}

// mmapDemandFixed issues the raw mmap(2) syscall with the caller's exact
// flags (typically including MAP_FIXED or MAP_FIXED_NOREPLACE).
func mmapDemandFixed(base, n uintptr, prot, flags int, fd int, off int64) (uintptr, error) {
	addr, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		base, n,
		uintptr(prot), uintptr(flags),
		uintptr(fd), uintptr(off),
	)
	if errno != 0 {
		return 0, errno
	}
	return addr, nil
}

func munmapHost(addr, n uintptr) error {
	return unix.Munmap(toSlice(addr, n))
}

func mprotectHost(addr, n uintptr, prot int) error {
	return unix.Mprotect(toSlice(addr, n), prot)
}

func msyncHost(addr, n uintptr, flags int) error {
	_, _, errno := unix.Syscall(unix.SYS_MSYNC, addr, n, uintptr(flags))
	if errno != 0 {
		return errno
	}
	return nil
}
