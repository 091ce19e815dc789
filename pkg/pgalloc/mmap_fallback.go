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

//go:build !linux

package pgalloc

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapDemand is the fallback path for hosts that cannot demand an exact
// address (spec §4.1: "hosts that cannot demand addresses (__CYGWIN__,
// __EMSCRIPTEN__): request any address"). Non-Linux hosts are treated the
// same way here: the requested base is not passed to the host, which
// chooses the address itself; the returned address need not equal base.
func mmapDemand(base, n uintptr, prot, flags int, fd int, off int64) (uintptr, error) {
	b, err := unix.Mmap(fd, off, int(n), prot, flags)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(&b[0])), nil
}

// mmapDemandFixed issues the raw mmap(2) syscall with the caller's exact
// flags (typically including MAP_FIXED), used for the linear-mode host
// replace path even on hosts that lack demand-address semantics for
// greenfield arena carving.
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
	return unix.Msync(toSlice(addr, n), flags)
}
