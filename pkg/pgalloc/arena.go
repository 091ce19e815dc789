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

// Package pgalloc implements the Big Arena (spec §4.1) and the Page Pool
// built on top of it (spec §4.2). Both are process-global: the Big Arena
// cursor and the free-list are shared across every System in the process,
// the same way the teacher's KVM machine carves guest physical memory out
// of one process-wide virtual-address region (see pkg/sentry/platform/kvm
// for the carving idiom this generalizes away from KVM slots).
package pgalloc

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/log"
	"vem.dev/vem/pkg/vemerr"
)

// toSlice reinterprets a host address range as a []byte for the
// golang.org/x/sys/unix calls (Munmap/Mprotect/Msync) that take a slice
// rather than a raw address. This is the one unsafe boundary in the
// package, confined to the host-syscall wrappers.
func toSlice(addr, n uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}

// Precious-window constants (spec §6). kPreciousStart is far from a
// typical process .bss; at 2^47 it is not within a 32-bit displacement of
// the emulator's own code. kPreciousEnd bounds the window so the arena
// can detect exhaustion. kSkew is the fixed linear-mode offset:
// ToHost(v) = v + kSkew.
const (
	// PreciousStart sits exactly at the guest's 2^47 address ceiling, so
	// that ToHost(v) = v + Skew maps the entire valid guest range
	// [0, 2^47) onto [PreciousStart, PreciousEnd) without a raw guest
	// address ever numerically colliding with the window itself.
	PreciousStart uintptr = 1 << 47
	PreciousEnd   uintptr = 1 << 48
	Skew          uintptr = PreciousStart
)

// arenaBatchPages is the number of pages refillLocked requests from the arena
// at a time when refilling the Page Pool (spec §4.2).
const arenaBatchPages = 64

// Arena owns the precious window cursor. It is a process-global singleton;
// see Global.
type Arena struct {
	brk atomic.Uintptr
}

var globalArena Arena

func init() {
	globalArena.brk.Store(PreciousStart)
}

// Global returns the process-wide Arena singleton (spec §4.1, §9 "Global
// state"). Its cursor is set to PreciousStart once, by this package's
// init function, before any caller can use it. Go's runtime reclaims all mmap'd memory when the process exits,
// so unlike the teacher's C atexit hook, no explicit teardown registration
// is required here.
func Global() *Arena { return &globalArena }

// AllocateBig returns a host mapping of at least n bytes, rounded up to the
// host page size, from the precious window (spec §4.1).
//
// prot and flags are host mmap arguments (already translated from guest
// PROT_*/MAP_* bits by the caller); fd/off identify a file-backed mapping,
// or fd == -1 for anonymous memory.
func (a *Arena) AllocateBig(n uintptr, prot, flags int, fd int, off int64) (uintptr, error) {
	n = roundUpHostPage(n)
	for {
		base := a.brk.Add(n) - n
		if base+n > PreciousEnd {
			return 0, vemerr.ErrNoMemory
		}
		addr, err := mmapDemand(base, n, prot, flags, fd, off)
		if err == errMapDenied {
			// The host refused this exact address (another
			// mapping already lives there); retry at the
			// now-advanced cursor.
			log.Debugf("pgalloc: arena address %#x denied, retrying", base)
			continue
		}
		if err != nil {
			return 0, vemerr.Wrap("mmap", err)
		}
		return addr, nil
	}
}

// errMapDenied is returned by mmapDemand when the host refused to honor
// the exact requested address (spec §4.1's MAP_DENIED).
var errMapDenied = fmt.Errorf("requested arena address unavailable")

func roundUpHostPage(n uintptr) uintptr {
	ps := uintptr(unix.Getpagesize())
	return (n + ps - 1) &^ (ps - 1)
}
