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

// Package hostarch provides address and address-range types shared by the
// page table, arena, and address-space packages.
package hostarch

import "fmt"

// Addr is a guest or host virtual address.
type Addr uintptr

// PageSize is the guest page size. The guest page table is always indexed
// on 4 KiB boundaries regardless of the host's actual page size; pages that
// must be backed by an individually sized host mapping are "mugged" (see
// pkg/pagetables).
const PageSize = 1 << 12

// RoundDown returns a down the nearest multiple of page.
func (a Addr) RoundDown() Addr {
	return a &^ (PageSize - 1)
}

// RoundUp returns a rounded up to the nearest multiple of page, and a bool
// indicating whether the rounding overflowed.
func (a Addr) RoundUp() (Addr, bool) {
	r := a.RoundDown()
	if r == a {
		return r, true
	}
	r += PageSize
	return r, r >= a
}

// IsPageAligned returns true if a is a multiple of PageSize.
func (a Addr) IsPageAligned() bool {
	return a.RoundDown() == a
}

// MustRoundUp is equivalent to RoundUp, but panics on overflow.
func (a Addr) MustRoundUp() Addr {
	r, ok := a.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() overflows", uintptr(a)))
	}
	return r
}

// AddrRange is a non-empty range of addresses, [Start, End).
type AddrRange struct {
	Start Addr
	End   Addr
}

// Length returns the length of the range in bytes.
func (ar AddrRange) Length() uintptr {
	return uintptr(ar.End - ar.Start)
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// Overlaps returns true if ar and other overlap.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// IsPageAligned returns true if both endpoints of ar are page aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.Start.IsPageAligned() && ar.End.IsPageAligned()
}

// String implements fmt.Stringer.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(ar.Start), uintptr(ar.End))
}

// RoundDownPageSize rounds size down to the nearest multiple of granule,
// which must be a power of two. This is used to accommodate host page sizes
// larger than the guest's fixed 4 KiB granule.
func RoundDownPageSize(size uintptr, granule uintptr) uintptr {
	return size &^ (granule - 1)
}

// RoundUpPageSize rounds size up to the nearest multiple of granule, which
// must be a power of two.
func RoundUpPageSize(size uintptr, granule uintptr) uintptr {
	return RoundDownPageSize(size+granule-1, granule)
}
