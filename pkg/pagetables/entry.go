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

// Package pagetables implements the 4-level radix tree that maps 48-bit
// guest virtual addresses to host-accessible storage (spec §3, §4.3).
//
// This is a software structure walked entirely by the emulator; it does
// not correspond to any real x86 page table the host CPU walks (ring-0
// virtualization and hardware page-fault interception are non-goals, per
// spec §1).
package pagetables

import "vem.dev/vem/pkg/hostarch"

// Entry is a single 64-bit page-table entry: a host address in the upper
// bits plus attribute bits in the low bits, matching spec §3's layout.
type Entry uint64

// Attribute bits, spec §3.
const (
	// EntryV marks the entry as populated.
	EntryV Entry = 1 << 0
	// EntryU marks the page guest-readable (present).
	EntryU Entry = 1 << 1
	// EntryRW marks the page guest-writable.
	EntryRW Entry = 1 << 2
	// EntryXD marks the page execute-disabled (non-executable).
	EntryXD Entry = 1 << 3
	// EntryHost marks the host address in this entry as directly usable.
	EntryHost Entry = 1 << 4
	// EntryMap marks the entry as backed by a host mapping (file or
	// shared anon).
	EntryMap Entry = 1 << 5
	// EntryMug marks the entry as "mugged": individually host-mmap'd,
	// not part of the linear arena.
	EntryMug Entry = 1 << 6
	// EntryRSRV marks the entry reserved only, not yet committed.
	EntryRSRV Entry = 1 << 7
	// EntryEOF marks the leaf as the last page of a file-backed mapping.
	EntryEOF Entry = 1 << 8

	numAttrBits = 12
)

// TableAddrMask masks out everything except the host address (PAGE_TA):
// low 12 bits (attribute bits, matching the guest's fixed page granule)
// and any bits above the usable host address width are cleared.
const TableAddrMask = Entry(^uint64(0)) &^ ((1 << numAttrBits) - 1)

// HostAddr returns the host address packed into the entry.
func (e Entry) HostAddr() uintptr {
	return uintptr(e & TableAddrMask)
}

// WithHostAddr returns a copy of e with its host address bits replaced by
// addr, which must be page (4 KiB) aligned.
func (e Entry) WithHostAddr(addr uintptr) Entry {
	return (e &^ TableAddrMask) | Entry(addr)&TableAddrMask
}

// Valid reports whether EntryV is set.
func (e Entry) Valid() bool { return e&EntryV != 0 }

// Readable reports whether EntryU is set.
func (e Entry) Readable() bool { return e&EntryU != 0 }

// Writable reports whether EntryRW is set.
func (e Entry) Writable() bool { return e&EntryRW != 0 }

// Executable reports whether EntryXD is clear (execute allowed).
func (e Entry) Executable() bool { return e&EntryXD == 0 }

// IsHost reports whether EntryHost is set.
func (e Entry) IsHost() bool { return e&EntryHost != 0 }

// IsMapped reports whether EntryMap is set.
func (e Entry) IsMapped() bool { return e&EntryMap != 0 }

// IsMug reports whether EntryMug is set.
func (e Entry) IsMug() bool { return e&EntryMug != 0 }

// IsReserved reports whether EntryRSRV is set (lazily committed).
func (e Entry) IsReserved() bool { return e&EntryRSRV != 0 }

// IsEOF reports whether EntryEOF is set.
func (e Entry) IsEOF() bool { return e&EntryEOF != 0 }

// Committed reports whether the leaf counts toward RSS: valid and not
// merely reserved (spec invariant 1).
func (e Entry) Committed() bool { return e.Valid() && !e.IsReserved() }

// ProtFromLinux converts guest PROT_* bits (spec §4.4.1's protection
// translation) to the U/RW/XD attribute bits of an entry, leaving all
// other bits zeroed.
func ProtFromLinux(prot uint32) Entry {
	var e Entry
	const (
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	if prot&protRead != 0 {
		e |= EntryU
	}
	if prot&protWrite != 0 {
		e |= EntryRW
	}
	if prot&protExec == 0 {
		e |= EntryXD
	}
	return e
}

// protMask covers exactly the bits ProtFromLinux ever sets, used by
// ProtectVirtual to replace a leaf's permission bits in place (spec
// §4.4.3: "clear (U|RW|XD) and set the new key").
const protMask = EntryU | EntryRW | EntryXD

// WithProt returns a copy of e with its U/RW/XD bits replaced by those in
// prot (which should come from ProtFromLinux).
func (e Entry) WithProt(prot Entry) Entry {
	return (e &^ protMask) | (prot & protMask)
}

// ToHost computes the linear-mode host address for guest virtual address
// v, given the fixed skew: ToHost(v) = v + skew (spec §3, §6).
func ToHost(v hostarch.Addr, skew uintptr) uintptr {
	return uintptr(v) + skew
}
