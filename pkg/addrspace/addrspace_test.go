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
	"testing"

	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/pagetables"
	"vem.dev/vem/pkg/pgalloc"
)

// newNonLinear builds a non-linear AddressSpace backed by the real global
// pool. Every test in this file sticks to anonymous, non-shared mappings
// so that ReserveVirtual/FreeVirtual never call into host mmap/munmap —
// only pkg/pgalloc's page free-list, which is safe to exercise directly.
func newNonLinear(t *testing.T) *AddressSpace {
	t.Helper()
	return New(pgalloc.GlobalPool(), false)
}

func TestReserveFreeVirtualAnonymousRoundTrip(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x10_0000_0000)
	const size = 4 * hostarch.PageSize

	if as.IsFullyMapped(virt, size) {
		t.Fatal("fresh address space reports range as already mapped")
	}

	if err := as.ReserveVirtual(virt, size, 0x3 /* PROT_READ|PROT_WRITE */, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if !as.IsFullyMapped(virt, size) {
		t.Fatal("ReserveVirtual did not leave the range fully mapped")
	}
	if as.IsFullyUnmapped(virt, size) {
		t.Fatal("IsFullyUnmapped reported true right after Reserve")
	}

	stat := as.Stat()
	if stat.VSS != 4 || stat.Reserved != 4 {
		t.Fatalf("Stat() after reserve = %+v, want VSS=4 Reserved=4", stat)
	}

	if err := as.FreeVirtual(virt, size); err != nil {
		t.Fatalf("FreeVirtual: %v", err)
	}
	if !as.IsFullyUnmapped(virt, size) {
		t.Fatal("range still reports mapped after FreeVirtual")
	}

	stat = as.Stat()
	if stat.VSS != 0 {
		t.Fatalf("Stat().VSS after free = %d, want 0", stat.VSS)
	}
}

func TestReserveVirtualReplacesExistingMapping(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x20_0000_0000)
	const size = 2 * hostarch.PageSize

	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("first ReserveVirtual: %v", err)
	}
	// CommitLazy the first page, then re-Reserve over the whole range:
	// the committed page must be released back to the pool, not leaked.
	if err := as.CommitLazy(virt); err != nil {
		t.Fatalf("CommitLazy: %v", err)
	}
	before := as.Stat()
	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("second ReserveVirtual: %v", err)
	}
	after := as.Stat()
	if after.VSS != before.VSS {
		t.Fatalf("VSS changed across a same-size replace: before=%d after=%d", before.VSS, after.VSS)
	}
	if after.RSS != 0 {
		t.Fatalf("RSS after re-reserve = %d, want 0 (replace drops the committed page)", after.RSS)
	}
}

func TestCommitLazyThenHostPointerReadWrite(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x30_0000_0000)
	const size = hostarch.PageSize

	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	want := []byte("hello, guest memory")
	if err := as.WriteBytes(virt+16, want); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	stat := as.Stat()
	if stat.RSS != 1 || stat.Committed != 1 {
		t.Fatalf("Stat() after first write = %+v, want RSS=1 Committed=1", stat)
	}

	got := make([]byte, len(want))
	if err := as.ReadBytes(virt+16, got); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("ReadBytes = %q, want %q", got, want)
	}

	if !as.IsValidMemory(virt, size) {
		t.Fatal("IsValidMemory false for a committed page")
	}
	if as.IsValidMemory(virt+hostarch.Addr(size), hostarch.PageSize) {
		t.Fatal("IsValidMemory true past the reserved range")
	}

	if err := as.FreeVirtual(virt, size); err != nil {
		t.Fatalf("FreeVirtual: %v", err)
	}
}

func TestHostPointerFaultsOnUnmapped(t *testing.T) {
	as := newNonLinear(t)
	if _, err := as.HostPointer(0x40_0000_0000); err == nil {
		t.Fatal("HostPointer succeeded on an unmapped address")
	}
}

func TestCommitLazyRejectsAlreadyCommitted(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x50_0000_0000)
	if err := as.ReserveVirtual(virt, hostarch.PageSize, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if err := as.CommitLazy(virt); err != nil {
		t.Fatalf("first CommitLazy: %v", err)
	}
	if err := as.CommitLazy(virt); err == nil {
		t.Fatal("CommitLazy succeeded twice on the same page")
	}
	as.FreeVirtual(virt, hostarch.PageSize)
}

func TestProtectVirtualUpdatesLeafBits(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x60_0000_0000)
	const size = hostarch.PageSize
	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if err := as.ProtectVirtual(virt, size, 0x1 /* PROT_READ only */); err != nil {
		t.Fatalf("ProtectVirtual: %v", err)
	}

	slot, ok := pagetables.LookupLeaf(as.Root, virt)
	if !ok {
		t.Fatal("leaf missing after ProtectVirtual")
	}
	e := slot.Load()
	if !e.Readable() || e.Writable() {
		t.Fatalf("leaf prot bits after ProtectVirtual = %#x, want readable-only", uint64(e))
	}
	as.FreeVirtual(virt, size)
}

func TestProtectVirtualRejectsPartiallyMapped(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x70_0000_0000)
	if err := as.ProtectVirtual(virt, hostarch.PageSize, 0x1); err == nil {
		t.Fatal("ProtectVirtual succeeded over an unmapped range")
	}
}

func TestFindVirtualAvoidsExistingReservation(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x80_0000_0000)
	const size = 4 * hostarch.PageSize
	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	found, err := as.FindVirtual(virt, hostarch.PageSize)
	if err != nil {
		t.Fatalf("FindVirtual: %v", err)
	}
	if found >= virt && found < virt+hostarch.Addr(size) {
		t.Fatalf("FindVirtual returned %#x, which overlaps the existing reservation [%#x, %#x)", found, virt, virt+hostarch.Addr(size))
	}
	as.FreeVirtual(virt, size)
}

func TestFindVirtualRejectsZeroSize(t *testing.T) {
	as := newNonLinear(t)
	if _, err := as.FindVirtual(0x1000, 0); err == nil {
		t.Fatal("FindVirtual accepted size 0")
	}
}

func TestIsValidAddrSizeEdgeCases(t *testing.T) {
	const limit = hostarch.Addr(1) << 47
	cases := []struct {
		name string
		virt hostarch.Addr
		size uintptr
		ok   bool
	}{
		{"zero size", 0, 0, false},
		{"unaligned base", 1, hostarch.PageSize, false},
		{"at ceiling", limit - hostarch.PageSize, hostarch.PageSize, true},
		{"past ceiling", limit - hostarch.PageSize, 2 * hostarch.PageSize, false},
		{"ordinary range", 0x1000, hostarch.PageSize, true},
	}
	for _, tc := range cases {
		err := IsValidAddrSize(tc.virt, tc.size)
		if (err == nil) != tc.ok {
			t.Errorf("%s: IsValidAddrSize(%#x, %#x) err=%v, want ok=%v", tc.name, tc.virt, tc.size, err, tc.ok)
		}
	}
}

func TestCleanseMemoryCollapsesAfterChurn(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0x90_0000_0000)
	const size = hostarch.PageSize

	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	if err := as.CommitLazy(virt); err != nil {
		t.Fatalf("CommitLazy: %v", err)
	}
	if err := as.FreeVirtual(virt, size); err != nil {
		t.Fatalf("FreeVirtual: %v", err)
	}

	before := as.Stat()
	as.CleanseMemory()
	after := as.Stat()
	if before.MemChurn == 0 {
		t.Skip("not enough churn accumulated to trigger a collapse in this scenario")
	}
	if after.MemChurn != 0 {
		t.Fatalf("CleanseMemory left MemChurn = %d, want 0", after.MemChurn)
	}
	if after.Reclaimed != before.Reclaimed+1 {
		t.Fatalf("CleanseMemory.Reclaimed = %d, want %d", after.Reclaimed, before.Reclaimed+1)
	}
}

func TestSyncVirtualRejectsUnmapped(t *testing.T) {
	as := newNonLinear(t)
	if err := as.SyncVirtual(0xA0_0000_0000, hostarch.PageSize, 0); err == nil {
		t.Fatal("SyncVirtual succeeded over an unmapped range")
	}
}

func TestSyncVirtualOverReservedNonCommitted(t *testing.T) {
	as := newNonLinear(t)
	const virt = hostarch.Addr(0xB0_0000_0000)
	const size = hostarch.PageSize
	if err := as.ReserveVirtual(virt, size, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	// Reserved-only (non-host) leaves take SyncVirtual's default no-op
	// branch: msync is never invoked against a page that was never
	// mmap'd.
	if err := as.SyncVirtual(virt, size, 0); err != nil {
		t.Fatalf("SyncVirtual over a reserved-only range: %v", err)
	}
	as.FreeVirtual(virt, size)
}
