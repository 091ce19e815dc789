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

import (
	"testing"

	"vem.dev/vem/pkg/hostarch"
)

func TestAllocatePageReturnsDistinctPages(t *testing.T) {
	p := GlobalPool()
	e1, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	e2, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	if e1.HostAddr() == e2.HostAddr() {
		t.Fatalf("AllocatePage returned the same host address twice: %#x", e1.HostAddr())
	}
	if !e1.Valid() || !e1.IsHost() {
		t.Errorf("allocated page entry missing V|HOST: %#x", uint64(e1))
	}
	p.FreeAnonymousPage(e1)
	p.FreeAnonymousPage(e2)
}

func TestFreeAnonymousPageZeroesStorage(t *testing.T) {
	p := GlobalPool()
	e, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	b := toSlice(e.HostAddr(), hostarch.PageSize)
	for i := range b {
		b[i] = 0xAA
	}
	p.FreeAnonymousPage(e)

	e2, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage: %v", err)
	}
	b2 := toSlice(e2.HostAddr(), hostarch.PageSize)
	for i, v := range b2 {
		if v != 0 {
			t.Fatalf("reused page not zero-filled at offset %d: %#x", i, v)
		}
	}
	p.FreeAnonymousPage(e2)
}

func TestAllocatePageTableReturnsZeroedTable(t *testing.T) {
	p := GlobalPool()
	tbl := p.AllocatePageTable()
	if !tbl.IsZero() {
		t.Fatal("freshly allocated page table is not zero")
	}
	p.FreePageTable(tbl)
}
