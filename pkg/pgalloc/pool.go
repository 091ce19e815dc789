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
	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/pagetables"
	"vem.dev/vem/pkg/sync"
)

// Pool is the global free list of 4 KiB anonymous host pages carved from
// the Arena (spec §4.2). Pages are interchangeable and never returned to
// the host kernel; their lifetime is bounded by the process, not by any
// one System.
type Pool struct {
	mu   sync.Mutex
	free []uintptr // host addresses of free pages
	pt   []uintptr // unused: freed page-table pages are pushed onto free like any other page

	arena *Arena
}

var globalPool = &Pool{arena: &globalArena}

// GlobalPool returns the process-wide Page Pool singleton.
func GlobalPool() *Pool { return globalPool }

// Counters groups the per-System allocation counters of spec §3. Nothing
// in this module fills it in: the live counters are kept per address
// space by pkg/addrspace (see addrspace.Stats), not by the Pool, since
// vss/rss/memchurn are per-address-space, not process-global.
type Counters struct {
	Allocated, Committed, Reserved, Freed, Reclaimed uint64
}

// popLocked pops one page off free, refilling from the arena in batches of
// arenaBatchPages if empty. Must be called with p.mu held.
func (p *Pool) popLocked() (uintptr, error) {
	if len(p.free) == 0 {
		if err := p.refillLocked(); err != nil {
			return 0, err
		}
	}
	n := len(p.free) - 1
	addr := p.free[n]
	p.free = p.free[:n]
	return addr, nil
}

func (p *Pool) refillLocked() error {
	base, err := p.arena.AllocateBig(
		arenaBatchPages*hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
		-1, 0,
	)
	if err != nil {
		return err
	}
	for i := uintptr(0); i < arenaBatchPages; i++ {
		p.free = append(p.free, base+i*hostarch.PageSize)
	}
	return nil
}

// AllocatePage pops a page from the free list (or refills from the Arena)
// and returns a leaf entry value ready to install: host_addr | HOST | U |
// RW | V (spec §4.2).
func (p *Pool) AllocatePage() (pagetables.Entry, error) {
	p.mu.Lock()
	addr, err := p.popLocked()
	p.mu.Unlock()
	if err != nil {
		return 0, err
	}
	e := pagetables.EntryV | pagetables.EntryHost | pagetables.EntryU | pagetables.EntryRW
	return e.WithHostAddr(addr), nil
}

// FreeAnonymousPage zero-fills page's host storage and returns it to the
// pool. It is never returned to the host kernel (spec §4.2).
func (p *Pool) FreeAnonymousPage(e pagetables.Entry) {
	addr := e.HostAddr()
	zeroPage(addr)
	p.mu.Lock()
	p.free = append(p.free, addr)
	p.mu.Unlock()
}

// AllocatePageTable is AllocatePage with EntryU stripped, for interior
// page-table pages (spec §4.2). It implements pagetables.Allocator.
func (p *Pool) AllocatePageTable() *pagetables.Table {
	e, err := p.AllocatePage()
	if err != nil {
		// Table allocation failures on the hot Materialize path are
		// not recoverable mid-walk, so they panic. ReserveVirtual does
		// not check beforehand that the arena has room.
		panic("pgalloc: out of memory allocating page table")
	}
	e &^= pagetables.EntryU
	return pagetables.TableAt(e.HostAddr())
}

// FreePageTable implements pagetables.Allocator.
func (p *Pool) FreePageTable(t *pagetables.Table) {
	addr := t.HostAddr()
	zeroPage(addr)
	p.mu.Lock()
	p.free = append(p.free, addr)
	p.mu.Unlock()
}

func zeroPage(addr uintptr) {
	b := toSlice(addr, hostarch.PageSize)
	for i := range b {
		b[i] = 0
	}
}
