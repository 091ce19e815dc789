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

// Package fd is the thin descriptor-table collection spec §1 describes as
// an external collaborator ("the table itself, AddFd/GetFd, is a thin
// collection used by open/pipe"), and spec §9's "Polymorphic descriptor
// callbacks" design note: each descriptor dispatches close/read/write/
// poll/etc. through a capability record selected at AddFd time, rather
// than a type switch over every descriptor kind the core might ever see
// (pipes, regular files, ttys — all out of scope beyond their interface).
package fd

import (
	"vem.dev/vem/pkg/sync"
	"vem.dev/vem/pkg/vemerr"
)

// Ops is the capability record a descriptor is registered with. Every
// field is optional; a nil field means the operation is unsupported by
// this descriptor kind (e.g. Poll on a regular file).
type Ops struct {
	Close func() error
	Read  func(p []byte) (int, error)
	Write func(p []byte) (int, error)
	Poll  func(events uint32) (uint32, error)
}

// Descriptor is one entry in a Table: the host fd it wraps plus its
// capability record and close-on-exec bit.
type Descriptor struct {
	Host     int
	Ops      Ops
	CloExec  bool
}

// Table is the fd table referenced by spec §3's System.fds and guarded by
// fds.lock in the lock order of spec §5.
type Table struct {
	mu    sync.Mutex
	next  int
	files map[int]*Descriptor
}

// NewTable returns an empty descriptor table.
func NewTable() *Table {
	return &Table{files: make(map[int]*Descriptor)}
}

// AddFd registers host fd with ops and returns the guest-visible
// descriptor number for it.
func (t *Table) AddFd(host int, ops Ops, cloExec bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.next
	t.next++
	t.files[n] = &Descriptor{Host: host, Ops: ops, CloExec: cloExec}
	return n
}

// GetFd returns the descriptor registered at n, or ErrBadFD.
func (t *Table) GetFd(n int) (*Descriptor, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.files[n]
	if !ok {
		return nil, vemerr.ErrBadFD
	}
	return d, nil
}

// Remove closes and removes the descriptor at n, returning ErrBadFD if n
// is not registered (as close(2) reports EBADF for an unknown fd).
func (t *Table) Remove(n int) error {
	t.mu.Lock()
	d, ok := t.files[n]
	if ok {
		delete(t.files, n)
	}
	t.mu.Unlock()
	if !ok {
		return vemerr.ErrBadFD
	}
	if d.Ops.Close != nil {
		return d.Ops.Close()
	}
	return nil
}

// SetCloExec updates the close-on-exec bit for n.
func (t *Table) SetCloExec(n int, cloExec bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.files[n]
	if !ok {
		return vemerr.ErrBadFD
	}
	d.CloExec = cloExec
	return nil
}

// CloseOnExec closes every descriptor marked close-on-exec, called during
// execve alongside RemoveOtherThreads.
func (t *Table) CloseOnExec() {
	t.mu.Lock()
	var toClose []*Descriptor
	for n, d := range t.files {
		if d.CloExec {
			toClose = append(toClose, d)
			delete(t.files, n)
		}
	}
	t.mu.Unlock()
	for _, d := range toClose {
		if d.Ops.Close != nil {
			d.Ops.Close()
		}
	}
}
