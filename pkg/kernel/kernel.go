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

// Package kernel implements the System/Machine lifecycle of spec §4.5:
// process-wide state (System) and per-thread state (Machine), thread
// collection with orphan detection, and the teardown sequence. This is
// the gVisor-lineage analogue of a task tree, generalized from a process
// hierarchy down to the spec's flatter "one System, many Machines" model.
package kernel

import (
	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/addrspace"
	"vem.dev/vem/pkg/cpuid"
	"vem.dev/vem/pkg/fd"
	"vem.dev/vem/pkg/pgalloc"
	vemsync "vem.dev/vem/pkg/sync"
	atomicpkg "vem.dev/vem/pkg/sync/atomic"
)

// CPUMode selects the System's addressing mode (spec §3).
type CPUMode int

const (
	ModeReal CPUMode = iota
	ModeLegacy
	ModeLong
)

// kRealSize is the size of the page-aligned buffer allocated for
// ModeReal's direct 16-bit addressing (spec §4.5). Not given a concrete
// value by spec.md or by original_source (unavailable, see DESIGN.md);
// chosen as the conventional real-mode 1 MiB address space.
const kRealSize = 1 << 20

// Thread-id allocation constants (spec §6's kMinThreadId/kMaxThreadIds;
// kMaxThreadIds must be a power of two so the tid mask in newMachine works).
const (
	MinThreadID  = 1 << 10
	MaxThreadIDs = 1 << 20
)

// NumRlimits bounds the rlimit array (spec §3's "rlimit array"); equal to
// Linux's own RLIMIT_* count (RLIM_NLIMITS is 16).
const NumRlimits = 16

// Rlimit is one resource limit pair.
type Rlimit struct {
	Cur, Max uint64
}

// Config drives System construction (SPEC_FULL.md A.3). CLI flag parsing
// that produces a Config is explicitly out of scope (spec §1).
type Config struct {
	Mode   CPUMode
	Linear bool // false selects FLAG_nolinear (spec §6)
}

// System is the process-wide singleton of spec §3.
type System struct {
	Mode CPUMode
	AS   *addrspace.AddressSpace
	Fds  *fd.Table

	RealBuf []byte // valid only when Mode == ModeReal

	sigHandlers [linux.MaxSignal]linux.SigAction
	blinkSigs   linux.SignalSet
	rlimits     [NumRlimits]Rlimit

	nextTid     atomicpkg.Uint64
	automapHint atomicpkg.Uint64

	machinesLock vemsync.Mutex
	machinesCond *vemsync.Cond
	machines     *Machine // doubly-linked list head; nil when empty

	execLock vemsync.Mutex
	sigLock  vemsync.Mutex
}

// Registers is the guest CPU register file a Machine carries (spec §3).
// FPState is sized by pkg/cpuid to match the host's XSAVE/FXSAVE area, so
// DeliverSignal/SigRestore can snapshot and restore it verbatim.
type Registers struct {
	RAX, RBX, RCX, RDX, RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11, R12, R13, R14, R15   uint64
	RIP, RFLAGS                            uint64
	FSBase, GSBase                         uint64
	FPState                                []byte
}

// Machine is the per-thread state of spec §3.
type Machine struct {
	System *System // non-owning back-pointer (spec §9: "Cyclic graphs")

	Regs     Registers
	SigMask  linux.SignalSet
	Pending  atomicpkg.Uint64 // linux.SignalSet, boxed for atomic EnqueueSignal
	AltStack linux.SignalStack
	Tid      int32

	HostThread uintptr // opaque host thread handle

	Killed            atomicpkg.Bool
	Invalidated       atomicpkg.Bool
	ICacheInvalidated atomicpkg.Bool
	Restored          atomicpkg.Bool

	freeLater []func()

	prev, next *Machine
}

// NewSystem implements spec §4.5's NewSystem: presets emulator-reserved
// signals in blinksigs, sets every rlimit to infinity, and (mode ==
// ModeReal) allocates the real-mode buffer.
func NewSystem(cfg Config) (*System, error) {
	s := &System{
		Mode: cfg.Mode,
		AS:   addrspace.New(pgalloc.GlobalPool(), cfg.Linear),
		Fds:  fd.NewTable(),
	}
	s.machinesCond = vemsync.NewCond(&s.machinesLock)

	for _, sig := range []linux.Signal{linux.SIGSYS, linux.SIGILL, linux.SIGFPE, linux.SIGSEGV, linux.SIGTRAP} {
		s.blinkSigs.Set(sig)
	}
	for i := range s.rlimits {
		s.rlimits[i] = Rlimit{Cur: ^uint64(0), Max: ^uint64(0)}
	}
	if cfg.Mode == ModeReal {
		s.RealBuf = make([]byte, kRealSize)
	}
	return s, nil
}

// Stat returns a snapshot of the address space's allocation counters
// (SPEC_FULL.md C.1).
func (s *System) Stat() addrspace.Stats { return s.AS.Stat() }

// Rlimit returns the current/max pair for resource n.
func (s *System) Rlimit(n int) Rlimit {
	if n < 0 || n >= NumRlimits {
		return Rlimit{}
	}
	return s.rlimits[n]
}

// SetRlimit updates resource n.
func (s *System) SetRlimit(n int, r Rlimit) {
	if n < 0 || n >= NumRlimits {
		return
	}
	s.rlimits[n] = r
}

// SigAction returns the handler registered for sig.
func (s *System) SigAction(sig linux.Signal) linux.SigAction {
	if sig < 1 || sig > linux.MaxSignal {
		return linux.SigAction{}
	}
	return s.sigHandlers[sig-1]
}

// SetSigAction installs a handler for sig.
func (s *System) SetSigAction(sig linux.Signal, act linux.SigAction) {
	if sig < 1 || sig > linux.MaxSignal {
		return
	}
	s.sigHandlers[sig-1] = act
}

// resetCPU resets a fresh register file (spec §4.5's ResetCpu path for a
// machine with no parent): every register is zero except RFLAGS, which is
// 0x202 (IF set), and FPState is a zeroed buffer sized by pkg/cpuid.
func resetCPU(r *Registers) {
	*r = Registers{RFLAGS: 0x202, FPState: make([]byte, cpuid.HostFeatureSet().FPStateSize())}
}

// newMachine is the shared body of NewMachine and Machine.Clone (spec
// §4.5). If parent is non-nil its register file is cloned; JIT
// path-building state and the free-later list are never inherited.
func newMachine(s *System, parent *Machine) (*Machine, error) {
	m := &Machine{System: s}
	if parent != nil {
		m.Regs = parent.Regs
		m.Regs.FPState = append([]byte(nil), parent.Regs.FPState...)
	} else {
		resetCPU(&m.Regs)
	}

	s.machinesLock.Lock()
	isRoot := s.machines == nil
	if isRoot {
		m.Tid = int32(unix.Getpid())
	} else {
		next := s.nextTid.Add(1)
		m.Tid = int32((next & (MaxThreadIDs - 1)) + MinThreadID)
	}
	appendMachineLocked(s, m)
	s.machinesLock.Unlock()

	return m, nil
}

// NewMachine creates the primordial thread of System s.
func NewMachine(s *System) (*Machine, error) { return newMachine(s, nil) }

// Clone is the public entry point for spec §4.5's NewMachine(system,
// parent) clone protocol (SPEC_FULL.md C.2): m's register file is copied
// into the new Machine, which is then assigned a fresh tid and appended
// to system's thread list.
func (m *Machine) Clone(system *System) (*Machine, error) { return newMachine(system, m) }

func appendMachineLocked(s *System, m *Machine) {
	if s.machines == nil {
		s.machines = m
		return
	}
	// Insert at the head; spec §9 notes the addition site is the
	// allocator, not the child, and that this is "acceptable but
	// race-prone" — kept as-is per that design note rather than
	// deferred to the child's first instruction.
	m.next = s.machines
	s.machines.prev = m
	s.machines = m
}

func removeMachineLocked(s *System, m *Machine) {
	if m.prev != nil {
		m.prev.next = m.next
	} else if s.machines == m {
		s.machines = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	}
	m.prev, m.next = nil, nil
}

// IsOrphan reports whether m is the only machine remaining in its
// System's thread list.
func IsOrphan(m *Machine) bool {
	s := m.System
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	return isOrphanLocked(s, m)
}

func isOrphanLocked(s *System, m *Machine) bool {
	return s.machines == m && m.next == nil
}

// FreeMachine implements spec §4.5's FreeMachine: remove m from the
// list; if the list becomes empty this was the last thread, and the
// System itself is torn down after unlocking. Otherwise the
// machines-condition is signaled so a caller blocked in KillOtherThreads
// can observe progress.
func FreeMachine(m *Machine) {
	s := m.System
	s.machinesLock.Lock()
	removeMachineLocked(s, m)
	empty := s.machines == nil
	s.machinesLock.Unlock()

	for _, fn := range m.freeLater {
		fn()
	}
	m.freeLater = nil

	if empty {
		freeSystem(s)
		return
	}
	s.machinesCond.Broadcast()
}

// freeSystem releases process-wide-adjacent System state once its last
// Machine has exited. The Page Pool and Big Arena survive the System
// (spec §9: "the global Page Pool survives the System").
func freeSystem(s *System) {
	_ = s // nothing process-exclusive to release beyond what the GC reclaims
}

// KillOtherThreads implements spec §4.5: set killed on every other
// machine, then wait for siblings to exit, looping until m is an orphan.
func (m *Machine) KillOtherThreads() {
	s := m.System
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for !isOrphanLocked(s, m) {
		for other := s.machines; other != nil; other = other.next {
			if other == m {
				continue
			}
			other.Killed.Store(true)
		}
		s.machinesCond.Wait()
	}
}

// RemoveOtherThreads implements spec §4.5's post-execve cleanup: every
// machine but the caller (whose siblings have already terminated by this
// point) is removed from the list and freed, running its free-later
// callbacks after the lock is released, as FreeMachine does.
func (m *Machine) RemoveOtherThreads() {
	s := m.System
	var removed []*Machine
	s.machinesLock.Lock()
	for other := s.machines; other != nil; {
		next := other.next
		if other != m {
			removeMachineLocked(s, other)
			removed = append(removed, other)
		}
		other = next
	}
	s.machinesLock.Unlock()
	for _, other := range removed {
		for _, fn := range other.freeLater {
			fn()
		}
		other.freeLater = nil
	}
}

// InvalidateSystem implements spec §4.5: set invalidated/icache-
// invalidated atomically on every machine, used after any address-space
// mutation and after self-modifying-code events.
func InvalidateSystem(s *System, tlb, icache bool) {
	s.machinesLock.Lock()
	defer s.machinesLock.Unlock()
	for m := s.machines; m != nil; m = m.next {
		if tlb {
			m.Invalidated.Store(true)
		}
		if icache {
			m.ICacheInvalidated.Store(true)
		}
	}
}

// CleanseMemory implements spec §4.5: when memchurn reaches half of rss,
// collapse empty interior page tables and reset churn.
func (s *System) CleanseMemory() {
	s.AS.CleanseMemory()
}

// LockSignals and UnlockSignals expose system.sig_lock (spec §5, lock
// order position 4) to pkg/signal's ConsumeSignal, which must run under
// it but lives outside this package to keep the signal-frame machinery
// out of the core lifecycle file.
func (s *System) LockSignals()   { s.sigLock.Lock() }
func (s *System) UnlockSignals() { s.sigLock.Unlock() }

// TLS returns the value of the thread-local base register (FSBASE on
// amd64), adapted from the teacher's arch_prctl(ARCH_GET_FS) handler
// (pkg/sentry/syscalls/linux/sys_tls_amd64.go) into a direct Machine
// accessor rather than a syscall-table entry.
func (m *Machine) TLS() uint64 { return m.Regs.FSBase }

// SetTLS sets FSBASE, adapted from arch_prctl(ARCH_SET_FS).
func (m *Machine) SetTLS(v uint64) { m.Regs.FSBase = v }

// AddFreeLater registers fn to run, in order, once this Machine is freed
// (spec §3's "small per-thread free-later list").
func (m *Machine) AddFreeLater(fn func()) {
	m.freeLater = append(m.freeLater, fn)
}

