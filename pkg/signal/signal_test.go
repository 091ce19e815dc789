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

package signal

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/kernel"
)

func newTestMachine(t *testing.T) *kernel.Machine {
	t.Helper()
	s, err := kernel.NewSystem(kernel.Config{Mode: kernel.ModeLong, Linear: false})
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	m, err := kernel.NewMachine(s)
	if err != nil {
		t.Fatalf("NewMachine: %v", err)
	}
	return m
}

func TestEnqueueSignalSetsBit(t *testing.T) {
	m := newTestMachine(t)
	EnqueueSignal(m, linux.SIGTERM)
	if !linux.SignalSet(m.Pending.Load()).IsSet(linux.SIGTERM) {
		t.Fatal("EnqueueSignal did not set the pending bit")
	}
}

func TestConsumeSignalDefaultIgnored(t *testing.T) {
	m := newTestMachine(t)
	EnqueueSignal(m, linux.SIGCHLD) // SigDfl, default-ignored
	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != 0 {
		t.Fatalf("ConsumeSignal(default-ignored) returned terminal signal %d", term)
	}
	if delivered != 0 {
		t.Fatalf("outDelivered = %d, want 0", delivered)
	}
	if linux.SignalSet(m.Pending.Load()).IsSet(linux.SIGCHLD) {
		t.Fatal("SIGCHLD still pending after ConsumeSignal")
	}
}

func TestConsumeSignalDefaultTerminal(t *testing.T) {
	m := newTestMachine(t)
	EnqueueSignal(m, linux.SIGTERM) // SigDfl, not default-ignored
	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != linux.SIGTERM {
		t.Fatalf("ConsumeSignal(SIGTERM, SigDfl) = %d, want %d", term, linux.SIGTERM)
	}
}

func TestConsumeSignalIgnoredNonDangerous(t *testing.T) {
	m := newTestMachine(t)
	m.System.SetSigAction(linux.SIGTERM, linux.SigAction{Handler: linux.SigIgn})
	EnqueueSignal(m, linux.SIGTERM)
	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != 0 {
		t.Fatalf("ConsumeSignal(SIGTERM, SigIgn) = %d, want 0", term)
	}
}

func TestConsumeSignalIgnoredButTooDangerous(t *testing.T) {
	m := newTestMachine(t)
	m.System.SetSigAction(linux.SIGSEGV, linux.SigAction{Handler: linux.SigIgn})
	EnqueueSignal(m, linux.SIGSEGV)
	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != linux.SIGSEGV {
		t.Fatalf("ConsumeSignal(SIGSEGV, SigIgn) = %d, want %d (too dangerous to ignore)", term, linux.SIGSEGV)
	}
}

func TestConsumeSignalMaskedSkipsDelivery(t *testing.T) {
	m := newTestMachine(t)
	m.SigMask.Set(linux.SIGTERM)
	EnqueueSignal(m, linux.SIGTERM)
	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != 0 || delivered != 0 {
		t.Fatalf("ConsumeSignal(masked) = (term=%d, delivered=%d), want (0, 0)", term, delivered)
	}
	if !linux.SignalSet(m.Pending.Load()).IsSet(linux.SIGTERM) {
		t.Fatal("masked signal was cleared from pending instead of left for later unmasking")
	}
}

func TestConsumeSignalDangerousIgnoresMask(t *testing.T) {
	m := newTestMachine(t)
	m.SigMask.Set(linux.SIGSEGV)
	m.System.SetSigAction(linux.SIGSEGV, linux.SigAction{Handler: 0x401000})
	EnqueueSignal(m, linux.SIGSEGV)

	const stackBase = hostarch.Addr(0x20_0000_0000)
	const stackSize = 3 * hostarch.PageSize
	if err := m.System.AS.ReserveVirtual(stackBase, stackSize, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}
	m.Regs.RSP = uint64(stackBase) + 2*uint64(hostarch.PageSize)

	var delivered linux.Signal
	var restart bool
	term := ConsumeSignal(m, &delivered, &restart)
	if term != 0 {
		t.Fatalf("ConsumeSignal(masked but dangerous) returned terminal %d, want 0 (handler delivered)", term)
	}
	if delivered != linux.SIGSEGV {
		t.Fatalf("outDelivered = %d, want SIGSEGV despite the mask", delivered)
	}
}

func TestDeliverAndRestoreRoundTrip(t *testing.T) {
	m := newTestMachine(t)

	const stackBase = hostarch.Addr(0x30_0000_0000)
	const stackSize = 3 * hostarch.PageSize
	if err := m.System.AS.ReserveVirtual(stackBase, stackSize, 0x3, -1, 0, false); err != nil {
		t.Fatalf("ReserveVirtual: %v", err)
	}

	origRAX := uint64(0x1122334455667788)
	m.Regs.RAX = origRAX
	m.Regs.RSP = uint64(stackBase) + 2*uint64(hostarch.PageSize)
	origRSP := m.Regs.RSP
	origMask := m.SigMask
	origRegs := m.Regs
	origRegs.FPState = append([]byte(nil), m.Regs.FPState...)

	act := linux.SigAction{Handler: 0x401000, Flags: linux.SA_RESTART}
	DeliverSignal(m, linux.SIGUSR1, act)

	if m.Killed.Load() {
		t.Fatal("DeliverSignal marked the machine killed (frame write failed)")
	}
	if m.Regs.RIP != uint64(act.Handler) {
		t.Fatalf("RIP after DeliverSignal = %#x, want handler %#x", m.Regs.RIP, act.Handler)
	}
	if m.Regs.RSP == origRSP {
		t.Fatal("DeliverSignal did not move RSP onto a new frame")
	}
	if !m.SigMask.IsSet(linux.SIGUSR1) {
		t.Fatal("DeliverSignal did not add SIGUSR1 to the mask (SA_NODEFER unset)")
	}
	if m.Regs.RSP&15 != 8 {
		t.Fatalf("frame base RSP = %#x, want (RSP & 15) == 8", m.Regs.RSP)
	}

	// Model the restorer trampoline's `ret`, which pops the frame's
	// leading restorer pointer and leaves RSP 8 bytes past the frame
	// base before the rt_sigreturn syscall reaches SigRestore.
	m.Regs.RSP += 8

	if err := SigRestore(m); err != nil {
		t.Fatalf("SigRestore: %v", err)
	}
	if m.Regs.RAX != origRAX {
		t.Fatalf("RAX after SigRestore = %#x, want %#x", m.Regs.RAX, origRAX)
	}
	if m.Regs.RSP != origRSP {
		t.Fatalf("RSP after SigRestore = %#x, want %#x", m.Regs.RSP, origRSP)
	}
	if m.SigMask != origMask {
		t.Fatalf("SigMask after SigRestore = %#x, want the pre-delivery mask %#x", m.SigMask, origMask)
	}
	if !m.Restored.Load() {
		t.Fatal("SigRestore did not set Restored")
	}
	if diff := cmp.Diff(origRegs, m.Regs); diff != "" {
		t.Fatalf("register file after SigRestore does not match the pre-delivery snapshot (-want +got):\n%s", diff)
	}
}
