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
	"encoding/binary"

	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/kernel"
)

const redZoneSize = 128

// sigInfoSize matches Linux's siginfo_t: 4 initial int32 fields
// (signo/errno/code, one padding word) followed by a union this module
// never inspects the contents of, zero-filled out to the ABI size.
const sigInfoSize = 128

// regFieldCount is the number of uint64 registers marshal/unmarshal pack
// into the frame: r8-r15, rdi, rsi, rbp, rbx, rdx, rax, rcx, rsp, rip,
// rflags, fsbase, gsbase.
const regFieldCount = 20

// signalStackSize is the serialized width of linux.SignalStack
// (8-byte addr, 4-byte flags, 8-byte size).
const signalStackSize = 20

// frameFixedSize is the restorer pointer, siginfo, ucontext flags/link/
// stack/mask, and the register block — everything in a SignalFrame
// except the trailing variable-length FPU/XMM snapshot.
const frameFixedSize = 8 + sigInfoSize + 8 + 8 + signalStackSize + regFieldCount*8 + 8

// SignalFrame is the byte layout DeliverSignal writes to the guest stack
// and SigRestore reads back (spec §4.6): restorer pointer, siginfo,
// ucontext (flags, link, alt-stack descriptor, general registers/flags/
// rip, saved mask), then the FPU/XMM snapshot.
type SignalFrame struct {
	Restorer uint64
	Info     [sigInfoSize]byte
	UCFlags  uint64
	UCLink   uint64
	UCStack  linux.SignalStack
	Regs     kernel.Registers // FPState sliced off and stored separately below
	OldMask  uint64
	FPState  []byte
}

// frameSize returns the total byte length of fr once serialized,
// including its FPU/XMM tail.
func frameSize(fpLen int) uintptr {
	return frameFixedSize + uintptr(fpLen)
}

// marshal serializes fr, including its trailing FPState, into a byte
// slice of exactly frameSize(len(fr.FPState)) bytes.
func (fr *SignalFrame) marshal() []byte {
	buf := make([]byte, frameFixedSize+len(fr.FPState))
	le := binary.LittleEndian
	off := 0
	put64 := func(v uint64) {
		le.PutUint64(buf[off:], v)
		off += 8
	}

	put64(fr.Restorer)
	off += copy(buf[off:], fr.Info[:])
	put64(fr.UCFlags)
	put64(fr.UCLink)
	le.PutUint64(buf[off:], fr.UCStack.Addr)
	off += 8
	le.PutUint32(buf[off:], fr.UCStack.Flags)
	off += 4
	le.PutUint64(buf[off:], fr.UCStack.Size)
	off += 8

	regs := &fr.Regs
	for _, v := range []uint64{
		regs.R8, regs.R9, regs.R10, regs.R11, regs.R12, regs.R13, regs.R14, regs.R15,
		regs.RDI, regs.RSI, regs.RBP, regs.RBX, regs.RDX, regs.RAX, regs.RCX, regs.RSP,
		regs.RIP, regs.RFLAGS, regs.FSBase, regs.GSBase,
	} {
		put64(v)
	}
	put64(fr.OldMask)
	copy(buf[off:], fr.FPState)
	return buf
}

// unmarshalFrame reverses marshal, reading a frame of the given FPU/XMM
// snapshot length from buf.
func unmarshalFrame(buf []byte, fpLen int) *SignalFrame {
	le := binary.LittleEndian
	fr := &SignalFrame{}
	off := 0
	get64 := func() uint64 {
		v := le.Uint64(buf[off:])
		off += 8
		return v
	}

	fr.Restorer = get64()
	off += copy(fr.Info[:], buf[off:off+sigInfoSize])
	fr.UCFlags = get64()
	fr.UCLink = get64()
	fr.UCStack.Addr = le.Uint64(buf[off:])
	off += 8
	fr.UCStack.Flags = le.Uint32(buf[off:])
	off += 4
	fr.UCStack.Size = le.Uint64(buf[off:])
	off += 8

	regs := &fr.Regs
	ptrs := []*uint64{
		&regs.R8, &regs.R9, &regs.R10, &regs.R11, &regs.R12, &regs.R13, &regs.R14, &regs.R15,
		&regs.RDI, &regs.RSI, &regs.RBP, &regs.RBX, &regs.RDX, &regs.RAX, &regs.RCX, &regs.RSP,
		&regs.RIP, &regs.RFLAGS, &regs.FSBase, &regs.GSBase,
	}
	for _, p := range ptrs {
		*p = get64()
	}
	fr.OldMask = get64()
	fr.FPState = append([]byte(nil), buf[off:off+fpLen]...)
	return fr
}

// DeliverSignal implements spec §4.6's DeliverSignal: choose a stack
// (alt-stack if requested and available, otherwise rsp minus the
// red-zone), build the frame, write it to guest memory, and redirect m's
// register file to the handler.
//
// A guest-memory write failure here is terminal (spec §4.6: "fail →
// deliver SEGV terminally") rather than returned to the caller, since
// there is no well-defined guest state to resume from a half-written
// frame; the caller is expected to have already removed sig from
// pending before calling this (ConsumeSignal does).
func DeliverSignal(m *kernel.Machine, sig linux.Signal, act linux.SigAction) {
	fr := &SignalFrame{
		Restorer: uint64(act.Restorer),
		UCStack:  m.AltStack,
		UCFlags:  act.Flags,
		OldMask:  uint64(m.SigMask),
		Regs:     m.Regs,
		FPState:  append([]byte(nil), m.Regs.FPState...),
	}
	binary.LittleEndian.PutUint32(fr.Info[0:4], uint32(sig))

	total := frameSize(len(fr.FPState))

	var sp hostarch.Addr
	onAltStack := act.Flags&linux.SA_ONSTACK != 0 && !m.AltStack.Disabled()
	if onAltStack {
		sp = hostarch.Addr(m.AltStack.Top())
		if m.AltStack.Flags&linux.SS_AUTODISARM != 0 {
			m.AltStack.Flags &^= linux.SS_AUTODISARM
		}
	} else {
		sp = hostarch.Addr(m.Regs.RSP) - redZoneSize
	}

	// total is not generally a multiple of 16 (frameFixedSize alone
	// isn't), so round it up before subtracting: sp stays a multiple of
	// 16 all the way through, and the final -8 then lands on exactly
	// (sp & 15) == 8 regardless of the frame's FPU/XMM tail length.
	alignedTotal := (total + 15) &^ 15
	sp &^= 15
	sp -= hostarch.Addr(alignedTotal)
	sp -= 8

	buf := fr.marshal()
	if err := m.System.AS.WriteBytes(sp, buf); err != nil {
		terminalSegv(m)
		return
	}

	m.Regs.RSP = uint64(sp)
	m.Regs.RDI = uint64(sig)
	m.Regs.RSI = uint64(sp) + 8
	m.Regs.RDX = uint64(sp) + 8 + sigInfoSize
	m.Regs.RIP = uint64(act.Handler)

	m.SigMask |= act.Mask
	if act.Flags&linux.SA_NODEFER == 0 {
		m.SigMask.Set(sig)
	}
}

// terminalSegv is invoked when a SignalFrame cannot be written to guest
// memory. The spec's "deliver SEGV terminally" is itself a delivery
// attempt, but SEGV is in TooDangerousToIgnore and has no sane fallback
// stack if the one just tried is broken, so this marks the machine
// killed directly rather than recursing into DeliverSignal and risking
// the same failure again.
func terminalSegv(m *kernel.Machine) {
	m.Killed.Store(true)
}
