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

// Package signal implements spec §4.6's pending-signal consumption and
// frame-based delivery: EnqueueSignal/ConsumeSignal dispatch against the
// default/ignore/handler table, DeliverSignal builds a SignalFrame on the
// guest stack, and SigRestore reverses it on rt_sigreturn.
package signal

import (
	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/kernel"
)

// EnqueueSignal implements spec §4.6: sets bit sig-1 in m's pending mask,
// if sig is in [1, 64]. Lock-free, matching spec §5's "atomics (no lock)"
// note for per-machine flags — the pending mask is read back only by
// ConsumeSignal under sig_lock, so a CAS loop here is sufficient without
// a separate lock of its own.
func EnqueueSignal(m *kernel.Machine, sig linux.Signal) {
	for {
		old := m.Pending.Load()
		var set linux.SignalSet
		set.Set(sig)
		next := old | uint64(set)
		if next == old {
			return
		}
		if m.Pending.CompareAndSwap(old, next) {
			return
		}
	}
}

// ConsumeSignal implements spec §4.6's ConsumeSignal(m, out_delivered,
// out_restart): under m.System's sig_lock, scan pending-and-unmasked bits
// from the highest signal number down, dispatch the first one found
// against the default/ignore/handler table, and report whether a user
// handler was actually delivered (and, if so, whether it wants syscalls
// restarted). Returns the signal number if the caller must terminate
// (SIG_DFL, not default-ignored, or SIG_IGN on a too-dangerous signal),
// or 0 if nothing terminal happened this call.
func ConsumeSignal(m *kernel.Machine, outDelivered *linux.Signal, outRestart *bool) linux.Signal {
	m.System.LockSignals()
	defer m.System.UnlockSignals()

	*outDelivered = 0
	*outRestart = false

	pending := linux.SignalSet(m.Pending.Load())
	for sig := linux.Signal(linux.MaxSignal); sig >= 1; sig-- {
		if !pending.IsSet(sig) {
			continue
		}
		dangerous := linux.TooDangerousToIgnore.IsSet(sig)
		if m.SigMask.IsSet(sig) && !dangerous {
			continue
		}

		act := m.System.SigAction(sig)
		clearPending(m, sig)

		switch act.Handler {
		case linux.SigDfl:
			if linux.DefaultIgnored.IsSet(sig) {
				return 0
			}
			return sig
		case linux.SigIgn:
			if dangerous {
				return sig
			}
			return 0
		default:
			DeliverSignal(m, sig, act)
			*outDelivered = sig
			*outRestart = act.Flags&linux.SA_RESTART != 0
			return 0
		}
	}
	return 0
}

func clearPending(m *kernel.Machine, sig linux.Signal) {
	for {
		old := m.Pending.Load()
		var bit linux.SignalSet
		bit.Set(sig)
		next := old &^ uint64(bit)
		if m.Pending.CompareAndSwap(old, next) {
			return
		}
	}
}
