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
	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/cpuid"
	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/kernel"
)

// SigRestore implements spec §4.6's SigRestore: invoked when the guest's
// restorer trampoline issues rt_sigreturn. The trampoline is entered by a
// plain `ret` out of the handler, which pops the frame's leading
// restorer pointer off the stack — so by the time the trampoline's
// syscall reaches here, rsp sits 8 bytes past the frame DeliverSignal
// built; read it back from rsp-8.
func SigRestore(m *kernel.Machine) error {
	fpLen := int(cpuid.HostFeatureSet().FPStateSize())
	frameAddr := hostarch.Addr(m.Regs.RSP) - 8

	buf := make([]byte, frameFixedSize+uintptr(fpLen))
	if err := m.System.AS.ReadBytes(frameAddr, buf); err != nil {
		return err
	}

	fr := unmarshalFrame(buf, fpLen)
	fr.Regs.FPState = fr.FPState
	m.Regs = fr.Regs
	m.SigMask = linux.SignalSet(fr.OldMask)
	m.Restored.Store(true)
	return nil
}
