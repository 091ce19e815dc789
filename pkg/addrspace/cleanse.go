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

import "vem.dev/vem/pkg/pagetables"

// CleanseMemory implements spec §4.5: when memchurn has reached half of
// rss, collapse every interior page table whose 512 slots are all zero
// and reset churn.
func (as *AddressSpace) CleanseMemory() {
	as.mu.Lock()
	defer as.mu.Unlock()

	rss := as.rss.Load()
	if as.memchurn.Load() < rss/2 {
		return
	}
	pagetables.FreePageTables(as.Root, 0, as.pool)
	as.memchurn.Store(0)
	as.reclaimed.Add(1)
}
