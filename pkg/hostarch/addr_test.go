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

package hostarch

import "testing"

func TestRoundDown(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want Addr
	}{
		{0, 0},
		{1, 0},
		{PageSize - 1, 0},
		{PageSize, PageSize},
		{PageSize + 1, PageSize},
	} {
		if got := tc.addr.RoundDown(); got != tc.want {
			t.Errorf("Addr(%#x).RoundDown() = %#x, want %#x", tc.addr, got, tc.want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	got, ok := Addr(0).RoundUp()
	if !ok || got != 0 {
		t.Errorf("Addr(0).RoundUp() = (%#x, %v), want (0, true)", got, ok)
	}
	got, ok = Addr(1).RoundUp()
	if !ok || got != PageSize {
		t.Errorf("Addr(1).RoundUp() = (%#x, %v), want (%#x, true)", got, ok, Addr(PageSize))
	}
}

func TestIsPageAligned(t *testing.T) {
	if !Addr(PageSize).IsPageAligned() {
		t.Error("Addr(PageSize).IsPageAligned() = false, want true")
	}
	if Addr(PageSize + 1).IsPageAligned() {
		t.Error("Addr(PageSize+1).IsPageAligned() = true, want false")
	}
}

func TestAddrRangeContainsAndOverlaps(t *testing.T) {
	ar := AddrRange{Start: PageSize, End: 3 * PageSize}
	if !ar.Contains(PageSize) {
		t.Error("range should contain its own start")
	}
	if ar.Contains(3 * PageSize) {
		t.Error("range should not contain its own end")
	}
	other := AddrRange{Start: 2 * PageSize, End: 4 * PageSize}
	if !ar.Overlaps(other) {
		t.Error("overlapping ranges reported as disjoint")
	}
	disjoint := AddrRange{Start: 3 * PageSize, End: 4 * PageSize}
	if ar.Overlaps(disjoint) {
		t.Error("adjacent, non-overlapping ranges reported as overlapping")
	}
}

func TestRoundUpDownPageSize(t *testing.T) {
	const granule = 2 * PageSize
	if got := RoundDownPageSize(granule+1, granule); got != granule {
		t.Errorf("RoundDownPageSize(granule+1, granule) = %#x, want %#x", got, granule)
	}
	if got := RoundUpPageSize(granule+1, granule); got != 2*granule {
		t.Errorf("RoundUpPageSize(granule+1, granule) = %#x, want %#x", got, 2*granule)
	}
}
