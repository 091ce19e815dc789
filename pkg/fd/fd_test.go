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

package fd

import "testing"

func TestAddFdGetFdRoundTrip(t *testing.T) {
	tbl := NewTable()
	n := tbl.AddFd(7, Ops{}, false)

	d, err := tbl.GetFd(n)
	if err != nil {
		t.Fatalf("GetFd: %v", err)
	}
	if d.Host != 7 {
		t.Fatalf("GetFd(%d).Host = %d, want 7", n, d.Host)
	}
}

func TestAddFdAssignsDistinctNumbers(t *testing.T) {
	tbl := NewTable()
	a := tbl.AddFd(1, Ops{}, false)
	b := tbl.AddFd(2, Ops{}, false)
	if a == b {
		t.Fatalf("AddFd returned the same descriptor number twice: %d", a)
	}
}

func TestGetFdUnknownReturnsErrBadFD(t *testing.T) {
	tbl := NewTable()
	if _, err := tbl.GetFd(99); err == nil {
		t.Fatal("GetFd on an empty table succeeded")
	}
}

func TestRemoveInvokesCloseAndDeletes(t *testing.T) {
	tbl := NewTable()
	closed := false
	n := tbl.AddFd(3, Ops{Close: func() error {
		closed = true
		return nil
	}}, false)

	if err := tbl.Remove(n); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !closed {
		t.Fatal("Remove did not invoke Ops.Close")
	}
	if _, err := tbl.GetFd(n); err == nil {
		t.Fatal("descriptor still present after Remove")
	}
}

func TestRemoveUnknownReturnsErrBadFD(t *testing.T) {
	tbl := NewTable()
	if err := tbl.Remove(42); err == nil {
		t.Fatal("Remove on an unknown fd succeeded")
	}
}

func TestSetCloExecAndCloseOnExec(t *testing.T) {
	tbl := NewTable()
	var closedHosts []int
	closerFor := func(host int) Ops {
		return Ops{Close: func() error {
			closedHosts = append(closedHosts, host)
			return nil
		}}
	}

	keep := tbl.AddFd(10, closerFor(10), false)
	drop := tbl.AddFd(11, closerFor(11), false)

	if err := tbl.SetCloExec(drop, true); err != nil {
		t.Fatalf("SetCloExec: %v", err)
	}

	tbl.CloseOnExec()

	if len(closedHosts) != 1 || closedHosts[0] != 11 {
		t.Fatalf("CloseOnExec closed %v, want [11]", closedHosts)
	}
	if _, err := tbl.GetFd(drop); err == nil {
		t.Fatal("close-on-exec descriptor survived CloseOnExec")
	}
	if _, err := tbl.GetFd(keep); err != nil {
		t.Fatalf("non-close-on-exec descriptor removed by CloseOnExec: %v", err)
	}
}

func TestSetCloExecUnknownReturnsErrBadFD(t *testing.T) {
	tbl := NewTable()
	if err := tbl.SetCloExec(5, true); err == nil {
		t.Fatal("SetCloExec on an unknown fd succeeded")
	}
}
