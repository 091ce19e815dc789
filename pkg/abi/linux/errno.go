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

package linux

import "golang.org/x/sys/unix"

// ToGuestErrno maps a host errno to the Linux errno number the guest
// expects, normalizing BSD-family divergences the host might report (spec
// §7: "Host BSD symlink divergence mapped to POSIX"). Hosts that are
// already Linux pass through unchanged for the common cases here.
func ToGuestErrno(host unix.Errno) int32 {
	switch host {
	case unix.EINVAL:
		return 22
	case unix.EFAULT:
		return 14
	case unix.ENOMEM:
		return 12
	case unix.ENOTSUP:
		return 95
	case unix.ELOOP:
		return 40
	case unix.EBADF:
		return 9
	case unix.EINTR:
		return 4
	case unix.EMLINK:
		// BSD variants report EMLINK where Linux reports ELOOP when
		// O_NOFOLLOW breaks on a symlink. EFTYPE is not mapped here.
		return 40
	default:
		return int32(host)
	}
}
