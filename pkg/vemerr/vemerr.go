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

// Package vemerr defines the guest-visible errno taxonomy used across the
// memory and process model, and the panic/assert escape hatches for
// conditions that are not recoverable.
package vemerr

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/log"
)

// Error is a tagged errno, returned to guest syscall shims as -errno.
type Error struct {
	Op    string
	Errno unix.Errno
}

// Error implements error.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Errno)
}

// Is allows errors.Is(err, ErrInvalidArgument) and friends to match.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Errno == te.Errno
}

// New constructs a tagged error for op that failed with errno.
func New(op string, errno unix.Errno) error {
	return &Error{Op: op, Errno: errno}
}

// Wrap tags an existing error (typically from golang.org/x/sys/unix) with
// the operation name that produced it.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return New(op, errno)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Errno extracts an errno from an error chain, defaulting to EINVAL.
func Errno(err error) unix.Errno {
	var e *Error
	if errors.As(err, &e) {
		return e.Errno
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EINVAL
}

// Sentinel errors for the taxonomy in spec §7. Compare with errors.Is.
var (
	ErrInvalidArgument = &Error{Op: "invalid argument", Errno: unix.EINVAL}
	ErrFault           = &Error{Op: "bad guest address", Errno: unix.EFAULT}
	ErrNoMemory        = &Error{Op: "out of memory", Errno: unix.ENOMEM}
	ErrNotSupported    = &Error{Op: "not supported in this mode", Errno: unix.ENOTSUP}
	ErrLoop            = &Error{Op: "too many symbolic links", Errno: unix.ELOOP}
	ErrBadFD           = &Error{Op: "bad file descriptor", Errno: unix.EBADF}
)

// panicExitCode is the exit status used for unrecoverable address-space
// corruption, matching PanicDueToMmap in the spec.
const panicExitCode = 250

// Panic reports a fatal, unrecoverable condition and terminates the
// process. It is used once the point of no return has been crossed in
// ReserveVirtual, and when munmap of an individually mapped (mug) page
// fails while an interval is being removed: either failure leaves host
// memory inconsistent with the page tables, and there is no safe way to
// continue.
func Panic(op string, err error) {
	log.Warningf("vem: fatal: %s: %v", op, err)
	log.Warningf("vem: hint: retry with linear mode disabled (-m) or relink at a higher image base")
	os.Exit(panicExitCode)
}

// Assert checks an invariant. A failed check panics with the formatted
// message (mirroring unassert's release-build abort); there is no
// separate debug-build behaviour.
func Assert(cond bool, format string, args ...interface{}) {
	if cond {
		return
	}
	panic(fmt.Sprintf("vem: assertion failed: "+format, args...))
}
