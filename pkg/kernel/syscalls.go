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

// This file implements the two Linux syscall-layer entry points spec §6
// lists as consumed from outside the memory/process core: pipe2 and
// openat. They are kept here rather than in a separate package because
// both need System.Fds and System.AS directly, and neither has enough
// surface area on its own to justify the import-cycle cost of splitting
// them out.
package kernel

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/sys/unix"

	"vem.dev/vem/pkg/abi/linux"
	"vem.dev/vem/pkg/fd"
	"vem.dev/vem/pkg/hostarch"
	"vem.dev/vem/pkg/vemerr"
)

// Pipe2 implements spec §6's pipe2(addr, flags): writes two little-endian
// 32-bit fds at addr, rejecting unknown flags with EINVAL, and inserts
// the read and write ends into the System's fd table. The flags are
// applied to the host pipe; the table records only the close-on-exec
// bit, not the access mode or O_NDELAY.
func (s *System) Pipe2(addr hostarch.Addr, flags uint32) error {
	const known = linux.O_CLOEXEC_LINUX | linux.O_NDELAY_LINUX
	if flags&^uint32(known) != 0 {
		return vemerr.ErrInvalidArgument
	}

	hostFlags := 0
	if flags&linux.O_CLOEXEC_LINUX != 0 {
		hostFlags |= unix.O_CLOEXEC
	}
	if flags&linux.O_NDELAY_LINUX != 0 {
		hostFlags |= unix.O_NONBLOCK
	}

	var hfds [2]int
	if err := unix.Pipe2(hfds[:], hostFlags); err != nil {
		return vemerr.Wrap("pipe2", err)
	}

	cloExec := flags&linux.O_CLOEXEC_LINUX != 0
	rd := s.Fds.AddFd(hfds[0], readWriteOps(hfds[0]), cloExec)
	wr := s.Fds.AddFd(hfds[1], readWriteOps(hfds[1]), cloExec)

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(rd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wr))
	if err := s.AS.WriteBytes(addr, buf[:]); err != nil {
		return err
	}
	return nil
}

// openatXlat maps each guest O_*_LINUX bit this module tracks to the
// host's own open(2) flag, since the host need not number (or even have)
// the same flags as Linux (spec §1, §4.1's Cygwin/Emscripten note).
var openatXlat = []struct {
	guest uint32
	host  int
}{
	{linux.O_CREAT_LINUX, unix.O_CREAT},
	{linux.O_EXCL_LINUX, unix.O_EXCL},
	{linux.O_TRUNC_LINUX, unix.O_TRUNC},
	{linux.O_APPEND_LINUX, unix.O_APPEND},
	{linux.O_NONBLOCK_LINUX, unix.O_NONBLOCK},
	{linux.O_DIRECTORY_LINUX, unix.O_DIRECTORY},
	{linux.O_NOFOLLOW_LINUX, unix.O_NOFOLLOW},
	{linux.O_CLOEXEC_LINUX, unix.O_CLOEXEC},
	{linux.O_SYNC_LINUX, unix.O_SYNC},
}

func xlatOpenFlags(guestFlags uint32) int {
	hostFlags := int(guestFlags & (linux.O_RDONLY_LINUX | linux.O_WRONLY_LINUX | linux.O_RDWR_LINUX))
	for _, e := range openatXlat {
		if guestFlags&e.guest != 0 {
			hostFlags |= e.host
		}
	}
	return hostFlags
}

// Openat implements spec §6's openat(dirfd, path, flags, mode): translate
// flags via the xlat table above, special-case O_TMPFILE, restart on host
// EINTR, and normalize BSD symlink-divergence errnos to ELOOP.
func (s *System) Openat(dirfd int, path string, flags uint32, mode uint32) (int, error) {
	if flags&linux.O_TMPFILE_LINUX == linux.O_TMPFILE_LINUX {
		return s.openTmpfile(dirfd, path, flags, mode)
	}

	hostFlags := xlatOpenFlags(flags)
	var hostFd int
	for {
		var err error
		hostFd, err = unix.Openat(dirfd, path, hostFlags, mode)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			if flags&linux.O_NOFOLLOW_LINUX != 0 && (err == unix.EMLINK || err == unix.ELOOP) {
				return -1, vemerr.ErrLoop
			}
			return -1, vemerr.Wrap("openat", err)
		}
		break
	}

	guestFd := s.Fds.AddFd(hostFd, readWriteOps(hostFd), flags&linux.O_CLOEXEC_LINUX != 0)
	return guestFd, nil
}

// openTmpfile implements the O_TMPFILE special case: create, unlinkat,
// and keep an anonymous file under a randomized 12-character name in the
// target directory, with all host signals blocked around the sequence so
// a handler can never observe the transient open-but-unlinked state
// (spec §5, §6).
func (s *System) openTmpfile(dirfd int, dir string, flags uint32, mode uint32) (int, error) {
	var oldMask unix.Sigset_t
	var fullMask unix.Sigset_t
	for i := range fullMask.Val {
		fullMask.Val[i] = ^uint64(0)
	}
	if err := unix.PthreadSigmask(unix.SIG_SETMASK, &fullMask, &oldMask); err != nil {
		return -1, vemerr.Wrap("sigprocmask", err)
	}
	defer unix.PthreadSigmask(unix.SIG_SETMASK, &oldMask, nil)

	createFlags := xlatOpenFlags(flags&^uint32(linux.O_TMPFILE_LINUX)) | unix.O_CREAT | unix.O_EXCL

	const maxNameCollisions = 10
	var hostFd int
	var name string
	var err error
	for attempt := 0; ; attempt++ {
		name, err = randomName(12)
		if err != nil {
			return -1, vemerr.Wrap("openat", err)
		}
		hostFd, err = unix.Openat(dirfd, dir+"/"+name, createFlags, mode)
		if err == nil {
			break
		}
		if err == unix.EEXIST && attempt < maxNameCollisions {
			continue
		}
		return -1, vemerr.Wrap("openat", err)
	}
	if err := unix.Unlinkat(dirfd, dir+"/"+name, 0); err != nil {
		unix.Close(hostFd)
		return -1, vemerr.Wrap("unlinkat", err)
	}

	guestFd := s.Fds.AddFd(hostFd, readWriteOps(hostFd), flags&linux.O_CLOEXEC_LINUX != 0)
	return guestFd, nil
}

// randomName returns an n-character name drawn from a host-random
// alphabet, prefixed with "." so it never collides with a guest-visible
// listing convention.
func randomName(n int) (string, error) {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return "." + string(out), nil
}

// readWriteOps is the capability record installed for pipe and
// regular-file descriptors (spec §9's "Polymorphic descriptor
// callbacks"): close/read/write dispatch straight to the host fd, with
// no poll support.
func readWriteOps(hostFd int) fd.Ops {
	return fd.Ops{
		Close: func() error { return unix.Close(hostFd) },
		Read:  func(p []byte) (int, error) { return unix.Read(hostFd, p) },
		Write: func(p []byte) (int, error) { return unix.Write(hostFd, p) },
	}
}
