// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package errno defines the error taxonomy that internal components return,
// and the single place that taxonomy is converted to POSIX error numbers for
// the kernel bridge.
package errno

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors returned by internal components. Wrap with fmt.Errorf
// ("%w") to add context; callers at the bridge boundary unwrap with
// errors.Is.
var (
	ErrNotFound          = errors.New("mongofs: not found")
	ErrPermissionDenied  = errors.New("mongofs: permission denied")
	ErrNotEmpty          = errors.New("mongofs: directory not empty")
	ErrLocked            = errors.New("mongofs: locked")
	ErrWouldDeadlock     = errors.New("mongofs: would deadlock")
	ErrBadFileDescriptor = errors.New("mongofs: bad file descriptor")
	ErrNoAttribute       = errors.New("mongofs: no such attribute")
	ErrInvalidConfig     = errors.New("mongofs: invalid configuration")
	ErrStoreUnreachable  = errors.New("mongofs: store unreachable")
	ErrExists            = errors.New("mongofs: already exists")
)

// LegacyDeadlock switches would-deadlock reporting from EAGAIN to EDEADLK,
// matching the "legacy mode" named in spec.md §7. Left false by default.
var LegacyDeadlock = false

// ToErrno converts a sentinel (or wrapped sentinel) error into the POSIX
// error number the kernel bridge expects. Unrecognised errors map to EIO so
// that a bug never surfaces as a misleading success.
func ToErrno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNotFound):
		return unix.ENOENT
	case errors.Is(err, ErrPermissionDenied):
		return unix.EACCES
	case errors.Is(err, ErrNotEmpty):
		return unix.ENOTEMPTY
	case errors.Is(err, ErrExists):
		return unix.EEXIST
	case errors.Is(err, ErrWouldDeadlock):
		if LegacyDeadlock {
			return unix.EDEADLK
		}
		return unix.EAGAIN
	case errors.Is(err, ErrLocked):
		return unix.EAGAIN
	case errors.Is(err, ErrBadFileDescriptor):
		return unix.EBADF
	case errors.Is(err, ErrNoAttribute):
		return unix.ENOATTR
	default:
		return unix.EIO
	}
}
