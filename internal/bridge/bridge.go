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

// Package bridge defines the narrow interface standing in for "the kernel
// userspace-filesystem bridge" of spec.md §4.8 and §6. internal/fsengine
// implements it; cmd adapts it onto github.com/jacobsa/fuse's
// fuseops/fuseutil types for the subset that vendored snapshot exposes.
package bridge

import (
	"context"
	"time"
)

// Caller is the (uid, gid, pid) triple every kernel request carries,
// spec.md §4.3's input to UserResolver.
type Caller struct {
	Uid uint32
	Gid uint32
	Pid uint32
}

// Attr is the stat(2)-shaped result getattr returns.
type Attr struct {
	Size   int64
	Mode   uint32
	Nlink  uint32
	Uid    uint32
	Gid    uint32
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	Blocks int64
	Rdev   uint64
}

// LockCmd is the dispatch key spec.md §4.8's lock operation switches on.
type LockCmd int

const (
	LockCmdGetLock LockCmd = iota
	LockCmdSetLock
	LockCmdSetLockWait
)

// FlockType is the lock type carried in the flock record's first field
// (spec.md §4.8: "lock type is derived from the first field").
type FlockType int

const (
	FlockRead FlockType = iota
	FlockWrite
	FlockUnlock
)

// Flock is the minimal flock(2) record the lock operation needs.
type Flock struct {
	Type FlockType
	Pid  uint32
}

// StatfsResult is the static block sizing spec.md §4.8's statfs returns.
type StatfsResult struct {
	BlockSize  uint32
	IoSize     uint32
	Blocks     uint64
	BlocksFree uint64
	Files      uint64
	FilesFree  uint64
	NameLen    uint32
}

// Bridge is the operation set spec.md §4.8 enumerates, one-to-one.
type Bridge interface {
	Create(ctx context.Context, path string, mode uint32, caller Caller) (fh uint64, err error)
	Open(ctx context.Context, path string, caller Caller) (fh uint64, err error)
	Read(ctx context.Context, path string, fh uint64, offset, size int64) ([]byte, error)
	Write(ctx context.Context, path string, fh uint64, data []byte, offset int64) (int, error)
	Truncate(ctx context.Context, path string, size int64, caller Caller) error
	Unlink(ctx context.Context, path string, caller Caller) error
	Mkdir(ctx context.Context, path string, mode uint32, caller Caller) error
	Rmdir(ctx context.Context, path string, caller Caller) error
	Readdir(ctx context.Context, path string, caller Caller) ([]string, error)
	Rename(ctx context.Context, oldPath, newPath string, caller Caller) error
	Symlink(ctx context.Context, linkPath, target string, caller Caller) error
	Readlink(ctx context.Context, path string) (string, error)
	Chmod(ctx context.Context, path string, mode uint32, caller Caller) error
	Chown(ctx context.Context, path string, uid, gid uint32, caller Caller) error
	Utimens(ctx context.Context, path string, atime, mtime time.Time, caller Caller) error
	Getattr(ctx context.Context, path string, caller Caller) (Attr, error)
	Getxattr(ctx context.Context, path, name string) ([]byte, error)
	Setxattr(ctx context.Context, path, name string, value []byte, caller Caller) error
	Listxattr(ctx context.Context, path string) ([]string, error)
	Removexattr(ctx context.Context, path, name string) error
	Statfs(ctx context.Context) (StatfsResult, error)
	// Flock returns the blocking record for LockCmdGetLock (nil if the
	// query would succeed); for the acquire variants the returned *Flock
	// is always nil and the outcome is carried entirely by the error.
	Flock(ctx context.Context, path string, fh uint64, cmd LockCmd, flock Flock, caller Caller) (*Flock, error)
	Release(ctx context.Context, path string, fh uint64, caller Caller) error
	Flush(ctx context.Context, path string, fh uint64) error
}
