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

// Package cmd wires internal/fsengine onto github.com/jacobsa/fuse and
// exposes the mongofs CLI entry point.
package cmd

import (
	"fmt"
	"os"
	"sync"

	"github.com/gilles-degols/mongofs/internal/bridge"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// adapter is the fuseutil.FileSystem implementation. It plays the role
// fileSystem plays in the teacher's fs package: a thin inode-ID bookkeeping
// layer in front of the engine that does the actual work. Unlike the
// teacher, whose backing store addresses objects by generation-qualified
// name, internal/bridge.Bridge is addressed by path directly, so the
// bookkeeping here is a path<->InodeID bimap plus a per-inode lookup count
// (spec.md §4.8's "kernel bridge" holds exactly this).
type adapter struct {
	engine bridge.Bridge
	caller bridge.Caller

	// mu guards paths/ids/lookups/nextID below. It is an InvariantMutex,
	// the same device fs.fileSystem uses around its own inode bookkeeping,
	// so a broken bimap panics at the point of corruption rather than
	// surfacing as a confusing ENOENT several operations later.
	mu      syncutil.InvariantMutex
	paths   map[fuseops.InodeID]string
	ids     map[string]fuseops.InodeID
	lookups map[fuseops.InodeID]uint64
	nextID  fuseops.InodeID

	dirMu      sync.Mutex
	dirHandles map[fuseops.HandleID]*dirHandle
	nextHandle fuseops.HandleID
}

// dirHandle is a snapshot of a directory's children taken at OpenDir time,
// served back page by page by ReadDir (mirrors the teacher's dirHandle,
// which pages through GCS listings the same way).
type dirHandle struct {
	entries []fuseutil.Dirent
}

var _ fuseutil.FileSystem = (*adapter)(nil)

func newAdapter(engine bridge.Bridge, caller bridge.Caller) *adapter {
	a := &adapter{
		engine:     engine,
		caller:     caller,
		paths:      map[fuseops.InodeID]string{fuseops.RootInodeID: "/"},
		ids:        map[string]fuseops.InodeID{"/": fuseops.RootInodeID},
		lookups:    map[fuseops.InodeID]uint64{fuseops.RootInodeID: 1},
		nextID:     fuseops.RootInodeID + 1,
		dirHandles: make(map[fuseops.HandleID]*dirHandle),
	}
	a.mu = syncutil.NewInvariantMutex(a.checkInvariants)
	return a
}

// checkInvariants verifies the path<->InodeID bimap stays consistent,
// mirroring fs.fileSystem.checkInvariants in the teacher.
func (a *adapter) checkInvariants() {
	// INVARIANT: for all keys k, fuseops.RootInodeID <= k < nextID
	for id := range a.paths {
		if id < fuseops.RootInodeID || id >= a.nextID {
			panic(fmt.Sprintf("illegal inode ID: %v", id))
		}
	}

	// INVARIANT: ids is the exact inverse of paths
	for path, id := range a.ids {
		if a.paths[id] != path {
			panic(fmt.Sprintf("bimap mismatch for %q: ids says %v, paths says %q", path, id, a.paths[id]))
		}
	}
	for id, path := range a.paths {
		if a.ids[path] != id {
			panic(fmt.Sprintf("bimap mismatch for inode %v: paths says %q, ids says %v", id, path, a.ids[path]))
		}
	}

	// INVARIANT: every tracked inode has a positive lookup count
	for id, n := range a.lookups {
		if n == 0 {
			panic(fmt.Sprintf("zero lookup count left behind for inode %v", id))
		}
		if _, ok := a.paths[id]; !ok {
			panic(fmt.Sprintf("lookup count for untracked inode %v", id))
		}
	}
	for id := range a.paths {
		if _, ok := a.lookups[id]; !ok {
			panic(fmt.Sprintf("tracked inode %v has no lookup count", id))
		}
	}
}

// pathFor returns the path an inode ID was minted for, or "" if the kernel
// referenced an ID we never handed out.
func (a *adapter) pathFor(id fuseops.InodeID) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.paths[id]
}

// idFor mints (or reuses) the InodeID for path and bumps its lookup count,
// per the FUSE contract that every LookUpInode-family response increments
// the count ForgetInode later decrements.
func (a *adapter) idFor(path string) fuseops.InodeID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[path]; ok {
		a.lookups[id]++
		return id
	}
	id := a.nextID
	a.nextID++
	a.ids[path] = id
	a.paths[id] = path
	a.lookups[id] = 1
	return id
}

func (a *adapter) forget(id fuseops.InodeID, n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lookups[id] > n {
		a.lookups[id] -= n
		return
	}
	delete(a.lookups, id)
	if path, ok := a.paths[id]; ok {
		delete(a.paths, id)
		delete(a.ids, path)
	}
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}

// toErr converts a sentinel error from the engine into the POSIX errno
// fuse expects, preserving a true nil on success (errno.ToErrno(nil)
// returns the zero Errno, which is not itself a nil error interface).
func toErr(err error) error {
	if err == nil {
		return nil
	}
	return errno.ToErrno(err)
}

func posixModeToFileMode(m uint32) os.FileMode {
	perm := os.FileMode(m & 0777)
	switch m & unix.S_IFMT {
	case unix.S_IFDIR:
		return perm | os.ModeDir
	case unix.S_IFLNK:
		return perm | os.ModeSymlink
	default:
		return perm
	}
}

func fileModeToPosix(m os.FileMode) uint32 {
	perm := uint32(m.Perm())
	switch {
	case m&os.ModeDir != 0:
		perm |= unix.S_IFDIR
	case m&os.ModeSymlink != 0:
		perm |= unix.S_IFLNK
	default:
		perm |= unix.S_IFREG
	}
	return perm
}

func toFuseAttr(a bridge.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  uint64(a.Size),
		Nlink: a.Nlink,
		Mode:  posixModeToFileMode(a.Mode),
		Rdev:  uint32(a.Rdev),
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Ctime,
		Uid:   a.Uid,
		Gid:   a.Gid,
	}
}

func direntType(mode uint32) fuseutil.DirentType {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return fuseutil.DT_Directory
	case unix.S_IFLNK:
		return fuseutil.DT_Link
	default:
		return fuseutil.DT_File
	}
}

func (a *adapter) Init(op *fuseops.InitOp) (err error) {
	return nil
}

func (a *adapter) LookUpInode(op *fuseops.LookUpInodeOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	attr, err := a.engine.Getattr(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Entry.Child = a.idFor(path)
	op.Entry.Attributes = toFuseAttr(attr)
	return nil
}

func (a *adapter) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) (err error) {
	attr, err := a.engine.Getattr(op.Context(), a.pathFor(op.Inode), a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Attributes = toFuseAttr(attr)
	return nil
}

func (a *adapter) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) (err error) {
	path := a.pathFor(op.Inode)

	if op.Mode != nil {
		if err := a.engine.Chmod(op.Context(), path, fileModeToPosix(*op.Mode)&0777, a.caller); err != nil {
			return toErr(err)
		}
	}
	if op.Size != nil {
		if err := a.engine.Truncate(op.Context(), path, int64(*op.Size), a.caller); err != nil {
			return toErr(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		current, err := a.engine.Getattr(op.Context(), path, a.caller)
		if err != nil {
			return toErr(err)
		}
		atime, mtime := current.Atime, current.Mtime
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := a.engine.Utimens(op.Context(), path, atime, mtime, a.caller); err != nil {
			return toErr(err)
		}
	}

	attr, err := a.engine.Getattr(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Attributes = toFuseAttr(attr)
	return nil
}

func (a *adapter) ForgetInode(op *fuseops.ForgetInodeOp) (err error) {
	a.forget(op.Inode, op.N)
	return nil
}

func (a *adapter) MkDir(op *fuseops.MkDirOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	if err := a.engine.Mkdir(op.Context(), path, fileModeToPosix(op.Mode)&0777, a.caller); err != nil {
		return toErr(err)
	}
	attr, err := a.engine.Getattr(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Entry.Child = a.idFor(path)
	op.Entry.Attributes = toFuseAttr(attr)
	return nil
}

func (a *adapter) CreateFile(op *fuseops.CreateFileOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	fh, err := a.engine.Create(op.Context(), path, fileModeToPosix(op.Mode)&0777, a.caller)
	if err != nil {
		return toErr(err)
	}
	attr, err := a.engine.Getattr(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Entry.Child = a.idFor(path)
	op.Entry.Attributes = toFuseAttr(attr)
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (a *adapter) CreateSymlink(op *fuseops.CreateSymlinkOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	if err := a.engine.Symlink(op.Context(), path, op.Target, a.caller); err != nil {
		return toErr(err)
	}
	attr, err := a.engine.Getattr(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Entry.Child = a.idFor(path)
	op.Entry.Attributes = toFuseAttr(attr)
	return nil
}

func (a *adapter) RmDir(op *fuseops.RmDirOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	return toErr(a.engine.Rmdir(op.Context(), path, a.caller))
}

func (a *adapter) Unlink(op *fuseops.UnlinkOp) (err error) {
	path := childPath(a.pathFor(op.Parent), op.Name)
	return toErr(a.engine.Unlink(op.Context(), path, a.caller))
}

func (a *adapter) OpenDir(op *fuseops.OpenDirOp) (err error) {
	path := a.pathFor(op.Inode)
	names, err := a.engine.Readdir(op.Context(), path, a.caller)
	if err != nil {
		return toErr(err)
	}

	entries := make([]fuseutil.Dirent, 0, len(names))
	for i, name := range names {
		var childID fuseops.InodeID
		var mode uint32
		switch name {
		case ".":
			childID = op.Inode
			mode = unix.S_IFDIR
		case "..":
			mode = unix.S_IFDIR
		default:
			cp := childPath(path, name)
			attr, err := a.engine.Getattr(op.Context(), cp, a.caller)
			if err != nil {
				continue
			}
			childID = a.idFor(cp)
			mode = attr.Mode
		}
		entries = append(entries, fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  childID,
			Name:   name,
			Type:   direntType(mode),
		})
	}

	a.dirMu.Lock()
	handle := a.nextHandle
	a.nextHandle++
	a.dirHandles[handle] = &dirHandle{entries: entries}
	a.dirMu.Unlock()

	op.Handle = handle
	return nil
}

func (a *adapter) ReadDir(op *fuseops.ReadDirOp) (err error) {
	a.dirMu.Lock()
	dh := a.dirHandles[op.Handle]
	a.dirMu.Unlock()
	if dh == nil {
		return toErr(errno.ErrBadFileDescriptor)
	}

	op.BytesRead = 0
	for i := int(op.Offset); i < len(dh.entries); i++ {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], dh.entries[i])
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (a *adapter) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) (err error) {
	a.dirMu.Lock()
	delete(a.dirHandles, op.Handle)
	a.dirMu.Unlock()
	return nil
}

func (a *adapter) OpenFile(op *fuseops.OpenFileOp) (err error) {
	fh, err := a.engine.Open(op.Context(), a.pathFor(op.Inode), a.caller)
	if err != nil {
		return toErr(err)
	}
	op.Handle = fuseops.HandleID(fh)
	return nil
}

func (a *adapter) ReadFile(op *fuseops.ReadFileOp) (err error) {
	data, err := a.engine.Read(op.Context(), a.pathFor(op.Inode), uint64(op.Handle), op.Offset, int64(len(op.Dst)))
	if err != nil {
		return toErr(err)
	}
	op.BytesRead = copy(op.Dst, data)
	return nil
}

func (a *adapter) ReadSymlink(op *fuseops.ReadSymlinkOp) (err error) {
	target, err := a.engine.Readlink(op.Context(), a.pathFor(op.Inode))
	if err != nil {
		return toErr(err)
	}
	op.Target = target
	return nil
}

func (a *adapter) WriteFile(op *fuseops.WriteFileOp) (err error) {
	_, err = a.engine.Write(op.Context(), a.pathFor(op.Inode), uint64(op.Handle), op.Data, op.Offset)
	return toErr(err)
}

func (a *adapter) SyncFile(op *fuseops.SyncFileOp) (err error) {
	return toErr(a.engine.Flush(op.Context(), a.pathFor(op.Inode), 0))
}

func (a *adapter) FlushFile(op *fuseops.FlushFileOp) (err error) {
	return toErr(a.engine.Flush(op.Context(), a.pathFor(op.Inode), uint64(op.Handle)))
}
