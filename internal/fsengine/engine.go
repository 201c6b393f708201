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

// Package fsengine implements internal/bridge.Bridge: it is the top-level
// object spec.md §4.8 describes, wiring PathResolver and LockManager to
// resolve and guard each call, then Inode/ChunkIO to mutate state through
// the Cache-fronted store.
package fsengine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gilles-degols/mongofs/internal/bridge"
	"github.com/gilles-degols/mongofs/internal/cache"
	"github.com/gilles-degols/mongofs/internal/chunkio"
	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/inode"
	"github.com/gilles-degols/mongofs/internal/lockmgr"
	"github.com/gilles-degols/mongofs/internal/pathresolver"
	"github.com/gilles-degols/mongofs/internal/store"
	"github.com/gilles-degols/mongofs/internal/userresolver"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sys/unix"
)

var _ bridge.Bridge = (*Engine)(nil)

// Engine is the kernel-bridge-facing object. Every operation is stateless
// across calls except for the shared Cache, LockManager and ChunkIO
// coalescing buffer it was built with (spec.md §5: no in-memory state
// outlives one operation besides those).
type Engine struct {
	cache     *cache.Cache
	locks     *lockmgr.Manager
	resolver  *pathresolver.Resolver
	users     *userresolver.Resolver
	io        *chunkio.IO
	clock     clock.Clock
	host      string
	chunkSize int64
}

// New returns an Engine. host is this process's identity for lock records
// and for the getattr ownership-remap comparison (spec.md §4.8). chunkSize
// is the large-object chunk size newly created files record (spec.md §6's
// mongo.chunk_size); zero defers to inode.New's own default.
func New(c *cache.Cache, locks *lockmgr.Manager, resolver *pathresolver.Resolver, users *userresolver.Resolver, io *chunkio.IO, clk clock.Clock, host string, chunkSize int64) *Engine {
	return &Engine{cache: c, locks: locks, resolver: resolver, users: users, io: io, clock: clk, host: host, chunkSize: chunkSize}
}

func (e *Engine) now() int64 { return e.clock.Now().UnixNano() }

// splitPath splits an absolute path into its parent directory and leaf
// filename. "/f" splits to ("/", "f").
func splitPath(path string) (parent, leaf string) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return "/", path[idx+1:]
	}
	return path[:idx], path[idx+1:]
}

func (e *Engine) identity(caller bridge.Caller) (userresolver.Identity, error) {
	id, err := e.users.Resolve(caller.Uid, caller.Gid, caller.Pid)
	if err != nil {
		return userresolver.Identity{}, errno.ErrPermissionDenied
	}
	return id, nil
}

func callerOf(id userresolver.Identity) inode.Caller {
	return inode.Caller{Uid: id.Uid, Gids: id.Gids}
}

// resolve loads the inode document at path, without acquiring any advisory
// lock, and decodes it into an *inode.Inode.
func (e *Engine) resolve(ctx context.Context, path string) (*inode.Inode, error) {
	doc, err := e.resolver.GetInode(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	return inode.Load(doc, e.cache.Store())
}

// requireAccess wraps Document.HasAccess as an error-returning check.
func requireAccess(in *inode.Inode, bits uint32, caller inode.Caller) error {
	if !in.Doc.HasAccess(bits, caller) {
		return errno.ErrPermissionDenied
	}
	return nil
}

// gnameForGid finds the display name Resolve paired with gid, falling back
// to "" if, somehow, gid is absent from the resolved identity.
func gnameForGid(id userresolver.Identity, gid uint32) string {
	for i, g := range id.Gids {
		if g == gid && i < len(id.Gnames) {
			return id.Gnames[i]
		}
	}
	return ""
}

// create is shared by Create, Mkdir and Symlink.
func (e *Engine) create(ctx context.Context, path string, typ inode.Type, mode uint32, target string, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	parentPath, leaf := splitPath(path)
	parent, err := e.resolve(ctx, parentPath)
	if err != nil {
		return err
	}
	ic := callerOf(id)
	if err := requireAccess(parent, unix.W_OK|unix.X_OK, ic); err != nil {
		return err
	}

	_, err = inode.New(ctx, e.cache.Store(), inode.NewParams{
		ParentID: parent.Doc.ID, Filename: leaf, Type: typ,
		Mode: mode & 0777, Caller: ic, CallerGid: id.Gid,
		Target:       target,
		ParentSetgid: parent.Doc.Metadata.Mode&unix.S_ISGID != 0,
		ParentGid:    parent.Doc.Metadata.Gid,
		ChunkSize:    e.chunkSize,
		Now:          e.now,
	})
	if err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

// Create implements bridge.Bridge.
func (e *Engine) Create(ctx context.Context, path string, mode uint32, caller bridge.Caller) (uint64, error) {
	return 0, e.create(ctx, path, inode.TypeRegular, mode, "", caller)
}

// Mkdir implements bridge.Bridge.
func (e *Engine) Mkdir(ctx context.Context, path string, mode uint32, caller bridge.Caller) error {
	return e.create(ctx, path, inode.TypeDirectory, mode, "", caller)
}

// Symlink implements bridge.Bridge. Note the parameter order: (link-path,
// target-path), per spec.md §4.8.
func (e *Engine) Symlink(ctx context.Context, linkPath, target string, caller bridge.Caller) error {
	return e.create(ctx, linkPath, inode.TypeSymlink, 0777, target, caller)
}

// Open implements bridge.Bridge. There is no kernel-retained state to
// establish: Open merely confirms the path resolves.
func (e *Engine) Open(ctx context.Context, path string, caller bridge.Caller) (uint64, error) {
	if _, err := e.resolve(ctx, path); err != nil {
		return 0, err
	}
	return 0, nil
}

// Read implements bridge.Bridge.
func (e *Engine) Read(ctx context.Context, path string, fh uint64, offset, size int64) ([]byte, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	return e.io.Read(ctx, in.Doc.ID, in.Doc.ChunkSize, offset, size)
}

// Write implements bridge.Bridge. The kernel bridge does not hand Write a
// caller, so Write performs no permission check of its own (and Open does
// not check one either).
func (e *Engine) Write(ctx context.Context, path string, fh uint64, data []byte, offset int64) (int, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	_, leaf := splitPath(path)
	if err := e.io.Write(ctx, in.Doc.ID, in.Doc.ChunkSize, in.Doc.ParentID, leaf, offset, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Truncate implements bridge.Bridge.
func (e *Engine) Truncate(ctx context.Context, path string, size int64, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if err := requireAccess(in, unix.W_OK, callerOf(id)); err != nil {
		return err
	}
	_, leaf := splitPath(path)
	return e.io.Truncate(ctx, in.Doc.ID, in.Doc.ChunkSize, in.Doc.ParentID, leaf, size)
}

// removeInode backs both Unlink and Rmdir.
func (e *Engine) removeInode(ctx context.Context, path string, caller bridge.Caller, requireDir bool) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if requireDir && !in.Doc.IsDir() {
		return errno.ErrNotFound
	}
	if in.Doc.IsDir() {
		cur, err := e.cache.Store().Find(ctx, store.FilesCollection, bson.M{"parent_id": in.Doc.ID}, nil)
		if err != nil {
			return err
		}
		hasChild := cur.Next(ctx)
		cur.Close(ctx)
		if hasChild {
			return errno.ErrNotEmpty
		}
	}
	if err := requireAccess(in, unix.W_OK, callerOf(id)); err != nil {
		return err
	}

	if _, err := e.cache.DeleteManyMetadata(ctx, bson.M{"_id": in.Doc.ID}); err != nil {
		return err
	}
	if err := e.cache.DeleteLargeObject(ctx, in.Doc.ID); err != nil {
		return err
	}
	if in.Doc.ParentID != nil {
		if err := inode.AddNlink(ctx, e.cache.Store(), in.Doc.ParentID, -1); err != nil {
			return err
		}
	}
	e.cache.Invalidate()
	return nil
}

// Unlink implements bridge.Bridge.
func (e *Engine) Unlink(ctx context.Context, path string, caller bridge.Caller) error {
	return e.removeInode(ctx, path, caller, false)
}

// Rmdir implements bridge.Bridge.
func (e *Engine) Rmdir(ctx context.Context, path string, caller bridge.Caller) error {
	return e.removeInode(ctx, path, caller, true)
}

// Readdir implements bridge.Bridge.
func (e *Engine) Readdir(ctx context.Context, path string, caller bridge.Caller) ([]string, error) {
	id, err := e.identity(caller)
	if err != nil {
		return nil, err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := requireAccess(in, unix.X_OK, callerOf(id)); err != nil {
		return nil, err
	}

	cur, err := e.cache.Store().Find(ctx, store.FilesCollection, bson.M{"parent_id": in.Doc.ID}, nil)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	names := []string{".", ".."}
	for cur.Next(ctx) {
		d, err := cur.Decode()
		if err != nil {
			return nil, err
		}
		if name, ok := d["filename"].(string); ok {
			names = append(names, name)
		}
	}
	return names, cur.Err()
}

// Rename implements bridge.Bridge.
func (e *Engine) Rename(ctx context.Context, oldPath, newPath string, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	ic := callerOf(id)

	src, err := e.resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	newParentPath, newName := splitPath(newPath)
	newParent, err := e.resolve(ctx, newParentPath)
	if err != nil {
		return err
	}
	if err := requireAccess(newParent, unix.W_OK, ic); err != nil {
		return err
	}

	if _, err := e.resolve(ctx, newPath); err == nil {
		if err := e.removeInode(ctx, newPath, caller, false); err != nil {
			return err
		}
	}

	if err := src.RenameTo(ctx, src.Doc.ParentID, newParent.Doc.ID, newName); err != nil {
		return err
	}
	e.cache.Invalidate()
	return nil
}

// Readlink implements bridge.Bridge.
func (e *Engine) Readlink(ctx context.Context, path string) (string, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return "", err
	}
	if !in.Doc.IsLink() {
		return "", errno.ErrNotFound
	}
	return in.Doc.Target, nil
}

// Chmod implements bridge.Bridge.
func (e *Engine) Chmod(ctx context.Context, path string, mode uint32, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if id.Uid != 0 && id.Uid != in.Doc.Metadata.Uid {
		return errno.ErrPermissionDenied
	}
	in.Doc.Metadata.Mode = (in.Doc.Metadata.Mode &^ 0777) | (mode & 0777)
	in.Doc.Metadata.Ctime = e.now()
	err = in.BasicSave(ctx)
	e.cache.Invalidate()
	return err
}

// Chown implements bridge.Bridge.
func (e *Engine) Chown(ctx context.Context, path string, uid, gid uint32, caller bridge.Caller) error {
	callerID, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if callerID.Uid != 0 && callerID.Uid != in.Doc.Metadata.Uid {
		return errno.ErrPermissionDenied
	}

	owner, err := e.identity(bridge.Caller{Uid: uid, Gid: gid, Pid: caller.Pid})
	if err != nil {
		return err
	}

	in.Doc.Metadata.Uid = uid
	in.Doc.Metadata.Gid = gid
	in.Doc.Metadata.Ctime = e.now()
	in.Doc.Host = e.host
	in.Doc.Uname = owner.Uname
	in.Doc.Gname = gnameForGid(owner, gid)
	err = in.BasicSave(ctx)
	e.cache.Invalidate()
	return err
}

// Utimens implements bridge.Bridge.
func (e *Engine) Utimens(ctx context.Context, path string, atime, mtime time.Time, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if err := requireAccess(in, unix.W_OK, callerOf(id)); err != nil && id.Uid != in.Doc.Metadata.Uid {
		return err
	}
	in.Doc.Metadata.Atime = atime.UnixNano()
	in.Doc.Metadata.Mtime = mtime.UnixNano()
	in.Doc.Metadata.Ctime = e.now()
	err = in.BasicSave(ctx)
	e.cache.Invalidate()
	return err
}

// Getattr implements bridge.Bridge.
func (e *Engine) Getattr(ctx context.Context, path string, caller bridge.Caller) (bridge.Attr, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return bridge.Attr{}, err
	}
	m := in.Doc.Metadata
	attr := bridge.Attr{
		Size: in.Doc.Length, Mode: m.Mode, Nlink: m.Nlink, Uid: m.Uid, Gid: m.Gid,
		Atime: time.Unix(0, m.Atime), Mtime: time.Unix(0, m.Mtime), Ctime: time.Unix(0, m.Ctime),
		Blocks: m.Blocks, Rdev: m.Rdev,
	}

	if in.Doc.Host != "" && in.Doc.Host != e.host {
		if m.Uid != 0 {
			if uid, ok := e.users.UidForName(in.Doc.Uname); ok {
				attr.Uid = uid
			}
		}
		if m.Gid != 0 {
			if gid, ok := e.users.GidForName(in.Doc.Gname); ok {
				attr.Gid = gid
			}
		}
	}
	return attr, nil
}

// Getxattr implements bridge.Bridge.
func (e *Engine) Getxattr(ctx context.Context, path, name string) ([]byte, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	v, ok := in.Doc.Attrs[name]
	if !ok {
		return nil, errno.ErrNoAttribute
	}
	return v, nil
}

// Setxattr implements bridge.Bridge.
func (e *Engine) Setxattr(ctx context.Context, path, name string, value []byte, caller bridge.Caller) error {
	id, err := e.identity(caller)
	if err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if err := requireAccess(in, unix.W_OK, callerOf(id)); err != nil {
		return err
	}
	if in.Doc.Attrs == nil {
		in.Doc.Attrs = map[string][]byte{}
	}
	in.Doc.Attrs[name] = value
	err = in.BasicSave(ctx)
	e.cache.Invalidate()
	return err
}

// Listxattr implements bridge.Bridge.
func (e *Engine) Listxattr(ctx context.Context, path string) ([]string, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(in.Doc.Attrs))
	for k := range in.Doc.Attrs {
		names = append(names, k)
	}
	return names, nil
}

// Removexattr implements bridge.Bridge.
func (e *Engine) Removexattr(ctx context.Context, path, name string) error {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	if _, ok := in.Doc.Attrs[name]; !ok {
		return errno.ErrNoAttribute
	}
	delete(in.Doc.Attrs, name)
	err = in.BasicSave(ctx)
	e.cache.Invalidate()
	return err
}

// Statfs implements bridge.Bridge, returning static sizing (spec.md §4.8).
func (e *Engine) Statfs(ctx context.Context) (bridge.StatfsResult, error) {
	return bridge.StatfsResult{
		BlockSize: 4096, IoSize: 1 << 20,
		Blocks: 1 << 30, BlocksFree: 1 << 30,
		Files: 1 << 30, FilesFree: 1 << 30,
		NameLen: 255,
	}, nil
}

// lockTypeFor maps the flock record's type field onto a lockmgr.Type, per
// spec.md §4.8 ("lock type is derived from the first field of the flock
// record").
func lockTypeFor(t bridge.FlockType) lockmgr.Type {
	switch t {
	case bridge.FlockWrite:
		return lockmgr.Exclusive
	case bridge.FlockUnlock:
		return lockmgr.UnlockIntent
	default:
		return lockmgr.Shared
	}
}

// Flock implements bridge.Bridge.
func (e *Engine) Flock(ctx context.Context, path string, fh uint64, cmd bridge.LockCmd, flock bridge.Flock, caller bridge.Caller) (*bridge.Flock, error) {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return nil, err
	}
	req := lockmgr.Request{Type: lockTypeFor(flock.Type), Path: path, Pid: flock.Pid, Hostname: e.host}

	switch cmd {
	case bridge.LockCmdGetLock:
		rec, err := e.locks.TestLock(ctx, in.Doc.ID, req)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, nil
		}
		return &bridge.Flock{Type: lockTypeFromRecordType(rec.Type), Pid: pidFromRecordID(rec.ID)}, nil
	case bridge.LockCmdSetLock:
		req.Wait = false
		_, err := e.locks.Acquire(ctx, in.Doc.ID, req)
		return nil, err
	case bridge.LockCmdSetLockWait:
		req.Wait = true
		_, err := e.locks.Acquire(ctx, in.Doc.ID, req)
		return nil, err
	default:
		return nil, errno.ErrBadFileDescriptor
	}
}

func lockTypeFromRecordType(t string) bridge.FlockType {
	switch lockmgr.Type(t) {
	case lockmgr.Exclusive:
		return bridge.FlockWrite
	case lockmgr.UnlockIntent:
		return bridge.FlockUnlock
	default:
		return bridge.FlockRead
	}
}

// pidFromRecordID recovers the pid component of a lock record's
// "<path>;<pid>;<hostname>" id (lockmgr.Request.ID), since LockRecord does
// not carry pid as its own field.
func pidFromRecordID(id string) uint32 {
	parts := strings.Split(id, ";")
	if len(parts) < 2 {
		return 0
	}
	n, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

// Release implements bridge.Bridge.
func (e *Engine) Release(ctx context.Context, path string, fh uint64, caller bridge.Caller) error {
	if err := e.Flush(ctx, path, fh); err != nil {
		return err
	}
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	return e.locks.Release(ctx, in.Doc.ID, lockmgr.Request{Path: path, Pid: caller.Pid, Hostname: e.host})
}

// Flush implements bridge.Bridge: drains the append-coalescing buffer for
// path, per spec.md §4.7's "release, flush, and any non-sequential seek
// must call flush".
func (e *Engine) Flush(ctx context.Context, path string, fh uint64) error {
	in, err := e.resolve(ctx, path)
	if err != nil {
		return err
	}
	_, leaf := splitPath(path)
	return e.io.Flush(ctx, in.Doc.ID, in.Doc.ChunkSize, in.Doc.ParentID, leaf)
}
