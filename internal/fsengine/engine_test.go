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

package fsengine

import (
	"context"
	"os"
	"testing"
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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sys/unix"
)

const testChunkSize = 1 << 20

// newFixture wires an Engine against a FakeStore, returning the caller
// identity for the current test process (its real uid/gid, so identity
// resolution goes through the genuine os/user package without a fake).
func newFixture(t *testing.T) (*Engine, store.Store, bridge.Caller, any) {
	t.Helper()
	ctx := context.Background()
	st := store.NewFakeStore()
	c := cache.New(st, cache.Config{TTL: time.Minute})
	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	locks := lockmgr.New(st, sc, 30*time.Second, 3*time.Second)

	caller := bridge.Caller{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid()), Pid: 1}

	rootID, err := st.NewLargeObject(ctx, "")
	require.NoError(t, err)
	_, err = st.InsertOne(ctx, store.FilesCollection, bson.M{
		"_id": rootID, "parent_id": nil, "filename": "", "type": inode.TypeDirectory,
		"chunk_size": int64(testChunkSize), "length": int64(0),
		"metadata": inode.Metadata{Mode: unix.S_IFDIR | 0755, Uid: caller.Uid, Gid: caller.Gid, Nlink: 2},
		"attrs":    map[string][]byte{}, "lock": []inode.LockRecord{}, "lock_version": int64(0),
	})
	require.NoError(t, err)

	resolver := pathresolver.New(c, locks, rootID)
	users := userresolver.New()
	io := chunkio.New(c, sc)

	e := New(c, locks, resolver, users, io, sc, "host-a", testChunkSize)
	return e, st, caller, rootID
}

func TestCreate_MakesFileVisibleToGetattr(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	attr, err := e.Getattr(ctx, "/f.txt", caller)
	require.NoError(t, err)
	assert.EqualValues(t, 0, attr.Size)
	assert.Equal(t, caller.Uid, attr.Uid)
}

func TestCreate_RecordsEngineConfiguredChunkSize(t *testing.T) {
	e, st, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	doc, err := st.FindOne(ctx, store.FilesCollection, bson.M{"filename": "f.txt"})
	require.NoError(t, err)
	assert.EqualValues(t, testChunkSize, doc["chunk_size"])
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	_, err = e.Create(ctx, "/f.txt", 0644, caller)
	assert.ErrorIs(t, err, errno.ErrExists)
}

func TestMkdir_ThenReaddirListsIt(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, e.Mkdir(ctx, "/sub", 0755, caller))
	_, err := e.Create(ctx, "/sub/inner.txt", 0644, caller)
	require.NoError(t, err)

	names, err := e.Readdir(ctx, "/sub", caller)
	require.NoError(t, err)
	assert.Contains(t, names, "inner.txt")
	assert.Contains(t, names, ".")
	assert.Contains(t, names, "..")
}

func TestWriteThenRead_RoundTrips(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	n, err := e.Write(ctx, "/f.txt", 0, []byte("hello world"), 0)
	require.NoError(t, err)
	assert.Equal(t, 11, n)
	require.NoError(t, e.Flush(ctx, "/f.txt", 0))

	got, err := e.Read(ctx, "/f.txt", 0, 0, 11)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello world"), got)

	attr, err := e.Getattr(ctx, "/f.txt", caller)
	require.NoError(t, err)
	assert.EqualValues(t, 11, attr.Size)
}

func TestTruncate_ShrinksFile(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)
	_, err = e.Write(ctx, "/f.txt", 0, []byte("hello world"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx, "/f.txt", 0))

	require.NoError(t, e.Truncate(ctx, "/f.txt", 5, caller))

	got, err := e.Read(ctx, "/f.txt", 0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestUnlink_RemovesFile(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	require.NoError(t, e.Unlink(ctx, "/f.txt", caller))

	_, err = e.Getattr(ctx, "/f.txt", caller)
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestRmdir_FailsWhenNotEmpty(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, e.Mkdir(ctx, "/sub", 0755, caller))
	_, err := e.Create(ctx, "/sub/f.txt", 0644, caller)
	require.NoError(t, err)

	err = e.Rmdir(ctx, "/sub", caller)
	assert.ErrorIs(t, err, errno.ErrNotEmpty)
}

func TestRmdir_OnFileFails(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	err = e.Rmdir(ctx, "/f.txt", caller)
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestRename_MovesFileToNewParent(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, e.Mkdir(ctx, "/sub", 0755, caller))
	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)
	_, err = e.Write(ctx, "/f.txt", 0, []byte("payload"), 0)
	require.NoError(t, err)
	require.NoError(t, e.Flush(ctx, "/f.txt", 0))

	require.NoError(t, e.Rename(ctx, "/f.txt", "/sub/moved.txt", caller))

	_, err = e.Getattr(ctx, "/f.txt", caller)
	assert.ErrorIs(t, err, errno.ErrNotFound)

	got, err := e.Read(ctx, "/sub/moved.txt", 0, 0, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestSymlinkThenReadlink(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, e.Symlink(ctx, "/link", "/target", caller))

	target, err := e.Readlink(ctx, "/link")
	require.NoError(t, err)
	assert.Equal(t, "/target", target)
}

func TestChmod_UpdatesPermissionBits(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	require.NoError(t, e.Chmod(ctx, "/f.txt", 0600, caller))

	attr, err := e.Getattr(ctx, "/f.txt", caller)
	require.NoError(t, err)
	assert.EqualValues(t, 0600, attr.Mode&0777)
}

func TestSetxattrThenGetxattr(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	require.NoError(t, e.Setxattr(ctx, "/f.txt", "user.note", []byte("hi"), caller))

	v, err := e.Getxattr(ctx, "/f.txt", "user.note")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)

	names, err := e.Listxattr(ctx, "/f.txt")
	require.NoError(t, err)
	assert.Contains(t, names, "user.note")

	require.NoError(t, e.Removexattr(ctx, "/f.txt", "user.note"))
	_, err = e.Getxattr(ctx, "/f.txt", "user.note")
	assert.ErrorIs(t, err, errno.ErrNoAttribute)
}

func TestGetxattr_MissingReturnsNoAttribute(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	_, err = e.Getxattr(ctx, "/f.txt", "user.missing")
	assert.ErrorIs(t, err, errno.ErrNoAttribute)
}

func TestFlock_ConflictingExclusiveIsLocked(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	_, err = e.Flock(ctx, "/f.txt", 0, bridge.LockCmdSetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 1}, caller)
	require.NoError(t, err)

	_, err = e.Flock(ctx, "/f.txt", 0, bridge.LockCmdSetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 2}, bridge.Caller{Uid: caller.Uid, Gid: caller.Gid, Pid: 2})
	assert.ErrorIs(t, err, errno.ErrLocked)
}

func TestFlock_GetLockReportsBlockingRecord(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)

	_, err = e.Flock(ctx, "/f.txt", 0, bridge.LockCmdSetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 1}, caller)
	require.NoError(t, err)

	rec, err := e.Flock(ctx, "/f.txt", 0, bridge.LockCmdGetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 2}, bridge.Caller{Uid: caller.Uid, Gid: caller.Gid, Pid: 2})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.EqualValues(t, 1, rec.Pid)
	assert.Equal(t, bridge.FlockWrite, rec.Type)
}

func TestRelease_FlushesBufferAndDropsLock(t *testing.T) {
	e, _, caller, _ := newFixture(t)
	ctx := context.Background()

	_, err := e.Create(ctx, "/f.txt", 0644, caller)
	require.NoError(t, err)
	_, err = e.Flock(ctx, "/f.txt", 0, bridge.LockCmdSetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 1}, caller)
	require.NoError(t, err)
	_, err = e.Write(ctx, "/f.txt", 0, []byte("buffered"), 0)
	require.NoError(t, err)

	require.NoError(t, e.Release(ctx, "/f.txt", 0, caller))

	got, err := e.Read(ctx, "/f.txt", 0, 0, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte("buffered"), got, "release must flush pending writes")

	other := bridge.Caller{Uid: caller.Uid, Gid: caller.Gid, Pid: 2}
	_, err = e.Flock(ctx, "/f.txt", 0, bridge.LockCmdSetLock, bridge.Flock{Type: bridge.FlockWrite, Pid: 2}, other)
	assert.NoError(t, err, "release must have dropped the prior exclusive lock")
}

func TestStatfs_ReturnsStaticSizing(t *testing.T) {
	e, _, _, _ := newFixture(t)
	res, err := e.Statfs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), res.BlockSize)
	assert.NotZero(t, res.Blocks)
}
