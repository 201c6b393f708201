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

package pathresolver

import (
	"context"
	"testing"
	"time"

	"github.com/gilles-degols/mongofs/internal/cache"
	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/inode"
	"github.com/gilles-degols/mongofs/internal/lockmgr"
	"github.com/gilles-degols/mongofs/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

// insertDoc is a small test helper mirroring inode.New's document shape
// without the nlink/uid bookkeeping pathresolver does not depend on.
func insertDoc(t *testing.T, st store.Store, parentID any, filename string, typ inode.Type) any {
	t.Helper()
	ctx := context.Background()
	id, err := st.NewLargeObject(ctx, filename)
	require.NoError(t, err)
	_, err = st.InsertOne(ctx, store.FilesCollection, bson.M{
		"_id": id, "parent_id": parentID, "filename": filename, "type": typ,
		"lock": []inode.LockRecord{}, "lock_version": int64(0),
	})
	require.NoError(t, err)
	return id
}

func newFixture(t *testing.T) (*Resolver, store.Store, any) {
	t.Helper()
	st := store.NewFakeStore()
	c := cache.New(st, cache.Config{TTL: time.Minute})
	t.Cleanup(func() { _ = c })
	rootID := insertDoc(t, st, nil, "", inode.TypeDirectory)

	sc := clock.NewSimulatedClock(time.Unix(0, 0))
	locks := lockmgr.New(st, sc, 30*time.Second, 3*time.Second)

	return New(c, locks, rootID), st, rootID
}

func TestLastDirectoryID_Root(t *testing.T) {
	r, _, _ := newFixture(t)
	id, err := r.LastDirectoryID(context.Background(), "/")
	require.NoError(t, err)
	assert.Nil(t, id)
}

func TestLastDirectoryID_NestedPath(t *testing.T) {
	r, st, rootID := newFixture(t)
	a := insertDoc(t, st, rootID, "a", inode.TypeDirectory)
	b := insertDoc(t, st, a, "b", inode.TypeDirectory)

	id, err := r.LastDirectoryID(context.Background(), "/a/b/leaf.txt")
	require.NoError(t, err)
	assert.Equal(t, b, id)
}

func TestLastDirectoryID_MissingComponentIsNotFound(t *testing.T) {
	r, _, _ := newFixture(t)
	_, err := r.LastDirectoryID(context.Background(), "/missing/leaf.txt")
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestGetInode_ResolvesLeaf(t *testing.T) {
	r, st, rootID := newFixture(t)
	insertDoc(t, st, rootID, "f.txt", inode.TypeRegular)

	doc, err := r.GetInode(context.Background(), "/f.txt", nil)
	require.NoError(t, err)
	assert.Equal(t, "f.txt", doc["filename"])
}

func TestGetInode_ResolvesRoot(t *testing.T) {
	r, _, rootID := newFixture(t)
	doc, err := r.GetInode(context.Background(), "/", nil)
	require.NoError(t, err)
	assert.Equal(t, rootID, doc["_id"])
	assert.Nil(t, doc["parent_id"])
}

func TestGetInode_NotFound(t *testing.T) {
	r, _, _ := newFixture(t)
	_, err := r.GetInode(context.Background(), "/nope.txt", nil)
	assert.ErrorIs(t, err, errno.ErrNotFound)
}

func TestGetInode_AcquiresLockWhenRequested(t *testing.T) {
	r, st, rootID := newFixture(t)
	fid := insertDoc(t, st, rootID, "f.txt", inode.TypeRegular)

	req := &lockmgr.Request{Type: lockmgr.Exclusive, Path: "/f.txt", Pid: 1, Hostname: "h"}
	_, err := r.GetInode(context.Background(), "/f.txt", req)
	require.NoError(t, err)

	other := lockmgr.Request{Type: lockmgr.Exclusive, Wait: false, Path: "/f.txt", Pid: 2, Hostname: "h"}
	locks := lockmgr.New(st, clock.NewSimulatedClock(time.Unix(0, 0)), 30*time.Second, 3*time.Second)
	_, err = locks.Acquire(context.Background(), fid, other)
	assert.ErrorIs(t, err, errno.ErrLocked)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("/"))
	assert.NoError(t, Validate("/a/b.txt"))
	assert.Error(t, Validate("relative"))
	assert.Error(t, Validate("/trailing/"))
}
