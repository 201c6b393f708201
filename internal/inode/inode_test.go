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

package inode

import (
	"context"
	"testing"

	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sys/unix"
)

func TestHasAccess_Owner(t *testing.T) {
	d := &Document{Metadata: Metadata{Uid: 1000, Gid: 2000, Mode: unix.S_IRWXU}}
	assert.True(t, d.HasAccess(unix.R_OK|unix.W_OK, Caller{Uid: 1000}))
	assert.False(t, d.HasAccess(unix.R_OK, Caller{Uid: 1001, Gids: []uint32{2000}}))
}

func TestHasAccess_Group(t *testing.T) {
	d := &Document{Metadata: Metadata{Uid: 1000, Gid: 2000, Mode: unix.S_IRGRP}}
	assert.True(t, d.HasAccess(unix.R_OK, Caller{Uid: 1001, Gids: []uint32{2000}}))
	assert.False(t, d.HasAccess(unix.R_OK, Caller{Uid: 1001, Gids: []uint32{3000}}))
}

func TestHasAccess_Other(t *testing.T) {
	d := &Document{Metadata: Metadata{Uid: 1000, Gid: 2000, Mode: unix.S_IROTH}}
	assert.True(t, d.HasAccess(unix.R_OK, Caller{Uid: 1001, Gids: []uint32{3000}}))
}

func TestHasAccess_Root(t *testing.T) {
	d := &Document{Metadata: Metadata{Uid: 1000, Gid: 2000, Mode: 0}}
	assert.True(t, d.HasAccess(unix.R_OK|unix.W_OK, Caller{Uid: 0}))
}

func newRoot(t *testing.T, st store.Store) *Inode {
	t.Helper()
	ctx := context.Background()
	id, err := st.NewLargeObject(ctx, "")
	require.NoError(t, err)
	doc := bson.M{
		"_id": id, "parent_id": nil, "filename": "", "type": TypeDirectory,
		"chunk_size": int64(defaultChunkSize), "length": int64(0),
		"metadata": Metadata{Mode: unix.S_IFDIR | 0755, Nlink: 2},
		"attrs":    map[string][]byte{}, "lock": []LockRecord{}, "lock_version": int64(0),
	}
	_, err = st.InsertOne(ctx, store.FilesCollection, doc)
	require.NoError(t, err)
	in, err := Load(doc, st)
	require.NoError(t, err)
	return in
}

func TestNew_RegularFile_SetsExpectedMetadata(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	in, err := New(ctx, st, NewParams{
		ParentID: root.Doc.ID, Filename: "a.txt", Type: TypeRegular,
		Mode: 0644, Caller: Caller{Uid: 1000}, CallerGid: 1000,
	})
	require.NoError(t, err)

	assert.True(t, in.Doc.IsFile())
	assert.EqualValues(t, 1, in.Doc.Metadata.Nlink)
	assert.EqualValues(t, 1000, in.Doc.Metadata.Uid)
	assert.EqualValues(t, 1000, in.Doc.Metadata.Gid)

	reloadedRootDoc, err := st.FindOne(ctx, store.FilesCollection, bson.M{"_id": root.Doc.ID})
	require.NoError(t, err)
	reloadedRoot, err := Load(reloadedRootDoc, st)
	require.NoError(t, err)
	assert.EqualValues(t, 3, reloadedRoot.Doc.Metadata.Nlink, "creating a child must not bump a regular file's nlink onto the directory by more than one")
}

func TestNew_Directory_SetsNlinkTwo(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	in, err := New(ctx, st, NewParams{
		ParentID: root.Doc.ID, Filename: "sub", Type: TypeDirectory,
		Mode: 0755, Caller: Caller{Uid: 1000}, CallerGid: 1000,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, in.Doc.Metadata.Nlink)
}

func TestNew_ParentSetgid_InheritsParentGid(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	in, err := New(ctx, st, NewParams{
		ParentID: root.Doc.ID, Filename: "a.txt", Type: TypeRegular,
		Mode: 0644, Caller: Caller{Uid: 1000}, CallerGid: 1000,
		ParentSetgid: true, ParentGid: 777,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 777, in.Doc.Metadata.Gid)
}

func TestNew_Symlink_LengthIsFilenameLength(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	in, err := New(ctx, st, NewParams{
		ParentID: root.Doc.ID, Filename: "link", Type: TypeSymlink,
		Mode: 0777, Target: "/a/b", Caller: Caller{Uid: 1000}, CallerGid: 1000,
	})
	require.NoError(t, err)
	assert.EqualValues(t, len("link"), in.Doc.Length)
	assert.EqualValues(t, 1, in.Doc.Metadata.Blocks)
	assert.Equal(t, "/a/b", in.Doc.Target)
}

func TestNew_DuplicateFilenameConflicts(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	_, err := New(ctx, st, NewParams{ParentID: root.Doc.ID, Filename: "a.txt", Type: TypeRegular, Caller: Caller{Uid: 1000}})
	require.NoError(t, err)

	_, err = New(ctx, st, NewParams{ParentID: root.Doc.ID, Filename: "a.txt", Type: TypeRegular, Caller: Caller{Uid: 1000}})
	assert.ErrorIs(t, err, errno.ErrExists)
}

func TestBasicSave_PersistsMetadataAttrsAndIdentity(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	in, err := New(ctx, st, NewParams{ParentID: root.Doc.ID, Filename: "a.txt", Type: TypeRegular, Mode: 0644, Caller: Caller{Uid: 1000}})
	require.NoError(t, err)

	in.Doc.Metadata.Mode = unix.S_IFREG | 0600
	in.Doc.Attrs["user.foo"] = []byte("bar")
	in.Doc.Host = "host-a"
	require.NoError(t, in.BasicSave(ctx))

	reloadedDoc, err := st.FindOne(ctx, store.FilesCollection, bson.M{"_id": in.Doc.ID})
	require.NoError(t, err)
	reloaded, err := Load(reloadedDoc, st)
	require.NoError(t, err)
	assert.EqualValues(t, unix.S_IFREG|0600, reloaded.Doc.Metadata.Mode)
	assert.Equal(t, []byte("bar"), reloaded.Doc.Attrs["user.foo"])
	assert.Equal(t, "host-a", reloaded.Doc.Host)
}

func TestRenameTo_AdjustsNlinkOnBothParents(t *testing.T) {
	ctx := context.Background()
	st := store.NewFakeStore()
	root := newRoot(t, st)

	dirA, err := New(ctx, st, NewParams{ParentID: root.Doc.ID, Filename: "a", Type: TypeDirectory, Mode: 0755, Caller: Caller{Uid: 1000}})
	require.NoError(t, err)
	dirB, err := New(ctx, st, NewParams{ParentID: root.Doc.ID, Filename: "b", Type: TypeDirectory, Mode: 0755, Caller: Caller{Uid: 1000}})
	require.NoError(t, err)
	f, err := New(ctx, st, NewParams{ParentID: dirA.Doc.ID, Filename: "f.txt", Type: TypeRegular, Mode: 0644, Caller: Caller{Uid: 1000}})
	require.NoError(t, err)

	require.NoError(t, f.RenameTo(ctx, dirA.Doc.ID, dirB.Doc.ID, "f.txt"))

	reloadA, _ := st.FindOne(ctx, store.FilesCollection, bson.M{"_id": dirA.Doc.ID})
	dA, _ := Load(reloadA, st)
	reloadB, _ := st.FindOne(ctx, store.FilesCollection, bson.M{"_id": dirB.Doc.ID})
	dB, _ := Load(reloadB, st)

	assert.EqualValues(t, 2, dA.Doc.Metadata.Nlink)
	assert.EqualValues(t, 3, dB.Doc.Metadata.Nlink)
	assert.Equal(t, dirB.Doc.ID, f.Doc.ParentID)
}
