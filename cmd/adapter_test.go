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

package cmd

import (
	"os"
	"testing"

	"github.com/gilles-degols/mongofs/internal/bridge"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestAdapter_IdForMintsStableIDsAndBumpsLookupCount(t *testing.T) {
	a := newAdapter(nil, bridge.Caller{})

	id1 := a.idFor("/foo")
	id2 := a.idFor("/foo")
	assert.Equal(t, id1, id2)
	assert.NotEqual(t, fuseops.RootInodeID, id1)
	assert.Equal(t, uint64(2), a.lookups[id1])

	assert.Equal(t, "/foo", a.pathFor(id1))
}

func TestAdapter_IdForAssignsDistinctIDsToDistinctPaths(t *testing.T) {
	a := newAdapter(nil, bridge.Caller{})

	idFoo := a.idFor("/foo")
	idBar := a.idFor("/bar")
	assert.NotEqual(t, idFoo, idBar)
}

func TestAdapter_ForgetDropsMappingOnceCountExhausted(t *testing.T) {
	a := newAdapter(nil, bridge.Caller{})

	id := a.idFor("/foo")
	a.idFor("/foo")
	assert.Equal(t, uint64(2), a.lookups[id])

	a.forget(id, 1)
	assert.Equal(t, uint64(1), a.lookups[id])
	assert.Equal(t, "/foo", a.pathFor(id))

	a.forget(id, 1)
	_, stillKnown := a.lookups[id]
	assert.False(t, stillKnown)
	assert.Equal(t, "", a.pathFor(id))
}

func TestChildPath_RootParentAvoidsDoubleSlash(t *testing.T) {
	assert.Equal(t, "/foo", childPath("/", "foo"))
	assert.Equal(t, "/foo/bar", childPath("/foo", "bar"))
}

func TestToErr_NilStaysNil(t *testing.T) {
	assert.Nil(t, toErr(nil))
}

func TestToErr_WrapsSentinelAsErrno(t *testing.T) {
	err := toErr(errno.ErrNotFound)
	assert.EqualError(t, err, unix.ENOENT.Error())
}

func TestModeConversion_RoundTripsPermissionBitsForDirectory(t *testing.T) {
	mode := uint32(unix.S_IFDIR | 0750)
	fm := posixModeToFileMode(mode)
	assert.True(t, fm&os.ModeDir != 0)
	assert.Equal(t, os.FileMode(0750), fm.Perm())
	assert.Equal(t, mode, fileModeToPosix(fm))
}

func TestModeConversion_RegularFileHasNoTypeBit(t *testing.T) {
	mode := uint32(unix.S_IFREG | 0644)
	fm := posixModeToFileMode(mode)
	assert.Equal(t, os.FileMode(0), fm&(os.ModeDir|os.ModeSymlink))
	assert.Equal(t, mode, fileModeToPosix(fm))
}

func TestDirentType_MapsModeToFuseDirentType(t *testing.T) {
	assert.Equal(t, direntType(unix.S_IFDIR|0755), direntType(unix.S_IFDIR))
	assert.NotEqual(t, direntType(unix.S_IFDIR), direntType(unix.S_IFREG))
	assert.NotEqual(t, direntType(unix.S_IFREG), direntType(unix.S_IFLNK))
}
