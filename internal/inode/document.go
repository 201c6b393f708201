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

// Package inode represents a filesystem object as stored in the inode
// collection: pure data, loaded from a document and written back to one,
// plus the permission-checking and identity logic spec.md §4.4 hangs off
// that data.
package inode

import "golang.org/x/sys/unix"

// Type discriminates the three kinds of filesystem object spec.md §3
// models (hard links are out of scope).
type Type string

const (
	TypeRegular   Type = "regular"
	TypeDirectory Type = "directory"
	TypeSymlink   Type = "symlink"
)

// Metadata is the POSIX-style attribute bundle spec.md §3 lists under the
// inode document's "metadata" field.
type Metadata struct {
	Size  int64  `bson:"size"`
	Ctime int64  `bson:"ctime"` // unix nanoseconds
	Mtime int64  `bson:"mtime"`
	Atime int64  `bson:"atime"`
	Uid   uint32 `bson:"uid"`
	Gid   uint32 `bson:"gid"`
	Mode  uint32 `bson:"mode"` // type bits + permission bits, unix.S_IF*|perm
	Nlink uint32 `bson:"nlink"`
	Blocks int64 `bson:"blocks"`
	// Rdev is always 0: no device nodes are created, but the field
	// round-trips for tools that stat it (original_source/GenericFile.py).
	Rdev uint64 `bson:"rdev"`
}

// LockRecord is one entry in an inode's lock vector (spec.md §3, §4.6).
type LockRecord struct {
	CreationTime int64  `bson:"creation_time"` // unix nanoseconds
	ID           string `bson:"id"`            // "<absolute_path>;<pid>;<hostname>"
	Type         string `bson:"type"`          // shared | exclusive | unlock-intent
	Hostname     string `bson:"hostname"`
}

// Document is the on-the-wire shape of the inode collection, decoded
// straight from bson.M by Load.
type Document struct {
	ID          any          `bson:"_id"`
	ParentID    any          `bson:"parent_id"`
	Filename    string       `bson:"filename"`
	Type        Type         `bson:"type"`
	ChunkSize   int64        `bson:"chunk_size"`
	Length      int64        `bson:"length"`
	Metadata    Metadata     `bson:"metadata"`
	Attrs       map[string][]byte `bson:"attrs"`
	Lock        []LockRecord `bson:"lock"`
	LockVersion int64        `bson:"lock_version"`
	Target      string       `bson:"target,omitempty"`
	Host        string       `bson:"host"`
	Uname       string       `bson:"uname"`
	Gname       string       `bson:"gname"`
}

// IsFile, IsDir and IsLink are the type predicates spec.md §4.4 names.
func (d *Document) IsFile() bool { return d.Type == TypeRegular }
func (d *Document) IsDir() bool  { return d.Type == TypeDirectory }
func (d *Document) IsLink() bool { return d.Type == TypeSymlink }

// modeBits returns the unix.S_IF* constant for d's type.
func (d *Document) modeBits() uint32 {
	switch d.Type {
	case TypeDirectory:
		return unix.S_IFDIR
	case TypeSymlink:
		return unix.S_IFLNK
	default:
		return unix.S_IFREG
	}
}
