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
	"errors"
	"fmt"

	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/store"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/sys/unix"
)

// Inode wraps a Document with the store access it needs to persist itself.
// Construction is pure data-from-document: everything Inode knows comes
// from the wrapped Document, nothing is fetched lazily.
type Inode struct {
	Doc   Document
	store store.Store
}

// Load decodes a raw document (as returned by store.Store) into an Inode.
func Load(doc bson.M, st store.Store) (*Inode, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("inode: marshalling document: %w", err)
	}
	var d Document
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("inode: unmarshalling document: %w", err)
	}
	return &Inode{Doc: d, store: st}, nil
}

// Caller is the identity has_access checks permissions against (spec.md
// §4.3's Identity, referenced loosely here to avoid an import cycle —
// fsengine passes userresolver.Identity fields in).
type Caller struct {
	Uid  uint32
	Gids []uint32
}

func (c Caller) inGroup(gid uint32) bool {
	for _, g := range c.Gids {
		if g == gid {
			return true
		}
	}
	return false
}

// HasAccess implements spec.md §4.4's permission check: root always passes;
// otherwise the required bits are always the other-class bits, OR'd with
// the user-class bits if the caller owns the inode, OR'd with the
// group-class bits if the caller is in the inode's group.
func (d *Document) HasAccess(rightBits uint32, caller Caller) bool {
	if caller.Uid == 0 {
		return true
	}

	effective := rightBits & unix.S_IRWXO
	if caller.Uid == d.Metadata.Uid {
		effective |= (rightBits << 6) & unix.S_IRWXU
	}
	if caller.inGroup(d.Metadata.Gid) {
		effective |= (rightBits << 3) & unix.S_IRWXG
	}

	return d.Metadata.Mode&effective != 0
}

// BasicSave writes the mutable tuple (metadata, attrs, host, uname, gname)
// back to the store via find_one_and_update, per spec.md §4.4.
func (in *Inode) BasicSave(ctx context.Context) error {
	update := bson.M{"$set": bson.M{
		"metadata": in.Doc.Metadata,
		"attrs":    in.Doc.Attrs,
		"host":     in.Doc.Host,
		"uname":    in.Doc.Uname,
		"gname":    in.Doc.Gname,
	}}
	doc, err := in.store.FindOneAndUpdate(ctx, store.FilesCollection, bson.M{"_id": in.Doc.ID}, update)
	if err != nil {
		return err
	}
	reloaded, err := Load(doc, in.store)
	if err != nil {
		return err
	}
	in.Doc = reloaded.Doc
	return nil
}

// RenameTo moves the inode from (oldParentID, oldName) to
// (newParentID, newName): it decrements the old parent's nlink, updates the
// inode's own (parent_id, filename), and increments the new parent's nlink
// (spec.md §4.4; see DESIGN.md for the direction of the second adjustment).
func (in *Inode) RenameTo(ctx context.Context, oldParentID, newParentID any, newName string) error {
	if oldParentID != nil {
		if err := AddNlink(ctx, in.store, oldParentID, -1); err != nil {
			return err
		}
	}

	doc, err := in.store.FindOneAndUpdate(ctx, store.FilesCollection,
		bson.M{"_id": in.Doc.ID},
		bson.M{"$set": bson.M{"parent_id": newParentID, "filename": newName}})
	if err != nil {
		return err
	}
	reloaded, err := Load(doc, in.store)
	if err != nil {
		return err
	}
	in.Doc = reloaded.Doc

	if newParentID != nil {
		if err := AddNlink(ctx, in.store, newParentID, 1); err != nil {
			return err
		}
	}
	return nil
}

// AddNlink atomically adjusts a directory's nlink by delta (spec.md §3's
// invariant: nlink changes only through this operation).
func AddNlink(ctx context.Context, st store.Store, dirID any, delta int) error {
	_, err := st.FindOneAndUpdate(ctx, store.FilesCollection,
		bson.M{"_id": dirID, "type": TypeDirectory},
		bson.M{"$inc": bson.M{"metadata.nlink": delta}})
	return err
}

// NewParams bundles the inputs to New.
type NewParams struct {
	ParentID any
	Filename string
	Type     Type
	Mode     uint32 // permission bits only; type bits are added internally
	Caller   Caller
	CallerGid uint32
	Target   string // symlink target, required iff Type == TypeSymlink

	// ChunkSize is the large-object chunk size to record on the new
	// document, per spec.md §6's mongo.chunk_size config knob. Zero means
	// defaultChunkSize.
	ChunkSize int64

	// ParentSetgid and ParentGid describe the parent directory, used to
	// decide the new inode's group per spec.md §4.4 step 2.
	ParentSetgid bool
	ParentGid    uint32

	Now func() int64 // unix nanoseconds; overridable in tests
}

// New validates and creates a new inode under parentID, per spec.md §4.4.
// Callers are expected to have already resolved parentID via PathResolver
// and confirmed write access on it; New re-checks existence of a
// conflicting (parent_id, filename) pair itself since that check must be
// atomic with the insert from the caller's point of view.
func New(ctx context.Context, st store.Store, p NewParams) (*Inode, error) {
	if p.Type == TypeSymlink && p.Target == "" {
		return nil, fmt.Errorf("inode: symlink requires a target")
	}

	if p.ParentID != nil {
		_, err := st.FindOne(ctx, store.FilesCollection, bson.M{
			"parent_id": p.ParentID, "filename": p.Filename,
		})
		if err == nil {
			return nil, errno.ErrExists
		} else if !errors.Is(err, errno.ErrNotFound) {
			return nil, err
		}
	}

	now := int64(0)
	if p.Now != nil {
		now = p.Now()
	}

	gid := inferredGid(p.ParentSetgid, p.ParentGid, p.CallerGid)

	var mode uint32
	var nlink uint32
	var length int64
	var blocks int64

	switch p.Type {
	case TypeRegular:
		mode = unix.S_IFREG | p.Mode
		nlink = 1
	case TypeDirectory:
		mode = unix.S_IFDIR | p.Mode
		nlink = 2
	case TypeSymlink:
		mode = unix.S_IFLNK | p.Mode
		nlink = 1
		length = int64(len(p.Filename))
		blocks = 1
	}

	chunkSize := p.ChunkSize
	if chunkSize == 0 {
		chunkSize = defaultChunkSize
	}

	doc := bson.M{
		"parent_id":  p.ParentID,
		"filename":   p.Filename,
		"type":       p.Type,
		"chunk_size": chunkSize,
		"length":     length,
		"metadata": Metadata{
			Size: length, Ctime: now, Mtime: now, Atime: now,
			Uid: p.Caller.Uid, Gid: gid, Mode: mode, Nlink: nlink, Blocks: blocks,
		},
		"attrs":        map[string][]byte{},
		"lock":         []LockRecord{},
		"lock_version": int64(0),
	}
	if p.Type == TypeSymlink {
		doc["target"] = p.Target
	}

	id, err := st.NewLargeObject(ctx, p.Filename)
	if err != nil {
		return nil, err
	}
	doc["_id"] = id

	if _, err := st.InsertOne(ctx, store.FilesCollection, doc); err != nil {
		return nil, err
	}

	if p.ParentID != nil {
		if err := AddNlink(ctx, st, p.ParentID, 1); err != nil {
			return nil, err
		}
	}

	return Load(doc, st)
}

const defaultChunkSize = 1 << 20

// inferredGid implements spec.md §4.4 step 2: the parent's gid if its
// set-gid bit is set, else the caller's own gid.
func inferredGid(parentSetgid bool, parentGid, callerGid uint32) uint32 {
	if parentSetgid {
		return parentGid
	}
	return callerGid
}
