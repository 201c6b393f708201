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

// Package pathresolver walks an absolute path component-by-component
// through the inode collection, per spec.md §4.5. The walk is iterative
// (spec.md §9: avoid recursion depth concerns on adversarial paths).
package pathresolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gilles-degols/mongofs/internal/cache"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/inode"
	"github.com/gilles-degols/mongofs/internal/lockmgr"
	"go.mongodb.org/mongo-driver/bson"
)

// Resolver resolves absolute paths against the inode collection, reading
// through the metadata cache.
type Resolver struct {
	cache *cache.Cache
	locks *lockmgr.Manager
	rootID any
}

// New returns a Resolver rooted at rootID (the root inode's id, per
// spec.md §3's root-inode lifecycle).
func New(c *cache.Cache, locks *lockmgr.Manager, rootID any) *Resolver {
	return &Resolver{cache: c, locks: locks, rootID: rootID}
}

// splitPath splits an absolute, non-root path into its components. "/"
// yields no components.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// LastDirectoryID walks path component-by-component (stopping before the
// leaf) and returns the id of the last containing directory, per spec.md
// §4.5. Returns errno.ErrNotFound if any intermediate component fails to
// resolve.
func (r *Resolver) LastDirectoryID(ctx context.Context, path string) (any, error) {
	components := splitPath(path)
	if len(components) == 0 {
		return nil, nil
	}

	current := r.rootID
	for _, name := range components[:len(components)-1] {
		doc, err := r.cache.FindOneMetadata(ctx, bson.M{
			"parent_id": current, "filename": name, "type": inode.TypeDirectory,
		})
		if err != nil {
			if errors.Is(err, errno.ErrNotFound) {
				return nil, errno.ErrNotFound
			}
			return nil, err
		}
		current = doc["_id"]
	}
	return current, nil
}

// leafName returns the final path component.
func leafName(path string) string {
	components := splitPath(path)
	if len(components) == 0 {
		return ""
	}
	return components[len(components)-1]
}

// GetInode resolves path to its inode document. If lockReq is non-nil, the
// resolved inode is also locked through LockManager before being returned
// (spec.md §4.5: "call get_inode_internal(parent_id, leaf, lock?) in the
// LockManager").
func (r *Resolver) GetInode(ctx context.Context, path string, lockReq *lockmgr.Request) (bson.M, error) {
	parentID, err := r.LastDirectoryID(ctx, path)
	if err != nil {
		return nil, err
	}
	leaf := leafName(path)

	var query bson.M
	if parentID == nil && leaf == "" {
		query = bson.M{"parent_id": nil, "filename": ""}
	} else {
		query = bson.M{"parent_id": parentID, "filename": leaf}
	}

	doc, err := r.cache.FindOneMetadata(ctx, query)
	if err != nil {
		return nil, err
	}

	if lockReq != nil {
		if _, err := r.locks.Acquire(ctx, doc["_id"], *lockReq); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// Validate checks the structural preconditions spec.md §4.4 "new" step 1
// lists beyond existence/permission (those two are checked by the caller,
// which already holds the resolved parent and a userresolver.Identity).
func Validate(path string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("pathresolver: %q is not absolute", path)
	}
	if path != "/" && strings.HasSuffix(path, "/") {
		return fmt.Errorf("pathresolver: %q has a trailing slash", path)
	}
	return nil
}
