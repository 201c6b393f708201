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

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

// Config carries the capacity/TTL knobs for both mappings (cfg.CacheConfig
// in the running process; kept untyped here so this package stays
// importable without cfg).
type Config struct {
	TTL         time.Duration
	MaxElements int
}

const sweepInterval = 30 * time.Second

// Cache sits in front of a store.Store and implements spec.md §4.2's two
// read-through mappings: a metadata cache keyed by "<parent_id>/<filename>"
// and a chunk-range cache keyed by "<files_id>/<n_lo>/<n_hi>". It is
// explicitly not a coherence layer: entries are trusted for their TTL and
// invalidated coarsely, never reconciled field-by-field against the store.
type Cache struct {
	store store.Store

	metadata   *TTLCache[string, bson.M]
	chunkRange *TTLCache[string, []bson.M]
}

var _ store.Listener = (*Cache)(nil)

// New wraps backing with the configured metadata and chunk-range caches. If
// backing exposes AddListener, New registers itself so both caches reset on
// reconnection (spec.md §4.2).
func New(backing store.Store, cfg Config) *Cache {
	c := &Cache{
		store:      backing,
		metadata:   NewTTLCache[string, bson.M](cfg.TTL, sweepInterval, cfg.MaxElements),
		chunkRange: NewTTLCache[string, []bson.M](cfg.TTL, sweepInterval, cfg.MaxElements),
	}
	if l, ok := backing.(interface{ AddListener(store.Listener) }); ok {
		l.AddListener(c)
	}
	return c
}

// OnReconnect implements store.Listener.
func (c *Cache) OnReconnect() {
	c.Invalidate()
}

// Invalidate resets both caches. Callers that mutate the inode or chunk
// collections through the raw store.Store (bypassing the *Metadata
// methods below — inode.New's insert, chunkio's chunk writes) must call
// this afterwards so a stale entry is never served.
func (c *Cache) Invalidate() {
	c.metadata.Reset()
	c.chunkRange.Reset()
}

// metadataKey builds the "<parent_id>/<filename>" cache key.
func metadataKey(parentID, filename any) string {
	return fmt.Sprintf("%v/%v", parentID, filename)
}

// ChunkRangeKey builds the "<files_id>/<n_lo>/<n_hi>" cache key used by
// internal/chunkio.
func ChunkRangeKey(filesID any, nLo, nHi int64) string {
	return fmt.Sprintf("%v/%d/%d", filesID, nLo, nHi)
}

// parentFilenameQuery extracts (parent_id, filename) from query if it is
// exactly a parent/filename lookup (optionally with a "type" discriminator),
// the only query shape spec.md §4.2 allows the metadata cache to intercept.
func parentFilenameQuery(query bson.M) (parentID, filename any, ok bool) {
	parentID, hasParent := query["parent_id"]
	filename, hasFilename := query["filename"]
	if !hasParent || !hasFilename {
		return nil, nil, false
	}
	for k := range query {
		if k != "parent_id" && k != "filename" && k != "type" {
			return nil, nil, false
		}
	}
	return parentID, filename, true
}

// matchesQueryFields reports whether doc's fields agree with every field
// named in query, checked in memory so a cache hit that no longer matches
// (e.g. a stale "type" discriminator) is treated as a miss rather than
// forcing a reload.
func matchesQueryFields(doc, query bson.M) bool {
	for k, want := range query {
		if got, ok := doc[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// FindOneMetadata serves spec.md §4.2's read-through path: when query is
// exactly a parent/filename (+ optional type) lookup against the inode
// collection, it is served from cache on a hit, and populates the cache on
// a miss. Any other query bypasses the cache entirely.
func (c *Cache) FindOneMetadata(ctx context.Context, query bson.M) (bson.M, error) {
	parentID, filename, ok := parentFilenameQuery(query)
	if !ok {
		return c.store.FindOne(ctx, store.FilesCollection, query)
	}

	key := metadataKey(parentID, filename)
	if doc, found := c.metadata.Get(key); found {
		if matchesQueryFields(doc, query) {
			return doc, nil
		}
		return nil, errno.ErrNotFound
	}

	doc, err := c.store.FindOne(ctx, store.FilesCollection, query)
	if err != nil {
		return nil, err
	}
	c.metadata.Set(key, doc)
	return doc, nil
}

// FindOneAndUpdateMetadata applies update to the inode matched by query,
// refreshes the metadata cache with the post-update document, and resets
// the chunk-range cache (spec.md §4.2).
func (c *Cache) FindOneAndUpdateMetadata(ctx context.Context, query, update bson.M) (bson.M, error) {
	doc, err := c.store.FindOneAndUpdate(ctx, store.FilesCollection, query, update)
	if err != nil {
		return nil, err
	}

	if parentID, filename, ok := parentFilenameQuery(bson.M{
		"parent_id": doc["parent_id"],
		"filename":  doc["filename"],
	}); ok {
		c.metadata.Set(metadataKey(parentID, filename), doc)
	}
	c.chunkRange.Reset()
	return doc, nil
}

// InsertOneMetadata inserts into the inode collection and resets both
// caches (spec.md §4.2: insert resets both).
func (c *Cache) InsertOneMetadata(ctx context.Context, doc bson.M) (any, error) {
	id, err := c.store.InsertOne(ctx, store.FilesCollection, doc)
	if err != nil {
		return nil, err
	}
	c.Invalidate()
	return id, nil
}

// DeleteManyMetadata deletes from the inode collection and resets both
// caches.
func (c *Cache) DeleteManyMetadata(ctx context.Context, query bson.M) (int64, error) {
	n, err := c.store.DeleteMany(ctx, store.FilesCollection, query)
	if err != nil {
		return 0, err
	}
	c.Invalidate()
	return n, nil
}

// Drop drops collection and resets both caches.
func (c *Cache) Drop(ctx context.Context, collection string) error {
	if err := c.store.Drop(ctx, collection); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// DeleteLargeObject removes a large object and resets both caches.
func (c *Cache) DeleteLargeObject(ctx context.Context, id any) error {
	if err := c.store.DeleteLargeObject(ctx, id); err != nil {
		return err
	}
	c.Invalidate()
	return nil
}

// GetChunkRange serves a read-through lookup of the chunk-range cache.
func (c *Cache) GetChunkRange(filesID any, nLo, nHi int64) ([]bson.M, bool) {
	return c.chunkRange.Get(ChunkRangeKey(filesID, nLo, nHi))
}

// SetChunkRange populates the chunk-range cache with a materialised chunk
// list for the given range.
func (c *Cache) SetChunkRange(filesID any, nLo, nHi int64, chunks []bson.M) {
	c.chunkRange.Set(ChunkRangeKey(filesID, nLo, nHi), chunks)
}

// Store returns the backing store.Store for operations the cache does not
// intercept (Find, InsertMany, CreateIndex, NewLargeObject, ...).
func (c *Cache) Store() store.Store { return c.store }
