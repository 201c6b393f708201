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

// Package chunkio reads, writes and truncates a regular file's ordered
// chunks, and coalesces small sequential writes into a single flush, per
// spec.md §4.7. It plays the role gcsfuse's gcsproxy.MutableContent plays
// over GCS objects, but against a chunk collection instead of object
// generations.
package chunkio

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gilles-degols/mongofs/internal/cache"
	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

// maxCoalesceBuffer is the append-coalescing buffer's flush threshold
// (spec.md §4.7: "10 MiB").
const maxCoalesceBuffer = 10 << 20

// blockSize is the stat(2) block size used to compute metadata.blocks
// (spec.md §3: "65 536·8").
const blockSize = 65536 * 8

// IO performs chunked reads/writes/truncates against one file's chunk
// collection, with a process-wide append-coalescing buffer keyed by inode
// identity (spec.md §4.7's shared-resource policy: concurrent writes to
// different files must not contend on a single lock).
type IO struct {
	cache *cache.Cache
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*pendingWrite
}

type pendingWrite struct {
	mu     sync.Mutex
	fileID any
	key    string
	offset int64
	buffer []byte
}

// New returns an IO backed by c, using clk for the metadata timestamps a
// write/truncate stamps onto the inode.
func New(c *cache.Cache, clk clock.Clock) *IO {
	return &IO{cache: c, clock: clk, pending: map[string]*pendingWrite{}}
}

func coalesceKey(parentID any, filename string) string {
	return fmt.Sprintf("%v/%s", parentID, filename)
}

// chunkQuery fetches every chunk of fileID with n in [nLo, nHi], ascending,
// reading through the chunk-range cache (spec.md §4.2).
func (io *IO) chunkQuery(ctx context.Context, fileID any, nLo, nHi int64) ([]bson.M, error) {
	if cached, ok := io.cache.GetChunkRange(fileID, nLo, nHi); ok {
		return cached, nil
	}

	cur, err := io.cache.Store().Find(ctx, store.ChunksCollection,
		bson.M{"files_id": fileID, "n": bson.M{"$gte": nLo, "$lte": nHi}},
		bson.D{{Key: "n", Value: 1}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var chunks []bson.M
	for cur.Next(ctx) {
		d, err := cur.Decode()
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, d)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	sort.Slice(chunks, func(i, j int) bool { return chunkN(chunks[i]) < chunkN(chunks[j]) })
	io.cache.SetChunkRange(fileID, nLo, nHi, chunks)
	return chunks, nil
}

func chunkN(d bson.M) int64 {
	switch v := d["n"].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

func chunkData(d bson.M) []byte {
	switch v := d["data"].(type) {
	case []byte:
		return v
	case bson.Binary:
		return v.Data
	default:
		return nil
	}
}

// Read implements spec.md §4.7's read algorithm.
func (io *IO) Read(ctx context.Context, fileID any, chunkSize, offset, size int64) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	chunkLo := offset / chunkSize
	chunkHi := (offset + size) / chunkSize

	chunks, err := io.chunkQuery(ctx, fileID, chunkLo, chunkHi)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	remaining := size
	innerOffset := offset - chunkLo*chunkSize
	for _, c := range chunks {
		if remaining == 0 {
			break
		}
		data := chunkData(c)
		if innerOffset >= int64(len(data)) {
			innerOffset = 0
			continue
		}
		end := innerOffset + remaining
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		out = append(out, data[innerOffset:end]...)
		remaining -= end - innerOffset
		innerOffset = 0
	}
	return out, nil
}

// directWrite implements spec.md §4.7's write algorithm against the store,
// bypassing the coalescing buffer. It is also what Flush drains into.
func (io *IO) directWrite(ctx context.Context, fileID any, chunkSize, offset int64, data []byte) (int64, error) {
	remaining := data
	startChunk := offset / chunkSize
	startByte := offset - startChunk*chunkSize
	maxN := startChunk - 1

	existing, err := io.chunkQuery(ctx, fileID, startChunk, startChunk+int64(len(data))/chunkSize+1)
	if err != nil {
		return 0, err
	}

	for _, c := range existing {
		n := chunkN(c)
		if n < startChunk {
			continue
		}
		if n > maxN {
			maxN = n
		}
		if len(remaining) == 0 {
			continue
		}

		existingData := chunkData(c)
		writeLen := chunkSize - startByte
		if writeLen > int64(len(remaining)) {
			writeLen = int64(len(remaining))
		}
		needed := startByte + writeLen
		if needed > int64(len(existingData)) {
			grown := make([]byte, needed)
			copy(grown, existingData)
			existingData = grown
		}
		copy(existingData[startByte:needed], remaining[:writeLen])

		if _, err := io.cache.Store().FindOneAndUpdate(ctx, store.ChunksCollection,
			bson.M{"files_id": fileID, "n": n},
			bson.M{"$set": bson.M{"data": existingData}}); err != nil {
			return 0, err
		}
		remaining = remaining[writeLen:]
		startByte = 0
	}

	for len(remaining) > 0 {
		maxN++
		sliceLen := chunkSize
		if sliceLen > int64(len(remaining)) {
			sliceLen = int64(len(remaining))
		}
		slice := append([]byte{}, remaining[:sliceLen]...)
		if _, err := io.cache.Store().InsertOne(ctx, store.ChunksCollection, bson.M{
			"files_id": fileID, "n": maxN, "data": slice,
		}); err != nil {
			return 0, err
		}
		remaining = remaining[sliceLen:]
	}

	return offset + int64(len(data)), nil
}

// updateMetadataAfterWrite applies the post-write metadata update spec.md
// §4.7 describes, via the query/update the cache layer refreshes itself
// from.
func (io *IO) updateMetadataAfterWrite(ctx context.Context, parentID any, filename string, totalSize int64) (bson.M, error) {
	now := io.clock.Now().UnixNano()
	return io.cache.FindOneAndUpdateMetadata(ctx,
		bson.M{"parent_id": parentID, "filename": filename},
		bson.M{"$set": bson.M{
			"length":          totalSize,
			"metadata.size":   totalSize,
			"metadata.blocks": (totalSize + blockSize - 1) / blockSize,
			"metadata.mtime":  now,
			"metadata.atime":  now,
			"metadata.ctime":  now,
		}})
}

// Write routes data through the append-coalescing buffer (spec.md §4.7).
// fileID, chunkSize, parentID and filename identify the file being
// written; parentID/filename key both the coalescing buffer and the
// metadata update.
func (io *IO) Write(ctx context.Context, fileID any, chunkSize int64, parentID any, filename string, offset int64, data []byte) error {
	key := coalesceKey(parentID, filename)

	io.mu.Lock()
	pw, ok := io.pending[key]
	if !ok {
		pw = &pendingWrite{fileID: fileID, key: key, offset: offset}
		io.pending[key] = pw
	}
	io.mu.Unlock()

	pw.mu.Lock()
	defer pw.mu.Unlock()

	if ok && (offset != pw.offset+int64(len(pw.buffer)) || len(pw.buffer) >= maxCoalesceBuffer) {
		if err := io.flushLocked(ctx, pw, chunkSize, parentID, filename); err != nil {
			return err
		}
		pw.offset = offset
	}

	pw.buffer = append(pw.buffer, data...)
	return nil
}

// flushLocked writes pw's buffered bytes through and clears it. Caller
// must hold pw.mu.
func (io *IO) flushLocked(ctx context.Context, pw *pendingWrite, chunkSize int64, parentID any, filename string) error {
	if len(pw.buffer) == 0 {
		return nil
	}
	totalSize, err := io.directWrite(ctx, pw.fileID, chunkSize, pw.offset, pw.buffer)
	if err != nil {
		return err
	}
	if _, err := io.updateMetadataAfterWrite(ctx, parentID, filename, totalSize); err != nil {
		return err
	}
	pw.buffer = nil
	return nil
}

// Flush drains any buffered bytes for (parentID, filename), per spec.md
// §4.7's "flush(inode)". It is a no-op if nothing is pending. Callers
// (release, explicit flush, and non-sequential seeks) must call this
// before handing control back to the kernel bridge.
func (io *IO) Flush(ctx context.Context, fileID any, chunkSize int64, parentID any, filename string) error {
	key := coalesceKey(parentID, filename)

	io.mu.Lock()
	pw, ok := io.pending[key]
	if ok {
		delete(io.pending, key)
	}
	io.mu.Unlock()
	if !ok {
		return nil
	}

	pw.mu.Lock()
	defer pw.mu.Unlock()
	return io.flushLocked(ctx, pw, chunkSize, parentID, filename)
}

// Truncate implements spec.md §4.7's truncate algorithm. It first flushes
// any pending coalesced write so the shrink/grow reflects the latest
// buffered bytes.
func (io *IO) Truncate(ctx context.Context, fileID any, chunkSize int64, parentID any, filename string, length int64) error {
	if err := io.Flush(ctx, fileID, chunkSize, parentID, filename); err != nil {
		return err
	}

	maxChunk := (length + chunkSize - 1) / chunkSize
	if length == 0 {
		maxChunk = 0
	}
	if _, err := io.cache.Store().DeleteMany(ctx, store.ChunksCollection,
		bson.M{"files_id": fileID, "n": bson.M{"$gte": maxChunk}}); err != nil {
		return err
	}

	if length%chunkSize != 0 && maxChunk > 0 {
		trimmed := length % chunkSize
		existing, err := io.cache.Store().FindOne(ctx, store.ChunksCollection,
			bson.M{"files_id": fileID, "n": maxChunk - 1})
		if err == nil {
			data := chunkData(existing)
			if int64(len(data)) > trimmed {
				data = data[:trimmed]
			}
			if _, err := io.cache.Store().FindOneAndUpdate(ctx, store.ChunksCollection,
				bson.M{"files_id": fileID, "n": maxChunk - 1},
				bson.M{"$set": bson.M{"data": data}}); err != nil {
				return err
			}
		}
	}

	_, err := io.updateMetadataAfterWrite(ctx, parentID, filename, length)
	return err
}
