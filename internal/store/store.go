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

// Package store wraps the document-store driver (spec.md §4.1, StoreClient)
// behind a narrow interface, so that every other package depends only on
// the dozen operations the filesystem engine actually needs, and so that
// unit tests can run against an in-memory fake instead of a live mongod.
package store

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
)

// Collection names, qualified by the configured prefix (spec.md §6:
// "<prefix>files.files" and "<prefix>files.chunks").
const (
	FilesCollection  = "files.files"
	ChunksCollection = "files.chunks"
)

// Cursor iterates over a Find result set. Callers must call Close when
// finished, even after an error from Next.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode() (bson.M, error)
	Close(ctx context.Context) error
	Err() error
}

// Store is the narrow surface mongofs drives the document store through.
// It corresponds one-to-one with the operations listed in spec.md §4.1.
type Store interface {
	// FindOne returns the single document matching query, or ErrNotFound.
	FindOne(ctx context.Context, collection string, query bson.M) (bson.M, error)

	// Find returns a cursor over every document matching query, in the
	// given sort order (nil for unspecified).
	Find(ctx context.Context, collection string, query bson.M, sort bson.D) (Cursor, error)

	// FindOneAndUpdate applies update to the single document matching
	// query and returns the document *after* modification (spec.md §4.1).
	// Returns ErrNotFound if no document matches.
	FindOneAndUpdate(ctx context.Context, collection string, query, update bson.M) (bson.M, error)

	InsertOne(ctx context.Context, collection string, doc bson.M) (any, error)
	InsertMany(ctx context.Context, collection string, docs []bson.M) ([]any, error)
	DeleteMany(ctx context.Context, collection string, query bson.M) (int64, error)
	CreateIndex(ctx context.Context, collection string, keys bson.D, unique bool) error
	Drop(ctx context.Context, collection string) error

	// NewLargeObject allocates a large-object (GridFS-style) handle backing
	// a regular file's chunk stream and returns its id.
	NewLargeObject(ctx context.Context, filename string) (any, error)
	// DeleteLargeObject removes a large object and every chunk it owns.
	DeleteLargeObject(ctx context.Context, id any) error
}

// Listener is notified of store lifecycle events that other components
// (the Cache, in particular) need to react to.
type Listener interface {
	// OnReconnect fires after the client re-establishes a connection
	// following a transport failure.
	OnReconnect()
}
