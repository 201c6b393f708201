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

package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/gilles-degols/mongofs/internal/errno"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// FakeStore is an in-memory Store used by unit tests throughout mongofs.
// It implements just enough of MongoDB's query/update semantics (exact and
// dotted-path field matching, $set/$inc/$unset) to exercise the engine: it
// is not a general-purpose mongod substitute.
type FakeStore struct {
	mu          sync.Mutex
	collections map[string]map[primitive.ObjectID]bson.M
	largeObject map[primitive.ObjectID]bool
}

var _ Store = (*FakeStore)(nil)

func NewFakeStore() *FakeStore {
	return &FakeStore{
		collections: make(map[string]map[primitive.ObjectID]bson.M),
		largeObject: make(map[primitive.ObjectID]bool),
	}
}

func (s *FakeStore) coll(name string) map[primitive.ObjectID]bson.M {
	c, ok := s.collections[name]
	if !ok {
		c = make(map[primitive.ObjectID]bson.M)
		s.collections[name] = c
	}
	return c
}

func (s *FakeStore) FindOne(_ context.Context, collection string, query bson.M) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range s.coll(collection) {
		if matches(doc, query) {
			return cloneDoc(doc), nil
		}
	}
	return nil, errno.ErrNotFound
}

type fakeCursor struct {
	docs []bson.M
	i    int
}

func (c *fakeCursor) Next(context.Context) bool {
	if c.i < len(c.docs) {
		c.i++
		return true
	}
	return false
}

func (c *fakeCursor) Decode() (bson.M, error) { return c.docs[c.i-1], nil }
func (c *fakeCursor) Close(context.Context) error { return nil }
func (c *fakeCursor) Err() error                  { return nil }

func (s *FakeStore) Find(_ context.Context, collection string, query bson.M, sort_ bson.D) (Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []bson.M
	for _, doc := range s.coll(collection) {
		if matches(doc, query) {
			out = append(out, cloneDoc(doc))
		}
	}
	if len(sort_) > 0 {
		key := sort_[0].Key
		asc := toInt(sort_[0].Value) >= 0
		sort.Slice(out, func(i, j int) bool {
			a, b := toFloat(out[i][key]), toFloat(out[j][key])
			if asc {
				return a < b
			}
			return a > b
		})
	}
	return &fakeCursor{docs: out}, nil
}

func (s *FakeStore) FindOneAndUpdate(_ context.Context, collection string, query, update bson.M) (bson.M, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, doc := range s.coll(collection) {
		if matches(doc, query) {
			applyUpdate(doc, update)
			s.coll(collection)[id] = doc
			return cloneDoc(doc), nil
		}
	}
	return nil, errno.ErrNotFound
}

func (s *FakeStore) InsertOne(_ context.Context, collection string, doc bson.M) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := doc["_id"].(primitive.ObjectID)
	if !ok {
		id = primitive.NewObjectID()
		doc["_id"] = id
	}
	s.coll(collection)[id] = cloneDoc(doc)
	return id, nil
}

func (s *FakeStore) InsertMany(ctx context.Context, collection string, docs []bson.M) ([]any, error) {
	ids := make([]any, len(docs))
	for i, d := range docs {
		id, err := s.InsertOne(ctx, collection, d)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func (s *FakeStore) DeleteMany(_ context.Context, collection string, query bson.M) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, doc := range s.coll(collection) {
		if matches(doc, query) {
			delete(s.coll(collection), id)
			n++
		}
	}
	return n, nil
}

func (s *FakeStore) CreateIndex(context.Context, string, bson.D, bool) error { return nil }

func (s *FakeStore) Drop(_ context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, collection)
	return nil
}

func (s *FakeStore) NewLargeObject(_ context.Context, _ string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := primitive.NewObjectID()
	s.largeObject[id] = true
	return id, nil
}

func (s *FakeStore) DeleteLargeObject(_ context.Context, id any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.largeObject, id.(primitive.ObjectID))
	delete(s.coll(ChunksCollection), id.(primitive.ObjectID))
	for cid, doc := range s.coll(ChunksCollection) {
		if doc["files_id"] == id {
			delete(s.coll(ChunksCollection), cid)
		}
	}
	return nil
}

// matches reports whether doc satisfies every field in query, supporting
// dotted paths (e.g. "metadata.uid").
func matches(doc bson.M, query bson.M) bool {
	for k, v := range query {
		if !fieldEquals(doc, k, v) {
			return false
		}
	}
	return true
}

func fieldEquals(doc bson.M, path string, want any) bool {
	got, ok := getPath(doc, path)
	if m, isM := want.(bson.M); isM {
		if in, hasIn := m["$in"]; hasIn {
			return containsAny(got, in)
		}
		if ne, hasNe := m["$ne"]; hasNe {
			return !valuesEqual(got, ne)
		}
		if isRangeQuery(m) {
			return ok && withinRange(got, m)
		}
	}
	if !ok {
		return want == nil
	}
	return valuesEqual(got, want)
}

func isRangeQuery(m bson.M) bool {
	for _, op := range []string{"$gte", "$gt", "$lte", "$lt"} {
		if _, has := m[op]; has {
			return true
		}
	}
	return false
}

// withinRange evaluates $gte/$gt/$lte/$lt against got, comparing as
// float64 so int/int32/int64 bounds all compare uniformly.
func withinRange(got any, m bson.M) bool {
	g, ok := toNumber(got)
	if !ok {
		return false
	}
	if v, has := m["$gte"]; has {
		if b, ok := toNumber(v); ok && g < b {
			return false
		}
	}
	if v, has := m["$gt"]; has {
		if b, ok := toNumber(v); ok && g <= b {
			return false
		}
	}
	if v, has := m["$lte"]; has {
		if b, ok := toNumber(v); ok && g > b {
			return false
		}
	}
	if v, has := m["$lt"]; has {
		if b, ok := toNumber(v); ok && g >= b {
			return false
		}
	}
	return true
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float64:
		return float64(x), true
	default:
		return 0, false
	}
}

func containsAny(got any, in any) bool {
	items, ok := in.([]any)
	if !ok {
		return false
	}
	for _, it := range items {
		if valuesEqual(got, it) {
			return true
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	return toComparable(a) == toComparable(b)
}

// toComparable normalises numeric types so that e.g. int and int64 compare
// equal, matching BSON's untyped-number-friendly query semantics closely
// enough for tests.
func toComparable(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case float64:
		return x
	default:
		return v
	}
}

func getPath(doc bson.M, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(bson.M)
		if !ok {
			raw, err := bson.Marshal(cur)
			if err != nil || bson.Unmarshal(raw, &m) != nil {
				return nil, false
			}
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc bson.M, path string, value any) {
	parts := strings.Split(path, ".")
	m := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(bson.M)
		if !ok {
			next = bson.M{}
			if raw, err := bson.Marshal(m[p]); err == nil {
				_ = bson.Unmarshal(raw, &next)
			}
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func unsetPath(doc bson.M, path string) {
	parts := strings.Split(path, ".")
	m := doc
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(bson.M)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
}

func applyUpdate(doc bson.M, update bson.M) {
	if set, ok := update["$set"].(bson.M); ok {
		for k, v := range set {
			setPath(doc, k, v)
		}
	}
	if inc, ok := update["$inc"].(bson.M); ok {
		for k, v := range inc {
			cur, _ := getPath(doc, k)
			sum := toFloat(cur) + toFloat(v)
			_, curIsFloat := cur.(float64)
			_, vIsFloat := v.(float64)
			if curIsFloat || vIsFloat {
				setPath(doc, k, sum)
			} else {
				setPath(doc, k, int64(sum))
			}
		}
	}
	if unset, ok := update["$unset"].(bson.M); ok {
		for k := range unset {
			unsetPath(doc, k)
		}
	}
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	default:
		return 0
	}
}

func toInt(v any) int {
	return int(toFloat(v))
}

func cloneDoc(doc bson.M) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if nested, ok := v.(bson.M); ok {
			out[k] = cloneDoc(nested)
			continue
		}
		out[k] = v
	}
	return out
}
