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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// MongoConfig carries the connection parameters from cfg.MongoConfig that
// the store needs, without importing the cfg package (keeps store usable
// standalone and in tests).
type MongoConfig struct {
	Hosts                []string
	Database             string
	Prefix               string
	AccessAttempt        time.Duration
	WriteAcknowledgement int
	WriteJournal         bool
}

// MongoStore is the production Store backed by go.mongodb.org/mongo-driver,
// wrapping every operation in a RetryPolicy per spec.md §4.1.
type MongoStore struct {
	cfg MongoConfig

	mu     sync.RWMutex
	client *mongo.Client // GUARDED_BY(mu)
	db     *mongo.Database
	bucket *gridfs.Bucket

	retry       *RetryPolicy
	listeners   []Listener
	listenersMu sync.Mutex
}

var _ Store = (*MongoStore)(nil)

// NewMongoStore dials the configured hosts and returns a ready MongoStore.
// unreachable is the mount-abort routine invoked when the retry budget is
// exhausted (spec.md §4.1).
func NewMongoStore(ctx context.Context, cfg MongoConfig, unreachable func()) (*MongoStore, error) {
	s := &MongoStore{cfg: cfg}

	s.retry = &RetryPolicy{
		Budget:           cfg.AccessAttempt,
		SleepInterval:    500 * time.Millisecond,
		Clock:            clock.RealClock{},
		IsTransportError: isTransportError,
		Reconnect:        s.reconnect,
		Unreachable:      unreachable,
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AddListener registers l to be notified on reconnection (the Cache uses
// this to reset itself per spec.md §4.2).
func (s *MongoStore) AddListener(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *MongoStore) connect(ctx context.Context) error {
	opts := options.Client().ApplyURI(mongoURI(s.cfg.Hosts, s.cfg.Database))
	if s.cfg.WriteAcknowledgement > 0 {
		opts = opts.SetWriteConcern(writeconcern.New(
			writeconcern.W(s.cfg.WriteAcknowledgement),
			writeconcern.J(s.cfg.WriteJournal),
		))
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("pinging mongo: %w", err)
	}

	db := client.Database(s.cfg.Database)
	bucket, err := gridfs.NewBucket(db, options.GridFSBucket().SetName(s.cfg.Prefix+"files"))
	if err != nil {
		return fmt.Errorf("creating large-object bucket: %w", err)
	}

	s.mu.Lock()
	s.client, s.db, s.bucket = client, db, bucket
	s.mu.Unlock()
	return nil
}

func (s *MongoStore) reconnect(ctx context.Context) error {
	s.mu.RLock()
	old := s.client
	s.mu.RUnlock()
	if old != nil {
		_ = old.Disconnect(ctx)
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	s.listenersMu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.Unlock()
	for _, l := range listeners {
		l.OnReconnect()
	}
	logger.Infof("store: reconnected to mongo")
	return nil
}

func (s *MongoStore) collection(name string) *mongo.Collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.Collection(s.cfg.Prefix + name)
}

func (s *MongoStore) FindOne(ctx context.Context, collection string, query bson.M) (bson.M, error) {
	var out bson.M
	err := s.retry.Do(ctx, func() error {
		res := s.collection(collection).FindOne(ctx, query)
		if err := res.Err(); err != nil {
			if err == mongo.ErrNoDocuments {
				return errno.ErrNotFound
			}
			return err
		}
		return res.Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) Find(ctx context.Context, collection string, query bson.M, sort bson.D) (Cursor, error) {
	var cur *mongo.Cursor
	err := s.retry.Do(ctx, func() error {
		opts := options.Find()
		if sort != nil {
			opts = opts.SetSort(sort)
		}
		c, err := s.collection(collection).Find(ctx, query, opts)
		if err != nil {
			return err
		}
		cur = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &mongoCursor{cur: cur}, nil
}

func (s *MongoStore) FindOneAndUpdate(ctx context.Context, collection string, query, update bson.M) (bson.M, error) {
	var out bson.M
	err := s.retry.Do(ctx, func() error {
		opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
		res := s.collection(collection).FindOneAndUpdate(ctx, query, update, opts)
		if err := res.Err(); err != nil {
			if err == mongo.ErrNoDocuments {
				return errno.ErrNotFound
			}
			return err
		}
		return res.Decode(&out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *MongoStore) InsertOne(ctx context.Context, collection string, doc bson.M) (any, error) {
	var id any
	err := s.retry.Do(ctx, func() error {
		res, err := s.collection(collection).InsertOne(ctx, doc)
		if err != nil {
			return err
		}
		id = res.InsertedID
		return nil
	})
	return id, err
}

func (s *MongoStore) InsertMany(ctx context.Context, collection string, docs []bson.M) ([]any, error) {
	items := make([]interface{}, len(docs))
	for i, d := range docs {
		items[i] = d
	}
	var ids []any
	err := s.retry.Do(ctx, func() error {
		res, err := s.collection(collection).InsertMany(ctx, items)
		if err != nil {
			return err
		}
		ids = res.InsertedIDs
		return nil
	})
	return ids, err
}

func (s *MongoStore) DeleteMany(ctx context.Context, collection string, query bson.M) (int64, error) {
	var n int64
	err := s.retry.Do(ctx, func() error {
		res, err := s.collection(collection).DeleteMany(ctx, query)
		if err != nil {
			return err
		}
		n = res.DeletedCount
		return nil
	})
	return n, err
}

func (s *MongoStore) CreateIndex(ctx context.Context, collection string, keys bson.D, unique bool) error {
	return s.retry.Do(ctx, func() error {
		_, err := s.collection(collection).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    keys,
			Options: options.Index().SetUnique(unique),
		})
		return err
	})
}

func (s *MongoStore) Drop(ctx context.Context, collection string) error {
	return s.retry.Do(ctx, func() error {
		return s.collection(collection).Drop(ctx)
	})
}

func (s *MongoStore) NewLargeObject(ctx context.Context, filename string) (any, error) {
	var id any
	err := s.retry.Do(ctx, func() error {
		s.mu.RLock()
		bucket := s.bucket
		s.mu.RUnlock()

		stream, err := bucket.OpenUploadStream(filename)
		if err != nil {
			return err
		}
		id = stream.FileID
		return stream.Close()
	})
	return id, err
}

func (s *MongoStore) DeleteLargeObject(ctx context.Context, id any) error {
	return s.retry.Do(ctx, func() error {
		s.mu.RLock()
		bucket := s.bucket
		s.mu.RUnlock()
		return bucket.Delete(id)
	})
}

type mongoCursor struct {
	cur *mongo.Cursor
}

func (c *mongoCursor) Next(ctx context.Context) bool { return c.cur.Next(ctx) }
func (c *mongoCursor) Decode() (bson.M, error) {
	var out bson.M
	err := c.cur.Decode(&out)
	return out, err
}
func (c *mongoCursor) Close(ctx context.Context) error { return c.cur.Close(ctx) }
func (c *mongoCursor) Err() error                      { return c.cur.Err() }

// isTransportError classifies mongo-driver errors that represent a broken
// connection (as opposed to e.g. a duplicate-key write error, which must
// not be retried per spec.md §4.1).
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// A command error means the server responded: the connection is
		// alive and the failure is logical (e.g. a duplicate key), not
		// transport-level.
		return false
	}
	return true
}
