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

// Package lockmgr arbitrates the advisory shared/exclusive/unlock-intent
// locks spec.md §4.6 defines over inode documents, using the inode's
// lock_version field to make every acquisition step an atomic
// compare-and-set against the store.
package lockmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/inode"
	"github.com/gilles-degols/mongofs/internal/store"
	"go.mongodb.org/mongo-driver/bson"
)

// Type is one of the three advisory lock kinds spec.md §4.6 names.
type Type string

const (
	Shared       Type = "shared"
	Exclusive    Type = "exclusive"
	UnlockIntent Type = "unlock-intent"
)

// Request is one acquisition attempt's parameters.
type Request struct {
	Type     Type
	Wait     bool
	Path     string
	Pid      uint32
	Hostname string
}

// ID builds the implicit lock identity from path, caller pid, and host
// (spec.md §4.6: "id built from the path, caller pid, and host").
func (r Request) ID() string {
	return fmt.Sprintf("%s;%d;%s", r.Path, r.Pid, r.Hostname)
}

// Manager resolves lock acquisition against the inode collection.
type Manager struct {
	store       store.Store
	clock       clock.Clock
	timeout     time.Duration // lock record expiry
	accessAttempt time.Duration // spec.md's lock_access_attempt_seconds
	sleep       func(time.Duration)
}

// New returns a Manager. timeout is the per-record expiry window
// (spec.md's lock_timeout_seconds); accessAttempt is how long the wait loop
// in Acquire polls before giving up with would-deadlock.
func New(st store.Store, clk clock.Clock, timeout, accessAttempt time.Duration) *Manager {
	return &Manager{store: st, clock: clk, timeout: timeout, accessAttempt: accessAttempt, sleep: time.Sleep}
}

// filterLive drops lock records older than the configured timeout.
func (m *Manager) filterLive(lock []inode.LockRecord, now time.Time) []inode.LockRecord {
	if m.timeout <= 0 {
		return lock
	}
	cutoff := now.Add(-m.timeout).UnixNano()
	live := make([]inode.LockRecord, 0, len(lock))
	for _, l := range lock {
		if l.CreationTime >= cutoff {
			live = append(live, l)
		}
	}
	return live
}

func onlyID(lock []inode.LockRecord, id string) bool {
	for _, l := range lock {
		if l.ID != id {
			return false
		}
	}
	return len(lock) > 0
}

func containsID(lock []inode.LockRecord, id string) bool {
	for _, l := range lock {
		if l.ID == id {
			return true
		}
	}
	return false
}

func allShared(lock []inode.LockRecord) bool {
	for _, l := range lock {
		if l.Type != string(Shared) {
			return false
		}
	}
	return true
}

// step runs one atomic attempt of the acquisition algorithm described in
// spec.md §4.6, returning errno.ErrLocked if the caller must retry (or fail
// immediately, if Wait is false).
func (m *Manager) step(ctx context.Context, inodeID any, req Request) (*inode.Document, error) {
	doc, err := m.store.FindOne(ctx, store.FilesCollection, bson.M{"_id": inodeID})
	if err != nil {
		return nil, err
	}
	in, err := inode.Load(doc, m.store)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	id := req.ID()
	live := m.filterLive(in.Doc.Lock, now)

	if len(in.Doc.Lock) > 0 && len(live) == 0 {
		// Every record expired: clear the vector conditional on version,
		// then restart against the refreshed document.
		_, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
			bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion},
			bson.M{"$set": bson.M{"lock": []inode.LockRecord{}}, "$inc": bson.M{"lock_version": 1}})
		if err != nil {
			return nil, err
		}
		return m.step(ctx, inodeID, req)
	}

	if len(live) == 0 {
		if req.Type == UnlockIntent {
			return &in.Doc, nil
		}
		record := inode.LockRecord{CreationTime: now.UnixNano(), ID: id, Type: string(req.Type), Hostname: req.Hostname}
		set := bson.M{"lock": []inode.LockRecord{record}}
		var update bson.M
		if in.Doc.LockVersion == 0 && len(in.Doc.Lock) == 0 {
			update = bson.M{"$set": mergeM(set, bson.M{"lock_version": int64(1)})}
		} else {
			update = bson.M{"$set": set, "$inc": bson.M{"lock_version": 1}}
		}
		updated, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
			bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion}, update)
		if err != nil {
			return nil, errno.ErrLocked
		}
		out, err := inode.Load(updated, m.store)
		if err != nil {
			return nil, err
		}
		return &out.Doc, nil
	}

	switch req.Type {
	case UnlockIntent:
		switch {
		case onlyID(live, id):
			updated, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
				bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion},
				bson.M{"$set": bson.M{"lock": []inode.LockRecord{}}, "$inc": bson.M{"lock_version": 1}})
			if err != nil {
				return nil, errno.ErrLocked
			}
			out, err := inode.Load(updated, m.store)
			if err != nil {
				return nil, err
			}
			return &out.Doc, nil
		case containsID(live, id):
			remaining := removeID(live, id)
			updated, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
				bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion},
				bson.M{"$set": bson.M{"lock": remaining}, "$inc": bson.M{"lock_version": 1}})
			if err != nil {
				return nil, errno.ErrLocked
			}
			out, err := inode.Load(updated, m.store)
			if err != nil {
				return nil, err
			}
			return &out.Doc, nil
		default:
			return nil, errno.ErrLocked
		}

	default:
		if onlyID(live, id) {
			existing := live[0]
			if existing.Type == string(req.Type) {
				return &in.Doc, nil
			}
			rewritten := []inode.LockRecord{{CreationTime: existing.CreationTime, ID: id, Type: string(req.Type), Hostname: req.Hostname}}
			updated, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
				bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion},
				bson.M{"$set": bson.M{"lock": rewritten}, "$inc": bson.M{"lock_version": 1}})
			if err != nil {
				return nil, errno.ErrLocked
			}
			out, err := inode.Load(updated, m.store)
			if err != nil {
				return nil, err
			}
			return &out.Doc, nil
		}

		if req.Type == Shared && allShared(live) {
			if containsID(live, id) {
				return &in.Doc, nil
			}
			pushed := append(append([]inode.LockRecord{}, live...),
				inode.LockRecord{CreationTime: now.UnixNano(), ID: id, Type: string(Shared), Hostname: req.Hostname})
			updated, err := m.store.FindOneAndUpdate(ctx, store.FilesCollection,
				bson.M{"_id": inodeID, "lock_version": in.Doc.LockVersion},
				bson.M{"$set": bson.M{"lock": pushed}, "$inc": bson.M{"lock_version": 1}})
			if err != nil {
				return nil, errno.ErrLocked
			}
			out, err := inode.Load(updated, m.store)
			if err != nil {
				return nil, err
			}
			return &out.Doc, nil
		}

		return nil, errno.ErrLocked
	}
}

func removeID(lock []inode.LockRecord, id string) []inode.LockRecord {
	out := make([]inode.LockRecord, 0, len(lock))
	for _, l := range lock {
		if l.ID != id {
			out = append(out, l)
		}
	}
	return out
}

func mergeM(a, b bson.M) bson.M {
	out := bson.M{}
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Acquire runs the acquisition algorithm, retrying a locked result every
// second (when req.Wait is true) until accessAttempt elapses, at which
// point it fails with would-deadlock (spec.md §4.5, §4.6).
func (m *Manager) Acquire(ctx context.Context, inodeID any, req Request) (*inode.Document, error) {
	start := m.clock.Now()
	for {
		doc, err := m.step(ctx, inodeID, req)
		if err == nil {
			return doc, nil
		}
		if err != errno.ErrLocked {
			return nil, err
		}
		if !req.Wait {
			return nil, errno.ErrLocked
		}
		if m.accessAttempt > 0 && m.clock.Now().Sub(start) >= m.accessAttempt {
			return nil, errno.ErrWouldDeadlock
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		m.sleep(time.Second)
	}
}

// TestLock returns the first live record that would block candidate, or nil
// if the acquisition would succeed (spec.md §4.6's lock-query support).
func (m *Manager) TestLock(ctx context.Context, inodeID any, candidate Request) (*inode.LockRecord, error) {
	doc, err := m.store.FindOne(ctx, store.FilesCollection, bson.M{"_id": inodeID})
	if err != nil {
		return nil, err
	}
	in, err := inode.Load(doc, m.store)
	if err != nil {
		return nil, err
	}

	live := m.filterLive(in.Doc.Lock, m.clock.Now())
	if len(live) == 0 {
		return nil, nil
	}

	id := candidate.ID()
	if onlyID(live, id) {
		return nil, nil
	}
	if candidate.Type == Shared && allShared(live) {
		return nil, nil
	}
	if candidate.Type == UnlockIntent && !containsID(live, id) {
		return &live[0], nil
	}
	return &live[0], nil
}

// Release pulls every record whose id matches caller's id (spec.md §4.6).
func (m *Manager) Release(ctx context.Context, inodeID any, req Request) error {
	_, err := m.Acquire(ctx, inodeID, Request{Type: UnlockIntent, Wait: false, Path: req.Path, Pid: req.Pid, Hostname: req.Hostname})
	if err != nil && err != errno.ErrLocked {
		return err
	}
	return nil
}
