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

// Package userresolver turns the (uid, gid, pid) the kernel bridge hands
// every operation into the full identity spec.md §4.3 needs to evaluate
// permissions and remap ownership: group membership, display names, and
// their reverse lookups.
package userresolver

import (
	"fmt"
	"os/user"
	"strconv"
	"time"

	"github.com/gilles-degols/mongofs/internal/cache"
)

const ttl = 2 * time.Second

// Identity is the resolved view of a caller, per spec.md §4.3.
type Identity struct {
	Uid    uint32
	Gid    uint32
	Pid    uint32
	Uname  string
	Gids   []uint32
	Gnames []string
}

// osLookup is the seam tests substitute to avoid depending on the real
// system's user/group database.
type osLookup interface {
	LookupId(uid string) (*user.User, error)
	LookupGroupId(gid string) (*user.Group, error)
	LookupGroupIds(u *user.User) ([]string, error)
	Lookup(username string) (*user.User, error)
	LookupGroup(name string) (*user.Group, error)
}

type realLookup struct{}

func (realLookup) LookupId(uid string) (*user.User, error) { return user.LookupId(uid) }
func (realLookup) LookupGroupId(gid string) (*user.Group, error) {
	return user.LookupGroupId(gid)
}
func (realLookup) LookupGroupIds(u *user.User) ([]string, error) { return u.GroupIds() }
func (realLookup) Lookup(username string) (*user.User, error)    { return user.Lookup(username) }
func (realLookup) LookupGroup(name string) (*user.Group, error)  { return user.LookupGroup(name) }

// Resolver resolves callers and caches the result for ttl, bounding the
// number of os/user syscalls a busy filesystem makes (spec.md §4.3).
type Resolver struct {
	lookup osLookup

	identities *cache.TTLCache[string, Identity]
	uidByName  *cache.TTLCache[string, uint32]
	gidByName  *cache.TTLCache[string, uint32]
}

// New returns a Resolver backed by the real os/user package.
func New() *Resolver {
	return newWithLookup(realLookup{})
}

func newWithLookup(l osLookup) *Resolver {
	return &Resolver{
		lookup:     l,
		identities: cache.NewTTLCache[string, Identity](ttl, time.Second, 1024),
		uidByName:  cache.NewTTLCache[string, uint32](ttl, time.Second, 1024),
		gidByName:  cache.NewTTLCache[string, uint32](ttl, time.Second, 1024),
	}
}

func identityKey(uid, gid, pid uint32) string {
	return fmt.Sprintf("%d/%d/%d", uid, gid, pid)
}

// Resolve returns the full Identity for (uid, gid, pid), including every
// group the user belongs to (the supplied gid is included even if the
// user's own group list omits it).
func (r *Resolver) Resolve(uid, gid, pid uint32) (Identity, error) {
	key := identityKey(uid, gid, pid)
	if id, found := r.identities.Get(key); found {
		return id, nil
	}

	u, err := r.lookup.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return Identity{}, fmt.Errorf("userresolver: looking up uid %d: %w", uid, err)
	}

	groupIDStrs, err := r.lookup.LookupGroupIds(u)
	if err != nil {
		return Identity{}, fmt.Errorf("userresolver: listing groups for uid %d: %w", uid, err)
	}

	gids := make([]uint32, 0, len(groupIDStrs)+1)
	gnames := make([]string, 0, len(groupIDStrs)+1)
	seen := make(map[uint32]bool)
	haveGid := false
	for _, gs := range groupIDStrs {
		n, err := strconv.ParseUint(gs, 10, 32)
		if err != nil {
			continue
		}
		g := uint32(n)
		if seen[g] {
			continue
		}
		seen[g] = true
		if g == gid {
			haveGid = true
		}
		gids = append(gids, g)
		if grp, err := r.lookup.LookupGroupId(gs); err == nil {
			gnames = append(gnames, grp.Name)
		} else {
			gnames = append(gnames, gs)
		}
	}
	if !haveGid {
		gids = append(gids, gid)
		if grp, err := r.lookup.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
			gnames = append(gnames, grp.Name)
		} else {
			gnames = append(gnames, strconv.FormatUint(uint64(gid), 10))
		}
	}

	id := Identity{Uid: uid, Gid: gid, Pid: pid, Uname: u.Username, Gids: gids, Gnames: gnames}
	r.identities.Set(key, id)
	return id, nil
}

// UidForName resolves a username to a uid, for remapping ownership when the
// recorded host differs from the current one (spec.md §4.3).
func (r *Resolver) UidForName(name string) (uint32, bool) {
	if uid, found := r.uidByName.Get(name); found {
		return uid, true
	}
	u, err := r.lookup.Lookup(name)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, false
	}
	uid := uint32(n)
	r.uidByName.Set(name, uid)
	return uid, true
}

// GidForName resolves a group name to a gid.
func (r *Resolver) GidForName(name string) (uint32, bool) {
	if gid, found := r.gidByName.Get(name); found {
		return gid, true
	}
	g, err := r.lookup.LookupGroup(name)
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, false
	}
	gid := uint32(n)
	r.gidByName.Set(name, gid)
	return gid, true
}
