// Copyright 2024 Google Inc. All Rights Reserved.
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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gilles-degols/mongofs/cfg"
	"github.com/gilles-degols/mongofs/internal/bridge"
	"github.com/gilles-degols/mongofs/internal/cache"
	"github.com/gilles-degols/mongofs/internal/chunkio"
	"github.com/gilles-degols/mongofs/internal/clock"
	"github.com/gilles-degols/mongofs/internal/errno"
	"github.com/gilles-degols/mongofs/internal/fsengine"
	"github.com/gilles-degols/mongofs/internal/inode"
	"github.com/gilles-degols/mongofs/internal/lockmgr"
	"github.com/gilles-degols/mongofs/internal/logger"
	"github.com/gilles-degols/mongofs/internal/pathresolver"
	"github.com/gilles-degols/mongofs/internal/store"
	"github.com/gilles-degols/mongofs/internal/userresolver"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/bson"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mongofs mount_point [config_path]",
	Short: "Mount a MongoDB-backed filesystem over FUSE",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			cfgFile = args[1]
		}
		return mount(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the JSON configuration file")
}

// Execute runs the root command; main.go's only job is to call this.
func Execute() error {
	return rootCmd.Execute()
}

// mount loads configuration, dials the store, ensures the root inode
// exists, and mounts the FUSE file system at mountPoint, joining until the
// kernel tears the mount down or a signal unmounts it.
func mount(ctx context.Context, mountPoint string) error {
	c, err := cfg.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	host := c.ResolveHost()

	st, err := store.NewMongoStore(ctx, store.MongoConfig{
		Hosts:                c.Mongo.Hosts,
		Database:             c.Mongo.Database,
		Prefix:               c.Mongo.Prefix,
		AccessAttempt:        c.MongoAccessAttempt(),
		WriteAcknowledgement: c.Mongo.WriteAcknowledgement,
		WriteJournal:         c.Mongo.WriteJournal,
	}, func() {
		logger.Errorf("mongo store unreachable past the retry budget, aborting")
		_ = fuse.Unmount(mountPoint)
		time.Sleep(time.Second)
		_ = syscall.Kill(os.Getpid(), syscall.SIGKILL)
		os.Exit(1)
	})
	if err != nil {
		return fmt.Errorf("connecting to mongo: %w", err)
	}

	if c.Development {
		for _, coll := range []string{store.FilesCollection, store.ChunksCollection} {
			if err := st.Drop(ctx, coll); err != nil {
				return fmt.Errorf("wiping %s in development mode: %w", coll, err)
			}
		}
	}

	clk := clock.RealClock{}
	ca := cache.New(st, cache.Config{TTL: c.CacheTimeout(), MaxElements: c.Cache.MaxElements})
	locks := lockmgr.New(st, clk, c.LockTimeout(), c.LockAccessAttempt())

	rootID, err := bootstrapRoot(ctx, st, c, clk)
	if err != nil {
		return fmt.Errorf("bootstrapping root inode: %w", err)
	}

	resolver := pathresolver.New(ca, locks, rootID)
	users := userresolver.New()
	io := chunkio.New(ca, clk)
	engine := fsengine.New(ca, locks, resolver, users, io, clk, host, int64(c.Mongo.ChunkSize))

	caller := bridge.Caller{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid()), Pid: uint32(os.Getpid())}
	server := fuseutil.NewFileSystemServer(newAdapter(engine, caller))

	mountCfg := &fuse.MountConfig{
		FSName:     "mongofs",
		Subtype:    "mongofs",
		VolumeName: "mongofs",
	}

	// Speculatively detach a stale previous mount; failure is expected when
	// nothing is mounted there.
	_ = fuse.Unmount(mountPoint)

	mfs, err := fuse.Mount(mountPoint, server, mountCfg)
	if err != nil {
		return fmt.Errorf("mounting at %s: %w", mountPoint, err)
	}
	logger.Infof("mongofs mounted at %s", mountPoint)

	registerSIGINTHandler(mountPoint)

	return mfs.Join(ctx)
}

// bootstrapRoot ensures the root directory document exists, creating it
// with DefaultRootMode if absent, and rewriting its mode in place when
// ForceRootMode is set (spec.md §4.4: "the root inode is ensured at engine
// startup").
func bootstrapRoot(ctx context.Context, st store.Store, c *cfg.Config, clk clock.Clock) (any, error) {
	now := func() int64 { return clk.Now().UnixNano() }

	doc, err := st.FindOne(ctx, store.FilesCollection, bson.M{"parent_id": nil, "filename": ""})
	if errors.Is(err, errno.ErrNotFound) {
		root, err := inode.New(ctx, st, inode.NewParams{
			ParentID:  nil,
			Filename:  "",
			Type:      inode.TypeDirectory,
			Mode:      uint32(c.DefaultRootMode),
			Caller:    inode.Caller{Uid: 0},
			ChunkSize: int64(c.Mongo.ChunkSize),
			Now:       now,
		})
		if err != nil {
			return nil, err
		}
		return root.Doc.ID, nil
	}
	if err != nil {
		return nil, err
	}

	root, err := inode.Load(doc, st)
	if err != nil {
		return nil, err
	}
	if c.ForceRootMode {
		root.Doc.Metadata.Mode = uint32(c.DefaultRootMode) | (root.Doc.Metadata.Mode &^ 0777)
		root.Doc.Metadata.Ctime = now()
		if err := root.BasicSave(ctx); err != nil {
			return nil, err
		}
	}
	return root.Doc.ID, nil
}

// registerSIGINTHandler unmounts mountPoint on SIGINT, matching the
// teacher's retry-until-successful unmount loop.
func registerSIGINTHandler(mountPoint string) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt)

	go func() {
		for range signalChan {
			logger.Infof("received SIGINT, attempting to unmount %s", mountPoint)
			if err := fuse.Unmount(mountPoint); err != nil {
				logger.Errorf("failed to unmount: %v", err)
				continue
			}
			return
		}
	}()
}
