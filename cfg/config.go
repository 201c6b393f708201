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

// Package cfg defines the on-disk configuration schema (spec.md §6) as a
// typed Go struct tree, decoded with spf13/viper.
package cfg

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MaxChunkSize is 15 MiB, the upper bound spec.md §6 places on chunk_size.
const MaxChunkSize = 15 * 1 << 20

// infiniteSeconds is substituted for any "*_s" config value ≤ 0, per
// spec.md §6 ("effectively infinite ... encoded as 100 years").
const infiniteSeconds = 100 * 365 * 24 * 3600

type MongoConfig struct {
	Hosts                []string `mapstructure:"hosts"`
	Database             string   `mapstructure:"database"`
	Prefix               string   `mapstructure:"prefix"`
	AccessAttemptSeconds int      `mapstructure:"access_attempt_s"`
	WriteAcknowledgement int      `mapstructure:"write_acknowledgement"`
	WriteJournal         bool     `mapstructure:"write_j"`
	ChunkSize            int      `mapstructure:"chunk_size"`
}

type LockConfig struct {
	TimeoutSeconds       int `mapstructure:"timeout_s"`
	AccessAttemptSeconds int `mapstructure:"access_attempt_s"`
}

type CacheConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_s"`
	MaxElements    int `mapstructure:"max_elements"`
}

// Config is the root of the JSON configuration file described in spec.md §6.
type Config struct {
	Mongo     MongoConfig `mapstructure:"mongo"`
	Lock      LockConfig  `mapstructure:"lock"`
	Cache     CacheConfig `mapstructure:"cache"`
	DataCache CacheConfig `mapstructure:"data_cache"`

	Host        string `mapstructure:"host"`
	Development bool   `mapstructure:"development"`

	DefaultRootMode Octal `mapstructure:"default_root_mode"`
	ForceRootMode   bool  `mapstructure:"force_root_mode"`
}

// Validate enforces the invariants spec.md §6 calls out explicitly.
// Non-conforming configuration is an invalid-config error (fatal at
// startup, per spec.md §7).
func (c *Config) Validate() error {
	if c.Mongo.ChunkSize < 1 || c.Mongo.ChunkSize > MaxChunkSize {
		return fmt.Errorf("mongo.chunk_size must be in [1, %d], got %d", MaxChunkSize, c.Mongo.ChunkSize)
	}
	if len(c.Mongo.Hosts) == 0 {
		return fmt.Errorf("mongo.hosts must not be empty")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database must not be empty")
	}
	return nil
}

// seconds converts a "*_s" config field to a duration, substituting the
// 100-year "infinite" sentinel for any value ≤ 0.
func seconds(s int) time.Duration {
	if s <= 0 {
		s = infiniteSeconds
	}
	return time.Duration(s) * time.Second
}

// ResolveHost returns c.Host, generating and caching a random identity if the
// configuration left it blank. Lock records must carry a stable host
// identity (spec.md §3, §4.6); a blank config value still needs one.
func (c *Config) ResolveHost() string {
	if c.Host == "" {
		c.Host = uuid.NewString()
	}
	return c.Host
}

func (c *Config) MongoAccessAttempt() time.Duration { return seconds(c.Mongo.AccessAttemptSeconds) }
func (c *Config) LockTimeout() time.Duration        { return seconds(c.Lock.TimeoutSeconds) }
func (c *Config) LockAccessAttempt() time.Duration  { return seconds(c.Lock.AccessAttemptSeconds) }
func (c *Config) CacheTimeout() time.Duration       { return seconds(c.Cache.TimeoutSeconds) }
func (c *Config) DataCacheTimeout() time.Duration   { return seconds(c.DataCache.TimeoutSeconds) }
