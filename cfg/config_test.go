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

package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "mongo": {
    "hosts": ["localhost:27017"],
    "database": "fsdb",
    "prefix": "fs.",
    "access_attempt_s": 30,
    "write_acknowledgement": 1,
    "write_j": true,
    "chunk_size": 262144
  },
  "lock": { "timeout_s": 20, "access_attempt_s": 5 },
  "cache": { "timeout_s": 2, "max_elements": 5000 },
  "data_cache": { "timeout_s": 2, "max_elements": 5000 },
  "host": "node-a",
  "development": true,
  "default_root_mode": "0755",
  "force_root_mode": true
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_ParsesAllFields(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	c, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:27017"}, c.Mongo.Hosts)
	assert.Equal(t, "fsdb", c.Mongo.Database)
	assert.Equal(t, 262144, c.Mongo.ChunkSize)
	assert.True(t, c.Mongo.WriteJournal)
	assert.Equal(t, Octal(0755), c.DefaultRootMode)
	assert.True(t, c.ForceRootMode)
	assert.True(t, c.Development)
	assert.Equal(t, "node-a", c.Host)
}

func TestLoad_RejectsChunkSizeOutOfRange(t *testing.T) {
	path := writeConfig(t, `{"mongo":{"hosts":["h"],"database":"d","chunk_size":0}}`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestLoad_RejectsOversizeChunk(t *testing.T) {
	path := writeConfig(t, `{"mongo":{"hosts":["h"],"database":"d","chunk_size":16777216000}}`)

	_, err := Load(path)

	assert.Error(t, err)
}

func TestSeconds_NonPositiveIsInfinite(t *testing.T) {
	c := &Config{Lock: LockConfig{TimeoutSeconds: 0}}
	assert.Equal(t, time.Duration(infiniteSeconds)*time.Second, c.LockTimeout())

	c.Lock.TimeoutSeconds = -5
	assert.Equal(t, time.Duration(infiniteSeconds)*time.Second, c.LockTimeout())

	c.Lock.TimeoutSeconds = 30
	assert.Equal(t, 30*time.Second, c.LockTimeout())
}

func TestResolveHost_KeepsConfiguredValue(t *testing.T) {
	c := &Config{Host: "node-a"}
	assert.Equal(t, "node-a", c.ResolveHost())
}

func TestResolveHost_GeneratesAndCachesWhenBlank(t *testing.T) {
	c := &Config{}
	first := c.ResolveHost()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, c.ResolveHost(), "a second call must reuse the generated identity")
}

func TestOctal_RoundTrips(t *testing.T) {
	var o Octal
	require.NoError(t, o.UnmarshalText([]byte("0755")))
	assert.Equal(t, Octal(0755), o)

	text, err := o.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "755", string(text))
}
