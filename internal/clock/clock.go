// Copyright 2025 Google LLC
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

// Package clock provides an injectable time source, used throughout mongofs
// so that TTLs, lock timeouts, and stat timestamps are deterministic in
// tests.
package clock

import "time"

// Clock is the time source used by the cache, lock manager, and inode
// metadata timestamps.
type Clock interface {
	Now() time.Time
}

// RealClock reports the wall-clock time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
