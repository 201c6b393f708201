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

import "github.com/spf13/viper"

// setDefaults registers the values used when a field is absent from the
// config file, mirroring the teacher's BindFlags defaults.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mongo.prefix", "fs.")
	v.SetDefault("mongo.access_attempt_s", 60)
	v.SetDefault("mongo.write_acknowledgement", 1)
	v.SetDefault("mongo.write_j", false)
	v.SetDefault("mongo.chunk_size", 1<<20)

	v.SetDefault("lock.timeout_s", 30)
	v.SetDefault("lock.access_attempt_s", 10)

	v.SetDefault("cache.timeout_s", 5)
	v.SetDefault("cache.max_elements", 10000)

	v.SetDefault("data_cache.timeout_s", 5)
	v.SetDefault("data_cache.max_elements", 10000)

	v.SetDefault("development", false)
	v.SetDefault("default_root_mode", "0755")
	v.SetDefault("force_root_mode", false)
}
