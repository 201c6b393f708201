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
	"fmt"

	"github.com/spf13/viper"
)

// Load reads and validates the JSON config file at path. An empty path
// applies defaults only, without reading a file; Validate will still reject
// the result if required fields (mongo.hosts, mongo.database) are absent.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(DecodeHook())); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}
