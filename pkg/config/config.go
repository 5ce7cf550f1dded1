// Copyright The GPU USM Authors. All Rights Reserved.
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

// Package config loads the runtime configuration from YAML.
package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/intel/gpu-usm/pkg/apis/config/v1alpha1"
	logger "github.com/intel/gpu-usm/pkg/log"
)

var log = logger.Get("config")

// Load reads, defaults and validates the configuration in a YAML file.
// An empty path returns the default configuration.
func Load(path string) (*cfgapi.Config, error) {
	if path == "" {
		return cfgapi.Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	log.Info("loaded configuration from %s", path)
	return cfg, nil
}

// Parse parses, defaults and validates YAML configuration data. Unknown
// fields are rejected.
func Parse(data []byte) (*cfgapi.Config, error) {
	cfg := cfgapi.Default()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if cfg.Runtime.Compression == "" {
		cfg.Runtime.Compression = cfgapi.CompressionAuto
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if log.DebugEnabled() {
		if dump, err := yaml.Marshal(cfg); err == nil {
			log.DebugBlock("  <config> ", "%s", string(dump))
		}
	}

	return cfg, nil
}
