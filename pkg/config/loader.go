// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"

	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
)

const (
	envPrefix    = "GPUGUARD_"
	configEnvVar = "CONFIG_PATH"
)

// Loader loads the configuration document from layered sources.
type Loader struct {
	k           *koanf.Koanf
	configPaths []string
	envPrefix   string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithConfigPaths overrides the list of conventional file search paths
// tried when CONFIG_PATH is unset.
func WithConfigPaths(paths ...string) LoaderOption {
	return func(l *Loader) { l.configPaths = paths }
}

// WithEnvPrefix overrides the environment variable prefix.
func WithEnvPrefix(prefix string) LoaderOption {
	return func(l *Loader) { l.envPrefix = prefix }
}

// NewLoader returns a Loader with the default search paths and
// GPUGUARD_ environment prefix.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		k: koanf.New("."),
		configPaths: []string{
			"config.yaml",
			"config/config.yaml",
			"/etc/gpu-guard/config.yaml",
		},
		envPrefix: envPrefix,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load layers embedded defaults, an optional YAML file, and environment
// variables (ascending priority), then validates the result. Unknown keys
// in the file or environment are rejected.
func (l *Loader) Load() (*Document, error) {
	if err := l.loadDefaults(); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeConfigInvalid, "failed to seed config defaults", err)
	}

	if err := l.loadConfigFile(); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeConfigInvalid, "failed to read config file", err)
	}

	if err := l.loadEnv(); err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeConfigInvalid, "failed to read environment config", err)
	}

	var doc Document
	err := l.k.UnmarshalWithConf("", &doc, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			ErrorUnused: true,
			Result:      &doc,
			TagName:     "koanf",
		},
	})
	if err != nil {
		return nil, cnserrors.Wrap(cnserrors.ErrCodeConfigInvalid, "unknown configuration key", err)
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}

	return &doc, nil
}

func (l *Loader) loadDefaults() error {
	defaults := map[string]any{
		"vram_reserve_mb":    1024,
		"default_lock_ttl_s": 600,
		"port":               8080,
		"log_level":          "info",
		"redis.addr":         "localhost:6379",
		"redis.db":           0,
	}
	return l.k.Load(confmap.Provider(defaults, "."), nil)
}

func (l *Loader) loadConfigFile() error {
	if configPath := os.Getenv(configEnvVar); configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("%s points to %q, which does not exist: %w", configEnvVar, configPath, err)
		}
		return l.k.Load(file.Provider(configPath), yaml.Parser())
	}

	for _, path := range l.configPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			return l.k.Load(file.Provider(absPath), yaml.Parser())
		}
	}

	// No file found in any conventional path is not an error: embedded
	// defaults and environment variables alone are a legal configuration
	// for local/dev runs.
	return nil
}

func (l *Loader) loadEnv() error {
	return l.k.Load(env.Provider(l.envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, l.envPrefix)),
			"__", ".",
		)
	}), nil)
}

// Load is a convenience wrapper around NewLoader().Load().
func Load() (*Document, error) {
	return NewLoader().Load()
}
