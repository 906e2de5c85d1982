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
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
	"github.com/gpuguard/gpu-guard/pkg/registry"
)

// Document is the top-level shape of the loaded configuration: the
// service catalog plus the global options the orchestrator and server
// need at startup.
type Document struct {
	VRAMReserveMB   int                          `koanf:"vram_reserve_mb"`
	DefaultLockTTLS int                          `koanf:"default_lock_ttl_s"`
	Port            int                          `koanf:"port"`
	LogLevel        string                       `koanf:"log_level"`
	Redis           RedisConfig                  `koanf:"redis"`
	Services        []registry.ServiceDescriptor `koanf:"services"`
}

// RedisConfig addresses the lock store.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Registry builds a *registry.Registry from the document's service list.
func (d *Document) Registry() (*registry.Registry, error) {
	return registry.New(d.Services)
}

// Validate rejects globally nonsensical values. Per-service validation
// happens in registry.New, which Load calls on the caller's behalf.
func (d *Document) Validate() error {
	if d.VRAMReserveMB < 0 {
		return cnserrors.New(cnserrors.ErrCodeConfigInvalid, "vram_reserve_mb must not be negative")
	}
	if d.DefaultLockTTLS <= 0 {
		return cnserrors.New(cnserrors.ErrCodeConfigInvalid, "default_lock_ttl_s must be positive")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return cnserrors.New(cnserrors.ErrCodeConfigInvalid, "port must be between 1 and 65535")
	}
	return nil
}
