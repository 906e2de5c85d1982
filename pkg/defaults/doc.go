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

// Package defaults provides centralized configuration constants for gpu-guard.
//
// This package defines timeout values, retry parameters, and other configuration
// defaults used across the codebase. Centralizing these values ensures consistency
// and makes tuning easier.
//
// # Timeout Categories
//
// Timeouts are organized by component:
//
//   - VRAM tracker: nvidia-smi query deadline and the system VRAM reserve
//   - Lifecycle: health probing, container-engine and stop deadlines,
//     graceful eviction, and post-stop settle delays
//   - Orchestrator: default lease TTL and the lock back-off series
//   - Server timeouts: For HTTP server configuration
//   - Kubernetes timeouts: For K8s API operations
//   - HTTP client timeouts: For outbound HTTP requests
//   - Redis timeouts: For the distributed lock store
//
// # Usage
//
// Import and use constants directly:
//
//	import "github.com/gpuguard/gpu-guard/pkg/defaults"
//
//	ctx, cancel := context.WithTimeout(ctx, defaults.TrackerQueryTimeout)
//	defer cancel()
//
// # Current Values
//
//   - Tracker query: 2s; VRAM reserve: 1024 MB
//   - Health probe: 10s per probe, every 2s
//   - Container engine and container stop: 30s; graceful eviction: 10s
//   - Settle delay after stop: 2s containerized, 3s native
//   - Lease TTL: 600s; lock back-off: 1, 2, 4, 8, 16s
//   - K8s operations: 30s for scale and pod-delete calls
//   - Server shutdown: 30s for graceful shutdown
package defaults
