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

// Package vram tracks VRAM usage against the external hardware counter
// reported by nvidia-smi.
//
// The Tracker queries `nvidia-smi -q -x` (XML mode) for reliable,
// machine-readable output across driver versions, aggregates all attached
// devices into one logical snapshot (this core manages a single nominal GPU
// budget, not multi-GPU topology), and exposes Snapshot, CanFit, and
// FindProcess on top of it.
//
// Tracker is safe for concurrent use; callers obtain a process-wide
// instance via New and share it across the Lifecycle Manager and
// Orchestrator.
package vram
