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

// Package unitstatus reports best-effort systemd unit diagnostics for
// native services, via D-Bus. It never participates in the readiness
// state machine -- that stays HTTP-probe driven -- and degrades to "no
// data" rather than an error whenever D-Bus is unreachable (containers,
// non-systemd hosts, permission restrictions), the same posture the
// teacher's systemd collector takes.
package unitstatus
