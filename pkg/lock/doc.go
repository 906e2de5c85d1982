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

// Package lock implements the distributed mutex the Orchestrator uses to
// serialize exclusive GPU use across processes: a single fixed key,
// SETNX-with-TTL acquisition, and a compare-and-delete release that only
// succeeds when the caller still holds the value it acquired.
//
// Acquire is a single atomic Redis command (SET key value NX with an
// expiry of ttl, issued through go-redis SetNX), so
// there is no separate check-then-set race window. ReleaseIfValueEquals
// runs a small embedded Lua script so the compare and the delete happen
// as one atomic operation on the server, which is what makes it safe for
// a lease holder to release without accidentally deleting someone else's
// lock after its own TTL has already expired and been reacquired.
package lock
