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

// Package registry holds the static, declarative catalog of services the
// GPU Resource Manager arbitrates access for.
//
// ServiceDescriptor values are immutable once loaded: all differences
// between deployments come from the configuration document loaded at
// startup (pkg/config), never from runtime mutation. Registry validates
// the catalog once, at construction time, and rejects anything malformed
// before the process starts serving.
package registry
