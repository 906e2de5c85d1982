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

// Package containerengine is the Lifecycle Manager's backend for
// containerized services. A ServiceDescriptor's container_id for a
// containerized service is "<namespace>/<deployment>", identifying a
// pre-existing Kubernetes Deployment that fronts the container; Start and
// Stop scale that Deployment to 1 or 0 replicas rather than creating or
// destroying it, since the deployment's existence and image are managed
// outside this process entirely.
package containerengine
