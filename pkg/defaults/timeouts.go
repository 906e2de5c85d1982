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

package defaults

import "time"

// VRAM tracker timeouts and margins.
const (
	// TrackerQueryTimeout bounds a single nvidia-smi query.
	TrackerQueryTimeout = 2 * time.Second

	// VRAMReserveMB is the default system headroom subtracted from free
	// VRAM before CanFit reports true.
	VRAMReserveMB = 1024
)

// Lifecycle timeouts for starting, stopping, and probing services.
const (
	// HealthProbeTimeout bounds a single health check HTTP request.
	HealthProbeTimeout = 10 * time.Second

	// HealthProbeInterval is the polling interval used by WaitReady.
	HealthProbeInterval = 2 * time.Second

	// ContainerEngineTimeout bounds a single container-engine call
	// (scale a deployment, delete pods, read status).
	ContainerEngineTimeout = 30 * time.Second

	// ContainerStopDeadline bounds a containerized stop before force is
	// required.
	ContainerStopDeadline = 30 * time.Second

	// GracefulEvictTimeout bounds the best-effort graceful eviction POST
	// issued before a hard stop.
	GracefulEvictTimeout = 10 * time.Second

	// SettleDelayContainerized is the pause after a containerized stop
	// completes before the service is marked stopped.
	SettleDelayContainerized = 2 * time.Second

	// SettleDelayNative is the pause after a native stop completes before
	// the service is marked stopped. Native process teardown tends to
	// release VRAM slightly slower than container cgroup teardown.
	SettleDelayNative = 3 * time.Second
)

// Orchestrator defaults for leasing and preemption.
const (
	// DefaultLockTTL is the lease TTL used when a caller does not specify
	// one explicitly.
	DefaultLockTTL = 600 * time.Second
)

// LockBackoffSeries is the fixed retry schedule for distributed lock
// acquisition attempts, applied between each of five attempts.
var LockBackoffSeries = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Server timeouts for HTTP server configuration.
const (
	// ServerReadTimeout is the maximum duration for reading the entire
	// request, including the body.
	ServerReadTimeout = 10 * time.Second

	// ServerReadHeaderTimeout prevents slow header attacks.
	ServerReadHeaderTimeout = 5 * time.Second

	// ServerWriteTimeout is the maximum duration for writing a response.
	ServerWriteTimeout = 30 * time.Second

	// ServerIdleTimeout is the maximum duration to wait for the next request.
	ServerIdleTimeout = 120 * time.Second

	// ServerShutdownTimeout is the maximum duration for graceful shutdown.
	ServerShutdownTimeout = 30 * time.Second
)

// Kubernetes timeouts for the containerized lifecycle backend.
const (
	// K8sDeploymentScaleTimeout bounds a deployment scale patch call.
	K8sDeploymentScaleTimeout = 30 * time.Second

	// K8sPodDeleteTimeout bounds a forced pod deletion call.
	K8sPodDeleteTimeout = 30 * time.Second
)

// HTTP client timeouts for outbound requests. Health probes, graceful
// eviction and lock store dialing are bounded by their own constants
// (HealthProbeTimeout, GracefulEvictTimeout, LockStoreDialTimeout), not
// by these.
const (
	// HTTPClientTimeout is the default total timeout for HTTP requests.
	HTTPClientTimeout = 30 * time.Second

	// HTTPConnectTimeout is the timeout for establishing connections.
	HTTPConnectTimeout = 5 * time.Second

	// HTTPTLSHandshakeTimeout is the timeout for TLS handshake.
	HTTPTLSHandshakeTimeout = 5 * time.Second

	// HTTPResponseHeaderTimeout is the timeout for reading response headers.
	HTTPResponseHeaderTimeout = 10 * time.Second

	// HTTPIdleConnTimeout is the timeout for idle connections in the pool.
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPKeepAlive is the keep-alive duration for connections.
	HTTPKeepAlive = 30 * time.Second

	// HTTPExpectContinueTimeout is the timeout for Expect: 100-continue.
	HTTPExpectContinueTimeout = 1 * time.Second
)

// Redis timeouts for the distributed lock store.
const (
	// LockStoreDialTimeout bounds the initial Redis connection.
	LockStoreDialTimeout = 5 * time.Second

	// LockStoreOpTimeout bounds a single Redis command (SET/GET/EVAL).
	LockStoreOpTimeout = 3 * time.Second
)
