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

// Package server provides the HTTP server infrastructure that pkg/daemon
// uses to expose the gpu-guard API: application routes supplied by the
// caller, a common middleware chain, health and readiness probes,
// Prometheus metrics, and graceful shutdown.
//
// # Architecture
//
// The server wraps every application route in the following middleware:
//
//   - Rate limiting using token bucket algorithm (golang.org/x/time/rate)
//   - Request ID tracking for distributed tracing
//   - API version negotiation via the Accept header (X-API-Version)
//   - Panic recovery for resilience
//   - Prometheus request metrics
//
// It also provides graceful shutdown handling and health and readiness
// probes for Kubernetes.
//
// # Usage
//
// Basic server startup:
//
//	s := server.New(
//	    server.WithName("ggd"),
//	    server.WithVersion(version),
//	    server.WithHandler(handlers), // map of route pattern to handler
//	)
//	if err := s.Run(ctx); err != nil {
//	    return err
//	}
//
// Custom configuration:
//
//	config := server.NewConfig()
//	config.Port = 9090
//	config.RateLimit = 200  // 200 requests/sec
//	config.RateLimitBurst = 400
//
//	s := server.New(server.WithConfig(config))
//
// The listen port defaults to 8080 and is read from the PORT environment
// variable when set; SHUTDOWN_TIMEOUT_SECONDS overrides the shutdown timeout.
//
// # API Endpoints
//
// Application routes come from WithHandler. Unless the caller registers
// "/", a GET / handler is added that lists the registered routes.
//
// GET /health - Health check (for liveness probe)
//
//	Always returns 200 OK with {"status": "healthy", "timestamp": "..."}
//
// GET /ready - Readiness check (for readiness probe)
//
//	Returns 200 OK when ready, 503 when not ready
//
// # Observability
//
// Request ID Tracking:
//
//	All requests accept an optional X-Request-Id header (UUID format).
//	If not provided, the server generates one automatically.
//	The request ID is returned in the X-Request-Id response header
//	and included in all error responses for tracing.
//
// Rate Limiting:
//
//	Response headers indicate rate limit status:
//	  X-RateLimit-Limit: Total requests allowed per window
//	  X-RateLimit-Remaining: Requests remaining in current window
//	  X-RateLimit-Reset: Unix timestamp when window resets
//
//	When rate limited, returns 429 with Retry-After header.
//
// Metrics:
//
//	GET /metrics serves Prometheus metrics. /health, /ready and /metrics
//	are registered without the middleware chain, so they are not rate limited.
//
// # Error Handling
//
// All errors return a consistent JSON structure:
//
//	{
//	  "code": "RATE_LIMIT_EXCEEDED",
//	  "message": "Rate limit exceeded",
//	  "details": {"limit": 100, "burst": 200},
//	  "requestId": "550e8400-e29b-41d4-a716-446655440000",
//	  "timestamp": "2025-12-22T12:00:00Z",
//	  "retryable": true
//	}
//
// The code is a pkg/errors ErrorCode. WriteErrorFromErr maps a
// StructuredError's code to the HTTP status (HTTPStatusFromCode) and the
// retryable flag; any other error is reported as INTERNAL (500).
//
// # Deployment
//
// Kubernetes deployment example:
//
//	apiVersion: apps/v1
//	kind: Deployment
//	metadata:
//	  name: cns-recommendation-api
//	spec:
//	  replicas: 3
//	  selector:
//	    matchLabels:
//	      app: cns-recommendation-api
//	  template:
//	    metadata:
//	      labels:
//	        app: cns-recommendation-api
//	    spec:
//	      containers:
//	      - name: api
//	        image: cns-recommendation-api:latest
//	        ports:
//	        - containerPort: 8080
//	        env:
//	        - name: PORT
//	          value: "8080"
//	        livenessProbe:
//	          httpGet:
//	            path: /health
//	            port: 8080
//	          initialDelaySeconds: 5
//	          periodSeconds: 10
//	        readinessProbe:
//	          httpGet:
//	            path: /ready
//	            port: 8080
//	          initialDelaySeconds: 5
//	          periodSeconds: 5
//	        resources:
//	          requests:
//	            cpu: 100m
//	            memory: 128Mi
//	          limits:
//	            cpu: 1000m
//	            memory: 512Mi
//
// # References
//
//   - Rate limiting: https://pkg.go.dev/golang.org/x/time/rate
//   - UUID generation: https://pkg.go.dev/github.com/google/uuid
//   - Error groups: https://pkg.go.dev/golang.org/x/sync/errgroup
//   - HTTP best practices: https://datatracker.ietf.org/doc/html/rfc7807
//   - Kubernetes probes: https://kubernetes.io/docs/tasks/configure-pod-container/configure-liveness-readiness-startup-probes/
package server
