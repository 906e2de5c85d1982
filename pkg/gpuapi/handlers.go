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

package gpuapi

import (
	"net/http"
	"strconv"

	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
	"github.com/gpuguard/gpu-guard/pkg/orchestrator"
	"github.com/gpuguard/gpu-guard/pkg/serializer"
	"github.com/gpuguard/gpu-guard/pkg/server"
)

const (
	minPhase = 1
	maxPhase = 5
)

// Handlers binds orch to the six GPU-domain routes and returns a map
// keyed by Go 1.22+ ServeMux patterns, ready for server.WithHandler.
func Handlers(orch *orchestrator.Orchestrator) map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"GET /gpu/status":                handleStatus(orch),
		"POST /gpu/prepare-phase/{n}":     handlePreparePhase(orch),
		"POST /gpu/service/{name}/start":  handleServiceStart(orch),
		"POST /gpu/service/{name}/stop":   handleServiceStop(orch),
		"POST /gpu/release-all":           handleReleaseAll(orch),
		"POST /gpu/lock/release":          handleLockRelease(orch),
	}
}

func handleStatus(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := orch.Status(r.Context())
		if err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to build status report", nil)
			return
		}
		serializer.RespondJSON(w, http.StatusOK, report)
	}
}

func handlePreparePhase(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := strconv.Atoi(r.PathValue("n"))
		if err != nil || n < minPhase || n > maxPhase {
			server.WriteError(w, r, http.StatusBadRequest, cnserrors.ErrCodeInvalidRequest,
				"phase must be an integer in [1,5]", false, map[string]any{"phase": r.PathValue("n")})
			return
		}

		success, err := orch.PrepareForPhase(r.Context(), n)
		if err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to prepare phase", map[string]any{"phase": n})
			return
		}
		serializer.RespondJSON(w, http.StatusOK, map[string]any{"success": success, "phase": n})
	}
}

func handleServiceStart(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		success, err := orch.StartService(r.Context(), name)
		if err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to start service", map[string]any{"service": name})
			return
		}
		serializer.RespondJSON(w, http.StatusOK, map[string]any{"success": success, "service": name})
	}
}

func handleServiceStop(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		force := r.URL.Query().Get("force") == "true"

		success, err := orch.StopService(r.Context(), name, force)
		if err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to stop service", map[string]any{"service": name})
			return
		}
		serializer.RespondJSON(w, http.StatusOK, map[string]any{"success": success, "service": name})
	}
}

func handleReleaseAll(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := orch.ReleaseAll(r.Context()); err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to release all services", nil)
			return
		}
		serializer.RespondJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func handleLockRelease(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		released, err := orch.ForceReleaseLock(r.Context())
		if err != nil {
			server.WriteErrorFromErr(w, r, err, "failed to release lock", nil)
			return
		}
		serializer.RespondJSON(w, http.StatusOK, map[string]any{"released": released})
	}
}
