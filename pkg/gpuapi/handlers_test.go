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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gpuguard/gpu-guard/pkg/orchestrator"
	"github.com/gpuguard/gpu-guard/pkg/registry"
	"github.com/gpuguard/gpu-guard/pkg/vram"
)

type stubTracker struct{ freeMB int }

func (s *stubTracker) Snapshot(ctx context.Context) (vram.Snapshot, error) {
	return vram.Snapshot{TotalMB: 24576, FreeMB: s.freeMB, UsedMB: 24576 - s.freeMB}, nil
}

func (s *stubTracker) CanFit(ctx context.Context, requiredMB, marginMB int) (bool, error) {
	return s.freeMB-marginMB >= requiredMB, nil
}

type stubLifecycle struct {
	mu     sync.Mutex
	states map[string]registry.ServiceState
}

func (s *stubLifecycle) EnsureRunning(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = registry.StateReady
	return true, nil
}

func (s *stubLifecycle) Stop(ctx context.Context, name string, force bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = registry.StateStopped
	return true, nil
}

func (s *stubLifecycle) States(ctx context.Context) map[string]registry.ServiceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]registry.ServiceState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

type stubLockStore struct {
	mu     sync.Mutex
	holder string
}

func (s *stubLockStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != "" {
		return false, nil
	}
	s.holder = value
	return true, nil
}

func (s *stubLockStore) ReleaseIfValueEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder != value {
		return false, nil
	}
	s.holder = ""
	return true, nil
}

func (s *stubLockStore) Get(ctx context.Context, key string) (string, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == "" {
		return "", 0, false, nil
	}
	return s.holder, time.Minute, true, nil
}

func (s *stubLockStore) ForceRelease(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := s.holder != ""
	s.holder = ""
	return existed, nil
}

func (s *stubLockStore) Close() error { return nil }

func newTestOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "alpha", Kind: registry.Containerized, ContainerID: "prod/alpha", Priority: 100, VRAMMB: 4096, Phases: []int{1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tracker := &stubTracker{freeMB: 24576}
	lc := &stubLifecycle{states: map[string]registry.ServiceState{"alpha": registry.StateStopped}}
	return orchestrator.New(reg, tracker, lc, &stubLockStore{}, 1024)
}

func TestHandleStatus(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodGet, "/gpu/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var report orchestrator.StatusReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if report.VRAM.TotalMB != 24576 {
		t.Errorf("expected total 24576, got %d", report.VRAM.TotalMB)
	}
	if report.VRAM.AvailableMB != 24576-1024 {
		t.Errorf("expected available_mb %d, got %d", 24576-1024, report.VRAM.AvailableMB)
	}

	alpha, ok := report.Services["alpha"]
	if !ok {
		t.Fatal("expected alpha in services map")
	}
	if alpha.State != registry.StateStopped {
		t.Errorf("expected alpha stopped, got %s", alpha.State)
	}
	if alpha.VRAMMB != 4096 || alpha.Priority != 100 || len(alpha.Phases) != 1 || alpha.Phases[0] != 1 {
		t.Errorf("unexpected alpha descriptor fields: %+v", alpha)
	}

	if report.Lock.Holder != "" {
		t.Errorf("expected no lock holder, got %q", report.Lock.Holder)
	}
	if report.Lock.TTL >= 0 {
		t.Errorf("expected negative ttl for unheld lock, got %d", report.Lock.TTL)
	}
}

func TestHandlePreparePhase_OutOfRange(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodPost, "/gpu/prepare-phase/9", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlePreparePhase_Valid(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodPost, "/gpu/prepare-phase/1", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleServiceStart_UnknownService(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodPost, "/gpu/service/ghost/start", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleServiceStop_ForceQueryParam(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodPost, "/gpu/service/alpha/stop?force=true", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleLockRelease(t *testing.T) {
	orch := newTestOrchestrator(t)
	mux := http.NewServeMux()
	for pattern, h := range Handlers(orch) {
		mux.HandleFunc(pattern, h)
	}

	req := httptest.NewRequest(http.MethodPost, "/gpu/lock/release", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["released"] {
		t.Errorf("expected no lock held, got released=true")
	}
}
