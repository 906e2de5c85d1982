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

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
	"github.com/gpuguard/gpu-guard/pkg/registry"
	"github.com/gpuguard/gpu-guard/pkg/vram"
)

const totalVRAMMB = 24576 // 24 GB nominal device

type fakeTracker struct {
	mu     sync.Mutex
	freeMB int
}

func (f *fakeTracker) Snapshot(ctx context.Context) (vram.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return vram.Snapshot{TotalMB: totalVRAMMB, FreeMB: f.freeMB, UsedMB: totalVRAMMB - f.freeMB}, nil
}

func (f *fakeTracker) CanFit(ctx context.Context, requiredMB, marginMB int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeMB-marginMB >= requiredMB, nil
}

func (f *fakeTracker) reclaim(mb int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeMB += mb
}

func (f *fakeTracker) consume(mb int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freeMB -= mb
}

type fakeLifecycle struct {
	reg     *registry.Registry
	tracker *fakeTracker

	mu      sync.Mutex
	states  map[string]registry.ServiceState
	stopped []string
	started []string
}

func newFakeLifecycle(reg *registry.Registry, tracker *fakeTracker, initiallyReady ...string) *fakeLifecycle {
	l := &fakeLifecycle{reg: reg, tracker: tracker, states: make(map[string]registry.ServiceState)}
	for _, d := range reg.All() {
		l.states[d.Name] = registry.StateStopped
	}
	for _, name := range initiallyReady {
		l.states[name] = registry.StateReady
	}
	return l
}

func (l *fakeLifecycle) EnsureRunning(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states[name] == registry.StateReady {
		return true, nil
	}
	d, _ := l.reg.Get(name)
	l.tracker.consume(d.VRAMMB)
	l.states[name] = registry.StateReady
	l.started = append(l.started, name)
	return true, nil
}

func (l *fakeLifecycle) Stop(ctx context.Context, name string, force bool) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.states[name] != registry.StateReady {
		l.states[name] = registry.StateStopped
		return true, nil
	}
	d, _ := l.reg.Get(name)
	l.tracker.reclaim(d.VRAMMB)
	l.states[name] = registry.StateStopped
	l.stopped = append(l.stopped, name)
	return true, nil
}

func (l *fakeLifecycle) States(ctx context.Context) map[string]registry.ServiceState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]registry.ServiceState, len(l.states))
	for k, v := range l.states {
		out[k] = v
	}
	return out
}

type fakeLockStore struct {
	mu      sync.Mutex
	holder  string
	value   string
	expires time.Time
}

func (s *fakeLockStore) expired() bool {
	return s.holder == "" || time.Now().After(s.expires)
}

func (s *fakeLockStore) Acquire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expired() {
		return false, nil
	}
	s.holder = key
	s.value = value
	s.expires = time.Now().Add(ttl)
	return true, nil
}

func (s *fakeLockStore) ReleaseIfValueEquals(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired() || s.value != value {
		return false, nil
	}
	s.holder = ""
	s.value = ""
	return true, nil
}

func (s *fakeLockStore) Get(ctx context.Context, key string) (string, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired() {
		return "", 0, false, nil
	}
	return s.value, time.Until(s.expires), true, nil
}

func (s *fakeLockStore) ForceRelease(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existed := !s.expired()
	s.holder = ""
	s.value = ""
	return existed, nil
}

func (s *fakeLockStore) Close() error { return nil }

// fixtures builds the spec's A/B/C/D fixture descriptors.
func fixtures(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.ServiceDescriptor{
		{Name: "A", Kind: registry.Containerized, ContainerID: "prod/a", Priority: 100, VRAMMB: 20480, Phases: []int{4}},
		{Name: "B", Kind: registry.Containerized, ContainerID: "prod/b", Priority: 50, VRAMMB: 4096, Phases: []int{3}},
		{Name: "C", Kind: registry.Containerized, ContainerID: "prod/c", Priority: 40, VRAMMB: 4096, Phases: []int{2}},
		{Name: "D", Kind: registry.Containerized, ContainerID: "prod/d", Priority: 10, VRAMMB: 18432, Phases: []int{}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return reg
}

func TestPrepareForPhase_ColdStart(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB}
	lc := newFakeLifecycle(reg, tracker)
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	ok, err := o.PrepareForPhase(context.Background(), 4)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	states := lc.States(context.Background())
	if states["A"] != registry.StateReady {
		t.Errorf("expected A ready, got %s", states["A"])
	}
	for _, name := range []string{"B", "C", "D"} {
		if states[name] != registry.StateStopped {
			t.Errorf("expected %s stopped, got %s", name, states[name])
		}
	}

	report, err := o.Status(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Lock.Holder != "" {
		t.Errorf("expected no lock holder, got %q", report.Lock.Holder)
	}
}

func TestPrepareForPhase_PreemptsLowerPriority(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB - 4096} // B already running
	lc := newFakeLifecycle(reg, tracker, "B")
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	ok, err := o.PrepareForPhase(context.Background(), 4)
	if err != nil || !ok {
		t.Fatalf("expected success, got ok=%v err=%v", ok, err)
	}

	states := lc.States(context.Background())
	if states["A"] != registry.StateReady {
		t.Errorf("expected A ready, got %s", states["A"])
	}
	if states["B"] != registry.StateStopped {
		t.Errorf("expected B stopped (preempted), got %s", states["B"])
	}
	if len(lc.stopped) != 1 || lc.stopped[0] != "B" {
		t.Errorf("expected exactly one stop of B, got %v", lc.stopped)
	}
}

func TestPrepareForPhase_Idempotent(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB}
	lc := newFakeLifecycle(reg, tracker)
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	if _, err := o.PrepareForPhase(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	startsAfterFirst := len(lc.started)

	if _, err := o.PrepareForPhase(context.Background(), 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lc.started) != startsAfterFirst {
		t.Errorf("expected second prepare to issue no new starts, got %d new", len(lc.started)-startsAfterFirst)
	}
	if len(lc.stopped) != 0 {
		t.Errorf("expected second prepare to issue no stops, got %v", lc.stopped)
	}
}

func TestPreemptFor_BlockedWithNoLowerPriorityCandidate(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: 1024} // nothing running, but device itself too small
	lc := newFakeLifecycle(reg, tracker)
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	err := o.PreemptFor(context.Background(), "A")
	var se *cnserrors.StructuredError
	if se, _ = err.(*cnserrors.StructuredError); se == nil || se.Code != cnserrors.ErrCodePreemptionBlocked {
		t.Fatalf("expected PREEMPTION_BLOCKED, got %v", err)
	}
}

func TestUseService_PreemptsThenAcquiresLease(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB - 18432} // D already running
	lc := newFakeLifecycle(reg, tracker, "D")
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	lease, err := o.UseService(context.Background(), "A", 600*time.Second)
	if err != nil || !lease.Acquired {
		t.Fatalf("expected lease acquired, got acquired=%v err=%v", lease.Acquired, err)
	}
	defer lease.Release(context.Background())

	states := lc.States(context.Background())
	if states["D"] != registry.StateStopped {
		t.Errorf("expected D preempted, got %s", states["D"])
	}
	if states["A"] != registry.StateReady {
		t.Errorf("expected A ready, got %s", states["A"])
	}
}

func TestUseService_LockContendedExhaustsBackoff(t *testing.T) {
	orig := defaults.LockBackoffSeries
	defaults.LockBackoffSeries = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { defaults.LockBackoffSeries = orig }()

	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB}
	lc := newFakeLifecycle(reg, tracker)
	store := &fakeLockStore{}
	o := New(reg, tracker, lc, store, 1024)

	// Another holder already owns the lock.
	if ok, err := store.Acquire(context.Background(), lockKey, "other", time.Minute); err != nil || !ok {
		t.Fatalf("setup failed: ok=%v err=%v", ok, err)
	}

	lease, err := o.UseService(context.Background(), "B", 600*time.Second)
	if lease.Acquired || err == nil {
		t.Fatalf("expected lock unavailable, got acquired=%v err=%v", lease.Acquired, err)
	}
	var se *cnserrors.StructuredError
	if se, _ = err.(*cnserrors.StructuredError); se == nil || se.Code != cnserrors.ErrCodeLockUnavailable {
		t.Errorf("expected LOCK_UNAVAILABLE, got %v", err)
	}
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB}
	lc := newFakeLifecycle(reg, tracker)
	store := &fakeLockStore{}
	o := New(reg, tracker, lc, store, 1024)

	lease, err := o.UseService(context.Background(), "B", 600*time.Second)
	if err != nil || !lease.Acquired {
		t.Fatalf("expected lease acquired, got acquired=%v err=%v", lease.Acquired, err)
	}

	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := lease.Release(context.Background()); err != nil {
		t.Fatalf("second release should be a no-op, got: %v", err)
	}

	holder, _, ok, err := store.Get(context.Background(), lockKey)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Errorf("expected lock released, still held by %q", holder)
	}
}

func TestReleaseAll_StopsEveryReadyService(t *testing.T) {
	reg := fixtures(t)
	tracker := &fakeTracker{freeMB: totalVRAMMB - 20480 - 4096}
	lc := newFakeLifecycle(reg, tracker, "A", "B")
	o := New(reg, tracker, lc, &fakeLockStore{}, 1024)

	if err := o.ReleaseAll(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	states := lc.States(context.Background())
	for _, name := range []string{"A", "B", "C", "D"} {
		if states[name] != registry.StateStopped {
			t.Errorf("expected %s stopped, got %s", name, states[name])
		}
	}
}
