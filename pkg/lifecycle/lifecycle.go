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

package lifecycle

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
	"github.com/gpuguard/gpu-guard/pkg/registry"
	"github.com/gpuguard/gpu-guard/pkg/unitstatus"
)

// ContainerEngine starts, stops, and reports on the containerized backend.
// Satisfied by *containerengine.Engine; an interface here so tests can
// substitute a fake.
type ContainerEngine interface {
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, force bool) error
	Status(ctx context.Context, containerID string) (readyReplicas int32, err error)
}

// nativeRunner spawns and tears down native OS processes. Abstracted
// behind an interface so tests never shell out.
type nativeRunner interface {
	start(ctx context.Context, shellCmd string) (pid int, err error)
	stop(ctx context.Context, shellCmd string) error
}

// Manager dispatches start/stop/probe calls to the kind-appropriate
// backend and maintains the cached ServiceState visible to callers.
type Manager struct {
	registry *registry.Registry
	engine   ContainerEngine
	runner   nativeRunner
	units    *unitstatus.Reporter
	http     *http.Client

	statesMu sync.RWMutex
	states   map[string]registry.ServiceState

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithHTTPClient overrides the client used for health probes and graceful
// eviction requests.
func WithHTTPClient(client *http.Client) Option {
	return func(m *Manager) { m.http = client }
}

// WithUnitReporter overrides the systemd unit diagnostics reporter.
func WithUnitReporter(r *unitstatus.Reporter) Option {
	return func(m *Manager) { m.units = r }
}

// withNativeRunner overrides the native process backend; unexported since
// only this package's tests need to fake it.
func withNativeRunner(r nativeRunner) Option {
	return func(m *Manager) { m.runner = r }
}

// New returns a Manager backed by reg and engine. Every descriptor in reg
// starts in StateUnknown until its first Probe or EnsureRunning call.
func New(reg *registry.Registry, engine ContainerEngine, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		engine:   engine,
		runner:   execRunner{},
		units:    unitstatus.NewReporter(),
		http:     newProbeClient(),
		states:   make(map[string]registry.ServiceState),
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, d := range reg.All() {
		m.states[d.Name] = registry.StateUnknown
	}
	return m
}

func newProbeClient() *http.Client {
	return &http.Client{Timeout: defaults.HealthProbeTimeout}
}

func (m *Manager) lockFor(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

func (m *Manager) setState(name string, s registry.ServiceState) {
	m.statesMu.Lock()
	defer m.statesMu.Unlock()
	m.states[name] = s
}

func (m *Manager) cachedState(name string) registry.ServiceState {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return m.states[name]
}

// EnsureRunning starts the service if it is not already healthy. It is
// idempotent: a call against an already-ready service only re-probes.
func (m *Manager) EnsureRunning(ctx context.Context, name string) (bool, error) {
	d, ok := m.registry.Get(name)
	if !ok {
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	healthy, _ := m.probe(ctx, d)
	if healthy {
		m.setState(name, registry.StateReady)
		return true, nil
	}

	m.setState(name, registry.StateStarting)

	if err := m.start(ctx, d); err != nil {
		m.setState(name, registry.StateError)
		return false, err
	}

	if d.WarmupS > 0 {
		select {
		case <-time.After(time.Duration(d.WarmupS) * time.Second):
		case <-ctx.Done():
			m.setState(name, registry.StateError)
			return false, ctx.Err()
		}
	}

	timeout := time.Duration(d.HealthTimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaults.HealthProbeTimeout
	}

	if !m.waitReady(ctx, d, timeout) {
		m.setState(name, registry.StateError)
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeStartTimeout,
			"service did not become healthy within its warmup and health-check budget",
			map[string]any{"name": name, "timeout_s": int(timeout.Seconds())})
	}

	m.setState(name, registry.StateReady)
	return true, nil
}

// Stop stops the service, trying a graceful eviction first. For a
// containerized service, force also deletes any pods left after scaling to
// zero. For a native service force has no effect: stop_cmd runs unchanged
// and no harsher signal is sent.
func (m *Manager) Stop(ctx context.Context, name string, force bool) (bool, error) {
	d, ok := m.registry.Get(name)
	if !ok {
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}

	lock := m.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	if d.GracefulEvictURL != "" {
		m.gracefulEvict(ctx, d)
	}

	m.setState(name, registry.StateStopping)

	if err := m.stop(ctx, d, force); err != nil {
		return false, cnserrors.WrapWithContext(cnserrors.ErrCodeStopTimeout,
			"service failed to stop", err, map[string]any{"name": name, "force": force})
	}

	settle := defaults.SettleDelayContainerized
	if d.Kind == registry.Native {
		settle = defaults.SettleDelayNative
	}
	select {
	case <-time.After(settle):
	case <-ctx.Done():
	}

	m.setState(name, registry.StateStopped)
	return true, nil
}

// Probe issues a single health check and updates the cached state
// accordingly. It never blocks on warmup or retries.
func (m *Manager) Probe(ctx context.Context, name string) (bool, error) {
	d, ok := m.registry.Get(name)
	if !ok {
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}

	healthy, err := m.probe(ctx, d)
	if healthy {
		m.setState(name, registry.StateReady)
	} else if m.cachedState(name) == registry.StateReady {
		// A previously ready service that now fails its probe has crashed.
		m.setState(name, registry.StateStopped)
	}
	return healthy, err
}

// WaitReady polls Probe every HealthProbeInterval until success or timeout.
func (m *Manager) WaitReady(ctx context.Context, name string, timeout time.Duration) bool {
	d, ok := m.registry.Get(name)
	if !ok {
		return false
	}
	return m.waitReady(ctx, d, timeout)
}

// States refreshes and returns the ServiceState of every registered
// service, satisfying the bounded-staleness contract on every read.
func (m *Manager) States(ctx context.Context) map[string]registry.ServiceState {
	out := make(map[string]registry.ServiceState)
	for _, d := range m.registry.All() {
		healthy, _ := m.probe(ctx, d)
		if healthy {
			m.setState(d.Name, registry.StateReady)
		} else if m.cachedState(d.Name) == registry.StateReady {
			m.setState(d.Name, registry.StateStopped)
		}
		out[d.Name] = m.cachedState(d.Name)
	}
	return out
}

// UnitState opportunistically reports the systemd unit diagnostics for a
// native service. It is never consulted for readiness; absence of D-Bus
// or a non-systemd host simply reports ok=false.
func (m *Manager) UnitState(ctx context.Context, name string) (unitstatus.Status, bool) {
	d, ok := m.registry.Get(name)
	if !ok || d.Kind != registry.Native || d.PIDFile == "" {
		return unitstatus.Status{}, false
	}
	return m.units.Lookup(ctx, name+".service")
}

func (m *Manager) probe(ctx context.Context, d registry.ServiceDescriptor) (bool, error) {
	if d.HealthURL == "" {
		return m.cachedState(d.Name) == registry.StateReady, nil
	}

	probeCtx, cancel := context.WithTimeout(ctx, defaults.HealthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, d.HealthURL, nil)
	if err != nil {
		return false, nil
	}

	resp, err := m.http.Do(req)
	if err != nil {
		// Transport errors downgrade to "not ready"; only the caller's
		// overall timeout is terminal.
		return false, nil
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

func (m *Manager) waitReady(ctx context.Context, d registry.ServiceDescriptor, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(defaults.HealthProbeInterval)
	defer ticker.Stop()

	if healthy, _ := m.probe(ctx, d); healthy {
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if time.Now().After(deadline) {
				return false
			}
			if healthy, _ := m.probe(ctx, d); healthy {
				return true
			}
		}
	}
}

func (m *Manager) gracefulEvict(ctx context.Context, d registry.ServiceDescriptor) {
	evictCtx, cancel := context.WithTimeout(ctx, defaults.GracefulEvictTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(evictCtx, http.MethodPost, d.GracefulEvictURL,
		bytes.NewReader([]byte(`{"action":"release"}`)))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.http.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

func (m *Manager) start(ctx context.Context, d registry.ServiceDescriptor) error {
	switch d.Kind {
	case registry.Containerized:
		engineCtx, cancel := context.WithTimeout(ctx, defaults.ContainerEngineTimeout)
		defer cancel()
		return m.engine.Start(engineCtx, d.ContainerID)
	case registry.Native:
		pid, err := m.runner.start(ctx, d.StartCmd)
		if err != nil {
			return cnserrors.WrapWithContext(cnserrors.ErrCodeInternal,
				"failed to spawn native process", err, map[string]any{"name": d.Name})
		}
		if d.PIDFile != "" {
			_ = os.WriteFile(d.PIDFile, []byte(strconv.Itoa(pid)), 0o644)
		}
		return nil
	default:
		return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
			"unknown service kind", map[string]any{"name": d.Name, "kind": string(d.Kind)})
	}
}

func (m *Manager) stop(ctx context.Context, d registry.ServiceDescriptor, force bool) error {
	switch d.Kind {
	case registry.Containerized:
		deadline := defaults.ContainerStopDeadline
		if force {
			deadline = defaults.ContainerEngineTimeout
		}
		engineCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()
		return m.engine.Stop(engineCtx, d.ContainerID, force)
	case registry.Native:
		// force has no effect here: stop_cmd is invoked verbatim regardless,
		// there is no harsher-signal substitution for native services.
		cmd := d.StopCmd
		return m.runner.stop(ctx, cmd)
	default:
		return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
			"unknown service kind", map[string]any{"name": d.Name, "kind": string(d.Kind)})
	}
}

// execRunner is the real nativeRunner, shelling out via /bin/sh -c.
type execRunner struct{}

func (execRunner) start(ctx context.Context, shellCmd string) (int, error) {
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()

	cmd := exec.Command("/bin/sh", "-c", shellCmd)
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, err
	}
	pid := cmd.Process.Pid
	// Detached: release the handle so it doesn't become a zombie under
	// this process's wait4.
	go cmd.Process.Release()
	return pid, nil
}

func (execRunner) stop(ctx context.Context, shellCmd string) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", shellCmd)
	return cmd.Run()
}
