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
	"time"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
	"github.com/gpuguard/gpu-guard/pkg/lock"
	"github.com/gpuguard/gpu-guard/pkg/metrics"
	"github.com/gpuguard/gpu-guard/pkg/registry"
	"github.com/gpuguard/gpu-guard/pkg/vram"
)

// lockKey is the single fixed key name used process-wide for the
// distributed mutex.
const lockKey = "gpu-guard:lock"

// Tracker is the VRAM accounting capability the Orchestrator depends on.
// Satisfied by *vram.Tracker.
type Tracker interface {
	Snapshot(ctx context.Context) (vram.Snapshot, error)
	CanFit(ctx context.Context, requiredMB, marginMB int) (bool, error)
}

// LifecycleManager is the service lifecycle capability the Orchestrator
// depends on. Satisfied by *lifecycle.Manager.
type LifecycleManager interface {
	EnsureRunning(ctx context.Context, name string) (bool, error)
	Stop(ctx context.Context, name string, force bool) (bool, error)
	States(ctx context.Context) map[string]registry.ServiceState
}

// LockRecord is the externally-visible view of the distributed lock. TTL
// is negative when the lock is not currently held, so a JSON consumer
// never has to distinguish "absent" from "zero" for a held lock whose
// lease is about to expire.
type LockRecord struct {
	Holder string `json:"holder"`
	TTL    int    `json:"ttl"`
}

// ServiceStatus is the externally-visible view of one registered
// service: its lifecycle state plus the registry descriptor fields a
// caller needs to reason about scheduling it.
type ServiceStatus struct {
	State    registry.ServiceState `json:"state"`
	VRAMMB   int                   `json:"vram_mb"`
	Priority int                   `json:"priority"`
	Phases   []int                 `json:"phases"`
}

// VRAMStatus is the externally-visible view of the GPU's memory budget:
// the raw nvidia-smi snapshot plus the headroom-adjusted figure callers
// actually need to decide whether a service will fit.
type VRAMStatus struct {
	TotalMB            int        `json:"total_mb"`
	UsedMB             int        `json:"used_mb"`
	FreeMB             int        `json:"free_mb"`
	AvailableMB        int        `json:"available_mb"`
	TemperatureC       *int       `json:"temperature_c,omitempty"`
	UtilizationPercent *int       `json:"utilization_percent,omitempty"`
	SampledAt          time.Time  `json:"sampled_at"`
}

// StatusReport is the composite view returned by Status: a fresh VRAM
// snapshot, every service's current state and descriptor, and the lock
// record.
type StatusReport struct {
	VRAM     VRAMStatus               `json:"vram"`
	Services map[string]ServiceStatus `json:"services"`
	Lock     LockRecord               `json:"lock"`
}

// Lease is a scoped acquisition of the distributed lock for a named
// service. Release is idempotent and safe to call on every exit path,
// including when Acquired is false.
type Lease struct {
	Service  string
	Acquired bool

	release func(ctx context.Context) error
	once    sync.Once
	relErr  error
}

// Release deletes the underlying lock record if this lease still holds
// it. Calling Release more than once is a no-op after the first call.
func (l *Lease) Release(ctx context.Context) error {
	l.once.Do(func() {
		if l.release != nil {
			l.relErr = l.release(ctx)
		}
	})
	return l.relErr
}

// Orchestrator implements phase preparation, leased service use, and
// preemption over a Registry, a Tracker, a LifecycleManager, and a
// distributed lock.Store.
type Orchestrator struct {
	reg       *registry.Registry
	tracker   Tracker
	lifecycle LifecycleManager
	lockStore lock.Store

	vramReserveMB  int
	defaultLockTTL time.Duration

	// prepareMu serializes PrepareForPhase calls within this process so
	// two concurrent phase-prepares never race on the VRAM budget. This
	// is implementation-internal; it is not part of the external
	// contract and UseService never blocks on it.
	prepareMu sync.Mutex
}

// New returns an Orchestrator. vramReserveMB is the system headroom
// subtracted from free VRAM before any fit check succeeds.
func New(reg *registry.Registry, tracker Tracker, lifecycle LifecycleManager, lockStore lock.Store, vramReserveMB int) *Orchestrator {
	return &Orchestrator{
		reg:            reg,
		tracker:        tracker,
		lifecycle:      lifecycle,
		lockStore:      lockStore,
		vramReserveMB:  vramReserveMB,
		defaultLockTTL: defaults.DefaultLockTTL,
	}
}

// PrepareForPhase stops services not required by phase (lowest priority
// first) until enough VRAM is free for phase's services, then ensures
// every required service is running. It returns true iff every required
// service ended up running.
func (o *Orchestrator) PrepareForPhase(ctx context.Context, phase int) (bool, error) {
	o.prepareMu.Lock()
	defer o.prepareMu.Unlock()

	needed := o.reg.ForPhase(phase)
	neededNames := make(map[string]bool, len(needed))
	neededVRAM := 0
	for _, d := range needed {
		neededNames[d.Name] = true
		neededVRAM += d.VRAMMB
	}

	states := o.lifecycle.States(ctx)
	var candidates []registry.ServiceDescriptor
	for _, d := range o.reg.All() {
		if states[d.Name] != registry.StateReady {
			continue
		}
		if neededNames[d.Name] {
			continue
		}
		candidates = append(candidates, d)
	}
	o.reg.SortByPriorityAscending(candidates)

	for len(candidates) > 0 {
		snap, err := o.tracker.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		if snap.FreeMB-o.vramReserveMB >= neededVRAM {
			break
		}

		var victim registry.ServiceDescriptor
		victim, candidates = candidates[0], candidates[1:]
		if _, err := o.lifecycle.Stop(ctx, victim.Name, false); err != nil {
			return false, err
		}
	}

	allOK := true
	for _, d := range needed {
		ok, err := o.lifecycle.EnsureRunning(ctx, d.Name)
		if err != nil || !ok {
			allOK = false
		}
	}

	return allOK, nil
}

// PreemptFor stops lower-priority running services, in ascending
// priority order, until target's descriptor fits in free VRAM or no
// lower-priority candidate remains.
func (o *Orchestrator) PreemptFor(ctx context.Context, name string) error {
	d, ok := o.reg.Get(name)
	if !ok {
		return cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}

	for {
		fit, err := o.tracker.CanFit(ctx, d.VRAMMB, o.vramReserveMB)
		if err != nil {
			return err
		}
		if fit {
			return nil
		}

		states := o.lifecycle.States(ctx)
		var candidates []registry.ServiceDescriptor
		for _, other := range o.reg.All() {
			if other.Name == name {
				continue
			}
			if states[other.Name] != registry.StateReady {
				continue
			}
			// I6: strictly less priority only; never preempt an equal or
			// higher-priority peer.
			if other.Priority >= d.Priority {
				continue
			}
			candidates = append(candidates, other)
		}
		if len(candidates) == 0 {
			return cnserrors.NewWithContext(cnserrors.ErrCodePreemptionBlocked,
				"no lower-priority service could be stopped to make room",
				map[string]any{"name": name, "required_mb": d.VRAMMB})
		}
		o.reg.SortByPriorityAscending(candidates)

		victim := candidates[0]
		if _, err := o.lifecycle.Stop(ctx, victim.Name, false); err != nil {
			return err
		}
		metrics.RecordPreemption()
	}
}

// UseService leases name for exclusive use: it ensures the service is
// running (preempting lower-priority peers if VRAM is tight), then
// acquires the distributed lock with up to five attempts backed off per
// defaults.LockBackoffSeries. Release must be called on every exit path.
func (o *Orchestrator) UseService(ctx context.Context, name string, lockTTL time.Duration) (*Lease, error) {
	d, ok := o.reg.Get(name)
	if !ok {
		return &Lease{Service: name}, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}

	if lockTTL <= 0 {
		lockTTL = o.defaultLockTTL
	}

	fit, err := o.tracker.CanFit(ctx, d.VRAMMB, o.vramReserveMB)
	if err != nil {
		return &Lease{Service: name}, err
	}
	if !fit {
		if err := o.PreemptFor(ctx, name); err != nil {
			return &Lease{Service: name}, err
		}
	}

	ok, err = o.lifecycle.EnsureRunning(ctx, name)
	if err != nil {
		return &Lease{Service: name}, err
	}
	if !ok {
		return &Lease{Service: name}, cnserrors.NewWithContext(cnserrors.ErrCodeStartTimeout,
			"service failed to become ready", map[string]any{"name": name})
	}

	attempts := len(defaults.LockBackoffSeries)
	for attempt := 0; attempt < attempts; attempt++ {
		acquired, err := o.lockStore.Acquire(ctx, lockKey, name, lockTTL)
		if err != nil {
			return &Lease{Service: name}, err
		}
		if acquired {
			return &Lease{
				Service:  name,
				Acquired: true,
				release: func(relCtx context.Context) error {
					_, err := o.lockStore.ReleaseIfValueEquals(relCtx, lockKey, name)
					return err
				},
			}, nil
		}
		if attempt < attempts-1 {
			select {
			case <-time.After(defaults.LockBackoffSeries[attempt]):
			case <-ctx.Done():
				return &Lease{Service: name}, ctx.Err()
			}
		}
	}

	metrics.RecordLockAcquireFailure()
	return &Lease{Service: name}, cnserrors.NewWithContext(cnserrors.ErrCodeLockUnavailable,
		"lock held by another holder after exhausting backoff budget",
		map[string]any{"name": name})
}

// ReleaseAll stops every currently-ready service, used by "GPU idle"
// transitions.
func (o *Orchestrator) ReleaseAll(ctx context.Context) error {
	states := o.lifecycle.States(ctx)
	for _, d := range o.reg.All() {
		if states[d.Name] != registry.StateReady {
			continue
		}
		if _, err := o.lifecycle.Stop(ctx, d.Name, false); err != nil {
			return err
		}
	}
	return nil
}

// StartService ensures the named service is running, without taking the
// distributed lock or preempting on its behalf. Used by the manual
// "/gpu/service/{name}/start" operator endpoint.
func (o *Orchestrator) StartService(ctx context.Context, name string) (bool, error) {
	if _, ok := o.reg.Get(name); !ok {
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}
	return o.lifecycle.EnsureRunning(ctx, name)
}

// StopService stops the named service. Used by the manual
// "/gpu/service/{name}/stop" operator endpoint.
func (o *Orchestrator) StopService(ctx context.Context, name string, force bool) (bool, error) {
	if _, ok := o.reg.Get(name); !ok {
		return false, cnserrors.NewWithContext(cnserrors.ErrCodeUnknownService,
			"unknown service", map[string]any{"name": name})
	}
	return o.lifecycle.Stop(ctx, name, force)
}

// ForceReleaseLock unconditionally deletes the distributed lock record,
// the operator escape hatch for a stale holder left behind by a crash.
// It returns true iff a record existed to delete.
func (o *Orchestrator) ForceReleaseLock(ctx context.Context) (bool, error) {
	return o.lockStore.ForceRelease(ctx, lockKey)
}

// noLockTTL is the TTL reported for an unheld lock: negative so a
// consumer never mistakes "not held" for "about to expire".
const noLockTTL = -1

// Status returns a composite view of GPU and service state.
func (o *Orchestrator) Status(ctx context.Context) (StatusReport, error) {
	snap, err := o.tracker.Snapshot(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	states := o.lifecycle.States(ctx)

	rec := LockRecord{TTL: noLockTTL}
	holder, ttl, ok, err := o.lockStore.Get(ctx, lockKey)
	if err != nil {
		return StatusReport{}, err
	}
	if ok {
		rec.Holder = holder
		rec.TTL = int(ttl.Seconds())
	}

	metrics.RecordSnapshot(snap)
	metrics.RecordServiceStates(states)
	metrics.RecordLockHeld(ok)

	services := make(map[string]ServiceStatus, len(states))
	for _, d := range o.reg.All() {
		services[d.Name] = ServiceStatus{
			State:    states[d.Name],
			VRAMMB:   d.VRAMMB,
			Priority: d.Priority,
			Phases:   d.Phases,
		}
	}

	return StatusReport{
		VRAM: VRAMStatus{
			TotalMB:            snap.TotalMB,
			UsedMB:             snap.UsedMB,
			FreeMB:             snap.FreeMB,
			AvailableMB:        snap.FreeMB - o.vramReserveMB,
			TemperatureC:       snap.TemperatureC,
			UtilizationPercent: snap.UtilizationPercent,
			SampledAt:          snap.SampledAt,
		},
		Services: services,
		Lock:     rec,
	}, nil
}
