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

package registry

import (
	"fmt"
	"net/url"
	"sort"

	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
)

// ServiceKind distinguishes the two ways a managed service's process is
// hosted.
type ServiceKind string

const (
	// Containerized services are started/stopped through the container
	// engine backend.
	Containerized ServiceKind = "containerized"
	// Native services are spawned/killed as local OS processes.
	Native ServiceKind = "native"
)

// ServiceState is the lifecycle state of a managed service.
type ServiceState string

const (
	StateUnknown  ServiceState = "unknown"
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateReady    ServiceState = "ready"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
)

// ServiceDescriptor is an immutable catalog entry describing one managed
// service. Values never change after the registry is constructed; every
// field comes from the configuration document loaded at startup.
type ServiceDescriptor struct {
	Name             string        `json:"name" koanf:"name"`
	Kind             ServiceKind   `json:"kind" koanf:"kind"`
	VRAMMB           int           `json:"vram_mb" koanf:"vram_mb"`
	Priority         int           `json:"priority" koanf:"priority"`
	HealthURL        string        `json:"health_url" koanf:"health_url"`
	HealthTimeoutS   int           `json:"health_timeout_s" koanf:"health_timeout_s"`
	WarmupS          int           `json:"warmup_s" koanf:"warmup_s"`
	Phases           []int         `json:"phases" koanf:"phases"`
	ContainerID      string        `json:"container_id,omitempty" koanf:"container_id"`
	StartCmd         string        `json:"start_cmd,omitempty" koanf:"start_cmd"`
	StopCmd          string        `json:"stop_cmd,omitempty" koanf:"stop_cmd"`
	PIDFile          string        `json:"pid_file,omitempty" koanf:"pid_file"`
	GracefulEvictURL string        `json:"graceful_evict_url,omitempty" koanf:"graceful_evict_url"`
}

// InPhase reports whether the descriptor is required for the given phase.
func (d ServiceDescriptor) InPhase(phase int) bool {
	for _, p := range d.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

// Registry is the read-only catalog of service descriptors, populated
// once at startup. It is safe for concurrent reads; there is no write
// path after construction.
type Registry struct {
	byName map[string]ServiceDescriptor
	order  []string // insertion order, for All() and preemption tie-breaks
}

// New validates descriptors and builds a Registry, or returns
// ConfigInvalid describing the first violation found.
func New(descriptors []ServiceDescriptor) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]ServiceDescriptor, len(descriptors)),
		order:  make([]string, 0, len(descriptors)),
	}

	for _, d := range descriptors {
		if err := validate(d); err != nil {
			return nil, err
		}
		if _, exists := r.byName[d.Name]; exists {
			return nil, cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
				"duplicate service name", map[string]any{"name": d.Name})
		}
		r.byName[d.Name] = d
		r.order = append(r.order, d.Name)
	}

	return r, nil
}

func validate(d ServiceDescriptor) error {
	if d.Name == "" {
		return cnserrors.New(cnserrors.ErrCodeConfigInvalid, "service name must not be empty")
	}

	switch d.Kind {
	case Containerized:
		if d.ContainerID == "" {
			return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
				"containerized service missing container_id", map[string]any{"name": d.Name})
		}
	case Native:
		if d.StartCmd == "" || d.StopCmd == "" {
			return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
				"native service missing start_cmd/stop_cmd", map[string]any{"name": d.Name})
		}
	default:
		return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
			"unknown service kind", map[string]any{"name": d.Name, "kind": string(d.Kind)})
	}

	if d.HealthURL != "" {
		if _, err := url.ParseRequestURI(d.HealthURL); err != nil {
			return cnserrors.WrapWithContext(cnserrors.ErrCodeConfigInvalid,
				"health_url is not a valid URL", err, map[string]any{"name": d.Name})
		}
	}
	if d.GracefulEvictURL != "" {
		if _, err := url.ParseRequestURI(d.GracefulEvictURL); err != nil {
			return cnserrors.WrapWithContext(cnserrors.ErrCodeConfigInvalid,
				"graceful_evict_url is not a valid URL", err, map[string]any{"name": d.Name})
		}
	}

	if d.HealthTimeoutS < 0 || d.WarmupS < 0 {
		return cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
			"timeouts must not be negative", map[string]any{"name": d.Name})
	}

	return nil
}

// Get returns the descriptor for name, or false if no such service is
// registered.
func (r *Registry) Get(name string) (ServiceDescriptor, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// ForPhase returns every descriptor required for the given phase, in
// registry insertion order.
func (r *Registry) ForPhase(phase int) []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0)
	for _, name := range r.order {
		d := r.byName[name]
		if d.InPhase(phase) {
			out = append(out, d)
		}
	}
	return out
}

// All returns every descriptor in stable registry insertion order.
func (r *Registry) All() []ServiceDescriptor {
	out := make([]ServiceDescriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// IndexOf returns the descriptor's position in insertion order, used as
// the tie-break key when priorities are equal. Panics if name is unknown
// -- callers only ever call this with names already validated against
// the same registry.
func (r *Registry) IndexOf(name string) int {
	for i, n := range r.order {
		if n == name {
			return i
		}
	}
	panic(fmt.Sprintf("registry: unknown service %q", name))
}

// sortByPriorityAscending sorts descriptors by ascending priority,
// breaking ties by registry insertion order (earliest first).
func sortByPriorityAscending(r *Registry, descs []ServiceDescriptor) {
	sort.SliceStable(descs, func(i, j int) bool {
		if descs[i].Priority != descs[j].Priority {
			return descs[i].Priority < descs[j].Priority
		}
		return r.IndexOf(descs[i].Name) < r.IndexOf(descs[j].Name)
	})
}

// SortByPriorityAscending exposes the registry's tie-break ordering so the
// orchestrator can rank preemption candidates consistently with ForPhase
// and All.
func (r *Registry) SortByPriorityAscending(descs []ServiceDescriptor) {
	sortByPriorityAscending(r, descs)
}
