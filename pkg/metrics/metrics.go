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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gpuguard/gpu-guard/pkg/registry"
	"github.com/gpuguard/gpu-guard/pkg/vram"
)

var (
	vramTotalMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_guard_vram_total_mb",
		Help: "Total VRAM reported by the device, in megabytes.",
	})
	vramFreeMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_guard_vram_free_mb",
		Help: "Free VRAM reported by the device, in megabytes.",
	})
	vramUsedMB = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_guard_vram_used_mb",
		Help: "Used VRAM reported by the device, in megabytes.",
	})

	// serviceState is a kube-state-metrics-style state set: one time
	// series per (service, state) pair, 1 for the current state and 0
	// for every other, so a single query selects the current state per
	// service without needing a label-value-as-number convention.
	serviceState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gpu_guard_service_state",
		Help: "1 if service is currently in state, 0 otherwise.",
	}, []string{"service", "state"})

	lockHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gpu_guard_lock_held",
		Help: "1 if the distributed mutex is currently held, 0 otherwise.",
	})

	preemptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_guard_preemptions_total",
		Help: "Total number of services stopped to make VRAM room for a higher-priority peer.",
	})

	lockAcquireFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gpu_guard_lock_acquire_failures_total",
		Help: "Total number of UseService calls that exhausted the lock backoff budget.",
	})
)

var allStates = []registry.ServiceState{
	registry.StateUnknown,
	registry.StateStopped,
	registry.StateStarting,
	registry.StateReady,
	registry.StateStopping,
	registry.StateError,
}

// RecordSnapshot publishes the latest VRAM accounting figures.
func RecordSnapshot(snap vram.Snapshot) {
	vramTotalMB.Set(float64(snap.TotalMB))
	vramFreeMB.Set(float64(snap.FreeMB))
	vramUsedMB.Set(float64(snap.UsedMB))
}

// RecordServiceStates publishes the current lifecycle state of every
// managed service.
func RecordServiceStates(states map[string]registry.ServiceState) {
	for name, current := range states {
		for _, s := range allStates {
			v := 0.0
			if s == current {
				v = 1.0
			}
			serviceState.WithLabelValues(name, string(s)).Set(v)
		}
	}
}

// RecordLockHeld publishes whether the distributed mutex is currently held.
func RecordLockHeld(held bool) {
	v := 0.0
	if held {
		v = 1.0
	}
	lockHeld.Set(v)
}

// RecordPreemption increments the preemption counter by one.
func RecordPreemption() {
	preemptionsTotal.Inc()
}

// RecordLockAcquireFailure increments the lock-backoff-exhausted counter by one.
func RecordLockAcquireFailure() {
	lockAcquireFailuresTotal.Inc()
}
