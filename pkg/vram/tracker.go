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

package vram

import (
	"context"
	"encoding/xml"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
)

const nvidiaSMICommand = "nvidia-smi"

// Process is a single entry in a Snapshot's process list.
type Process struct {
	PID      int    `json:"pid"`
	Name     string `json:"name"`
	MemoryMB int    `json:"memory_mb"`
}

// Snapshot is a momentary reading of GPU state, aggregated across every
// attached device into one logical budget.
type Snapshot struct {
	TotalMB            int       `json:"total_mb"`
	UsedMB             int       `json:"used_mb"`
	FreeMB             int       `json:"free_mb"`
	Processes          []Process `json:"processes"`
	TemperatureC       *int      `json:"temperature_c,omitempty"`
	UtilizationPercent *int      `json:"utilization_percent,omitempty"`
	SampledAt          time.Time `json:"sampled_at"`
}

// Tracker produces Snapshot values by querying nvidia-smi. The zero value
// is not usable; construct with New.
type Tracker struct {
	runQuery func(ctx context.Context) ([]byte, error)

	mu          sync.Mutex
	initialized bool
	initErr     error
}

// New returns a Tracker bound to the local nvidia-smi binary. The binary
// is looked up in PATH lazily on first use, and the outcome of that
// lookup (success or TrackerUnavailable) is cached for the tracker's
// lifetime.
func New() *Tracker {
	t := &Tracker{}
	t.runQuery = t.queryNvidiaSMI
	return t
}

func (t *Tracker) ensureInitialized() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return t.initErr
	}
	t.initialized = true

	if _, err := exec.LookPath(nvidiaSMICommand); err != nil {
		t.initErr = cnserrors.Wrap(cnserrors.ErrCodeTrackerUnavailable,
			"nvidia-smi not found in PATH", err)
	}
	return t.initErr
}

func (t *Tracker) queryNvidiaSMI(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, nvidiaSMICommand, "-q", "-x")
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Snapshot returns a freshly sampled Snapshot, aggregated across all
// attached devices.
func (t *Tracker) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := t.ensureInitialized(); err != nil {
		return Snapshot{}, err
	}

	qctx, cancel := context.WithTimeout(ctx, defaults.TrackerQueryTimeout)
	defer cancel()

	raw, err := t.runQuery(qctx)
	if err != nil {
		return Snapshot{}, cnserrors.Wrap(cnserrors.ErrCodeTrackerQuery,
			"nvidia-smi query failed", err)
	}

	var doc nvidiaSMILog
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return Snapshot{}, cnserrors.Wrap(cnserrors.ErrCodeTrackerQuery,
			"failed to parse nvidia-smi XML output", err)
	}

	return aggregate(doc), nil
}

// CanFit reports whether requiredMB more can be allocated while keeping
// marginMB of headroom free, based on a fresh snapshot.
func (t *Tracker) CanFit(ctx context.Context, requiredMB, marginMB int) (bool, error) {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return snap.FreeMB-marginMB >= requiredMB, nil
}

// FindProcess returns the first process whose name contains substr,
// case-insensitive, or false if none match.
func (t *Tracker) FindProcess(ctx context.Context, substr string) (Process, bool, error) {
	snap, err := t.Snapshot(ctx)
	if err != nil {
		return Process{}, false, err
	}

	needle := strings.ToLower(substr)
	for _, p := range snap.Processes {
		if strings.Contains(strings.ToLower(p.Name), needle) {
			return p, true, nil
		}
	}
	return Process{}, false, nil
}

// --- nvidia-smi XML document shapes ---

type nvidiaSMILog struct {
	XMLName       xml.Name     `xml:"nvidia_smi_log"`
	Timestamp     string       `xml:"timestamp"`
	DriverVersion string       `xml:"driver_version"`
	CudaVersion   string       `xml:"cuda_version"`
	GPUs          []smiGPU     `xml:"gpu"`
}

type smiGPU struct {
	ProductName   string         `xml:"product_name"`
	Serial        string         `xml:"serial"`
	UUID          string         `xml:"uuid"`
	Temperature   smiTemperature `xml:"temperature"`
	Utilization   smiUtilization `xml:"utilization"`
	FbMemoryUsage smiMemoryUsage `xml:"fb_memory_usage"`
	Processes     smiProcesses   `xml:"processes"`
}

type smiTemperature struct {
	GPUTemp string `xml:"gpu_temp"`
}

type smiUtilization struct {
	GPUUtil string `xml:"gpu_util"`
}

type smiMemoryUsage struct {
	Total string `xml:"total"`
	Used  string `xml:"used"`
	Free  string `xml:"free"`
}

type smiProcesses struct {
	ProcessInfo []smiProcessInfo `xml:"process_info"`
}

type smiProcessInfo struct {
	PID         string `xml:"pid"`
	ProcessName string `xml:"process_name"`
	UsedMemory  string `xml:"used_memory"`
}

func aggregate(doc nvidiaSMILog) Snapshot {
	snap := Snapshot{SampledAt: time.Now()}

	var temps, utils, tempCount, utilCount int

	for _, g := range doc.GPUs {
		snap.TotalMB += parseMiB(g.FbMemoryUsage.Total)
		snap.UsedMB += parseMiB(g.FbMemoryUsage.Used)
		snap.FreeMB += parseMiB(g.FbMemoryUsage.Free)

		if v, ok := parseIntField(g.Temperature.GPUTemp); ok {
			temps += v
			tempCount++
		}
		if v, ok := parseIntField(g.Utilization.GPUUtil); ok {
			utils += v
			utilCount++
		}

		for _, p := range g.Processes.ProcessInfo {
			pid, _ := strconv.Atoi(strings.TrimSpace(p.PID))
			snap.Processes = append(snap.Processes, Process{
				PID:      pid,
				Name:     strings.TrimSpace(p.ProcessName),
				MemoryMB: parseMiB(p.UsedMemory),
			})
		}
	}

	if tempCount > 0 {
		avg := temps / tempCount
		snap.TemperatureC = &avg
	}
	if utilCount > 0 {
		avg := utils / utilCount
		snap.UtilizationPercent = &avg
	}

	return snap
}

// parseMiB parses values like "81920 MiB" or "0 MiB" into an int. Returns
// 0 for unparseable or "N/A" values, which nvidia-smi reports when a field
// is not supported on a given GPU.
func parseMiB(s string) int {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return n
}

func parseIntField(s string) (int, bool) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}
