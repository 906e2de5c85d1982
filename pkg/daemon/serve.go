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

package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gpuguard/gpu-guard/pkg/config"
	"github.com/gpuguard/gpu-guard/pkg/containerengine"
	"github.com/gpuguard/gpu-guard/pkg/gpuapi"
	k8sclient "github.com/gpuguard/gpu-guard/pkg/k8s/client"
	"github.com/gpuguard/gpu-guard/pkg/lifecycle"
	"github.com/gpuguard/gpu-guard/pkg/lock"
	"github.com/gpuguard/gpu-guard/pkg/logging"
	"github.com/gpuguard/gpu-guard/pkg/orchestrator"
	"github.com/gpuguard/gpu-guard/pkg/server"
	"github.com/gpuguard/gpu-guard/pkg/vram"
)

const (
	name           = "ggd"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags, e.g.
	// -X "github.com/gpuguard/gpu-guard/pkg/daemon.version=1.0.0"
	version = versionDefault
	commit  = "unknown"
	date    = "unknown"
)

// Serve starts the GPU resource manager daemon and blocks until shutdown.
func Serve() error {
	ctx := context.Background()

	logging.SetDefaultStructuredLogger(name, version)
	slog.Info("starting", "name", name, "version", version, "commit", commit, "date", date)

	doc, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	reg, err := doc.Registry()
	if err != nil {
		return fmt.Errorf("failed to build service registry: %w", err)
	}
	slog.Info("registry loaded", "services", len(reg.All()))

	kubeClient, _, err := k8sclient.GetKubeClient()
	if err != nil {
		return fmt.Errorf("failed to build kubernetes client: %w", err)
	}
	engine := containerengine.New(kubeClient)

	lockStore, err := lock.NewRedisStore(lock.Options{
		Addr:     doc.Redis.Addr,
		Password: doc.Redis.Password,
		DB:       doc.Redis.DB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer lockStore.Close()

	tracker := vram.New()
	lifecycleMgr := lifecycle.New(reg, engine)
	orch := orchestrator.New(reg, tracker, lifecycleMgr, lockStore, doc.VRAMReserveMB)

	s := server.New(
		server.WithName(name),
		server.WithVersion(version),
		server.WithHandler(gpuapi.Handlers(orch)),
	)

	go pollStatus(ctx, orch)

	if err := s.Run(ctx); err != nil {
		slog.Error("server exited with error", "error", err)
		return err
	}

	return nil
}

// pollStatus periodically calls Status so the Prometheus gauges it
// updates stay fresh even when no operator request is in flight.
func pollStatus(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.Status(ctx); err != nil {
				slog.Warn("background status poll failed", "error", err)
			}
		}
	}
}
