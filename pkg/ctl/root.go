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

package ctl

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

const (
	name           = "ggctl"
	versionDefault = "dev"
)

var (
	// overridden during build with ldflags, e.g.
	// -X "github.com/gpuguard/gpu-guard/pkg/ctl.version=1.0.0"
	version = versionDefault
)

// Execute runs the ggctl root command and exits the process on error.
func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nreceived interrupt signal, shutting down gracefully...")
		cancel()
	}()

	root := &cli.Command{
		Name:                  name,
		Usage:                 "operate the gpu-guard resource manager daemon",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			statusCmd(),
			preparePhaseCmd(),
			serviceCmd(),
			releaseAllCmd(),
			lockCmd(),
		},
	}

	if err := root.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
