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

	"github.com/urfave/cli/v3"

	"github.com/gpuguard/gpu-guard/pkg/serializer"
)

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "server",
		Usage:   "ggd daemon base URL",
		Sources: cli.EnvVars("GGCTL_SERVER"),
		Value:   "http://localhost:8080",
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "format",
		Usage: fmt.Sprintf("output format (%v)", serializer.SupportedFormats()),
		Value: string(serializer.FormatTable),
	}
}

func writeOutput(cmd *cli.Command, data any) error {
	outFormat := serializer.Format(cmd.String("format"))
	if outFormat.IsUnknown() {
		return fmt.Errorf("unknown format %q, supported: %v", cmd.String("format"), serializer.SupportedFormats())
	}
	w := serializer.NewStdoutWriter(outFormat)
	defer w.Close()
	return w.Serialize(context.Background(), data)
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:                  "status",
		EnableShellCompletion: true,
		Usage:                 "Show GPU VRAM, service, and lock status",
		Description: `Fetch the current StatusReport from the ggd daemon: the latest VRAM
snapshot, every managed service's lifecycle state, and the distributed
mutex's holder and remaining TTL, if held.`,
		Flags: []cli.Flag{serverFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd.String("server"))
			var report any
			if err := c.get(ctx, "/gpu/status", &report); err != nil {
				return err
			}
			return writeOutput(cmd, report)
		},
	}
}

func preparePhaseCmd() *cli.Command {
	return &cli.Command{
		Name:                  "prepare-phase",
		EnableShellCompletion: true,
		Usage:                 "Prepare the GPU for a numbered workload phase",
		ArgsUsage:             "<phase 1-5>",
		Description: `Invoke PrepareForPhase(n) on the daemon: lower-priority services not
required by phase n are stopped, in ascending priority order, until
there is enough free VRAM for phase n's services, which are then
started.`,
		Flags: []cli.Flag{serverFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: the phase number")
			}
			c := newClient(cmd.String("server"))
			var out any
			if err := c.post(ctx, "/gpu/prepare-phase/"+cmd.Args().First(), &out); err != nil {
				return err
			}
			return writeOutput(cmd, out)
		},
	}
}

func serviceStartCmd() *cli.Command {
	return &cli.Command{
		Name:                  "start",
		EnableShellCompletion: true,
		Usage:                 "Start (or confirm running) a named service",
		ArgsUsage:             "<service name>",
		Flags:                 []cli.Flag{serverFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: the service name")
			}
			c := newClient(cmd.String("server"))
			var out any
			if err := c.post(ctx, "/gpu/service/"+cmd.Args().First()+"/start", &out); err != nil {
				return err
			}
			return writeOutput(cmd, out)
		},
	}
}

func serviceStopCmd() *cli.Command {
	return &cli.Command{
		Name:                  "stop",
		EnableShellCompletion: true,
		Usage:                 "Stop a named service",
		ArgsUsage:             "<service name>",
		Flags: []cli.Flag{
			serverFlag(),
			formatFlag(),
			&cli.BoolFlag{
				Name:  "force",
				Usage: "also delete remaining pods of a containerized service (no effect on native services)",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one argument: the service name")
			}
			path := "/gpu/service/" + cmd.Args().First() + "/stop"
			if cmd.Bool("force") {
				path += "?force=true"
			}
			c := newClient(cmd.String("server"))
			var out any
			if err := c.post(ctx, path, &out); err != nil {
				return err
			}
			return writeOutput(cmd, out)
		},
	}
}

func serviceCmd() *cli.Command {
	return &cli.Command{
		Name:     "service",
		Usage:    "Start or stop a single managed service",
		Commands: []*cli.Command{serviceStartCmd(), serviceStopCmd()},
	}
}

func releaseAllCmd() *cli.Command {
	return &cli.Command{
		Name:                  "release-all",
		EnableShellCompletion: true,
		Usage:                 "Stop every currently-running service",
		Flags:                 []cli.Flag{serverFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd.String("server"))
			var out any
			if err := c.post(ctx, "/gpu/release-all", &out); err != nil {
				return err
			}
			return writeOutput(cmd, out)
		},
	}
}

func lockReleaseCmd() *cli.Command {
	return &cli.Command{
		Name:                  "release",
		EnableShellCompletion: true,
		Usage:                 "Force-delete the distributed lock record",
		Description: `Operator escape hatch: deletes the mutex key unconditionally. Intended
for recovering from a crash that left a stale lock holder behind; the
lock's TTL would otherwise clear it automatically.`,
		Flags: []cli.Flag{serverFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			c := newClient(cmd.String("server"))
			var out any
			if err := c.post(ctx, "/gpu/lock/release", &out); err != nil {
				return err
			}
			return writeOutput(cmd, out)
		},
	}
}

func lockCmd() *cli.Command {
	return &cli.Command{
		Name:     "lock",
		Usage:    "Inspect or force-release the distributed mutex",
		Commands: []*cli.Command{lockReleaseCmd()},
	}
}
