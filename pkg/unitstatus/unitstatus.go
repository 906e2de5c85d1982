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

package unitstatus

import (
	"context"
	"log/slog"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Status is a unit's reported activation state. The zero value means no
// data was available.
type Status struct {
	ActiveState string
	SubState    string
}

// Reporter queries systemd over D-Bus for unit activation state,
// degrading silently when D-Bus is unreachable.
type Reporter struct{}

// NewReporter returns a Reporter. There is no handle to hold open -- a
// fresh D-Bus connection is opened and closed per query, since unit
// lookups happen only on status reads, not on any hot path.
func NewReporter() *Reporter {
	return &Reporter{}
}

// Lookup returns the activation state of unitName, or ok=false if D-Bus
// is unreachable or the unit does not exist. There is no error result: a
// canceled context also yields ok=false.
func (r *Reporter) Lookup(ctx context.Context, unitName string) (Status, bool) {
	conn, err := dbus.NewSystemdConnectionContext(ctx)
	if err != nil {
		slog.Debug("systemd D-Bus unavailable, skipping unit status", "unit", unitName, "error", err)
		return Status{}, false
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unitName)
	if err != nil {
		slog.Debug("failed to read unit properties", "unit", unitName, "error", err)
		return Status{}, false
	}

	active, _ := props["ActiveState"].(string)
	sub, _ := props["SubState"].(string)
	if active == "" && sub == "" {
		return Status{}, false
	}

	return Status{ActiveState: active, SubState: sub}, true
}
