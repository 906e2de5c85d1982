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
	"errors"
	"testing"

	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
)

func nativeDesc(name string, priority int, phases ...int) ServiceDescriptor {
	return ServiceDescriptor{
		Name:     name,
		Kind:     Native,
		Priority: priority,
		StartCmd: "/bin/start-" + name,
		StopCmd:  "/bin/stop-" + name,
		Phases:   phases,
	}
}

func TestNew_RejectsDuplicateNames(t *testing.T) {
	_, err := New([]ServiceDescriptor{
		nativeDesc("a", 1, 1),
		nativeDesc("a", 2, 2),
	})
	assertConfigInvalid(t, err)
}

func TestNew_RejectsNativeMissingCommands(t *testing.T) {
	_, err := New([]ServiceDescriptor{
		{Name: "a", Kind: Native, Phases: []int{1}},
	})
	assertConfigInvalid(t, err)
}

func TestNew_RejectsContainerizedMissingContainerID(t *testing.T) {
	_, err := New([]ServiceDescriptor{
		{Name: "a", Kind: Containerized, Phases: []int{1}},
	})
	assertConfigInvalid(t, err)
}

func TestNew_RejectsInvalidHealthURL(t *testing.T) {
	d := nativeDesc("a", 1, 1)
	d.HealthURL = "not a url"
	_, err := New([]ServiceDescriptor{d})
	assertConfigInvalid(t, err)
}

func TestNew_RejectsNegativeTimeouts(t *testing.T) {
	d := nativeDesc("a", 1, 1)
	d.HealthTimeoutS = -5
	_, err := New([]ServiceDescriptor{d})
	assertConfigInvalid(t, err)
}

func TestNew_AcceptsValidCatalog(t *testing.T) {
	r, err := New([]ServiceDescriptor{
		nativeDesc("a", 1, 1, 2),
		{Name: "b", Kind: Containerized, ContainerID: "ns/dep", Priority: 2, Phases: []int{2}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.All()) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(r.All()))
	}
}

func TestGet(t *testing.T) {
	r, err := New([]ServiceDescriptor{nativeDesc("a", 1, 1)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := r.Get("a"); !ok {
		t.Error("expected to find service a")
	}
	if _, ok := r.Get("missing"); ok {
		t.Error("expected not to find unknown service")
	}
}

func TestForPhase_ReturnsInsertionOrder(t *testing.T) {
	r, err := New([]ServiceDescriptor{
		nativeDesc("c", 1, 1),
		nativeDesc("a", 2, 1),
		nativeDesc("b", 3, 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.ForPhase(1)
	want := []string{"c", "a", "b"}
	if len(got) != len(want) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(got))
	}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}
}

func TestForPhase_ExcludesOtherPhases(t *testing.T) {
	r, err := New([]ServiceDescriptor{
		nativeDesc("a", 1, 1),
		nativeDesc("b", 1, 2),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.ForPhase(2)
	if len(got) != 1 || got[0].Name != "b" {
		t.Errorf("expected only b for phase 2, got %+v", got)
	}
}

func TestAll_StableInsertionOrder(t *testing.T) {
	r, err := New([]ServiceDescriptor{
		nativeDesc("z", 1, 1),
		nativeDesc("y", 1, 1),
		nativeDesc("x", 1, 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := r.All()
	want := []string{"z", "y", "x"}
	for i, name := range want {
		if got[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, got[i].Name)
		}
	}
}

func TestSortByPriorityAscending_TiesBrokenByInsertionOrder(t *testing.T) {
	r, err := New([]ServiceDescriptor{
		nativeDesc("first", 5, 1),
		nativeDesc("second", 5, 1),
		nativeDesc("lowest", 1, 1),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	descs := r.All()
	r.SortByPriorityAscending(descs)

	want := []string{"lowest", "first", "second"}
	for i, name := range want {
		if descs[i].Name != name {
			t.Errorf("position %d: expected %s, got %s", i, name, descs[i].Name)
		}
	}
}

func assertConfigInvalid(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected an error")
	}
	var se *cnserrors.StructuredError
	if !errors.As(err, &se) {
		t.Fatalf("expected StructuredError, got %T", err)
	}
	if se.Code != cnserrors.ErrCodeConfigInvalid {
		t.Errorf("expected CONFIG_INVALID, got %s", se.Code)
	}
}
