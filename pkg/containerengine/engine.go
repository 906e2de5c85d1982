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

package containerengine

import (
	"context"
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/gpuguard/gpu-guard/pkg/defaults"
	cnserrors "github.com/gpuguard/gpu-guard/pkg/errors"
)

// Engine starts, stops, and reports on containerized services fronted by
// Kubernetes Deployments.
type Engine struct {
	client kubernetes.Interface
}

// New returns an Engine backed by the given Kubernetes client.
func New(client kubernetes.Interface) *Engine {
	return &Engine{client: client}
}

// Start scales the Deployment identified by containerID ("namespace/name")
// to 1 replica. A Deployment already at 1 or more replicas is left alone.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	ns, name, err := splitContainerID(containerID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, defaults.K8sDeploymentScaleTimeout)
	defer cancel()

	dep, err := e.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return cnserrors.WrapWithContext(cnserrors.ErrCodeContainerMissing,
				"deployment not found", err, map[string]any{"container_id": containerID})
		}
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to read deployment", err)
	}

	if dep.Spec.Replicas != nil && *dep.Spec.Replicas >= 1 {
		return nil
	}

	return e.scale(ctx, ns, name, 1)
}

// Stop scales the Deployment to 0 replicas. If force is set, it also
// deletes any remaining pods matching the Deployment's selector instead
// of waiting out their graceful termination grace period.
func (e *Engine) Stop(ctx context.Context, containerID string, force bool) error {
	ns, name, err := splitContainerID(containerID)
	if err != nil {
		return err
	}

	scaleCtx, cancel := context.WithTimeout(ctx, defaults.K8sDeploymentScaleTimeout)
	defer cancel()

	dep, err := e.client.AppsV1().Deployments(ns).Get(scaleCtx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return cnserrors.WrapWithContext(cnserrors.ErrCodeContainerMissing,
				"deployment not found", err, map[string]any{"container_id": containerID})
		}
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to read deployment", err)
	}

	if err := e.scale(scaleCtx, ns, name, 0); err != nil {
		return err
	}

	if !force {
		return nil
	}

	selector := labelSelector(dep)
	if selector == "" {
		return nil
	}

	delCtx, delCancel := context.WithTimeout(ctx, defaults.K8sPodDeleteTimeout)
	defer delCancel()

	err = e.client.CoreV1().Pods(ns).DeleteCollection(delCtx,
		metav1.DeleteOptions{},
		metav1.ListOptions{LabelSelector: selector},
	)
	if err != nil {
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to force-delete pods", err)
	}
	return nil
}

// Status returns the number of ready replicas for the Deployment. It is
// used only for diagnostics; readiness for the lifecycle state machine
// always comes from the HTTP health probe.
func (e *Engine) Status(ctx context.Context, containerID string) (readyReplicas int32, err error) {
	ns, name, err := splitContainerID(containerID)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaults.K8sDeploymentScaleTimeout)
	defer cancel()

	dep, err := e.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 0, cnserrors.WrapWithContext(cnserrors.ErrCodeContainerMissing,
				"deployment not found", err, map[string]any{"container_id": containerID})
		}
		return 0, cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to read deployment", err)
	}

	return dep.Status.ReadyReplicas, nil
}

func (e *Engine) scale(ctx context.Context, ns, name string, replicas int32) error {
	patch := []byte(fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas))

	_, err := e.client.AppsV1().Deployments(ns).Patch(ctx, name, types.StrategicMergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return cnserrors.NewWithContext(cnserrors.ErrCodeContainerMissing,
				"deployment not found", map[string]any{"namespace": ns, "name": name})
		}
		return cnserrors.Wrap(cnserrors.ErrCodeInternal, "failed to scale deployment", err)
	}
	return nil
}

func labelSelector(dep *appsv1.Deployment) string {
	if dep.Spec.Selector == nil || len(dep.Spec.Selector.MatchLabels) == 0 {
		return ""
	}

	sel := metav1.SetAsLabelSelector(dep.Spec.Selector.MatchLabels)
	s, err := metav1.LabelSelectorAsSelector(sel)
	if err != nil {
		return ""
	}
	return s.String()
}

func splitContainerID(containerID string) (namespace, name string, err error) {
	parts := strings.SplitN(containerID, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", cnserrors.NewWithContext(cnserrors.ErrCodeConfigInvalid,
			"container_id must be namespace/deployment", map[string]any{"container_id": containerID})
	}
	return parts[0], parts[1], nil
}
