/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controllers

import (
	"context"
	"fmt"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
)

// controllerName is used as the finalizer string, the Secret field
// manager, and the Reporter/Source name on every Event this operator
// emits.
const controllerName = "lldap.huizinga.dev"

// failureBackoffFloor and failureBackoffCeiling bound the per-item
// rate limiter both reconcilers install: a failed reconcile is retried
// no sooner than the floor, backing off exponentially up to the
// ceiling, rather than controller-runtime's default 5ms starting
// point.
const (
	failureBackoffFloor   = 5 * time.Second
	failureBackoffCeiling = 1000 * time.Second
)

// FinalizerObject is any client.Object that also exposes finalizer
// access, which is every client.Object — this alias just documents
// intent at call sites.
type FinalizerObject = client.Object

// Finalize implements the apply/cleanup finalizer dance shared by both
// reconcilers: add the finalizer and requeue if it's missing; on
// deletion, run cleanup then remove the finalizer; otherwise run apply.
func Finalize(
	ctx context.Context,
	c client.Client,
	obj FinalizerObject,
	apply func(context.Context) (ctrl.Result, error),
	cleanup func(context.Context) (ctrl.Result, error),
) (ctrl.Result, error) {
	if obj.GetDeletionTimestamp().IsZero() {
		if !controllerutil.ContainsFinalizer(obj, controllerName) {
			controllerutil.AddFinalizer(obj, controllerName)
			if err := c.Update(ctx, obj); err != nil {
				return ctrl.Result{}, fmt.Errorf("add finalizer: %w", err)
			}
			return ctrl.Result{Requeue: true}, nil
		}

		return apply(ctx)
	}

	if !controllerutil.ContainsFinalizer(obj, controllerName) {
		return ctrl.Result{}, nil
	}

	result, err := cleanup(ctx)
	if err != nil {
		return result, err
	}

	controllerutil.RemoveFinalizer(obj, controllerName)
	if err := c.Update(ctx, obj); err != nil {
		return ctrl.Result{}, fmt.Errorf("remove finalizer: %w", err)
	}

	return result, nil
}
