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

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	lldapv1 "github.com/huizinga/lldap-operator/api/v1"
	"github.com/huizinga/lldap-operator/internal/directory"
	"github.com/huizinga/lldap-operator/internal/events"
)

// GroupReconciler reconciles a Group object.
type GroupReconciler struct {
	client.Client
	Scheme          *runtime.Scheme
	Recorder        *events.Recorder
	DirectoryConfig directory.Config
	NewDirectory    NewDirectoryClient
}

//+kubebuilder:rbac:groups=lldap.huizinga.dev,resources=groups,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=lldap.huizinga.dev,resources=groups/finalizers,verbs=update

// Reconcile moves a Group's directory state closer to its spec.
func (r *GroupReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("group", req.NamespacedName)
	ctx = log.IntoContext(ctx, logger)

	group := &lldapv1.Group{}
	if err := r.Get(ctx, req.NamespacedName, group); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("get group: %w", err)
	}

	return Finalize(ctx, r.Client, group,
		func(ctx context.Context) (ctrl.Result, error) { return r.apply(ctx, group) },
		func(ctx context.Context) (ctrl.Result, error) { return r.cleanup(ctx, group) },
	)
}

func findGroup(groups []directory.Group, displayName string) (directory.Group, bool) {
	for _, g := range groups {
		if g.DisplayName == displayName {
			return g, true
		}
	}
	return directory.Group{}, false
}

func (r *GroupReconciler) apply(ctx context.Context, group *lldapv1.Group) (ctrl.Result, error) {
	dirClient, err := r.NewDirectory(ctx, r.DirectoryConfig)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("authenticate to directory: %w", err)
	}

	groups, err := dirClient.GetGroups(ctx)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("list directory groups: %w", err)
	}

	if _, ok := findGroup(groups, group.Name); !ok {
		if err := dirClient.CreateGroup(ctx, group.Name); err != nil {
			return ctrl.Result{}, fmt.Errorf("create directory group: %w", err)
		}
		r.Recorder.GroupCreated(group, group.Name)
	}

	return ctrl.Result{RequeueAfter: requeueInterval}, nil
}

func (r *GroupReconciler) cleanup(ctx context.Context, group *lldapv1.Group) (ctrl.Result, error) {
	dirClient, err := r.NewDirectory(ctx, r.DirectoryConfig)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("authenticate to directory: %w", err)
	}

	groups, err := dirClient.GetGroups(ctx)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("list directory groups: %w", err)
	}

	if existing, ok := findGroup(groups, group.Name); ok {
		if err := dirClient.DeleteGroup(ctx, existing.ID); err != nil {
			return ctrl.Result{}, fmt.Errorf("delete directory group: %w", err)
		}
		r.Recorder.GroupDeleted(group, group.Name)
	}

	return ctrl.Result{}, nil
}

// SetupWithManager registers this reconciler with mgr.
func (r *GroupReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.NewDirectory == nil {
		r.NewDirectory = func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
			return directory.NewClient(ctx, cfg)
		}
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&lldapv1.Group{}).
		WithOptions(controller.Options{
			RateLimiter: workqueue.NewItemExponentialFailureRateLimiter(failureBackoffFloor, failureBackoffCeiling),
		}).
		Complete(r)
}
