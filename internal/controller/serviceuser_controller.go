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
	"errors"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	lldapv1 "github.com/huizinga/lldap-operator/api/v1"
	"github.com/huizinga/lldap-operator/internal/credentials"
	"github.com/huizinga/lldap-operator/internal/directory"
	"github.com/huizinga/lldap-operator/internal/events"
)

const (
	roleGroupPasswordManager = "lldap_password_manager"
	roleGroupStrictReadonly  = "lldap_strict_readonly"

	requeueInterval = time.Hour
)

// NewDirectoryClient is swapped out in tests; in production it
// authenticates a fresh directory.HTTPClient from cfg.
type NewDirectoryClient func(ctx context.Context, cfg directory.Config) (directory.Client, error)

// ServiceUserReconciler reconciles a ServiceUser object.
type ServiceUserReconciler struct {
	client.Client
	Scheme          *runtime.Scheme
	Recorder        *events.Recorder
	DirectoryConfig directory.Config
	NewDirectory    NewDirectoryClient
}

//+kubebuilder:rbac:groups=lldap.huizinga.dev,resources=serviceusers,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=lldap.huizinga.dev,resources=serviceusers/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=lldap.huizinga.dev,resources=serviceusers/finalizers,verbs=update
//+kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch

// Reconcile moves a ServiceUser's directory state closer to its spec.
func (r *ServiceUserReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues("serviceuser", req.NamespacedName)
	ctx = log.IntoContext(ctx, logger)

	serviceUser := &lldapv1.ServiceUser{}
	if err := r.Get(ctx, req.NamespacedName, serviceUser); err != nil {
		if apierrors.IsNotFound(err) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("get serviceuser: %w", err)
	}

	return Finalize(ctx, r.Client, serviceUser,
		func(ctx context.Context) (ctrl.Result, error) { return r.apply(ctx, serviceUser) },
		func(ctx context.Context) (ctrl.Result, error) { return r.cleanup(ctx, serviceUser) },
	)
}

func login(serviceUser *lldapv1.ServiceUser) string {
	return fmt.Sprintf("%s.%s", serviceUser.Name, serviceUser.Namespace)
}

func roleGroup(serviceUser *lldapv1.ServiceUser) string {
	if serviceUser.Spec.PasswordManager {
		return roleGroupPasswordManager
	}
	return roleGroupStrictReadonly
}

func neededGroups(serviceUser *lldapv1.ServiceUser) []string {
	return append(append([]string(nil), serviceUser.Spec.AdditionalGroups...), roleGroup(serviceUser))
}

func (r *ServiceUserReconciler) apply(ctx context.Context, serviceUser *lldapv1.ServiceUser) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	secret, created, err := r.ensureSecret(ctx, serviceUser)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("ensure secret: %w", err)
	}
	if created {
		r.Recorder.SecretCreated(serviceUser, secret.Name)
	}

	dirClient, err := r.NewDirectory(ctx, r.DirectoryConfig)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("authenticate to directory: %w", err)
	}

	userLogin := login(serviceUser)

	user, err := dirClient.GetUser(ctx, userLogin)
	if err != nil {
		var gqlErr *directory.GraphQLError
		if errors.As(err, &gqlErr) && gqlErr.NotFoundUser(userLogin) {
			if err := dirClient.CreateUser(ctx, userLogin); err != nil {
				return ctrl.Result{}, fmt.Errorf("create directory user: %w", err)
			}
			r.Recorder.UserCreated(serviceUser, userLogin)
			user = &directory.User{ID: userLogin}
		} else {
			return ctrl.Result{}, fmt.Errorf("get directory user: %w", err)
		}
	}

	if err := dirClient.UpdateUserGroups(ctx, userLogin, user.Groups, neededGroups(serviceUser)); err != nil {
		return ctrl.Result{}, fmt.Errorf("update directory user groups: %w", err)
	}

	password, ok := secret.Data["password"]
	if !ok {
		if raw, ok := secret.StringData["password"]; ok {
			password = []byte(raw)
		} else {
			return ctrl.Result{}, fmt.Errorf("secret %q missing password key", secret.Name)
		}
	}

	if err := dirClient.UpdatePassword(ctx, userLogin, password); err != nil {
		return ctrl.Result{}, fmt.Errorf("update directory user password: %w", err)
	}

	patch := client.MergeFrom(serviceUser.DeepCopy())
	now := metav1.NewTime(secret.CreationTimestamp.Time)
	serviceUser.Status.SecretCreated = &now
	if err := r.Status().Patch(ctx, serviceUser, patch); err != nil {
		return ctrl.Result{}, fmt.Errorf("patch serviceuser status: %w", err)
	}

	logger.V(1).Info("reconciled service user", "login", userLogin)
	return ctrl.Result{RequeueAfter: requeueInterval}, nil
}

func (r *ServiceUserReconciler) cleanup(ctx context.Context, serviceUser *lldapv1.ServiceUser) (ctrl.Result, error) {
	dirClient, err := r.NewDirectory(ctx, r.DirectoryConfig)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("authenticate to directory: %w", err)
	}

	userLogin := login(serviceUser)

	if err := dirClient.DeleteUser(ctx, userLogin); err != nil {
		var gqlErr *directory.GraphQLError
		if errors.As(err, &gqlErr) && gqlErr.NotFoundUser(userLogin) {
			r.Recorder.UserNotFound(serviceUser, userLogin)
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, fmt.Errorf("delete directory user: %w", err)
	}

	r.Recorder.UserDeleted(serviceUser, userLogin)
	return ctrl.Result{}, nil
}

// ensureSecret gets or creates the credentials secret for serviceUser,
// returning the committed object and whether it was newly created. The
// caller emits the SecretCreated event only after this returns, so the
// event never fires ahead of a successful commit.
func (r *ServiceUserReconciler) ensureSecret(ctx context.Context, serviceUser *lldapv1.ServiceUser) (*corev1.Secret, bool, error) {
	name := credentials.SecretName(serviceUser.Name)

	secret := &corev1.Secret{}
	err := r.Get(ctx, types.NamespacedName{Name: name, Namespace: serviceUser.Namespace}, secret)
	if err == nil {
		return secret, false, nil
	}
	if !apierrors.IsNotFound(err) {
		return nil, false, fmt.Errorf("get secret: %w", err)
	}

	owner := metav1.NewControllerRef(serviceUser, lldapv1.GroupVersion.WithKind("ServiceUser"))
	secret, err = credentials.NewSecret(name, serviceUser.Namespace, login(serviceUser), *owner)
	if err != nil {
		return nil, false, fmt.Errorf("build secret: %w", err)
	}

	if err := r.Create(ctx, secret, &client.CreateOptions{FieldManager: controllerName}); err != nil {
		return nil, false, fmt.Errorf("create secret: %w", err)
	}

	return secret, true, nil
}

// SetupWithManager registers this reconciler with mgr.
func (r *ServiceUserReconciler) SetupWithManager(mgr ctrl.Manager) error {
	if r.NewDirectory == nil {
		r.NewDirectory = func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
			return directory.NewClient(ctx, cfg)
		}
	}

	return ctrl.NewControllerManagedBy(mgr).
		For(&lldapv1.ServiceUser{}).
		Owns(&corev1.Secret{}).
		WithOptions(controller.Options{
			RateLimiter: workqueue.NewItemExponentialFailureRateLimiter(failureBackoffFloor, failureBackoffCeiling),
		}).
		Complete(r)
}
