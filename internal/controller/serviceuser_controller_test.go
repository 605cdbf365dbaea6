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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	lldapv1 "github.com/huizinga/lldap-operator/api/v1"
	"github.com/huizinga/lldap-operator/internal/directory"
	"github.com/huizinga/lldap-operator/internal/directory/directoryfake"
	"github.com/huizinga/lldap-operator/internal/events"
)

var _ = Describe("ServiceUser Controller", func() {
	var (
		ctx        context.Context
		fakeClient client.Client
		fakeDir    *directoryfake.Client
		reconciler *ServiceUserReconciler
		req        reconcile.Request
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeDir = directoryfake.New()

		su := &lldapv1.ServiceUser{
			ObjectMeta: metaObj("my-app", "default"),
			Spec:       lldapv1.ServiceUserSpec{AdditionalGroups: []string{"developers"}},
		}
		fakeDir.Groups[1] = directory.Group{ID: 1, DisplayName: "developers"}
		fakeDir.Groups[2] = directory.Group{ID: 2, DisplayName: roleGroupStrictReadonly}
		fakeDir.Groups[3] = directory.Group{ID: 3, DisplayName: roleGroupPasswordManager}

		fakeClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithObjects(su).
			WithStatusSubresource(&lldapv1.ServiceUser{}).
			Build()

		reconciler = &ServiceUserReconciler{
			Client:   fakeClient,
			Scheme:   scheme,
			Recorder: events.New(record.NewFakeRecorder(20)),
			NewDirectory: func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
				return fakeDir, nil
			},
		}

		req = reconcile.Request{NamespacedName: types.NamespacedName{Name: "my-app", Namespace: "default"}}
	})

	It("adds the finalizer on the first reconcile", func() {
		result, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Requeue).To(BeTrue())

		su := &lldapv1.ServiceUser{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, su)).To(Succeed())
		Expect(su.Finalizers).To(ContainElement(controllerName))
	})

	It("creates a secret, a directory user, and the role group membership", func() {
		_, err := reconciler.Reconcile(ctx, req) // add finalizer
		Expect(err).NotTo(HaveOccurred())
		_, err = reconciler.Reconcile(ctx, req) // apply
		Expect(err).NotTo(HaveOccurred())

		secret := &corev1.Secret{}
		Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "my-app-lldap-credentials", Namespace: "default"}, secret)).To(Succeed())
		Expect(secret.Data).To(HaveKey("password"))

		user, ok := fakeDir.Users["my-app.default"]
		Expect(ok).To(BeTrue())

		names := groupNames(user.Groups)
		Expect(names).To(ConsistOf("developers", roleGroupStrictReadonly))

		Expect(fakeDir.Passwords["my-app.default"]).To(Equal(string(secret.Data["password"])))
	})

	It("grants the password manager role when requested", func() {
		su := &lldapv1.ServiceUser{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, su)).To(Succeed())
		su.Spec.PasswordManager = true
		Expect(fakeClient.Update(ctx, su)).To(Succeed())

		_, _ = reconciler.Reconcile(ctx, req)
		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		user := fakeDir.Users["my-app.default"]
		Expect(groupNames(user.Groups)).To(ContainElement(roleGroupPasswordManager))
	})

	It("is idempotent across repeated applies", func() {
		_, _ = reconciler.Reconcile(ctx, req)
		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		_, err = reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		Expect(fakeDir.Users).To(HaveLen(1))
	})

	It("deletes the directory user on deletion and removes the finalizer", func() {
		_, _ = reconciler.Reconcile(ctx, req)
		_, _ = reconciler.Reconcile(ctx, req)

		su := &lldapv1.ServiceUser{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, su)).To(Succeed())
		Expect(fakeClient.Delete(ctx, su)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		Expect(fakeDir.Users).NotTo(HaveKey("my-app.default"))

		err = fakeClient.Get(ctx, req.NamespacedName, &lldapv1.ServiceUser{})
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("tolerates the directory user already being gone at cleanup", func() {
		_, _ = reconciler.Reconcile(ctx, req)

		su := &lldapv1.ServiceUser{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, su)).To(Succeed())
		Expect(fakeClient.Delete(ctx, su)).To(Succeed())

		result, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal(reconcile.Result{}))
	})

	It("silently drops additionalGroups names that don't resolve to a directory group", func() {
		su := &lldapv1.ServiceUser{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, su)).To(Succeed())
		su.Spec.AdditionalGroups = append(su.Spec.AdditionalGroups, "does-not-exist")
		Expect(fakeClient.Update(ctx, su)).To(Succeed())

		_, _ = reconciler.Reconcile(ctx, req)
		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		user := fakeDir.Users["my-app.default"]
		Expect(groupNames(user.Groups)).To(ConsistOf("developers", roleGroupStrictReadonly))
	})

	It("converges to the same state after a transient directory outage", func() {
		flaky := &flakyDirectoryClient{Client: fakeDir, failGetUserCalls: 1}
		reconciler.NewDirectory = func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
			return flaky, nil
		}

		_, _ = reconciler.Reconcile(ctx, req) // add finalizer

		_, err := reconciler.Reconcile(ctx, req) // fails: transient GetUser error
		Expect(err).To(HaveOccurred())

		_, err = reconciler.Reconcile(ctx, req) // retry succeeds
		Expect(err).NotTo(HaveOccurred())

		user, ok := fakeDir.Users["my-app.default"]
		Expect(ok).To(BeTrue())
		Expect(groupNames(user.Groups)).To(ConsistOf("developers", roleGroupStrictReadonly))
	})
})

// flakyDirectoryClient fails the first N GetUser calls with a transport
// error, simulating a transient directory outage, then delegates
// normally.
var errTransientOutage = errors.New("simulated transient directory outage")

type flakyDirectoryClient struct {
	directory.Client
	failGetUserCalls int
}

func (f *flakyDirectoryClient) GetUser(ctx context.Context, login string) (*directory.User, error) {
	if f.failGetUserCalls > 0 {
		f.failGetUserCalls--
		return nil, &directory.TransportError{Op: "get user", Err: errTransientOutage}
	}
	return f.Client.GetUser(ctx, login)
}

func groupNames(groups []directory.Group) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.DisplayName
	}
	return names
}
