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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
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

var _ = Describe("Group Controller", func() {
	var (
		ctx        context.Context
		fakeClient client.Client
		fakeDir    *directoryfake.Client
		reconciler *GroupReconciler
		req        reconcile.Request
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeDir = directoryfake.New()

		g := &lldapv1.Group{ObjectMeta: metaObj("developers", "")}

		fakeClient = fake.NewClientBuilder().
			WithScheme(scheme).
			WithObjects(g).
			Build()

		reconciler = &GroupReconciler{
			Client:   fakeClient,
			Scheme:   scheme,
			Recorder: events.New(record.NewFakeRecorder(20)),
			NewDirectory: func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
				return fakeDir, nil
			},
		}

		req = reconcile.Request{NamespacedName: types.NamespacedName{Name: "developers"}}
	})

	It("creates the directory group when absent", func() {
		_, err := reconciler.Reconcile(ctx, req) // add finalizer
		Expect(err).NotTo(HaveOccurred())
		_, err = reconciler.Reconcile(ctx, req) // apply
		Expect(err).NotTo(HaveOccurred())

		groups, err := fakeDir.GetGroups(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(groupDisplayNames(groups)).To(ContainElement("developers"))
	})

	It("does not duplicate an existing directory group", func() {
		fakeDir.Groups[1] = directory.Group{ID: 1, DisplayName: "developers"}

		_, _ = reconciler.Reconcile(ctx, req)
		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		Expect(fakeDir.Groups).To(HaveLen(1))
	})

	It("deletes the directory group on deletion", func() {
		_, _ = reconciler.Reconcile(ctx, req)
		_, _ = reconciler.Reconcile(ctx, req)

		g := &lldapv1.Group{}
		Expect(fakeClient.Get(ctx, req.NamespacedName, g)).To(Succeed())
		Expect(fakeClient.Delete(ctx, g)).To(Succeed())

		_, err := reconciler.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())

		groups, err := fakeDir.GetGroups(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(groups).To(BeEmpty())
	})

	It("converges to the same state after a transient directory outage", func() {
		flaky := &flakyGroupDirectoryClient{Client: fakeDir, failGetGroupsCalls: 1}
		reconciler.NewDirectory = func(ctx context.Context, cfg directory.Config) (directory.Client, error) {
			return flaky, nil
		}

		_, _ = reconciler.Reconcile(ctx, req) // add finalizer

		_, err := reconciler.Reconcile(ctx, req) // fails: transient GetGroups error
		Expect(err).To(HaveOccurred())

		_, err = reconciler.Reconcile(ctx, req) // retry succeeds
		Expect(err).NotTo(HaveOccurred())

		groups, err := fakeDir.GetGroups(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(groupDisplayNames(groups)).To(ContainElement("developers"))
	})
})

// flakyGroupDirectoryClient fails the first N GetGroups calls with a
// transport error, simulating a transient directory outage, then
// delegates normally.
type flakyGroupDirectoryClient struct {
	directory.Client
	failGetGroupsCalls int
}

func (f *flakyGroupDirectoryClient) GetGroups(ctx context.Context) ([]directory.Group, error) {
	if f.failGetGroupsCalls > 0 {
		f.failGetGroupsCalls--
		return nil, &directory.TransportError{Op: "get groups", Err: errTransientOutage}
	}
	return f.Client.GetGroups(ctx)
}

func groupDisplayNames(groups []directory.Group) []string {
	names := make([]string, len(groups))
	for i, g := range groups {
		names[i] = g.DisplayName
	}
	return names
}
