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

// Package events wraps record.EventRecorder with one method per event
// kind this operator emits, so reconcilers never hand-build reason
// strings.
package events

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

// runtimeObject is the subject of every event: the ServiceUser or Group
// being reconciled.
type runtimeObject = runtime.Object

// Recorder emits the operator's Kubernetes Events. All methods are
// best-effort: record.EventRecorder never returns an error, matching
// the requirement that event delivery never fails a reconcile.
type Recorder struct {
	events record.EventRecorder
}

// New wraps an existing EventRecorder, typically obtained from
// manager.GetEventRecorderFor.
func New(events record.EventRecorder) *Recorder {
	return &Recorder{events: events}
}

// SecretCreated reports that a ServiceUser's credentials Secret was
// created.
func (r *Recorder) SecretCreated(obj runtimeObject, secretName string) {
	r.events.Eventf(obj, corev1.EventTypeNormal, "SecretCreated", "Created credentials secret %q", secretName)
}

// UserCreated reports that a directory user was created.
func (r *Recorder) UserCreated(obj runtimeObject, login string) {
	r.events.Eventf(obj, corev1.EventTypeNormal, "UserCreated", "Created directory user %q", login)
}

// UserDeleted reports that a directory user was deleted.
func (r *Recorder) UserDeleted(obj runtimeObject, login string) {
	r.events.Eventf(obj, corev1.EventTypeNormal, "UserDeleted", "Deleted directory user %q", login)
}

// UserNotFound reports that the directory user was already gone at
// cleanup time.
func (r *Recorder) UserNotFound(obj runtimeObject, login string) {
	r.events.Eventf(obj, corev1.EventTypeWarning, "UserNotFound", "Directory user %q was already absent", login)
}

// GroupCreated reports that a directory group was created.
func (r *Recorder) GroupCreated(obj runtimeObject, name string) {
	r.events.Eventf(obj, corev1.EventTypeNormal, "GroupCreated", "Created directory group %q", name)
}

// GroupDeleted reports that a directory group was deleted.
func (r *Recorder) GroupDeleted(obj runtimeObject, name string) {
	r.events.Eventf(obj, corev1.EventTypeNormal, "GroupDeleted", "Deleted directory group %q", name)
}
