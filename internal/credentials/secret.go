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

// Package credentials builds the Kubernetes Secret that backs a
// ServiceUser's directory password.
package credentials

import (
	"fmt"
	"strings"

	"github.com/sethvargo/go-password/password"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

const (
	passwordLength = 32
	passwordDigits = 10
	passwordSymbols = 0
)

// SecretName returns the name of the Secret backing a ServiceUser named
// serviceUserName.
func SecretName(serviceUserName string) string {
	return fmt.Sprintf("%s-lldap-credentials", serviceUserName)
}

// NewSecret builds a Secret carrying a freshly generated password for
// login, owned by owner. The password always contains at least one
// uppercase letter and one digit.
func NewSecret(name, namespace, login string, owner metav1.OwnerReference) (*corev1.Secret, error) {
	// Generate only permits uppercase letters; draw again until one appears.
	var generated string
	for !strings.ContainsAny(generated, password.UpperLetters) {
		var err error
		generated, err = password.Generate(passwordLength, passwordDigits, passwordSymbols, false, true)
		if err != nil {
			return nil, fmt.Errorf("generate password: %w", err)
		}
	}

	return &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:            name,
			Namespace:       namespace,
			OwnerReferences: []metav1.OwnerReference{owner},
		},
		StringData: map[string]string{
			"username": login,
			"password": generated,
		},
	}, nil
}
