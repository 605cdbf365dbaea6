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

package directory

import (
	"fmt"

	"github.com/bytemare/opaque"
)

// registrationExchange carries the client-side state of an in-flight
// OPAQUE registration between the "start" and "finish" round trips. It
// exists so the two HTTP calls in UpdatePassword stay simple request/
// response pairs while the PAKE math lives in one place.
type registrationExchange struct {
	client *opaque.Client
	state  *opaque.ClientRegistration
}

// startRegistration begins an OPAQUE registration for password and returns
// the opaque registration request message to send to the server alongside
// the username.
func startRegistration(password []byte) (*registrationExchange, []byte, error) {
	client, err := opaque.NewClient(opaque.DefaultConfiguration())
	if err != nil {
		return nil, nil, fmt.Errorf("build opaque client: %w", err)
	}

	state := client.RegistrationInit(password)

	return &registrationExchange{client: client, state: state}, state.Serialize(), nil
}

// finish consumes the server's registration response and produces the
// registration upload to send back to the server's "finish" endpoint.
func (r *registrationExchange) finish(serverResponse []byte) ([]byte, error) {
	response, err := r.client.Deserialize.RegistrationResponse(serverResponse)
	if err != nil {
		return nil, fmt.Errorf("parse opaque registration response: %w", err)
	}

	record, _ := r.client.RegistrationFinalize(response, opaque.ClientRegistrationFinalizeOptions{})

	return record.Serialize(), nil
}
