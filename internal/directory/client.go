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

// Package directory talks to the lldap-compatible directory server over
// its HTTP API: a GraphQL endpoint for reading and mutating users and
// groups, plus a simple-login and an OPAQUE registration endpoint used to
// authenticate and to set user passwords without ever transmitting them
// in the clear.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/machinebox/graphql"
)

const requestTimeout = time.Second

// Group is a directory group as returned by the GraphQL API.
type Group struct {
	ID          int    `json:"id"`
	DisplayName string `json:"displayName"`
}

// User is a directory user as returned by the GraphQL API.
type User struct {
	ID     string  `json:"id"`
	Groups []Group `json:"groups"`
}

// Client is the interface the controllers depend on. It is implemented by
// *HTTPClient against a live server, and by a hand-written fake in tests.
type Client interface {
	GetUser(ctx context.Context, login string) (*User, error)
	CreateUser(ctx context.Context, login string) error
	DeleteUser(ctx context.Context, login string) error
	GetGroups(ctx context.Context) ([]Group, error)
	CreateGroup(ctx context.Context, displayName string) error
	DeleteGroup(ctx context.Context, id int) error
	AddUserToGroup(ctx context.Context, login string, groupID int) error
	RemoveUserFromGroup(ctx context.Context, login string, groupID int) error
	UpdateUserGroups(ctx context.Context, login string, currentGroups []Group, neededGroups []string) error
	UpdatePassword(ctx context.Context, login string, password []byte) error
}

// HTTPClient is the Client implementation talking to a real directory
// server. A new one is built per reconcile call; the bearer token is not
// cached across reconciles.
type HTTPClient struct {
	http *http.Client
	gql  *graphql.Client
	base string
	auth string
}

var _ Client = (*HTTPClient)(nil)

// NewClient authenticates against the directory using cfg and returns a
// client carrying the resulting bearer token.
func NewClient(ctx context.Context, cfg Config) (*HTTPClient, error) {
	httpClient := &http.Client{Timeout: requestTimeout}

	token, err := login(ctx, httpClient, cfg)
	if err != nil {
		return nil, err
	}

	return &HTTPClient{
		http: httpClient,
		gql:  graphql.NewClient(cfg.URL + "/api/graphql"),
		base: cfg.URL,
		auth: "Bearer " + token,
	}, nil
}

func login(ctx context.Context, httpClient *http.Client, cfg Config) (string, error) {
	body, err := json.Marshal(map[string]string{
		"username": cfg.Username,
		"password": cfg.Password,
	})
	if err != nil {
		return "", &TransportError{Op: "encode login request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL+"/auth/simple/login", bytes.NewReader(body))
	if err != nil {
		return "", &TransportError{Op: "build login request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &AuthenticationError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &AuthenticationError{Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var parsed struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &AuthenticationError{Err: err}
	}

	return parsed.Token, nil
}

func (c *HTTPClient) run(ctx context.Context, req *graphql.Request, response interface{}) error {
	req.Header.Set("Authorization", c.auth)

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.gql.Run(ctx, req, response); err != nil {
		if gqlErr, ok := asGraphQLError(err); ok {
			return gqlErr
		}
		return &TransportError{Op: "graphql request", Err: err}
	}
	return nil
}

// asGraphQLError recognises the machinebox/graphql error formatting
// ("graphql: <message>") for the first error in a response's errors
// array and surfaces it as a typed GraphQLError.
func asGraphQLError(err error) (*GraphQLError, bool) {
	const prefix = "graphql: "
	msg := err.Error()
	if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
		return &GraphQLError{Message: msg[len(prefix):]}, true
	}
	return nil, false
}

// GetUser fetches a user and its current groups.
func (c *HTTPClient) GetUser(ctx context.Context, login string) (*User, error) {
	req := graphql.NewRequest(`
		query($id: String!) {
			user(userId: $id) {
				id
				groups {
					id
					displayName
				}
			}
		}
	`)
	req.Var("id", login)

	var resp struct {
		User User `json:"user"`
	}
	if err := c.run(ctx, req, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// CreateUser creates a user with the given login as both id and email.
func (c *HTTPClient) CreateUser(ctx context.Context, login string) error {
	req := graphql.NewRequest(`
		mutation($id: String!) {
			createUser(user: { id: $id, email: $id }) {
				id
			}
		}
	`)
	req.Var("id", login)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// DeleteUser deletes a user by login.
func (c *HTTPClient) DeleteUser(ctx context.Context, login string) error {
	req := graphql.NewRequest(`
		mutation($id: String!) {
			deleteUser(userId: $id) {
				ok
			}
		}
	`)
	req.Var("id", login)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// GetGroups lists all directory groups.
func (c *HTTPClient) GetGroups(ctx context.Context) ([]Group, error) {
	req := graphql.NewRequest(`
		query {
			groups {
				id
				displayName
			}
		}
	`)

	var resp struct {
		Groups []Group `json:"groups"`
	}
	if err := c.run(ctx, req, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// CreateGroup creates a group with the given display name.
func (c *HTTPClient) CreateGroup(ctx context.Context, displayName string) error {
	req := graphql.NewRequest(`
		mutation($name: String!) {
			createGroup(name: $name) {
				id
			}
		}
	`)
	req.Var("name", displayName)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// DeleteGroup deletes a group by id.
func (c *HTTPClient) DeleteGroup(ctx context.Context, id int) error {
	req := graphql.NewRequest(`
		mutation($id: Int!) {
			deleteGroup(groupId: $id) {
				ok
			}
		}
	`)
	req.Var("id", id)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// AddUserToGroup adds login as a member of groupID.
func (c *HTTPClient) AddUserToGroup(ctx context.Context, login string, groupID int) error {
	req := graphql.NewRequest(`
		mutation($id: String!, $group: Int!) {
			addUserToGroup(userId: $id, groupId: $group) {
				ok
			}
		}
	`)
	req.Var("id", login)
	req.Var("group", groupID)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// RemoveUserFromGroup removes login's membership in groupID.
func (c *HTTPClient) RemoveUserFromGroup(ctx context.Context, login string, groupID int) error {
	req := graphql.NewRequest(`
		mutation($id: String!, $group: Int!) {
			removeUserFromGroup(userId: $id, groupId: $group) {
				ok
			}
		}
	`)
	req.Var("id", login)
	req.Var("group", groupID)

	var resp struct{}
	return c.run(ctx, req, &resp)
}

// UpdateUserGroups reconciles login's membership so it belongs to exactly
// neededGroups (matched by display name), resolving display names
// against the directory's current group list. A needed group name that
// doesn't resolve to an existing directory group is silently skipped,
// matching the directory's own name-to-id resolution semantics.
func (c *HTTPClient) UpdateUserGroups(ctx context.Context, login string, currentGroups []Group, neededGroups []string) error {
	allGroups, err := c.GetGroups(ctx)
	if err != nil {
		return err
	}

	byName := make(map[string]Group, len(allGroups))
	for _, g := range allGroups {
		byName[g.DisplayName] = g
	}

	wanted := make(map[int]Group, len(neededGroups))
	for _, name := range neededGroups {
		if g, ok := byName[name]; ok {
			wanted[g.ID] = g
		}
	}

	current := make(map[int]Group, len(currentGroups))
	for _, g := range currentGroups {
		current[g.ID] = g
	}

	for id := range current {
		if _, ok := wanted[id]; !ok {
			if err := c.RemoveUserFromGroup(ctx, login, id); err != nil {
				return err
			}
		}
	}

	for id := range wanted {
		if _, ok := current[id]; !ok {
			if err := c.AddUserToGroup(ctx, login, id); err != nil {
				return err
			}
		}
	}

	return nil
}

// UpdatePassword sets login's password via the OPAQUE registration
// exchange, without ever transmitting the password itself.
func (c *HTTPClient) UpdatePassword(ctx context.Context, login string, password []byte) error {
	exchange, startMessage, err := startRegistration(password)
	if err != nil {
		return &TransportError{Op: "opaque registration start", Err: err}
	}

	startResp, err := c.opaquePost(ctx, "/auth/opaque/register/start", map[string]interface{}{
		"username":                 login,
		"registrationStartRequest": startMessage,
	})
	if err != nil {
		return err
	}

	var started struct {
		ServerData           json.RawMessage `json:"serverData"`
		RegistrationResponse []byte          `json:"registrationResponse"`
	}
	if err := json.Unmarshal(startResp, &started); err != nil {
		return &TransportError{Op: "decode opaque start response", Err: err}
	}

	upload, err := exchange.finish(started.RegistrationResponse)
	if err != nil {
		return &TransportError{Op: "opaque registration finish", Err: err}
	}

	_, err = c.opaquePost(ctx, "/auth/opaque/register/finish", map[string]interface{}{
		"serverData":         started.ServerData,
		"registrationUpload": upload,
	})
	return err
}

func (c *HTTPClient) opaquePost(ctx context.Context, path string, payload map[string]interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TransportError{Op: "encode " + path, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "build " + path, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.auth)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Op: path, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		return nil, &TransportError{Op: path, Err: err}
	}
	return raw.Bytes(), nil
}
