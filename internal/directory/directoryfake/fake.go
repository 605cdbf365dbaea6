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

// Package directoryfake is an in-memory directory.Client used by
// controller tests in place of a live server.
package directoryfake

import (
	"context"
	"fmt"

	"github.com/huizinga/lldap-operator/internal/directory"
)

// Client is a directory.Client backed by in-memory maps.
type Client struct {
	nextGroupID int
	Users       map[string]*directory.User
	Groups      map[int]directory.Group
	Passwords   map[string]string
}

// New returns an empty fake directory.
func New() *Client {
	return &Client{
		nextGroupID: 1,
		Users:       map[string]*directory.User{},
		Groups:      map[int]directory.Group{},
		Passwords:   map[string]string{},
	}
}

func notFoundUser(login string) error {
	return &directory.GraphQLError{Message: fmt.Sprintf("Entity not found: `%s`", login)}
}

func (c *Client) GetUser(_ context.Context, login string) (*directory.User, error) {
	user, ok := c.Users[login]
	if !ok {
		return nil, notFoundUser(login)
	}
	cp := *user
	cp.Groups = append([]directory.Group(nil), user.Groups...)
	return &cp, nil
}

func (c *Client) CreateUser(_ context.Context, login string) error {
	if _, ok := c.Users[login]; ok {
		return nil
	}
	c.Users[login] = &directory.User{ID: login}
	return nil
}

func (c *Client) DeleteUser(_ context.Context, login string) error {
	if _, ok := c.Users[login]; !ok {
		return &directory.GraphQLError{Message: fmt.Sprintf("Entity not found: `No such user: '%s'`", login)}
	}
	delete(c.Users, login)
	delete(c.Passwords, login)
	return nil
}

func (c *Client) GetGroups(_ context.Context) ([]directory.Group, error) {
	groups := make([]directory.Group, 0, len(c.Groups))
	for _, g := range c.Groups {
		groups = append(groups, g)
	}
	return groups, nil
}

func (c *Client) CreateGroup(_ context.Context, displayName string) error {
	id := c.nextGroupID
	c.nextGroupID++
	c.Groups[id] = directory.Group{ID: id, DisplayName: displayName}
	return nil
}

func (c *Client) DeleteGroup(_ context.Context, id int) error {
	delete(c.Groups, id)
	return nil
}

func (c *Client) AddUserToGroup(_ context.Context, login string, groupID int) error {
	user, ok := c.Users[login]
	if !ok {
		return notFoundUser(login)
	}
	for _, g := range user.Groups {
		if g.ID == groupID {
			return nil
		}
	}
	user.Groups = append(user.Groups, c.Groups[groupID])
	return nil
}

func (c *Client) RemoveUserFromGroup(_ context.Context, login string, groupID int) error {
	user, ok := c.Users[login]
	if !ok {
		return notFoundUser(login)
	}
	filtered := user.Groups[:0]
	for _, g := range user.Groups {
		if g.ID != groupID {
			filtered = append(filtered, g)
		}
	}
	user.Groups = filtered
	return nil
}

func (c *Client) UpdateUserGroups(ctx context.Context, login string, currentGroups []directory.Group, neededGroups []string) error {
	byName := map[string]directory.Group{}
	for _, g := range c.Groups {
		byName[g.DisplayName] = g
	}

	wanted := map[int]bool{}
	for _, name := range neededGroups {
		if g, ok := byName[name]; ok {
			wanted[g.ID] = true
		}
	}

	current := map[int]bool{}
	for _, g := range currentGroups {
		current[g.ID] = true
	}

	for id := range current {
		if !wanted[id] {
			if err := c.RemoveUserFromGroup(ctx, login, id); err != nil {
				return err
			}
		}
	}
	for id := range wanted {
		if !current[id] {
			if err := c.AddUserToGroup(ctx, login, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) UpdatePassword(_ context.Context, login string, password []byte) error {
	if _, ok := c.Users[login]; !ok {
		return notFoundUser(login)
	}
	c.Passwords[login] = string(password)
	return nil
}

var _ directory.Client = (*Client)(nil)
