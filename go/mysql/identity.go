/*
Copyright 2024 The Vitess Authors.

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

package mysql

import "context"

// User is a resolved account record, grounded on auth.py's User dataclass.
// AuthString/OldAuthString let a plugin verify against a rotated password
// without a window where authentication fails for every client.
type User struct {
	Name          string
	AuthString    string
	AuthPlugin    string
	OldAuthString string
}

// IdentityProvider tells the connection which authentication plugins are
// available and how to resolve a presented username to a User record. It
// is the injected callback interface SPEC_FULL.md's External Interfaces
// section names in place of any concrete auth backend — this package never
// decides who is allowed to connect.
type IdentityProvider interface {
	// GetUser resolves username to a User record, or returns nil (with a
	// nil error) if no such account exists. auth.py's get_user returns
	// None for unknown users rather than an error; the connection then
	// rejects the login with ERUserDoesNotExist before any plugin runs.
	GetUser(ctx context.Context, username string) (*User, error)

	// Plugins lists every authentication plugin this provider exposes to
	// clients, in preference order.
	Plugins() []AuthPlugin

	// DefaultPlugin is the plugin named in the handshake greeting's
	// auth_plugin_name field before any client has stated a preference.
	DefaultPlugin() AuthPlugin

	// Plugin looks up a plugin by wire name, returning nil if unknown.
	Plugin(name string) AuthPlugin
}

// simpleIdentityProvider is the permissive default: it accepts any
// username the client presents, authenticating it via
// mysql_native_password with an empty stored password (so
// nativePasswordMatches's empty-password quickpath succeeds whenever the
// client sends an empty password; a non-empty password is rejected).
// Grounded on auth.py's SimpleIdentityProvider.
type simpleIdentityProvider struct {
	plugins []AuthPlugin
}

// NewSimpleIdentityProvider returns an IdentityProvider that authenticates
// every presented username, used for local development and the demo
// server in cmd/mysqlwired.
func NewSimpleIdentityProvider() IdentityProvider {
	return &simpleIdentityProvider{
		plugins: []AuthPlugin{NewNativePasswordAuthPlugin(), NewNoLoginAuthPlugin()},
	}
}

func (p *simpleIdentityProvider) GetUser(_ context.Context, username string) (*User, error) {
	return &User{Name: username, AuthPlugin: NewNativePasswordAuthPlugin().Name()}, nil
}

func (p *simpleIdentityProvider) Plugins() []AuthPlugin { return p.plugins }

func (p *simpleIdentityProvider) DefaultPlugin() AuthPlugin { return p.plugins[0] }

func (p *simpleIdentityProvider) Plugin(name string) AuthPlugin {
	for _, pl := range p.plugins {
		if pl.Name() == name {
			return pl
		}
	}
	return nil
}

// StaticIdentityProvider resolves users from an in-memory table, the way
// go/mysql's auth_server_static.go resolves a static JSON user file. It is
// offered as a convenience for callers that want fixed credentials without
// writing their own IdentityProvider, not as this package's notion of a
// "real" auth backend.
type StaticIdentityProvider struct {
	Users   map[string]*User
	plugins []AuthPlugin
}

// NewStaticIdentityProvider returns an IdentityProvider backed by a fixed
// username->User table, authenticated via mysql_native_password.
func NewStaticIdentityProvider(users map[string]*User) *StaticIdentityProvider {
	return &StaticIdentityProvider{
		Users:   users,
		plugins: []AuthPlugin{NewNativePasswordAuthPlugin()},
	}
}

func (p *StaticIdentityProvider) GetUser(_ context.Context, username string) (*User, error) {
	return p.Users[username], nil
}

func (p *StaticIdentityProvider) Plugins() []AuthPlugin { return p.plugins }

func (p *StaticIdentityProvider) DefaultPlugin() AuthPlugin { return p.plugins[0] }

func (p *StaticIdentityProvider) Plugin(name string) AuthPlugin {
	for _, pl := range p.plugins {
		if pl.Name() == name {
			return pl
		}
	}
	return nil
}
