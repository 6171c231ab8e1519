//  Copyright 2024 Google LLC
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package tools

import (
	"context"
	"fmt"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/internal/accounts"
	"github.com/shadow-maint/shadow-tests/internal/conn"
)

// Getent runs getent lookups. Every lookup takes a name or a numeric id and
// an optional service, a lookup getent can't satisfy returns nil.
type Getent struct {
	conn conn.Conn
}

// query runs getent for key in db and returns its stdout, ok is false if
// getent exited non zero.
func (g *Getent) query(ctx context.Context, db string, key string, service []string) (string, bool, error) {
	words := []string{"getent"}
	if len(service) > 0 && service[0] != "" {
		words = append(words, "-s", service[0])
	}
	words = append(words, db, key)

	res, err := g.conn.Run(ctx, quoteAll(words), conn.NoRaise())
	if err != nil {
		return "", false, err
	}
	if res.RC != 0 {
		galog.V(2).Debugf("[%s] getent %s %q exited with status %d", g.conn.Host(), db, key, res.RC)
		return "", false, nil
	}
	return res.Stdout, true, nil
}

// Passwd looks up name in the passwd database.
func (g *Getent) Passwd(ctx context.Context, name string, service ...string) (*accounts.PasswdEntry, error) {
	out, ok, err := g.query(ctx, "passwd", name, service)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := accounts.ParsePasswd(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse passwd entry of %q: %w", name, err)
	}
	return entry, nil
}

// Shadow looks up name in the shadow database.
func (g *Getent) Shadow(ctx context.Context, name string, service ...string) (*accounts.ShadowEntry, error) {
	out, ok, err := g.query(ctx, "shadow", name, service)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := accounts.ParseShadow(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse shadow entry of %q: %w", name, err)
	}
	return entry, nil
}

// Group looks up name in the group database.
func (g *Getent) Group(ctx context.Context, name string, service ...string) (*accounts.GroupEntry, error) {
	out, ok, err := g.query(ctx, "group", name, service)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := accounts.ParseGroup(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse group entry of %q: %w", name, err)
	}
	return entry, nil
}

// GShadow looks up name in the gshadow database.
func (g *Getent) GShadow(ctx context.Context, name string, service ...string) (*accounts.GShadowEntry, error) {
	out, ok, err := g.query(ctx, "gshadow", name, service)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := accounts.ParseGShadow(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse gshadow entry of %q: %w", name, err)
	}
	return entry, nil
}

// Initgroups returns the groups name is member of. A user that doesn't exist
// or has no supplementary groups yields an entry with no groups.
func (g *Getent) Initgroups(ctx context.Context, name string, service ...string) (*accounts.InitgroupsEntry, error) {
	out, ok, err := g.query(ctx, "initgroups", name, service)
	if err != nil || !ok {
		return nil, err
	}
	entry, err := accounts.ParseInitgroups(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse initgroups entry of %q: %w", name, err)
	}
	return entry, nil
}
