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

// Package query implements the shadowctl commands reading account records.
package query

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/spf13/cobra"
)

// ErrNotFound is returned when the queried record doesn't exist.
var ErrNotFound = errors.New("not found")

// lookup returns the record of key, nil if there is none.
type lookup func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error)

// databases are the getent databases the command reads.
var databases = map[string]lookup{
	"passwd": func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error) {
		e, err := host.Tools.Getent.Passwd(ctx, key, service)
		if e == nil {
			return nil, err
		}
		return e, err
	},
	"shadow": func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error) {
		e, err := host.Tools.Getent.Shadow(ctx, key, service)
		if e == nil {
			return nil, err
		}
		return e, err
	},
	"group": func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error) {
		e, err := host.Tools.Getent.Group(ctx, key, service)
		if e == nil {
			return nil, err
		}
		return e, err
	},
	"gshadow": func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error) {
		e, err := host.Tools.Getent.GShadow(ctx, key, service)
		if e == nil {
			return nil, err
		}
		return e, err
	},
	"initgroups": func(ctx context.Context, host *hosts.ShadowHost, key, service string) (fmt.Stringer, error) {
		e, err := host.Tools.Getent.Initgroups(ctx, key, service)
		if e == nil {
			return nil, err
		}
		return e, err
	},
}

func databaseNames() []string {
	var names []string
	for name := range databases {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// NewGetent returns the getent command.
func NewGetent() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "getent <database> <key>",
		Short:     "Prints an account record",
		Long:      "Prints the record of key in one of the account databases of the target host.",
		Example:   "shadowctl getent passwd root",
		Args:      cobra.MatchAll(cobra.ExactArgs(2), validDatabase),
		ValidArgs: databaseNames(),
		RunE:      getent,
	}
	cmd.Flags().StringP("service", "s", "", "nss service the record is read from")
	return cmd
}

func validDatabase(cmd *cobra.Command, args []string) error {
	if _, ok := databases[args[0]]; !ok {
		return fmt.Errorf("unknown database %q, want one of %v", args[0], databaseNames())
	}
	return nil
}

func getent(cmd *cobra.Command, args []string) error {
	db, key := args[0], args[1]
	service, err := cmd.Flags().GetString("service")
	if err != nil {
		return err
	}
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		entry, err := databases[db](ctx, host, key, service)
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%s %q: %w", db, key, ErrNotFound)
		}
		fmt.Fprintln(cmd.OutOrStdout(), entry)
		return nil
	})
}

// NewID returns the id command.
func NewID() *cobra.Command {
	return &cobra.Command{
		Use:     "id <user>",
		Short:   "Prints the ids of a user",
		Long:    "Prints the user, primary group and groups of a user of the target host.",
		Example: "shadowctl id root",
		Args:    cobra.ExactArgs(1),
		RunE:    id,
	}
}

func id(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		entry, err := host.Tools.ID(ctx, args[0])
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("user %q: %w", args[0], ErrNotFound)
		}
		fmt.Fprintln(cmd.OutOrStdout(), entry)
		return nil
	})
}
