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

// Package commands provides the helpers shared by the shadowctl commands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/shadow-maint/shadow-tests/internal/mh"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	// localHostname names the host of --local.
	localHostname = "localhost"

	flagConfig = "config"
	flagHost   = "host"
	flagDomain = "domain"
	flagRole   = "role"
	flagLocal  = "local"
)

var (
	// ErrNoHost is returned when the configuration has no host matching the
	// target flags.
	ErrNoHost = errors.New("no matching host")

	// Connect opens the host a command targets, unit tests override it.
	Connect = defaultConnect
)

// Target selects the host a command runs against.
type Target struct {
	// ConfigPath is the multihost configuration, mh.ConfigPath if empty.
	ConfigPath string
	// Hostname selects a host by name, the first host of Domain and Role if
	// empty.
	Hostname string
	// Domain is the domain id the host is picked from.
	Domain string
	// Role is the role the host is picked from.
	Role string
	// Local runs on this machine instead of a configured host.
	Local bool
}

// AddTargetFlags registers the host selection flags on cmd and its children.
func AddTargetFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "multihost configuration file, defaults to the suite configuration")
	flags.String(flagHost, "", "hostname of the target host, defaults to the first host of --domain and --role")
	flags.String(flagDomain, "shadow", "domain id the target host is picked from")
	flags.String(flagRole, "shadow", "role the target host is picked from")
	flags.Bool(flagLocal, false, "run on this machine instead of a configured host")
}

// targetFlag returns the target flag name of cmd. Persistent flags are only
// merged into cmd.Flags() once the command parsed its arguments, so the
// persistent and inherited sets are searched too.
func targetFlag(cmd *cobra.Command, name string) (*pflag.Flag, error) {
	for _, flags := range []*pflag.FlagSet{cmd.Flags(), cmd.PersistentFlags(), cmd.InheritedFlags()} {
		if f := flags.Lookup(name); f != nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("flag accessed but not defined: %s", name)
}

// TargetFromFlags returns the target selected by the flags of cmd.
func TargetFromFlags(cmd *cobra.Command) (Target, error) {
	var t Target
	values := map[string]*string{
		flagConfig: &t.ConfigPath,
		flagHost:   &t.Hostname,
		flagDomain: &t.Domain,
		flagRole:   &t.Role,
	}
	for name, value := range values {
		f, err := targetFlag(cmd, name)
		if err != nil {
			return t, err
		}
		*value = f.Value.String()
	}

	f, err := targetFlag(cmd, flagLocal)
	if err != nil {
		return t, err
	}
	if t.Local, err = strconv.ParseBool(f.Value.String()); err != nil {
		return t, fmt.Errorf("invalid --%s value %q: %w", flagLocal, f.Value.String(), err)
	}
	return t, nil
}

// LoadConfig loads the multihost configuration of t.
func (t Target) LoadConfig() (*mh.Config, error) {
	path := t.ConfigPath
	if path == "" {
		path = mh.ConfigPath()
	}
	return mh.LoadConfig(path)
}

// Select returns the host of config t selects.
func (t Target) Select(config *mh.Config) (mh.Host, error) {
	if t.Hostname != "" {
		h, ok := config.Host(t.Hostname)
		if !ok {
			return mh.Host{}, fmt.Errorf("%w: %s", ErrNoHost, t.Hostname)
		}
		return h, nil
	}

	candidates := config.Hosts(t.Domain, t.Role)
	if len(candidates) == 0 {
		return mh.Host{}, fmt.Errorf("%w: no %s host in domain %s", ErrNoHost, t.Role, t.Domain)
	}
	return candidates[0], nil
}

func defaultConnect(ctx context.Context, t Target) (*hosts.ShadowHost, error) {
	if t.Local {
		return mh.ConnectHost(ctx, mh.Host{
			Hostname: localHostname,
			Role:     t.Role,
			Conn:     mh.HostConn{Type: mh.ConnLocal},
		})
	}

	config, err := t.LoadConfig()
	if err != nil {
		return nil, err
	}
	h, err := t.Select(config)
	if err != nil {
		return nil, err
	}
	return mh.ConnectHost(ctx, h)
}

// WithHost connects to the host selected by the flags of cmd, runs fn and
// closes the connection.
func WithHost(cmd *cobra.Command, fn func(ctx context.Context, host *hosts.ShadowHost) error) error {
	t, err := TargetFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	host, err := Connect(ctx, t)
	if err != nil {
		return err
	}
	defer func() {
		if err := host.Conn().Close(); err != nil {
			galog.Warnf("Failed to close connection to %s: %v", host.Hostname(), err)
		}
	}()

	return fn(ctx, host)
}
