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

package mh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shadow-maint/shadow-tests/internal/cfg"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/conn/conntest"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/shadow-maint/shadow-tests/internal/topology"
)

// newFakeHost returns a fake connection answering the backup script.
func newFakeHost(name string) *conntest.Fake {
	return conntest.New(name).On(`mktemp -d`, conntest.Response{Stdout: "/tmp/tmp.backup\n"})
}

// setupFakes loads the suite configuration, replaces the host pool and dials
// fakes instead of real hosts. It returns the number of dials.
func setupFakes(t *testing.T, fakes map[string]*conntest.Fake) *atomic.Int32 {
	t.Helper()

	if err := initSuite(); err != nil {
		t.Fatalf("initSuite() = %v, want nil", err)
	}

	origPool, origDial := pool, dialHost
	pool = &hostPool{hosts: make(map[string]*hosts.ShadowHost)}

	dials := new(atomic.Int32)
	dialHost = func(ctx context.Context, h Host) (conn.Conn, error) {
		dials.Add(1)
		fake, ok := fakes[h.Hostname]
		if !ok {
			return nil, fmt.Errorf("no route to %s", h.Hostname)
		}
		return fake, nil
	}

	t.Cleanup(func() {
		pool, dialHost = origPool, origDial
	})
	return dials
}

func singleHostConfig(hostname string, privileged bool) *Config {
	return &Config{Domains: []Domain{{
		ID:    "shadow",
		Hosts: []Host{{Hostname: hostname, Role: "shadow", Privileged: privileged}},
	}}}
}

func countScripts(fake *conntest.Fake, substr string) int {
	n := 0
	for _, s := range fake.Scripts() {
		if strings.Contains(s, substr) {
			n++
		}
	}
	return n
}

func TestNewEnvironment(t *testing.T) {
	ctx := context.Background()
	fake := newFakeHost("shadow.test")
	dials := setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})
	config := singleHostConfig("shadow.test", false)

	for range 2 {
		env, err := NewEnvironment(ctx, config, topology.Shadow)
		if err != nil {
			t.Fatalf("NewEnvironment() = %v, want nil", err)
		}
		if got := env.Shadow().Host.Hostname(); got != "shadow.test" {
			t.Errorf("Shadow().Host.Hostname() = %q, want %q", got, "shadow.test")
		}
		if got := env.Mark().Name; got != topology.Shadow.Name {
			t.Errorf("Mark().Name = %q, want %q", got, topology.Shadow.Name)
		}
		if got := len(env.Hosts()); got != 1 {
			t.Errorf("len(Hosts()) = %d, want 1", got)
		}
	}

	if got := dials.Load(); got != 1 {
		t.Errorf("NewEnvironment() dialed %d times, want 1", got)
	}
	if got := countScripts(fake, "mktemp -d"); got != 1 {
		t.Errorf("NewEnvironment() backed up %d times, want 1", got)
	}
}

func TestNewEnvironmentCommandTimeout(t *testing.T) {
	ctx := context.Background()
	fake := newFakeHost("shadow.test")
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

	env, err := NewEnvironment(ctx, singleHostConfig("shadow.test", false), topology.Shadow)
	if err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}
	if _, err := env.Shadow().Useradd(ctx, "tuser"); err != nil {
		t.Fatalf("Useradd(tuser) = %v, want nil", err)
	}

	want := cfg.Retrieve().Session.CommandTimeout
	for _, cmd := range fake.Commands() {
		if cmd.Script == "useradd tuser" {
			if cmd.Timeout != want {
				t.Errorf("Useradd(tuser) ran with timeout %v, want [Session] command_timeout %v", cmd.Timeout, want)
			}
			return
		}
	}
	t.Errorf("Useradd(tuser) was not run, ran %q", fake.Scripts())
}

func TestNewEnvironmentNotSatisfied(t *testing.T) {
	ctx := context.Background()
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": newFakeHost("shadow.test")})

	tests := []struct {
		name   string
		config *Config
		mark   topology.Mark
	}{
		{
			name:   "no-shadow-domain",
			config: &Config{Domains: []Domain{{ID: "ldap", Hosts: []Host{{Hostname: "shadow.test", Role: "shadow"}}}}},
			mark:   topology.Shadow,
		},
		{
			name:   "not-privileged",
			config: singleHostConfig("shadow.test", false),
			mark:   topology.ShadowPrivileged,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewEnvironment(ctx, tc.config, tc.mark)
			if !errors.Is(err, ErrTopologyNotSatisfied) {
				t.Errorf("NewEnvironment() = %v, want %v", err, ErrTopologyNotSatisfied)
			}
		})
	}
}

func TestNewEnvironmentPrivileged(t *testing.T) {
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": newFakeHost("shadow.test")})

	env, err := NewEnvironment(context.Background(), singleHostConfig("shadow.test", true), topology.ShadowPrivileged)
	if err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}
	if _, err := env.Fixture("shadow"); err != nil {
		t.Errorf("Fixture(shadow) = %v, want nil", err)
	}
}

func TestNewEnvironmentDialFailure(t *testing.T) {
	setupFakes(t, nil)

	if _, err := NewEnvironment(context.Background(), singleHostConfig("shadow.test", false), topology.Shadow); err == nil {
		t.Fatalf("NewEnvironment() = nil, want error")
	}
	if got := len(pool.hosts); got != 0 {
		t.Errorf("pool has %d hosts after failed dial, want 0", got)
	}
}

func TestNewEnvironmentBackupFailure(t *testing.T) {
	fake := conntest.New("shadow.test")
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

	if _, err := NewEnvironment(context.Background(), singleHostConfig("shadow.test", false), topology.Shadow); err == nil {
		t.Fatalf("NewEnvironment() = nil, want error")
	}
	if !fake.Closed() {
		t.Errorf("connection of host with failed backup is open, want closed")
	}
}

func TestFixture(t *testing.T) {
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": newFakeHost("shadow.test")})

	env, err := NewEnvironment(context.Background(), singleHostConfig("shadow.test", false), topology.Shadow)
	if err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}

	if _, err := env.Fixture("client"); !errors.Is(err, ErrUnknownFixture) {
		t.Errorf("Fixture(client) = %v, want %v", err, ErrUnknownFixture)
	}
}

func TestTeardown(t *testing.T) {
	ctx := context.Background()
	fake := newFakeHost("shadow.test")
	fake.On(`^cmp /etc/group `, conntest.Response{RC: 1})
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

	env, err := NewEnvironment(ctx, singleHostConfig("shadow.test", false), topology.Shadow)
	if err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}

	err = env.Teardown(ctx)
	if _, ok := conn.AsProcessError(err); !ok {
		t.Errorf("Teardown() = %v, want a process error", err)
	}
	if got := countScripts(fake, "function restore"); got != 1 {
		t.Errorf("Teardown() restored %d times, want 1", got)
	}

	if err := env.Teardown(ctx); err != nil {
		t.Errorf("second Teardown() = %v, want nil", err)
	}
	if got := countScripts(fake, "function restore"); got != 1 {
		t.Errorf("second Teardown() restored, want a single restore")
	}
}

func TestTeardownAfterToolRun(t *testing.T) {
	ctx := context.Background()
	fake := newFakeHost("shadow.test")
	fake.On(`^cmp /etc/group `, conntest.Response{RC: 1})
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

	env, err := NewEnvironment(ctx, singleHostConfig("shadow.test", false), topology.Shadow)
	if err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}
	if _, err := env.Shadow().Groupadd(ctx, "tgroup"); err != nil {
		t.Fatalf("Groupadd() = %v, want nil", err)
	}

	if err := env.Teardown(ctx); err != nil {
		t.Errorf("Teardown() = %v, want nil once group files are discarded", err)
	}
}

func TestUnsupportedFeatures(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		stdout   string
		role     string
		features []string
		want     []string
		wantErr  error
	}{
		{
			name:     "supported",
			stdout:   "gshadow\n",
			role:     "shadow",
			features: []string{"gshadow"},
		},
		{
			name:     "unsupported",
			role:     "shadow",
			features: []string{"gshadow"},
			want:     []string{"gshadow"},
		},
		{
			name:     "unknown-feature",
			role:     "shadow",
			features: []string{"selinux"},
			wantErr:  ErrUnknownFeature,
		},
		{
			name:     "unknown-role",
			role:     "client",
			features: []string{"gshadow"},
			wantErr:  ErrUnknownFixture,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := newFakeHost("shadow.test").On(`getent gshadow`, conntest.Response{Stdout: tc.stdout})
			setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

			env, err := NewEnvironment(ctx, singleHostConfig("shadow.test", false), topology.Shadow)
			if err != nil {
				t.Fatalf("NewEnvironment() = %v, want nil", err)
			}

			got, err := unsupportedFeatures(ctx, env, tc.role, tc.features)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("unsupportedFeatures() = %v, want %v", err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unsupportedFeatures() returned diff (-want +got):\n%s", diff)
			}
		})
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	fake := newFakeHost("shadow.test")
	setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})

	if _, err := NewEnvironment(ctx, singleHostConfig("shadow.test", false), topology.Shadow); err != nil {
		t.Fatalf("NewEnvironment() = %v, want nil", err)
	}
	if err := Close(ctx); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}

	if !fake.Closed() {
		t.Errorf("Close() left the connection open")
	}
	if got := countScripts(fake, "function restore"); got != 1 {
		t.Errorf("Close() restored %d times, want 1", got)
	}
	if got := len(pool.hosts); got != 0 {
		t.Errorf("pool has %d hosts after Close(), want 0", got)
	}
}

func TestSetupWithoutConfig(t *testing.T) {
	t.Setenv(cfg.MultihostConfigEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	setupFakes(t, nil)

	var skipped bool
	t.Run("setup", func(t *testing.T) {
		defer func() { skipped = t.Skipped() }()
		Setup(t, topology.Shadow)
		t.Errorf("Setup() returned, want the test skipped")
	})

	if !skipped {
		t.Errorf("Setup() without configuration didn't skip the test")
	}
}

func TestSetup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mhc.yaml")
	data := "domains:\n- id: shadow\n  hosts:\n  - hostname: setup.test\n    role: shadow\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", path, err)
	}
	t.Setenv(cfg.MultihostConfigEnv, path)

	fake := newFakeHost("setup.test")
	setupFakes(t, map[string]*conntest.Fake{"setup.test": fake})

	t.Run("useradd", func(t *testing.T) {
		env := Setup(t, topology.Shadow)
		if _, err := env.Shadow().Useradd(context.Background(), "tuser"); err != nil {
			t.Fatalf("Useradd() = %v, want nil", err)
		}
	})

	if got := countScripts(fake, "function restore"); got != 1 {
		t.Errorf("Setup() cleanup restored %d times, want 1", got)
	}

	var skipped bool
	t.Run("privileged", func(t *testing.T) {
		defer func() { skipped = t.Skipped() }()
		Setup(t, topology.ShadowPrivileged)
	})
	if !skipped {
		t.Errorf("Setup(ShadowPrivileged) on an unprivileged host didn't skip the test")
	}
}

func TestSetupGroup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mhc.toml")
	data := "[[domains]]\nid = \"shadow\"\n\n[[domains.hosts]]\nhostname = \"group.test\"\nrole = \"shadow\"\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("os.WriteFile(%q) failed: %v", path, err)
	}
	t.Setenv(cfg.MultihostConfigEnv, path)
	setupFakes(t, map[string]*conntest.Fake{"group.test": newFakeHost("group.test")})

	var ran []string
	SetupGroup(t, topology.AnyProvider, func(t *testing.T, env *Environment) {
		ran = append(ran, env.Mark().Name)
	})

	if diff := cmp.Diff([]string{"shadow"}, ran); diff != "" {
		t.Errorf("SetupGroup() ran topologies diff (-want +got):\n%s", diff)
	}
}

func TestDataDirs(t *testing.T) {
	if err := initSuite(); err != nil {
		t.Fatalf("initSuite() = %v, want nil", err)
	}

	root := DataDir()
	if root == "" {
		t.Fatalf("DataDir() = empty, want a directory")
	}
	if got, want := ModuleDataDir("useradd_test"), filepath.Join(root, "useradd_test"); got != want {
		t.Errorf("ModuleDataDir(useradd_test) = %q, want %q", got, want)
	}

	t.Run("sub", func(t *testing.T) {
		want := filepath.Join(root, "environment_test", "TestDataDirs")
		if got := TestDataDir(t); got != want {
			t.Errorf("TestDataDir() = %q, want %q", got, want)
		}
	})
}

func TestConnectHost(t *testing.T) {
	fake := conntest.New("shadow.test")
	dials := setupFakes(t, map[string]*conntest.Fake{"shadow.test": fake})
	ctx := context.Background()

	host, err := ConnectHost(ctx, Host{Hostname: "shadow.test", Role: "shadow"})
	if err != nil {
		t.Fatalf("ConnectHost() = %v, want nil", err)
	}
	if got := host.Hostname(); got != "shadow.test" {
		t.Errorf("ConnectHost().Hostname() = %q, want %q", got, "shadow.test")
	}
	if got := host.BackupPath(); got != "" {
		t.Errorf("ConnectHost().BackupPath() = %q, want no backup", got)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("ConnectHost() dialed %d times, want 1", got)
	}

	if _, err := ConnectHost(ctx, Host{Hostname: "missing.test"}); err == nil {
		t.Errorf("ConnectHost(missing.test) = nil, want error")
	}
}

func TestConfigSatisfies(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		mark    topology.Mark
		wantErr bool
	}{
		{
			name:   "shadow",
			config: singleHostConfig("shadow.test", false),
			mark:   topology.Shadow,
		},
		{
			name:   "privileged",
			config: singleHostConfig("shadow.test", true),
			mark:   topology.ShadowPrivileged,
		},
		{
			name:    "not-privileged",
			config:  singleHostConfig("shadow.test", false),
			mark:    topology.ShadowPrivileged,
			wantErr: true,
		},
		{
			name:    "empty",
			config:  &Config{},
			mark:    topology.Shadow,
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Satisfies(tc.mark)
			if tc.wantErr != errors.Is(err, ErrTopologyNotSatisfied) {
				t.Errorf("Satisfies(%s) = %v, want error: %t", tc.mark.Name, err, tc.wantErr)
			}
		})
	}
}
