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
	"sync"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/internal/cfg"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/shadow-maint/shadow-tests/internal/roles"
	"github.com/shadow-maint/shadow-tests/internal/topology"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownFixture is returned for fixtures the topology doesn't name.
	ErrUnknownFixture = errors.New("unknown fixture")

	// dialHost opens the connection to a configured host, unit tests override
	// it.
	dialHost = defaultDialHost

	// pool holds the hosts connected by this process.
	pool = &hostPool{hosts: make(map[string]*hosts.ShadowHost)}
)

// hostPool keeps one ShadowHost per host name so connections and backups are
// shared by every test of the process.
type hostPool struct {
	mu    sync.Mutex
	hosts map[string]*hosts.ShadowHost
}

// sshOptions returns the SSH options of h as user.
func sshOptions(h Host, user, password string) conn.SSHOptions {
	sections := cfg.Retrieve()
	address := h.Conn.Host
	if address == "" {
		address = h.Hostname
	}
	opts := conn.SSHOptions{
		Host:     address,
		Port:     h.Conn.Port,
		User:     user,
		Password: password,
	}
	if sections.SSH != nil {
		opts.ConnectTimeout = sections.SSH.ConnectTimeout
		opts.RetryMaxElapsed = sections.SSH.RetryMaxElapsed
		opts.BreakerFailures = sections.SSH.BreakerFailures
	}
	return opts
}

// defaultDialHost connects to h as configured.
func defaultDialHost(ctx context.Context, h Host) (conn.Conn, error) {
	if h.Conn.connType() == ConnLocal {
		return conn.NewLocal(), nil
	}

	user := h.Conn.Username
	if user == "" {
		user = "root"
	}
	opts := sshOptions(h, user, h.Conn.Password)
	opts.PrivateKeyFile = h.Conn.PrivateKey
	return conn.DialSSH(ctx, opts)
}

// dialer returns the role dialer opening connections to h as other users.
func dialer(h Host) roles.Dialer {
	return func(ctx context.Context, user, password string) (conn.Conn, error) {
		if h.Conn.connType() == ConnLocal {
			return nil, fmt.Errorf("connecting to local host %s as %s: %w", h.Hostname, user, hosts.ErrUnsupported)
		}
		return conn.DialSSH(ctx, sshOptions(h, user, password))
	}
}

// hostOptions returns the backup options from the configuration.
func hostOptions() hosts.Options {
	var opts hosts.Options
	if b := cfg.Retrieve().Backup; b != nil {
		opts.Paths = b.Paths
		opts.Verify = b.Verify
	}
	return opts
}

// ConnectHost connects to h outside of the test pool. The host is neither
// backed up nor restored, the caller closes its connection.
func ConnectHost(ctx context.Context, h Host) (*hosts.ShadowHost, error) {
	galog.Debugf("Connecting to %s (%s)", h.Hostname, h.Conn.connType())
	c, err := dialHost(ctx, h)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", h.Hostname, err)
	}
	return hosts.NewShadowHost(c, hostOptions()), nil
}

// acquire returns the pooled hosts of hs, connecting the missing ones
// concurrently and backing up every host once.
func (p *hostPool) acquire(ctx context.Context, hs []Host) ([]*hosts.ShadowHost, error) {
	res := make([]*hosts.ShadowHost, len(hs))

	p.mu.Lock()
	defer p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for i, h := range hs {
		if sh, ok := p.hosts[h.Hostname]; ok {
			res[i] = sh
			continue
		}
		g.Go(func() error {
			galog.Debugf("Connecting to %s (%s)", h.Hostname, h.Conn.connType())
			c, err := dialHost(gctx, h)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", h.Hostname, err)
			}
			sh := hosts.NewShadowHost(c, hostOptions())
			if _, err := sh.Backup(gctx); err != nil {
				return errors.Join(err, c.Close())
			}
			res[i] = sh
			return nil
		})
	}

	err := g.Wait()
	for i, sh := range res {
		if sh != nil {
			p.hosts[hs[i].Hostname] = sh
		}
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// close restores and disconnects every pooled host.
func (p *hostPool) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, sh := range p.hosts {
		if err := sh.Restore(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := sh.Conn().Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection to %s: %w", name, err))
		}
		delete(p.hosts, name)
	}
	return errors.Join(errs...)
}

// Close restores and disconnects every host connected by the process. It's
// meant to run from TestMain once all tests finished.
func Close(ctx context.Context) error {
	return pool.close(ctx)
}

// Environment is the set of hosts selected for a test.
type Environment struct {
	mark     topology.Mark
	config   *Config
	hosts    map[topology.FixturePath]*hosts.ShadowHost
	roles    map[topology.FixturePath]*roles.Shadow
	ordered  []*hosts.ShadowHost
	teardown sync.Once
}

// ErrTopologyNotSatisfied is returned when the configuration lacks hosts the
// topology needs.
var ErrTopologyNotSatisfied = errors.New("topology not satisfied")

// Satisfies returns nil if c has every host mark needs. The error wraps
// ErrTopologyNotSatisfied otherwise.
func (c *Config) Satisfies(mark topology.Mark) error {
	if !mark.Topology.Satisfied(c.Count) {
		return fmt.Errorf("topology %s: %w", mark.Name, ErrTopologyNotSatisfied)
	}
	if !mark.Privileged {
		return nil
	}

	for _, d := range mark.Topology {
		for role, n := range d.Roles {
			for _, h := range c.Hosts(d.ID, role)[:n] {
				if !h.Privileged {
					return fmt.Errorf("topology %s needs a privileged %s host, %s is not: %w", mark.Name, role, h.Hostname, ErrTopologyNotSatisfied)
				}
			}
		}
	}
	return nil
}

// NewEnvironment selects the hosts of mark from config, connects to them and
// makes sure they are backed up.
func NewEnvironment(ctx context.Context, config *Config, mark topology.Mark) (*Environment, error) {
	if err := config.Satisfies(mark); err != nil {
		return nil, err
	}

	var paths []topology.FixturePath
	var selected []Host
	index := make(map[string]int)
	for _, d := range mark.Topology {
		for role, n := range d.Roles {
			for i, h := range config.Hosts(d.ID, role)[:n] {
				if _, ok := index[h.Hostname]; !ok {
					index[h.Hostname] = len(selected)
					selected = append(selected, h)
				}
				paths = append(paths, topology.FixturePath{Domain: d.ID, Role: role, Index: i})
			}
		}
	}

	shs, err := pool.acquire(ctx, selected)
	if err != nil {
		return nil, err
	}

	session := cfg.Retrieve().Session
	env := &Environment{
		mark:   mark,
		config: config,
		hosts:  make(map[topology.FixturePath]*hosts.ShadowHost),
		roles:  make(map[topology.FixturePath]*roles.Shadow),
	}
	for _, p := range paths {
		h := config.Hosts(p.Domain, p.Role)[p.Index]
		sh := shs[index[h.Hostname]]
		env.hosts[p] = sh
		env.roles[p] = roles.NewShadow(sh, roles.Options{
			ExpectTimeout:  session.ExpectTimeout,
			CommandTimeout: session.CommandTimeout,
			Dialer:         dialer(h),
		})
	}
	env.ordered = shs
	return env, nil
}

// Mark returns the topology of the environment.
func (e *Environment) Mark() topology.Mark {
	return e.mark
}

// Fixture returns the role behind the fixture called name.
func (e *Environment) Fixture(name string) (*roles.Shadow, error) {
	path, err := e.mark.Fixture(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknownFixture, err)
	}
	role, ok := e.roles[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no host at %s", ErrUnknownFixture, e.mark.Name, path)
	}
	return role, nil
}

// Shadow returns the role of the shadow fixture. It panics if the topology
// has no shadow fixture.
func (e *Environment) Shadow() *roles.Shadow {
	role, err := e.Fixture("shadow")
	if err != nil {
		panic(err)
	}
	return role
}

// Hosts returns the distinct hosts of the environment.
func (e *Environment) Hosts() []*hosts.ShadowHost {
	return e.ordered
}

// Teardown checks every host for unexpected file modifications, releases
// leftover btrfs filesystems and restores the backups. Only the first call
// has effect.
func (e *Environment) Teardown(ctx context.Context) error {
	var errs []error
	e.teardown.Do(func() {
		for _, sh := range e.ordered {
			if err := sh.DetectFileMismatches(ctx); err != nil {
				errs = append(errs, fmt.Errorf("unexpected modification on %s: %w", sh.Hostname(), err))
			}
			if err := sh.Btrfs.Teardown(ctx); err != nil {
				errs = append(errs, err)
			}
			if err := sh.Restore(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

// CollectArtifacts copies host artifacts into dir.
func (e *Environment) CollectArtifacts(ctx context.Context, dir string) error {
	var errs []error
	for _, sh := range e.ordered {
		if err := sh.CollectArtifacts(ctx, dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
