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

package conn

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	expect "github.com/google/goexpect"
	"github.com/shadow-maint/shadow-tests/internal/run"
)

// Local runs commands on the machine running the suite.
type Local struct {
	host string
}

// NewLocal returns a connection to the local machine.
func NewLocal() *Local {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Local{host: host}
}

// Host returns the local host name.
func (c *Local) Host() string {
	return c.host
}

// Close is a no-op for local connections.
func (c *Local) Close() error {
	return nil
}

// Run runs script with bash through the local runner.
func (c *Local) Run(ctx context.Context, script string, opts ...RunOption) (*ProcessResult, error) {
	o := NewRunOptions(opts...)

	var env []string
	for _, key := range slices.Sorted(maps.Keys(o.Env)) {
		env = append(env, key+"="+o.Env[key])
	}

	galog.V(2).Debugf("[%s] Running: %s", c.host, script)
	res, err := run.WithContext(ctx, run.Options{
		Name:    "/bin/bash",
		Args:    []string{"-c", script},
		Input:   o.Input,
		Env:     env,
		Timeout: o.Timeout,
	})
	// Only a non zero exit status is reported as a result.
	_, timedOut := run.AsTimeoutError(err)
	if _, exited := run.AsExitError(err); err != nil && (timedOut || !exited) {
		return nil, fmt.Errorf("failed to run %q on %s: %w", script, c.host, err)
	}

	return o.Result(script, res.ExitCode, res.Output, res.Stderr)
}

// Spawn starts command attached to a local pseudo terminal.
func (c *Local) Spawn(ctx context.Context, command string, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error) {
	galog.V(2).Debugf("[%s] Spawning: %s", c.host, command)
	return expect.SpawnWithArgs([]string{"/bin/bash", "-c", command}, timeout, opts...)
}
