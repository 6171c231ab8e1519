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

// Package smoke runs the account tools directly on the local machine, without
// the multihost framework. The tests modify the local account databases and
// the system clock, they only run as root and when explicitly enabled.
package smoke

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/kballard/go-shellquote"
	"github.com/shadow-maint/shadow-tests/internal/run"
	"golang.org/x/sys/unix"
)

// EnableEnv enables the smoke tests when set to a non empty value.
const EnableEnv = "SHADOW_SMOKE_TESTS"

var (
	// ErrDisabled is returned by Enabled when EnableEnv is not set.
	ErrDisabled = fmt.Errorf("smoke tests are disabled, set %s to enable them", EnableEnv)
	// ErrNotRoot is returned by Enabled when not running as root.
	ErrNotRoot = errors.New("smoke tests must run as root")
	// ErrEmptyCommand is returned by Command for a blank command line.
	ErrEmptyCommand = errors.New("empty command line")

	// geteuid is stubbed in tests.
	geteuid = unix.Geteuid
)

// Enabled returns nil if the smoke tests may run on this machine.
func Enabled() error {
	if os.Getenv(EnableEnv) == "" {
		return ErrDisabled
	}
	if geteuid() != 0 {
		return ErrNotRoot
	}
	return nil
}

// Command runs line on the local machine and returns its stdout. The line is
// split with shell quoting rules and executed without a shell. A command that
// writes to stderr is considered failed.
func Command(ctx context.Context, line string) (string, error) {
	words, err := shellquote.Split(line)
	if err != nil {
		return "", fmt.Errorf("failed to split %q: %w", line, err)
	}
	if len(words) == 0 {
		return "", ErrEmptyCommand
	}

	galog.V(1).Debugf("Running %q locally", line)
	res, err := run.WithContext(ctx, run.Options{
		Name: words[0],
		Args: words[1:],
	})
	if err != nil {
		return "", fmt.Errorf("failed to run %q: %w", line, err)
	}
	if res.Stderr != "" {
		return res.Output, fmt.Errorf("%q wrote to stderr: %s", line, res.Stderr)
	}
	return res.Output, nil
}

// Commands runs every line in order and stops at the first failure.
func Commands(ctx context.Context, lines ...string) error {
	for _, line := range lines {
		if _, err := Command(ctx, line); err != nil {
			return err
		}
	}
	return nil
}
