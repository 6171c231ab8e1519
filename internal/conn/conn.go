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

// Package conn implements connections to the hosts the suite runs account
// tools on. A connection runs shell scripts non interactively and spawns
// programs attached to a terminal for interactive sessions.
package conn

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	expect "github.com/google/goexpect"
	"github.com/kballard/go-shellquote"
)

// Conn is a connection to a host.
type Conn interface {
	// Host returns the host name the connection is established to.
	Host() string
	// Run runs script with bash on the host. A non zero exit status is returned
	// as a *ProcessError unless [NoRaise] is given.
	Run(ctx context.Context, script string, opts ...RunOption) (*ProcessResult, error)
	// Spawn starts command attached to a terminal. The returned channel
	// delivers the command's exit error once it terminates.
	Spawn(ctx context.Context, command string, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error)
	// Close closes the connection.
	Close() error
}

// ProcessResult is the result of a finished command.
type ProcessResult struct {
	// Command is the script that was run.
	Command string
	// RC is the exit status.
	RC int
	// Stdout is the command's standard output.
	Stdout string
	// Stderr is the command's standard error.
	Stderr string
}

// StdoutLines returns stdout split by lines with the trailing newline
// removed.
func (r *ProcessResult) StdoutLines() []string {
	out := strings.TrimSuffix(r.Stdout, "\n")
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

// ProcessError is returned when a command exits with non zero status.
type ProcessError struct {
	// Command is the script that was run.
	Command string
	// RC is the exit status.
	RC int
	// Stdout is the command's standard output.
	Stdout string
	// Stderr is the command's standard error.
	Stderr string
}

// Error returns the error message.
func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("command %q exited with status %d", e.Command, e.RC)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg = fmt.Sprintf("%s; %s", msg, stderr)
	}
	return msg
}

// AsProcessError returns a ProcessError if the error is a ProcessError.
func AsProcessError(err error) (*ProcessError, bool) {
	var pe *ProcessError

	if err == nil {
		return nil, false
	}

	if errors.As(err, &pe) {
		return pe, true
	}

	return nil, false
}

// RunOptions are the options of a single Run call.
type RunOptions struct {
	// Input is written to the command's stdin.
	Input string
	// Env is set in the command's environment.
	Env map[string]string
	// NoRaise makes Run return the result of a failed command with a nil
	// error.
	NoRaise bool
	// Timeout bounds the command, zero means no timeout.
	Timeout time.Duration
}

// RunOption configures a Run call.
type RunOption func(*RunOptions)

// WithInput writes input to the command's stdin.
func WithInput(input string) RunOption {
	return func(o *RunOptions) { o.Input = input }
}

// WithEnv sets an environment variable for the command.
func WithEnv(key, value string) RunOption {
	return func(o *RunOptions) {
		if o.Env == nil {
			o.Env = make(map[string]string)
		}
		o.Env[key] = value
	}
}

// WithTimeout bounds the command's run time.
func WithTimeout(timeout time.Duration) RunOption {
	return func(o *RunOptions) { o.Timeout = timeout }
}

// NoRaise makes a non zero exit status a regular result.
func NoRaise() RunOption {
	return func(o *RunOptions) { o.NoRaise = true }
}

// NewRunOptions applies opts over the zero options.
func NewRunOptions(opts ...RunOption) RunOptions {
	var res RunOptions
	for _, opt := range opts {
		opt(&res)
	}
	return res
}

// Result builds the result of a finished command honoring NoRaise.
func (o RunOptions) Result(script string, rc int, stdout, stderr string) (*ProcessResult, error) {
	res := &ProcessResult{Command: script, RC: rc, Stdout: stdout, Stderr: stderr}
	if rc != 0 && !o.NoRaise {
		return res, &ProcessError{Command: script, RC: rc, Stdout: stdout, Stderr: stderr}
	}
	return res, nil
}

// ShellCommand returns the command line running script with bash and the
// given environment.
func ShellCommand(script string, env map[string]string) string {
	args := []string{"env"}
	for _, key := range slices.Sorted(maps.Keys(env)) {
		args = append(args, key+"="+env[key])
	}
	args = append(args, "/bin/bash", "-c", script)
	if len(env) == 0 {
		args = args[1:]
	}
	return shellquote.Join(args...)
}

// Quote quotes a single shell word.
func Quote(word string) string {
	return shellquote.Join(word)
}
