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

// Package run runs commands on the machine running the suite.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
)

var (
	// Client is the Runner running commands.
	Client RunnerInterface = Runner{}
)

// RunnerInterface defines the runner running commands.
type RunnerInterface interface {
	WithContext(ctx context.Context, opts Options) (*Result, error)
}

// Result is the output of a finished command.
type Result struct {
	// Output is the process' stdout.
	Output string
	// Stderr is the process' stderr.
	Stderr string
	// ExitCode is the process' exit status, -1 if it was killed.
	ExitCode int
}

// Options represents the command options.
type Options struct {
	// Name is the command name.
	Name string
	// Args is the command arguments.
	Args []string
	// Input is written to the process stdin.
	Input string
	// Env is appended to the current process environment.
	Env []string
	// Timeout is the timeout of the command, no timeout if zero.
	Timeout time.Duration
	// Dir is the working directory of the process, the current directory if
	// empty.
	Dir string
}

// Runner implements the RunnerInterface with os/exec.
type Runner struct{}

// WithContext runs the command with the given [Options].
func WithContext(ctx context.Context, opts Options) (*Result, error) {
	return Client.WithContext(ctx, opts)
}

// WithContext runs the command with the given [Options]. The result is
// returned along with the error of a failed process so callers can report
// what it printed.
func (rr Runner) WithContext(ctx context.Context, opts Options) (*Result, error) {
	mainContext := ctx
	if opts.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	galog.V(2).Debugf("Running command: %s %s", opts.Name, strings.Join(opts.Args, " "))

	cmd := exec.CommandContext(ctx, opts.Name, opts.Args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Input != "" {
		cmd.Stdin = strings.NewReader(opts.Input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Output: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	if mainContext.Err() == nil && ctx.Err() != nil {
		return res, &TimeoutError{err: err, timeout: opts.Timeout}
	}
	return res, errorWithOutput(err, res.Stderr)
}

// TimeoutError is returned when a command runs longer than its timeout.
type TimeoutError struct {
	err     error
	timeout time.Duration
}

// Error returns the error message.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out after %s: %v", e.timeout, e.err)
}

// Unwrap returns the underlying process error.
func (e *TimeoutError) Unwrap() error {
	return e.err
}

// AsTimeoutError returns a TimeoutError if the error is a TimeoutError.
func AsTimeoutError(err error) (*TimeoutError, bool) {
	var ee *TimeoutError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// errorWithOutput merges an error with a command's output.
func errorWithOutput(err error, output string) error {
	output = strings.TrimSpace(output)
	if output == "" {
		return err
	}
	return fmt.Errorf("%w; %s", err, output)
}

// AsExitError returns an ExitError if the error is an ExitError.
func AsExitError(err error) (*exec.ExitError, bool) {
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}
