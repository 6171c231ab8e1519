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

// Package expect drives interactive account tools through scripted terminal
// dialogues.
package expect

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	goexpect "github.com/google/goexpect"
	"github.com/shadow-maint/shadow-tests/internal/conn"
)

const (
	// DefaultTimeout is how long a step waits for its prompt when the script
	// doesn't set a timeout.
	DefaultTimeout = 60 * time.Second

	// CodeTimeout is the error code of a step whose prompt never showed up.
	CodeTimeout = 201
	// CodeEOF is the error code of a session that ended before a prompt.
	CodeEOF = 202
	// CodeUnexpected is the error code of a session that printed a failure
	// pattern.
	CodeUnexpected = 203
)

// Spawner starts commands attached to a terminal, conn.Conn implements it.
type Spawner interface {
	Host() string
	Spawn(ctx context.Context, command string, timeout time.Duration, opts ...goexpect.Option) (*goexpect.GExpect, <-chan error, error)
}

// Step is a single exchange of a dialogue.
type Step struct {
	// Expect is the regular expression waited for, an empty expression sends
	// right away.
	Expect string
	// Send is written to the terminal once Expect matched.
	Send string
	// Fail are regular expressions aborting the dialogue with CodeUnexpected,
	// they take precedence over Expect.
	Fail []string
}

// Script is an interactive dialogue with a command.
type Script struct {
	// Command is the shell command spawned on the host.
	Command string
	// Steps are run in order.
	Steps []Step
	// Timeout bounds each step and the wait for the end of the session,
	// DefaultTimeout if zero.
	Timeout time.Duration
}

// Result is the outcome of a finished dialogue.
type Result struct {
	// Output is everything the command printed up to the last matched step.
	Output string
	// RC is the exit status of the command.
	RC int
	// Captures are the submatches of the last step's Expect.
	Captures []string
}

// Capture returns the i-th submatch of the last step, starting at 1, or an
// empty string.
func (r *Result) Capture(i int) string {
	if i < 1 || i > len(r.Captures) {
		return ""
	}
	return r.Captures[i-1]
}

// ScriptError is returned when a dialogue doesn't go as scripted.
type ScriptError struct {
	// Code is one of CodeTimeout, CodeEOF or CodeUnexpected.
	Code int
	// Output is what the command printed before the dialogue failed.
	Output string
}

// Message returns the human readable meaning of the error code.
func (e *ScriptError) Message() string {
	switch e.Code {
	case CodeTimeout:
		return "Timeout, unexpected output"
	case CodeEOF:
		return "Unexpected end of file"
	case CodeUnexpected:
		return "Unexpected code path"
	default:
		return "Unknown error code"
	}
}

// Error returns the error message.
func (e *ScriptError) Error() string {
	msg := fmt.Sprintf("interactive session failed with code %d: %s", e.Code, e.Message())
	if out := strings.TrimSpace(e.Output); out != "" {
		msg = fmt.Sprintf("%s; output: %s", msg, out)
	}
	return msg
}

// AsScriptError returns a ScriptError if the error is a ScriptError.
func AsScriptError(err error) (*ScriptError, bool) {
	var se *ScriptError

	if err == nil {
		return nil, false
	}

	if errors.As(err, &se) {
		return se, true
	}

	return nil, false
}

// compile compiles the cases of a step. Failure patterns come first so they
// win over the prompt when both are in the output, the prompt is the last
// case.
func (s Step) compile() ([]goexpect.Caser, error) {
	var res []goexpect.Caser
	for _, pattern := range append(slices.Clone(s.Fail), s.Expect) {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		res = append(res, &goexpect.Case{R: re, T: goexpect.OK()})
	}
	return res, nil
}

// exitStatus extracts the exit status from a session's wait error.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var status interface{ ExitStatus() int }
	if errors.As(err, &status) {
		return status.ExitStatus(), nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}

	return 0, err
}

// Run spawns the script's command on sp and runs the dialogue. Dialogue
// failures are returned as *ScriptError, a non zero exit status after a
// complete dialogue as *conn.ProcessError along with the result.
func Run(ctx context.Context, sp Spawner, script Script) (*Result, error) {
	timeout := script.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	var steps [][]goexpect.Caser
	for _, step := range script.Steps {
		cases, err := step.compile()
		if err != nil {
			return nil, err
		}
		steps = append(steps, cases)
	}

	galog.V(2).Debugf("[%s] Starting interactive session: %s", sp.Host(), script.Command)
	e, waitCh, err := sp.Spawn(ctx, script.Command, timeout, goexpect.PartialMatch(true), goexpect.SendTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to spawn %q on %s: %w", script.Command, sp.Host(), err)
	}
	defer e.Close()

	res := &Result{}
	var output strings.Builder
	for i, step := range script.Steps {
		if step.Expect != "" {
			out, match, idx, err := e.ExpectSwitchCase(steps[i], timeout)
			output.WriteString(out)
			if err != nil {
				code := CodeEOF
				var timeoutErr goexpect.TimeoutError
				if errors.As(err, &timeoutErr) {
					code = CodeTimeout
				}
				galog.V(1).Debugf("[%s] Step %d of %q failed: %v", sp.Host(), i, script.Command, err)
				return nil, &ScriptError{Code: code, Output: output.String()}
			}
			if idx != len(steps[i])-1 {
				return nil, &ScriptError{Code: CodeUnexpected, Output: output.String()}
			}
			if len(match) > 1 {
				res.Captures = match[1:]
			}
		}

		if step.Send == "" {
			continue
		}
		if err := e.Send(step.Send); err != nil {
			return nil, &ScriptError{Code: CodeEOF, Output: output.String()}
		}
	}

	res.Output = output.String()

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-time.After(timeout):
		return nil, &ScriptError{Code: CodeTimeout, Output: res.Output}
	case <-ctx.Done():
		return nil, fmt.Errorf("interactive session %q on %s interrupted: %w", script.Command, sp.Host(), ctx.Err())
	}

	rc, err := exitStatus(waitErr)
	if err != nil {
		return nil, fmt.Errorf("interactive session %q on %s failed: %w", script.Command, sp.Host(), err)
	}
	res.RC = rc

	galog.V(2).Debugf("[%s] Interactive session %q exited with status %d", sp.Host(), script.Command, rc)
	if rc != 0 {
		return res, &conn.ProcessError{Command: script.Command, RC: rc, Stdout: res.Output}
	}
	return res, nil
}
