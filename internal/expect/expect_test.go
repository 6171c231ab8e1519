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

package expect

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/conn/conntest"
)

// passwdProgram prompts twice for a password and fails when the entries
// differ.
func passwdProgram(stdin *bufio.Reader, stdout io.Writer) int {
	fmt.Fprint(stdout, "Changing password for user tuser.\nNew password: ")
	first, err := conntest.ReadLine(stdin)
	if err != nil {
		return 1
	}
	fmt.Fprint(stdout, "\nRetype new password: ")
	second, err := conntest.ReadLine(stdin)
	if err != nil {
		return 1
	}
	if first != second {
		fmt.Fprint(stdout, "\nSorry, passwords do not match.\n")
		return 10
	}
	fmt.Fprint(stdout, "\npasswd: password updated successfully\n")
	return 0
}

func passwdScript(first, second string, timeout time.Duration) Script {
	return Script{
		Command: "passwd tuser",
		Timeout: timeout,
		Steps: []Step{
			{Expect: `(?i)new password:`, Send: first + "\r"},
			{Expect: `(?i)(retype|re-enter) new password:`, Send: second + "\r"},
		},
	}
}

func TestRun(t *testing.T) {
	fake := conntest.New("shadow.test").OnSpawn(`^passwd`, passwdProgram)

	res, err := Run(context.Background(), fake, passwdScript("Secret123", "Secret123", 10*time.Second))
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if res.RC != 0 {
		t.Errorf("Run().RC = %d, want 0", res.RC)
	}
	if diff := cmp.Diff([]string{"passwd tuser"}, fake.Scripts()); diff != "" {
		t.Errorf("Run() spawned diff (-want +got):\n%s", diff)
	}
}

func TestRunNonZeroExit(t *testing.T) {
	fake := conntest.New("shadow.test").OnSpawn(`^passwd`, passwdProgram)

	res, err := Run(context.Background(), fake, passwdScript("Secret123", "Other123", 10*time.Second))
	perr, ok := conn.AsProcessError(err)
	if !ok {
		t.Fatalf("Run() = %v, want *conn.ProcessError", err)
	}
	if perr.RC != 10 {
		t.Errorf("Run() error RC = %d, want 10", perr.RC)
	}
	if res == nil || res.RC != 10 {
		t.Errorf("Run() result = %+v, want RC 10", res)
	}
}

func TestRunCaptures(t *testing.T) {
	prog := func(stdin *bufio.Reader, stdout io.Writer) int {
		fmt.Fprint(stdout, "GID:1000\n")
		return 0
	}
	fake := conntest.New("shadow.test").OnSpawn(`newgrp`, prog)

	script := Script{
		Command: "newgrp tgroup",
		Timeout: 10 * time.Second,
		Steps:   []Step{{Expect: `GID:(\d+)`}},
	}
	res, err := Run(context.Background(), fake, script)
	if err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if diff := cmp.Diff([]string{"1000"}, res.Captures); diff != "" {
		t.Errorf("Run().Captures returned diff (-want +got):\n%s", diff)
	}
	if got := res.Capture(1); got != "1000" {
		t.Errorf("Capture(1) = %q, want %q", got, "1000")
	}
	if got := res.Capture(2); got != "" {
		t.Errorf("Capture(2) = %q, want empty", got)
	}
}

func TestRunScriptErrors(t *testing.T) {
	tests := []struct {
		name     string
		prog     conntest.Program
		timeout  time.Duration
		wantCode int
	}{
		{
			name: "timeout",
			prog: func(stdin *bufio.Reader, stdout io.Writer) int {
				fmt.Fprint(stdout, "Current password: ")
				conntest.ReadLine(stdin)
				return 1
			},
			timeout:  500 * time.Millisecond,
			wantCode: CodeTimeout,
		},
		{
			name: "eof",
			prog: func(stdin *bufio.Reader, stdout io.Writer) int {
				fmt.Fprint(stdout, "passwd: Only root can specify a user name.\n")
				return 0
			},
			timeout:  30 * time.Second,
			wantCode: CodeEOF,
		},
		{
			name: "unexpected",
			prog: func(stdin *bufio.Reader, stdout io.Writer) int {
				fmt.Fprint(stdout, "passwd: Authentication token manipulation error\n")
				conntest.ReadLine(stdin)
				return 1
			},
			timeout:  10 * time.Second,
			wantCode: CodeUnexpected,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := conntest.New("shadow.test").OnSpawn(`^passwd`, tc.prog)
			script := Script{
				Command: "passwd tuser",
				Timeout: tc.timeout,
				Steps: []Step{{
					Expect: `(?i)new password:`,
					Send:   "Secret123\r",
					Fail:   []string{`(?i)authentication token manipulation error`},
				}},
			}

			_, err := Run(context.Background(), fake, script)
			serr, ok := AsScriptError(err)
			if !ok {
				t.Fatalf("Run() = %v, want *ScriptError", err)
			}
			if serr.Code != tc.wantCode {
				t.Errorf("Run() error code = %d, want %d", serr.Code, tc.wantCode)
			}
		})
	}
}

func TestRunInvalidPattern(t *testing.T) {
	fake := conntest.New("shadow.test")
	script := Script{Command: "passwd", Steps: []Step{{Expect: `(`}}}
	if _, err := Run(context.Background(), fake, script); err == nil {
		t.Errorf("Run() with invalid pattern succeeded, want error")
	}
	if len(fake.Scripts()) != 0 {
		t.Errorf("Run() with invalid pattern spawned %v, want nothing", fake.Scripts())
	}
}

func TestRunSpawnFailure(t *testing.T) {
	fake := conntest.New("shadow.test")
	if _, err := Run(context.Background(), fake, Script{Command: "vipw"}); err == nil {
		t.Errorf("Run() without a registered program succeeded, want error")
	}
}

func TestScriptErrorMessage(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{CodeTimeout, "Timeout, unexpected output"},
		{CodeEOF, "Unexpected end of file"},
		{CodeUnexpected, "Unexpected code path"},
		{1, "Unknown error code"},
	}

	for _, tc := range tests {
		err := &ScriptError{Code: tc.code}
		if got := err.Message(); got != tc.want {
			t.Errorf("ScriptError{Code: %d}.Message() = %q, want %q", tc.code, got, tc.want)
		}
	}

	wrapped := fmt.Errorf("passwd failed: %w", &ScriptError{Code: CodeEOF})
	if serr, ok := AsScriptError(wrapped); !ok || serr.Code != CodeEOF {
		t.Errorf("AsScriptError(%v) = %v, %t, want code %d", wrapped, serr, ok, CodeEOF)
	}
	if _, ok := AsScriptError(nil); ok {
		t.Errorf("AsScriptError(nil) = true, want false")
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		want    int
		wantErr bool
	}{
		{name: "nil", err: nil, want: 0},
		{name: "exit_status", err: &conntest.ExitError{RC: 3}, want: 3},
		{name: "wrapped", err: fmt.Errorf("wait: %w", &conntest.ExitError{RC: 4}), want: 4},
		{name: "other", err: io.ErrClosedPipe, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := exitStatus(tc.err)
			if (err != nil) != tc.wantErr {
				t.Fatalf("exitStatus(%v) = %v, want error: %t", tc.err, err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("exitStatus(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
