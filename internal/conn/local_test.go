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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLocalRun(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		opts    []RunOption
		want    *ProcessResult
		wantErr bool
	}{
		{
			name:   "stdout",
			script: "echo tuser",
			want:   &ProcessResult{Command: "echo tuser", Stdout: "tuser\n"},
		},
		{
			name:   "stderr",
			script: "echo oops >&2",
			want:   &ProcessResult{Command: "echo oops >&2", Stderr: "oops\n"},
		},
		{
			name:   "input",
			script: "cat",
			opts:   []RunOption{WithInput("tuser:Secret123\n")},
			want:   &ProcessResult{Command: "cat", Stdout: "tuser:Secret123\n"},
		},
		{
			name:   "env",
			script: `echo "$SHADOW_TEST_VALUE"`,
			opts:   []RunOption{WithEnv("SHADOW_TEST_VALUE", "Test User")},
			want:   &ProcessResult{Command: `echo "$SHADOW_TEST_VALUE"`, Stdout: "Test User\n"},
		},
		{
			name:   "failure_no_raise",
			script: "echo out; exit 6",
			opts:   []RunOption{NoRaise()},
			want:   &ProcessResult{Command: "echo out; exit 6", RC: 6, Stdout: "out\n"},
		},
		{
			name:    "failure_raises",
			script:  "exit 2",
			want:    &ProcessResult{Command: "exit 2", RC: 2},
			wantErr: true,
		},
	}

	c := NewLocal()
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := c.Run(context.Background(), tc.script, tc.opts...)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Run(%q) = %v, want error: %t", tc.script, err, tc.wantErr)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Run(%q) returned diff (-want +got):\n%s", tc.script, diff)
			}
			if tc.wantErr {
				perr, ok := AsProcessError(err)
				if !ok {
					t.Fatalf("Run(%q) error = %v, want *ProcessError", tc.script, err)
				}
				if perr.RC != tc.want.RC {
					t.Errorf("Run(%q) error RC = %d, want %d", tc.script, perr.RC, tc.want.RC)
				}
			}
		})
	}
}

func TestLocalRunTimeout(t *testing.T) {
	c := NewLocal()
	if _, err := c.Run(context.Background(), "sleep 10", WithTimeout(100*time.Millisecond)); err == nil {
		t.Errorf("Run(sleep 10) succeeded, want timeout error")
	}
}

func TestLocalHost(t *testing.T) {
	c := NewLocal()
	if c.Host() == "" {
		t.Errorf("Host() = empty, want host name")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() = %v, want nil", err)
	}
}
