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

package smoke

import (
	"context"
	"errors"
	"testing"

	"github.com/shadow-maint/shadow-tests/internal/accounts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnabled(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		euid    int
		wantErr error
	}{
		{
			name:    "disabled",
			env:     "",
			euid:    0,
			wantErr: ErrDisabled,
		},
		{
			name:    "not-root",
			env:     "1",
			euid:    1000,
			wantErr: ErrNotRoot,
		},
		{
			name: "enabled",
			env:  "1",
			euid: 0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			orig := geteuid
			t.Cleanup(func() { geteuid = orig })
			geteuid = func() int { return tc.euid }
			t.Setenv(EnableEnv, tc.env)

			if err := Enabled(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Enabled() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestCommand(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    string
		wantErr bool
	}{
		{
			name: "stdout",
			line: "echo hello",
			want: "hello\n",
		},
		{
			name: "quoted-argument",
			line: "echo 'hello  world'",
			want: "hello  world\n",
		},
		{
			name:    "stderr",
			line:    "sh -c 'echo oops >&2'",
			wantErr: true,
		},
		{
			name:    "exit-status",
			line:    "sh -c 'exit 3'",
			wantErr: true,
		},
		{
			name:    "unbalanced-quote",
			line:    "echo 'hello",
			wantErr: true,
		},
		{
			name:    "empty",
			line:    "   ",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Command(context.Background(), tc.line)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Command(ctx, %q) = %v, want error: %t", tc.line, err, tc.wantErr)
			}
			if !tc.wantErr && got != tc.want {
				t.Errorf("Command(ctx, %q) = %q, want %q", tc.line, got, tc.want)
			}
		})
	}
}

func TestCommandsStopsAtFailure(t *testing.T) {
	path := t.TempDir() + "/marker"
	err := Commands(context.Background(), "sh -c 'exit 1'", "touch "+path)
	require.Error(t, err)

	_, err = Command(context.Background(), "test -e "+path)
	assert.Error(t, err, "second command should not run after a failure")
}

// TestError20060032 checks that usermod -G handles supplementary groups and
// that usermod -p updates the last password change day.
func TestError20060032(t *testing.T) {
	if err := Enabled(); err != nil {
		t.Skip(err)
	}
	ctx := context.Background()

	t.Cleanup(func() {
		for _, line := range []string{"userdel -r foo", "groupdel foo-group", "groupdel foo-group2"} {
			if _, err := Command(ctx, line); err != nil {
				t.Logf("Cleanup %q: %v", line, err)
			}
		}
	})

	err := Commands(ctx,
		"useradd foo",
		"groupadd foo-group",
		"usermod -G foo-group foo",
		"groupadd foo-group2",
		"usermod -G foo-group2 -a foo",
	)
	require.NoError(t, err)

	out, err := Command(ctx, "id foo")
	require.NoError(t, err)
	id, err := accounts.ParseID(out)
	require.NoError(t, err)
	assert.True(t, id.MemberOf("foo-group", "foo-group2"), "foo should be member of both groups, got %s", id)

	require.NoError(t, Commands(ctx, "groupdel foo-group", "groupdel foo-group2"))

	first, err := Command(ctx, "chage -l foo")
	require.NoError(t, err)

	_, err = Command(ctx, "date -s '-2 day'")
	require.NoError(t, err, "Failed to move the clock back")
	shifted := true
	t.Cleanup(func() {
		if shifted {
			if _, err := Command(ctx, "date -s '+2 day'"); err != nil {
				t.Errorf("Failed to restore the clock: %v", err)
			}
		}
	})

	_, err = Command(ctx, "usermod -p foopass foo")
	require.NoError(t, err)

	_, err = Command(ctx, "date -s '+2 day'")
	require.NoError(t, err, "Failed to restore the clock")
	shifted = false

	second, err := Command(ctx, "chage -l foo")
	require.NoError(t, err)
	assert.NotEqual(t, first, second, "usermod -p should update the last password change")
}
