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

// Package testhelper provides helpers for testing shadowctl commands.
package testhelper

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/internal/conn/conntest"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/spf13/cobra"
)

// UseFakeHost makes commands connect to fake for the duration of t. It
// returns the targets commands connected to.
func UseFakeHost(t *testing.T, fake *conntest.Fake, opts hosts.Options) *[]commands.Target {
	t.Helper()

	var targets []commands.Target
	orig := commands.Connect
	commands.Connect = func(ctx context.Context, target commands.Target) (*hosts.ShadowHost, error) {
		targets = append(targets, target)
		return hosts.NewShadowHost(fake, opts), nil
	}
	t.Cleanup(func() { commands.Connect = orig })
	return &targets
}

func captureOutput(ctx context.Context, cmd *cobra.Command, out io.Writer) {
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetContext(ctx)

	for _, subCmd := range cmd.Commands() {
		captureOutput(ctx, subCmd, out)
	}
}

// ExecuteCommand executes the given command and returns its output.
func ExecuteCommand(ctx context.Context, cmd *cobra.Command, args []string) (string, error) {
	out := new(bytes.Buffer)
	captureOutput(ctx, cmd, out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// NewRoot returns a root command carrying the target flags and cmds.
func NewRoot(cmds ...*cobra.Command) *cobra.Command {
	root := &cobra.Command{
		Use:           "shadowctl",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	commands.AddTargetFlags(root)
	root.AddCommand(cmds...)
	return root
}
