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

// Package host implements the shadowctl commands managing a shadow host.
package host

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/spf13/cobra"
)

// New returns the host command.
func New() *cobra.Command {
	featuresCmd := &cobra.Command{
		Use:     "features",
		Short:   "Lists optional features",
		Long:    "Lists the optional features of the target host and whether they are supported.",
		Example: "shadowctl host features",
		Args:    cobra.NoArgs,
		RunE:    features,
	}

	distroCmd := &cobra.Command{
		Use:     "distro",
		Short:   "Prints the distribution",
		Long:    "Prints the distribution of the target host read from os-release.",
		Example: "shadowctl host distro",
		Args:    cobra.NoArgs,
		RunE:    distro,
	}

	backupCmd := &cobra.Command{
		Use:     "backup",
		Short:   "Backs up the account files",
		Long:    "Copies the account files of the target host into a new temporary directory on the host and prints it.",
		Example: "shadowctl host backup",
		Args:    cobra.NoArgs,
		RunE:    backup,
	}

	restoreCmd := &cobra.Command{
		Use:     "restore <backup-dir>",
		Short:   "Restores the account files",
		Long:    "Puts the account files saved in backup-dir by an earlier backup back in place.",
		Example: "shadowctl host restore /tmp/tmp.Xy12",
		Args:    cobra.ExactArgs(1),
		RunE:    restore,
	}

	verifyCmd := &cobra.Command{
		Use:     "verify <backup-dir>",
		Short:   "Compares the account files with a backup",
		Long:    "Fails if any verified account file differs from its copy in backup-dir.",
		Example: "shadowctl host verify /tmp/tmp.Xy12",
		Args:    cobra.ExactArgs(1),
		RunE:    verify,
	}

	artifactsCmd := &cobra.Command{
		Use:     "artifacts <local-dir>",
		Short:   "Collects artifacts",
		Long:    "Copies the account files and logs of the target host into local-dir.",
		Example: "shadowctl host artifacts ./artifacts",
		Args:    cobra.ExactArgs(1),
		RunE:    artifacts,
	}

	host := &cobra.Command{
		Use:   "host",
		Short: "Manages a shadow host",
		Long:  "Inspects, backs up and restores the shadow host selected by the target flags.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("no subcommand specified for host")
		},
	}
	host.AddCommand(featuresCmd, distroCmd, backupCmd, restoreCmd, verifyCmd, artifactsCmd)
	return host
}

func features(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		features, err := host.Features(ctx)
		if err != nil {
			return err
		}
		for _, name := range slices.Sorted(maps.Keys(features)) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s=%t\n", name, features[name])
		}
		return nil
	})
}

func distro(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		info, err := host.Distro(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (%s %s)\n", info.PrettyName, info.OS, info.VersionID)
		return nil
	})
}

func backup(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		dir, err := host.Backup(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), dir)
		return nil
	})
}

func restore(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		if err := host.UseBackup(args[0]); err != nil {
			return err
		}
		if err := host.Restore(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored %s from %s\n", host.Hostname(), args[0])
		return nil
	})
}

func verify(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		if err := host.UseBackup(args[0]); err != nil {
			return err
		}
		if err := host.DetectFileMismatches(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s matches %s\n", host.Hostname(), args[0])
		return nil
	})
}

func artifacts(cmd *cobra.Command, args []string) error {
	return commands.WithHost(cmd, func(ctx context.Context, host *hosts.ShadowHost) error {
		if err := host.CollectArtifacts(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Collected artifacts of %s into %s\n", host.Hostname(), args[0])
		return nil
	})
}
