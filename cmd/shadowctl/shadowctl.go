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

// Package main is the command line for inspecting and maintaining the hosts
// the system tests run on.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands/host"
	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands/mhconfig"
	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands/query"
	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands/topologies"
	"github.com/shadow-maint/shadow-tests/internal/cfg"
	"github.com/shadow-maint/shadow-tests/internal/logger"
	"github.com/spf13/cobra"
)

const (
	// galogShutdownTimeout is the period of time we should wait for galog to
	// shutdown.
	galogShutdownTimeout = time.Second
)

// newRootCommand generates the root command with every subcommand and the
// target selection flags.
func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "shadowctl",
		Short:         "Shadow test hosts CLI.",
		Long:          "Queries account records and backs up, restores and inspects the hosts of the shadow system tests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	commands.AddTargetFlags(root)

	root.AddCommand(query.NewGetent())
	root.AddCommand(query.NewID())
	root.AddCommand(host.New())
	root.AddCommand(topologies.New())
	root.AddCommand(mhconfig.New())

	return root
}

func main() {
	ctx := context.Background()

	if err := cfg.Load(nil); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	core := cfg.Retrieve().Core
	logOpts := logger.Options{
		Ident:       logger.CLIIdent,
		LogToStderr: true,
		Level:       core.LogLevel,
		Verbosity:   core.LogVerbosity,
		LogFile:     core.LogFile,
	}

	if err := logger.Init(ctx, logOpts); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	rootCmd := newRootCommand()
	err := rootCmd.ExecuteContext(ctx)
	galog.Shutdown(galogShutdownTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
