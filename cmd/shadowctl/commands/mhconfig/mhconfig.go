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

// Package mhconfig implements the shadowctl commands inspecting the
// multihost configuration.
package mhconfig

import (
	"fmt"
	"text/tabwriter"

	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/internal/cfg"
	"github.com/shadow-maint/shadow-tests/internal/mh"
	"github.com/spf13/cobra"
)

// New returns the config command.
func New() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:     "validate",
		Short:   "Validates the multihost configuration",
		Example: "shadowctl config validate --config mhc.yaml",
		Args:    cobra.NoArgs,
		RunE:    validate,
	}

	hostsCmd := &cobra.Command{
		Use:     "hosts",
		Short:   "Lists the configured hosts",
		Example: "shadowctl config hosts",
		Args:    cobra.NoArgs,
		RunE:    listHosts,
	}

	settingsCmd := &cobra.Command{
		Use:     "settings",
		Short:   "Prints the suite settings in effect",
		Example: "shadowctl config settings",
		Args:    cobra.NoArgs,
		RunE:    printSettings,
	}

	root := &cobra.Command{
		Use:   "config",
		Short: "Inspects the multihost configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("no subcommand specified for config")
		},
	}
	root.AddCommand(validateCmd, hostsCmd, settingsCmd)
	return root
}

func load(cmd *cobra.Command) (*mh.Config, error) {
	t, err := commands.TargetFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	return t.LoadConfig()
}

func validate(cmd *cobra.Command, args []string) error {
	config, err := load(cmd)
	if err != nil {
		return err
	}

	hosts := 0
	for _, d := range config.Domains {
		hosts += len(d.Hosts)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid: %d domains, %d hosts\n", len(config.Domains), hosts)
	return nil
}

func listHosts(cmd *cobra.Command, args []string) error {
	config, err := load(cmd)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DOMAIN\tROLE\tHOSTNAME\tCONN\tPRIVILEGED")
	for _, d := range config.Domains {
		for _, h := range d.Hosts {
			connType := h.Conn.Type
			if connType == "" {
				connType = mh.ConnSSH
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\n", d.ID, h.Role, h.Hostname, connType, h.Privileged)
		}
	}
	return w.Flush()
}

func printSettings(cmd *cobra.Command, args []string) error {
	settings, err := cfg.ToString()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), settings)
	return nil
}
