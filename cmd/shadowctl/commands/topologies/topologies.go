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

// Package topologies implements the shadowctl commands describing the test
// topologies.
package topologies

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/shadow-maint/shadow-tests/cmd/shadowctl/commands"
	"github.com/shadow-maint/shadow-tests/internal/topology"
	"github.com/spf13/cobra"
)

// New returns the topology command.
func New() *cobra.Command {
	listCmd := &cobra.Command{
		Use:     "list",
		Short:   "Lists the known topologies",
		Example: "shadowctl topology list",
		Args:    cobra.NoArgs,
		RunE:    list,
	}

	checkCmd := &cobra.Command{
		Use:     "check [topology...]",
		Short:   "Checks the configuration satisfies topologies",
		Long:    "Reports which topologies the multihost configuration satisfies, every known topology if none is given.",
		Example: "shadowctl topology check shadow-privileged",
		RunE:    check,
	}

	root := &cobra.Command{
		Use:   "topology",
		Short: "Describes the test topologies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return fmt.Errorf("no subcommand specified for topology")
		},
	}
	root.AddCommand(listCmd, checkCmd)
	return root
}

// describe returns the domains and roles of mark, e.g. shadow(shadow=1).
func describe(mark topology.Mark) string {
	var domains []string
	for _, d := range mark.Topology {
		var roles []string
		for _, role := range slices.Sorted(maps.Keys(d.Roles)) {
			roles = append(roles, fmt.Sprintf("%s=%d", role, d.Roles[role]))
		}
		domains = append(domains, fmt.Sprintf("%s(%s)", d.ID, strings.Join(roles, ",")))
	}

	res := strings.Join(domains, " ")
	if mark.Privileged {
		res += " privileged"
	}
	return res
}

func list(cmd *cobra.Command, args []string) error {
	for _, mark := range topology.Known() {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", mark.Name, describe(mark))
	}
	return nil
}

func check(cmd *cobra.Command, args []string) error {
	marks := topology.Known()
	if len(args) > 0 {
		marks = nil
		for _, name := range args {
			mark, ok := topology.Lookup(name)
			if !ok {
				return fmt.Errorf("unknown topology %q", name)
			}
			marks = append(marks, mark)
		}
	}

	t, err := commands.TargetFromFlags(cmd)
	if err != nil {
		return err
	}
	config, err := t.LoadConfig()
	if err != nil {
		return err
	}

	for _, mark := range marks {
		if err := config.Satisfies(mark); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: not satisfied: %v\n", mark.Name, err)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: satisfied\n", mark.Name)
	}
	return nil
}
