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

// Package topology defines the host topologies the system tests run on.
package topology

import (
	"fmt"
	"regexp"
	"strconv"
)

var (
	// fixtureRegex matches a fixture path such as shadow.shadow[0].
	fixtureRegex = regexp.MustCompile(`^([^.\[\]]+)\.([^.\[\]]+)\[(\d+)\]$`)

	// Shadow is a single shadow host.
	Shadow = Mark{
		Name:     "shadow",
		Topology: Topology{{ID: "shadow", Roles: map[string]int{"shadow": 1}}},
		Fixtures: map[string]string{"shadow": "shadow.shadow[0]"},
	}

	// ShadowPrivileged is a single shadow host the tests may create loop
	// devices and mount filesystems on.
	ShadowPrivileged = Mark{
		Name:       "shadow-privileged",
		Topology:   Topology{{ID: "shadow", Roles: map[string]int{"shadow": 1}}},
		Fixtures:   map[string]string{"shadow": "shadow.shadow[0]"},
		Privileged: true,
	}

	// AnyProvider groups the topologies of every account provider.
	AnyProvider = Group{Shadow}
)

// Domain is a set of hosts by role.
type Domain struct {
	// ID is the domain id in the multihost configuration.
	ID string
	// Roles is the minimum number of hosts per role.
	Roles map[string]int
}

// Topology is the set of domains a test needs.
type Topology []Domain

// Satisfied reports whether count, the number of hosts of a role within a
// domain, is enough for every domain of the topology.
func (t Topology) Satisfied(count func(domain, role string) int) bool {
	for _, d := range t {
		for role, n := range d.Roles {
			if count(d.ID, role) < n {
				return false
			}
		}
	}
	return true
}

// Mark selects the topology of a test and names its fixtures.
type Mark struct {
	// Name identifies the topology.
	Name string
	// Topology is the required set of hosts.
	Topology Topology
	// Fixtures maps fixture names to paths of the form domain.role[index].
	Fixtures map[string]string
	// Privileged requires every host of the topology to allow privileged
	// operations.
	Privileged bool
}

// Group is a set of topologies a test runs on, once per topology.
type Group []Mark

// Known returns every predefined topology.
func Known() []Mark {
	return []Mark{Shadow, ShadowPrivileged}
}

// Lookup returns the predefined topology called name.
func Lookup(name string) (Mark, bool) {
	for _, m := range Known() {
		if m.Name == name {
			return m, true
		}
	}
	return Mark{}, false
}

// FixturePath is a parsed fixture path.
type FixturePath struct {
	// Domain is the domain id.
	Domain string
	// Role is the host role.
	Role string
	// Index is the position of the host among the hosts of the role.
	Index int
}

// String returns the path in domain.role[index] form.
func (p FixturePath) String() string {
	return fmt.Sprintf("%s.%s[%d]", p.Domain, p.Role, p.Index)
}

// ParseFixture parses a domain.role[index] fixture path.
func ParseFixture(path string) (FixturePath, error) {
	match := fixtureRegex.FindStringSubmatch(path)
	if match == nil {
		return FixturePath{}, fmt.Errorf("invalid fixture path %q, want domain.role[index]", path)
	}

	index, err := strconv.Atoi(match[3])
	if err != nil {
		return FixturePath{}, fmt.Errorf("invalid fixture index in %q: %w", path, err)
	}
	return FixturePath{Domain: match[1], Role: match[2], Index: index}, nil
}

// Fixture returns the parsed path of the fixture called name.
func (m Mark) Fixture(name string) (FixturePath, error) {
	path, ok := m.Fixtures[name]
	if !ok {
		return FixturePath{}, fmt.Errorf("topology %s has no fixture %q", m.Name, name)
	}
	return ParseFixture(path)
}
