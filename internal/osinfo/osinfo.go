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

// Package osinfo parses distribution information of test hosts.
package osinfo

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// OSReleasePath is the path of the os-release file.
	OSReleasePath = "/etc/os-release"
	// SystemReleasePath is the path of the legacy system-release file.
	SystemReleasePath = "/etc/system-release"
)

// OSInfo contains the distribution information of a host.
type OSInfo struct {
	// OS is the distribution id, e.g. fedora or debian.
	OS string
	// Name is the distribution name, e.g. Debian GNU/Linux.
	Name string
	// PrettyName is the human readable distribution name and version.
	PrettyName string
	// VersionID is the raw version id.
	VersionID string
	// Version is the parsed version id.
	Version Ver
	// KernelRelease is the kernel release, only set for the local host.
	KernelRelease string
	// KernelVersion is the kernel version, only set for the local host.
	KernelVersion string
	// Architecture is the machine architecture, only set for the local host.
	Architecture string
}

// Ver is a distribution version.
type Ver struct {
	// Major is the major version.
	Major int
	// Minor is the minor version, zero when absent.
	Minor int
	// Patch is the patch version, zero when absent.
	Patch int
	// Length is the number of components the version was parsed from.
	Length int
}

// String returns the version with Length components.
func (v Ver) String() string {
	if v.Major == 0 {
		return ""
	}
	ret := strconv.Itoa(v.Major)
	if v.Length > 1 {
		ret = fmt.Sprintf("%s.%d", ret, v.Minor)
	}
	if v.Length > 2 {
		ret = fmt.Sprintf("%s.%d", ret, v.Patch)
	}
	return ret
}

// parseVersion parses a dotted version of up to three components.
func parseVersion(version string) (Ver, error) {
	var ret Ver
	var err error

	versions := strings.Split(version, ".")
	ret.Length = len(versions)

	if ret.Major, err = strconv.Atoi(versions[0]); err != nil {
		return ret, fmt.Errorf("failed to parse major version %q: %w", version, err)
	}

	if ret.Length > 1 {
		if ret.Minor, err = strconv.Atoi(versions[1]); err != nil {
			return ret, fmt.Errorf("failed to parse minor version %q: %w", version, err)
		}
	}

	if ret.Length > 2 {
		if ret.Patch, err = strconv.Atoi(versions[2]); err != nil {
			return ret, fmt.Errorf("failed to parse patch version %q: %w", version, err)
		}
	}

	return ret, nil
}

// unquote removes the shell quoting of an os-release value.
func unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		if v, err := strconv.Unquote(value); err == nil {
			return v
		}
		return value[1 : len(value)-1]
	}
	return strings.Trim(value, "'")
}

// ParseOSRelease parses the contents of /etc/os-release. A VERSION_ID that
// isn't a dotted number is kept raw and reported as an error.
func ParseOSRelease(content string) (OSInfo, error) {
	var ret OSInfo

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = unquote(value)

		switch key {
		case "ID":
			ret.OS = value
		case "NAME":
			ret.Name = value
		case "PRETTY_NAME":
			ret.PrettyName = value
		case "VERSION_ID":
			ret.VersionID = value
		}
	}

	if ret.VersionID == "" {
		return ret, nil
	}

	version, err := parseVersion(ret.VersionID)
	if err != nil {
		return ret, err
	}
	ret.Version = version
	return ret, nil
}

// ParseSystemRelease parses the contents of /etc/system-release, e.g.
// "CentOS Linux release 7.6.1810 (Core)".
func ParseSystemRelease(content string) (OSInfo, error) {
	var ret OSInfo

	key := " release "
	idx := strings.Index(content, key)
	if idx == -1 {
		return ret, fmt.Errorf("system-release %q has no release", content)
	}

	name := content[:idx]
	switch {
	case strings.HasPrefix(name, "Red Hat"):
		ret.OS = "rhel"
	default:
		ret.OS = strings.ToLower(strings.Fields(name)[0])
	}
	ret.Name = name

	fields := strings.Fields(content[idx+len(key):])
	if len(fields) == 0 {
		return ret, fmt.Errorf("system-release %q has no version", content)
	}

	version, err := parseVersion(fields[0])
	if err != nil {
		return ret, err
	}
	ret.VersionID = fields[0]
	ret.Version = version
	return ret, nil
}

// IsDebian reports whether the distribution is Debian or derived from it.
func (o OSInfo) IsDebian() bool {
	return o.OS == "debian" || o.OS == "ubuntu" || strings.Contains(o.Name, "Debian")
}
