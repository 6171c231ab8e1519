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

//go:build unix

package osinfo

import (
	"fmt"
	"os"

	"github.com/GoogleCloudPlatform/galog"
	"golang.org/x/sys/unix"
)

var (
	// osRelease is the local os-release path, unit tests override it.
	osRelease = OSReleasePath
	// systemRelease is the local system-release path, unit tests override it.
	systemRelease = SystemReleasePath
)

// parseRelease parses the local os-release file falling back to
// system-release.
func parseRelease() (OSInfo, error) {
	if b, err := os.ReadFile(osRelease); err == nil {
		return ParseOSRelease(string(b))
	}

	b, err := os.ReadFile(systemRelease)
	if err != nil {
		return OSInfo{}, fmt.Errorf("unable to read %s or %s: %w", osRelease, systemRelease, err)
	}
	return ParseSystemRelease(string(b))
}

// Read returns the distribution and kernel information of the local host.
func Read() OSInfo {
	res, err := parseRelease()
	if err != nil {
		galog.Debugf("Failed to parse local release information: %v", err)
	}

	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		galog.Debugf("Failed to get uname: %v", err)
		return res
	}

	res.KernelRelease = unix.ByteSliceToString(uts.Release[:])
	res.KernelVersion = unix.ByteSliceToString(uts.Version[:])
	res.Architecture = unix.ByteSliceToString(uts.Machine[:])
	return res
}
