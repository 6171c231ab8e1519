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

package cfg

const (
	// defaultConfigFile is the path to the suite's config file on unix based
	// systems.
	defaultConfigFile = `/etc/shadow-tests/shadow-tests.cfg`
	// defaultMultihostConfig is the multihost topology file looked up relative to
	// the test working directory.
	defaultMultihostConfig = "mhc.yaml"
	// defaultDataDir is the root of the per module and per test data
	// directories.
	defaultDataDir = "data"
	// defaultArtifactsDir is where collected host artifacts are stored.
	defaultArtifactsDir = "/var/tmp/shadow-tests/artifacts"
)
