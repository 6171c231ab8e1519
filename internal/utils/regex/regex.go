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

// Package regex contains regular expression helpers shared by the output
// parsers.
package regex

import "regexp"

// GroupsMap matches data against re and returns the named groups of the
// first match keyed by name. It returns an empty map if nothing matches.
func GroupsMap(re *regexp.Regexp, data string) map[string]string {
	res := make(map[string]string)

	match := re.FindStringSubmatch(data)
	if match == nil {
		return res
	}

	for i, name := range re.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		res[name] = match[i]
	}

	return res
}
