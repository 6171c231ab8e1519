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

package accounts

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// idValueRegex matches a single id(name) value of id's output.
	idValueRegex = regexp.MustCompile(`^(\d+)(?:\((.*)\))?$`)
)

// singleEntry returns the only non empty line of stdout, a query is expected
// to yield exactly one entry.
func singleEntry(db string, stdout string) (string, error) {
	var lines []string
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}

	switch len(lines) {
	case 0:
		return "", fmt.Errorf("no %s entry found", db)
	case 1:
		return lines[0], nil
	default:
		return "", fmt.Errorf("more than one %s entry was returned: %d", db, len(lines))
	}
}

// splitEntry splits an entry into exactly n colon separated fields.
func splitEntry(db string, line string, n int) ([]string, error) {
	parts := strings.SplitN(line, ":", n)
	if len(parts) < n {
		return nil, fmt.Errorf("invalid %s entry %q, expected %d fields got %d", db, line, n, len(parts))
	}
	return parts, nil
}

// splitList splits a comma separated member list, an empty list is nil.
func splitList(field string) []string {
	if field == "" {
		return nil
	}
	return strings.Split(field, ",")
}

// parseDays parses an optional day count, an empty field is nil.
func parseDays(field, name string) (*int, error) {
	if field == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(field)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s %q to int: %w", name, field, err)
	}
	return &v, nil
}

// ParsePasswd parses the output of getent passwd.
func ParsePasswd(stdout string) (*PasswdEntry, error) {
	line, err := singleEntry("passwd", stdout)
	if err != nil {
		return nil, err
	}

	// tuser:x:1000:1000::/home/tuser:/bin/bash
	parts, err := splitEntry("passwd", line, 7)
	if err != nil {
		return nil, err
	}

	uid, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("failed to convert UID to int: %w", err)
	}
	gid, err := strconv.Atoi(parts[3])
	if err != nil {
		return nil, fmt.Errorf("failed to convert GID to int: %w", err)
	}

	return &PasswdEntry{
		Name:     parts[0],
		Password: parts[1],
		UID:      uid,
		GID:      gid,
		Gecos:    parts[4],
		Home:     parts[5],
		Shell:    parts[6],
	}, nil
}

// ParseShadow parses the output of getent shadow.
func ParseShadow(stdout string) (*ShadowEntry, error) {
	line, err := singleEntry("shadow", stdout)
	if err != nil {
		return nil, err
	}

	// tuser:!:19500:0:99999:7:::
	parts, err := splitEntry("shadow", line, 9)
	if err != nil {
		return nil, err
	}

	res := &ShadowEntry{Name: parts[0], Password: parts[1]}
	fields := []struct {
		dst  **int
		name string
	}{
		{&res.LastChanged, "last changed"},
		{&res.MinDays, "minimum days"},
		{&res.MaxDays, "maximum days"},
		{&res.WarnDays, "warning days"},
		{&res.InactivityDays, "inactivity days"},
		{&res.ExpirationDate, "expiration date"},
	}
	for i, f := range fields {
		v, err := parseDays(parts[i+2], f.name)
		if err != nil {
			return nil, err
		}
		*f.dst = v
	}

	return res, nil
}

// ParseGroup parses the output of getent group.
func ParseGroup(stdout string) (*GroupEntry, error) {
	line, err := singleEntry("group", stdout)
	if err != nil {
		return nil, err
	}

	// tgroup:x:1000:tuser1,tuser2
	parts, err := splitEntry("group", line, 4)
	if err != nil {
		return nil, err
	}

	gid, err := strconv.Atoi(parts[2])
	if err != nil {
		return nil, fmt.Errorf("failed to convert GID to int: %w", err)
	}

	return &GroupEntry{
		Name:     parts[0],
		Password: parts[1],
		GID:      gid,
		Members:  splitList(parts[3]),
	}, nil
}

// ParseGShadow parses the output of getent gshadow.
func ParseGShadow(stdout string) (*GShadowEntry, error) {
	line, err := singleEntry("gshadow", stdout)
	if err != nil {
		return nil, err
	}

	// tgroup:!:tadmin:tuser1,tuser2
	parts, err := splitEntry("gshadow", line, 4)
	if err != nil {
		return nil, err
	}

	return &GShadowEntry{
		Name:           parts[0],
		Password:       parts[1],
		Administrators: splitList(parts[2]),
		Members:        splitList(parts[3]),
	}, nil
}

// ParseInitgroups parses the output of getent initgroups.
func ParseInitgroups(stdout string) (*InitgroupsEntry, error) {
	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return nil, fmt.Errorf("no initgroups entry found")
	}

	res := &InitgroupsEntry{Name: fields[0]}
	for _, field := range fields[1:] {
		gid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("failed to convert GID %q to int: %w", field, err)
		}
		res.Groups = append(res.Groups, gid)
	}
	return res, nil
}

// parseIDValue parses a single id(name) value.
func parseIDValue(value string) (UnixObject, error) {
	m := idValueRegex.FindStringSubmatch(value)
	if m == nil {
		return UnixObject{}, fmt.Errorf("invalid id value %q", value)
	}
	id, err := strconv.Atoi(m[1])
	if err != nil {
		return UnixObject{}, fmt.Errorf("failed to convert id %q to int: %w", m[1], err)
	}
	return UnixObject{ID: &id, Name: m[2]}, nil
}

// ParseID parses the output of id.
func ParseID(stdout string) (*IDEntry, error) {
	line, err := singleEntry("id", stdout)
	if err != nil {
		return nil, err
	}

	// uid=1000(tuser) gid=1000(tuser) groups=1000(tuser),10(wheel)
	res := &IDEntry{}
	var hasUID, hasGID bool
	for _, field := range strings.Fields(line) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}

		switch key {
		case "uid":
			obj, err := parseIDValue(value)
			if err != nil {
				return nil, err
			}
			res.User, hasUID = User{obj}, true
		case "gid":
			obj, err := parseIDValue(value)
			if err != nil {
				return nil, err
			}
			res.Group, hasGID = Group{obj}, true
		case "groups":
			for _, v := range strings.Split(value, ",") {
				obj, err := parseIDValue(v)
				if err != nil {
					return nil, err
				}
				res.Groups = append(res.Groups, Group{obj})
			}
		}
	}

	if !hasUID || !hasGID {
		return nil, fmt.Errorf("invalid id output %q, uid and gid are required", line)
	}
	return res, nil
}
