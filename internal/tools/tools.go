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

// Package tools runs standard Linux query commands on a host and parses their
// output into account records.
package tools

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shadow-maint/shadow-tests/internal/accounts"
	"github.com/shadow-maint/shadow-tests/internal/conn"
)

var (
	// ShadowPasswordPattern matches an encrypted password as written by the
	// account tools to shadow and gshadow.
	ShadowPasswordPattern = regexp.MustCompile(`^\$(?:1|2[abxy]|5|6|7|y|gy)\$\S+$`)
)

// Tools runs query commands on a host.
type Tools struct {
	conn conn.Conn
	// Getent runs getent lookups.
	Getent *Getent
	// FS manages files on the host.
	FS *FS
}

// New returns the tools of the host behind c.
func New(c conn.Conn) *Tools {
	return &Tools{
		conn:   c,
		Getent: &Getent{conn: c},
		FS:     &FS{conn: c},
	}
}

// ID runs id for the user name or id. It returns nil if the user doesn't
// exist.
func (t *Tools) ID(ctx context.Context, name string) (*accounts.IDEntry, error) {
	res, err := t.conn.Run(ctx, "id "+conn.Quote(name), conn.NoRaise())
	if err != nil {
		return nil, err
	}
	if res.RC != 0 {
		return nil, nil
	}

	entry, err := accounts.ParseID(res.Stdout)
	if err != nil {
		return nil, fmt.Errorf("failed to parse id output for %q: %w", name, err)
	}
	return entry, nil
}

// Grep reports whether pattern matches any of paths. Grep's trouble exit
// status is returned as an error.
func (t *Tools) Grep(ctx context.Context, pattern string, paths []string, args ...string) (bool, error) {
	words := append([]string{"grep"}, args...)
	words = append(words, pattern)
	words = append(words, paths...)

	res, err := t.conn.Run(ctx, quoteAll(words), conn.NoRaise())
	if err != nil {
		return false, err
	}

	switch res.RC {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, &conn.ProcessError{Command: res.Command, RC: res.RC, Stdout: res.Stdout, Stderr: res.Stderr}
	}
}

// Kill sends SIGTERM to pid.
func (t *Tools) Kill(ctx context.Context, pid int) error {
	if _, err := t.conn.Run(ctx, "kill "+strconv.Itoa(pid)); err != nil {
		return fmt.Errorf("failed to kill %d on %s: %w", pid, t.conn.Host(), err)
	}
	return nil
}

// DaysSinceEpoch returns the number of whole days between 1970-01-01 UTC and
// t, the unit of shadow's day counts.
func DaysSinceEpoch(t time.Time) int {
	return int(t.UTC().Unix() / int64(24*time.Hour/time.Second))
}

// Dedent removes the common leading whitespace of every non blank line.
func Dedent(text string) string {
	lines := strings.Split(text, "\n")

	prefix := ""
	first := true
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}

	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

// quoteAll quotes every word and joins them into a command line.
func quoteAll(words []string) string {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = conn.Quote(w)
	}
	return strings.Join(quoted, " ")
}
