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

package tools

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shadow-maint/shadow-tests/internal/conn"
)

// FS manages files on a host.
type FS struct {
	conn conn.Conn
}

// Exists reports whether path exists on the host.
func (fs *FS) Exists(ctx context.Context, path string) (bool, error) {
	res, err := fs.conn.Run(ctx, "test -e "+conn.Quote(path), conn.NoRaise())
	if err != nil {
		return false, err
	}
	return res.RC == 0, nil
}

// ReadFile returns the contents of path.
func (fs *FS) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := fs.conn.Run(ctx, "cat "+conn.Quote(path))
	if err != nil {
		return "", fmt.Errorf("failed to read %s on %s: %w", path, fs.conn.Host(), err)
	}
	return res.Stdout, nil
}

// WriteFile writes contents to path and sets its mode, parent directories
// are created.
func (fs *FS) WriteFile(ctx context.Context, path string, contents string, perm os.FileMode) error {
	script := fmt.Sprintf("mkdir -p \"$(dirname %[1]s)\" && cat > %[1]s && chmod %[2]o %[1]s", conn.Quote(path), perm.Perm())
	if _, err := fs.conn.Run(ctx, script, conn.WithInput(contents)); err != nil {
		return fmt.Errorf("failed to write %s on %s: %w", path, fs.conn.Host(), err)
	}
	return nil
}

// Mode returns the permission bits of path.
func (fs *FS) Mode(ctx context.Context, path string) (os.FileMode, error) {
	res, err := fs.conn.Run(ctx, "stat -c %a "+conn.Quote(path))
	if err != nil {
		return 0, fmt.Errorf("failed to stat %s on %s: %w", path, fs.conn.Host(), err)
	}
	mode, err := strconv.ParseUint(strings.TrimSpace(res.Stdout), 8, 32)
	if err != nil {
		return 0, fmt.Errorf("unexpected mode %q of %s on %s: %w", res.Stdout, path, fs.conn.Host(), err)
	}
	return os.FileMode(mode).Perm(), nil
}

// Mkdir creates path and its parents.
func (fs *FS) Mkdir(ctx context.Context, path string) error {
	if _, err := fs.conn.Run(ctx, "mkdir -p "+conn.Quote(path)); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", path, fs.conn.Host(), err)
	}
	return nil
}

// Remove removes path recursively, a missing path is not an error.
func (fs *FS) Remove(ctx context.Context, path string) error {
	if _, err := fs.conn.Run(ctx, "rm -rf "+conn.Quote(path)); err != nil {
		return fmt.Errorf("failed to remove %s on %s: %w", path, fs.conn.Host(), err)
	}
	return nil
}

// TempDir creates a temporary directory on the host and returns its path.
func (fs *FS) TempDir(ctx context.Context) (string, error) {
	res, err := fs.conn.Run(ctx, "mktemp -d")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary directory on %s: %w", fs.conn.Host(), err)
	}
	return strings.TrimSpace(res.Stdout), nil
}
