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

// Package hosts implements the hosts the account tools run on. A ShadowHost
// backs up the account databases before tests, restores them after each test
// and detects files modified without the test expecting it.
package hosts

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/osinfo"
	"github.com/shadow-maint/shadow-tests/internal/textconfig"
	"github.com/shadow-maint/shadow-tests/internal/tools"
	"github.com/shadow-maint/shadow-tests/internal/utils/file"
	"github.com/shadow-maint/shadow-tests/internal/utils/ini"
)

const (
	// FeatureGShadow is set when the host resolves the gshadow database.
	FeatureGShadow = "gshadow"
)

var (
	// ErrUnsupported is returned by operations the host doesn't implement.
	ErrUnsupported = errors.New("operation not supported")

	// DefaultBackupPaths are the files and directories saved by Backup.
	DefaultBackupPaths = []string{
		"/etc/login.defs",
		"/etc/default/useradd",
		"/etc/passwd",
		"/etc/shadow",
		"/etc/group",
		"/etc/gshadow",
		"/etc/subuid",
		"/etc/subgid",
		"/home",
		"/var/log/secure",
	}

	// DefaultVerifyPaths are the files compared against the backup after each
	// test.
	DefaultVerifyPaths = []string{"/etc/passwd", "/etc/shadow", "/etc/group", "/etc/gshadow"}

	// commandsLog is the artifact listing the latest commands.
	commandsLog = "commands.log"

	// artifactPaths are the files collected from the host when a test fails.
	artifactPaths = []string{"/etc/passwd", "/etc/shadow", "/etc/group", "/etc/gshadow", "/var/log/secure"}
)

// Options configures a ShadowHost.
type Options struct {
	// Paths are the backed up paths, DefaultBackupPaths if empty.
	Paths []string
	// Verify are the verified paths, DefaultVerifyPaths if empty.
	Verify []string
	// HistorySize is the number of commands kept for the artifacts,
	// conn.DefaultHistorySize if zero.
	HistorySize int
}

// ShadowHost is the host the account tools run on.
type ShadowHost struct {
	conn *conn.Recorder
	// Tools runs query commands on the host.
	Tools *tools.Tools
	// Btrfs manages loop backed btrfs filesystems of the host.
	Btrfs *Btrfs

	paths      []string
	verifyAll  []string
	mu         sync.Mutex
	backupPath string
	verify     []string
	features   map[string]bool
	distro     *osinfo.OSInfo
}

// NewShadowHost returns the host behind c.
func NewShadowHost(c conn.Conn, opts Options) *ShadowHost {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = DefaultBackupPaths
	}
	verify := opts.Verify
	if len(verify) == 0 {
		verify = DefaultVerifyPaths
	}

	rec := conn.NewRecorder(c, conn.NewHistory(opts.HistorySize))
	return &ShadowHost{
		conn:      rec,
		Tools:     tools.New(rec),
		Btrfs:     NewBtrfs(rec),
		paths:     slices.Clone(paths),
		verifyAll: slices.Clone(verify),
		verify:    slices.Clone(verify),
	}
}

// Conn returns the host's connection, commands run through it are added to
// the host's history.
func (h *ShadowHost) Conn() conn.Conn {
	return h.conn
}

// History returns the latest commands run on the host.
func (h *ShadowHost) History() []conn.Record {
	return h.conn.History().All()
}

// Hostname returns the host name.
func (h *ShadowHost) Hostname() string {
	return h.conn.Host()
}

// Start isn't supported, the account tools are not a service.
func (h *ShadowHost) Start(ctx context.Context) error {
	return fmt.Errorf("starting shadow on %s: %w", h.Hostname(), ErrUnsupported)
}

// Stop isn't supported, the account tools are not a service.
func (h *ShadowHost) Stop(ctx context.Context) error {
	return fmt.Errorf("stopping shadow on %s: %w", h.Hostname(), ErrUnsupported)
}

// backupName is the name of origin inside the backup directory.
func backupName(origin string) string {
	return path.Base(origin)
}

// Features returns the optional features of the host, detected once.
func (h *ShadowHost) Features(ctx context.Context) (map[string]bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.features != nil {
		return h.features, nil
	}

	galog.Infof("Detecting shadow features on %s", h.Hostname())
	script := "set -ex\n\ngetent gshadow > /dev/null 2>&1 && echo \"gshadow\" || :\n"
	res, err := h.conn.Run(ctx, script)
	if err != nil {
		return nil, fmt.Errorf("failed to detect features on %s: %w", h.Hostname(), err)
	}

	features := map[string]bool{FeatureGShadow: false}
	for _, line := range res.StdoutLines() {
		if line = strings.TrimSpace(line); line != "" {
			features[line] = true
		}
	}

	galog.Infof("Detected features on %s: %v", h.Hostname(), features)
	h.features = features
	return features, nil
}

const (
	backupPrelude = `
		set -ex

		function backup {
		    if [ -d "$1" ] || [ -f "$1" ]; then
		        cp --force --archive "$1" "$2"
		    fi
		}

		path=$(mktemp -d)
		`

	restorePrelude = `
		set -ex

		function restore {
		    rm --force --recursive "$2"
		    if [ -d "$1" ] || [ -f "$1" ]; then
		        cp --force --archive "$1" "$2"
		    fi
		}

		`
)

// Backup saves the configured paths into a temporary directory on the host
// and returns it. Only the first call creates a backup.
func (h *ShadowHost) Backup(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.backupPath != "" {
		return h.backupPath, nil
	}

	galog.Infof("Creating backup of shadow host %s", h.Hostname())

	var script strings.Builder
	script.WriteString(tools.Dedent(backupPrelude))
	for _, p := range h.paths {
		fmt.Fprintf(&script, "backup %s \"$path/%s\"\n", conn.Quote(p), backupName(p))
	}
	script.WriteString("\necho $path\n")

	res, err := h.conn.Run(ctx, script.String())
	if err != nil {
		return "", fmt.Errorf("failed to back up %s: %w", h.Hostname(), err)
	}

	lines := res.StdoutLines()
	if len(lines) == 0 {
		return "", fmt.Errorf("backup of %s printed no directory", h.Hostname())
	}

	h.backupPath = strings.TrimSpace(lines[len(lines)-1])
	galog.V(1).Debugf("Backup of %s stored at %s", h.Hostname(), h.backupPath)
	return h.backupPath, nil
}

// BackupPath returns the backup directory, empty if Backup wasn't called.
func (h *ShadowHost) BackupPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backupPath
}

// UseBackup adopts dir, created by an earlier Backup of the same paths, as
// the backup Restore reads from. It fails if the host already has a backup.
func (h *ShadowHost) UseBackup(dir string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.backupPath != "" && h.backupPath != dir {
		return fmt.Errorf("%s is already backed up at %s", h.Hostname(), h.backupPath)
	}
	h.backupPath = dir
	return nil
}

// Restore puts the backed up paths back in place and resets the verified
// files. It's a no-op if Backup wasn't called.
func (h *ShadowHost) Restore(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.verify = slices.Clone(h.verifyAll)
	if h.backupPath == "" {
		return nil
	}

	galog.Infof("Restoring shadow data on %s from %s", h.Hostname(), h.backupPath)

	var script strings.Builder
	script.WriteString(tools.Dedent(restorePrelude))
	for _, p := range h.paths {
		fmt.Fprintf(&script, "restore \"%s/%s\" %s\n", h.backupPath, backupName(p), conn.Quote(p))
	}

	if _, err := h.conn.Run(ctx, script.String()); err != nil {
		return fmt.Errorf("failed to restore %s: %w", h.Hostname(), err)
	}
	return nil
}

// DiscardFile removes origin from the files verified by
// DetectFileMismatches until the next Restore.
func (h *ShadowHost) DiscardFile(origin string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.verify = slices.DeleteFunc(h.verify, func(p string) bool { return p == origin })
}

// VerifiedFiles returns the files DetectFileMismatches compares.
func (h *ShadowHost) VerifiedFiles() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.verify)
}

// DetectFileMismatches compares every verified file with its backup copy
// and returns the *conn.ProcessError of the first one that differs.
func (h *ShadowHost) DetectFileMismatches(ctx context.Context) error {
	h.mu.Lock()
	backupPath := h.backupPath
	verify := slices.Clone(h.verify)
	h.mu.Unlock()

	if backupPath == "" {
		return nil
	}

	galog.Infof("Detecting mismatches in shadow files on %s", h.Hostname())
	for _, origin := range verify {
		backup := backupPath + "/" + backupName(origin)
		res, err := h.conn.Run(ctx, "cmp "+conn.Quote(origin)+" "+conn.Quote(backup), conn.NoRaise())
		if err != nil {
			return err
		}
		if res.RC != 0 {
			galog.Errorf("File mismatch in %q and %q on %s", origin, backup, h.Hostname())
			return &conn.ProcessError{Command: res.Command, RC: res.RC, Stdout: res.Stdout, Stderr: res.Stderr}
		}
	}
	return nil
}

// Distro returns the host distribution read from /etc/os-release.
func (h *ShadowHost) Distro(ctx context.Context) (osinfo.OSInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.distro != nil {
		return *h.distro, nil
	}

	galog.Infof("Detecting distro information on %s", h.Hostname())
	content, err := h.Tools.FS.ReadFile(ctx, osinfo.OSReleasePath)
	if err != nil {
		return osinfo.OSInfo{}, err
	}

	info, err := osinfo.ParseOSRelease(content)
	if err != nil {
		return osinfo.OSInfo{}, fmt.Errorf("failed to parse %s of %s: %w", osinfo.OSReleasePath, h.Hostname(), err)
	}

	h.distro = &info
	return info, nil
}

// UseraddDefaults returns the host's useradd defaults.
func (h *ShadowHost) UseraddDefaults(ctx context.Context) (*ini.UseraddDefaults, error) {
	content, err := h.Tools.FS.ReadFile(ctx, ini.UseraddDefaultsPath)
	if err != nil {
		return nil, err
	}
	return ini.ParseUseraddDefaults(content)
}

// LoginDefs returns the host's login.defs settings.
func (h *ShadowHost) LoginDefs(ctx context.Context) (*ini.LoginDefs, error) {
	content, err := h.Tools.FS.ReadFile(ctx, ini.LoginDefsPath)
	if err != nil {
		return nil, err
	}
	return ini.ParseLoginDefs(content)
}

// configure writes settings in a managed block at the bottom of path,
// replacing the settings of earlier calls.
func (h *ShadowHost) configure(ctx context.Context, path string, opts textconfig.Options, settings map[string]string) error {
	handle := textconfig.New(h.Tools.FS, path, opts)
	block := textconfig.NewBlock(textconfig.Bottom)
	for _, key := range slices.Sorted(maps.Keys(settings)) {
		block.Append(key, settings[key])
	}
	handle.AddBlock(block)

	galog.V(1).Debugf("Configuring %s on %s: %v", path, h.Hostname(), settings)
	if err := handle.Apply(ctx); err != nil {
		return fmt.Errorf("failed to configure %s on %s: %w", path, h.Hostname(), err)
	}
	return nil
}

// SetLoginDefs overrides login.defs settings until the host is restored.
func (h *ShadowHost) SetLoginDefs(ctx context.Context, settings map[string]string) error {
	return h.configure(ctx, ini.LoginDefsPath, textconfig.LoginDefs, settings)
}

// SetUseraddDefaults overrides useradd defaults until the host is restored.
func (h *ShadowHost) SetUseraddDefaults(ctx context.Context, settings map[string]string) error {
	return h.configure(ctx, ini.UseraddDefaultsPath, textconfig.Assignments, settings)
}

// CollectArtifacts copies the account databases and the secure log of the
// host into dir/<host> along with the latest commands run on it. Missing
// files are skipped.
func (h *ShadowHost) CollectArtifacts(ctx context.Context, dir string) error {
	dest := filepath.Join(dir, h.Hostname())

	var history strings.Builder
	for _, rec := range h.History() {
		history.WriteString(rec.String() + "\n")
	}
	if err := file.SaferWriteFile(ctx, []byte(history.String()), filepath.Join(dest, commandsLog), file.Options{Perm: 0600}); err != nil {
		return fmt.Errorf("failed to store command history of %s: %w", h.Hostname(), err)
	}

	for _, p := range artifactPaths {
		res, err := h.conn.Run(ctx, "cat "+conn.Quote(p), conn.NoRaise())
		if err != nil {
			return err
		}
		if res.RC != 0 {
			galog.V(1).Debugf("Skipping artifact %s of %s: %s", p, h.Hostname(), strings.TrimSpace(res.Stderr))
			continue
		}

		out := filepath.Join(dest, backupName(p))
		if err := file.SaferWriteFile(ctx, []byte(res.Stdout), out, file.Options{Perm: 0600}); err != nil {
			return fmt.Errorf("failed to store artifact %s of %s: %w", p, h.Hostname(), err)
		}
	}
	return nil
}
