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

package hosts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/google/uuid"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/utils/regex"
)

const (
	// DefaultLoopbackSize is the size of a loopback image if none is given.
	DefaultLoopbackSize = "128M"
)

var (
	// subvolumeRegex matches a line of btrfs subvolume list.
	subvolumeRegex = regexp.MustCompile(`^ID \d+ .*? path (?P<path>.+)$`)

	// newImageID returns the unique part of a loopback image name, it's
	// overridden in unit tests.
	newImageID = func() string {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
)

// loopback is a mounted loop backed filesystem.
type loopback struct {
	mountpoint string
	image      string
}

// Btrfs manages btrfs subvolumes and loop backed btrfs filesystems of a host.
// Filesystems not released by their cleanup function are released by
// Teardown.
type Btrfs struct {
	conn      conn.Conn
	mu        sync.Mutex
	resources []loopback
}

// NewBtrfs returns the btrfs utility of the host behind c.
func NewBtrfs(c conn.Conn) *Btrfs {
	return &Btrfs{conn: c}
}

// Subvolumes returns the paths of the subvolumes under the btrfs
// filesystem mounted at mountpoint, relative to it.
func (b *Btrfs) Subvolumes(ctx context.Context, mountpoint string) ([]string, error) {
	res, err := b.conn.Run(ctx, "btrfs subvolume list "+conn.Quote(mountpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to list btrfs subvolumes under %s: %w", mountpoint, err)
	}

	var names []string
	for _, line := range res.StdoutLines() {
		groups := regex.GroupsMap(subvolumeRegex, strings.TrimSpace(line))
		if p, ok := groups["path"]; ok {
			names = append(names, strings.TrimSpace(p))
		}
	}
	return names, nil
}

// SubvolumeExists reports whether the subvolume name exists under
// mountpoint. name is the path relative to mountpoint.
func (b *Btrfs) SubvolumeExists(ctx context.Context, mountpoint, name string) (bool, error) {
	names, err := b.Subvolumes(ctx, mountpoint)
	if err != nil {
		return false, err
	}
	return slices.Contains(names, name), nil
}

func setupScript(mountpoint, image, size string) string {
	return fmt.Sprintf(`set -e

mountpoint -q %[1]s && umount %[1]s || true

[ -e /dev/loop-control ] || mknod /dev/loop-control c 10 237
for i in 0 1 2 3 4 5 6 7; do
    [ -b /dev/loop$i ] || mknod /dev/loop$i b 7 $i
done

truncate -s %[3]s %[2]s
mkfs.btrfs -f %[2]s

LOOP_DEV=$(losetup --find --show %[2]s)
echo $LOOP_DEV > %[2]s.loop

mount -t btrfs $LOOP_DEV %[1]s
`, conn.Quote(mountpoint), conn.Quote(image), conn.Quote(size))
}

func cleanupScript(mountpoint, image string) string {
	return fmt.Sprintf(`set +e

mountpoint -q %[1]s && umount %[1]s

if [ -f %[2]s.loop ]; then
    LOOP_DEV=$(cat %[2]s.loop)
    losetup -d "$LOOP_DEV" 2>/dev/null || true
    rm -f %[2]s.loop
fi

rm -f %[2]s
`, conn.Quote(mountpoint), conn.Quote(image))
}

// LoopbackMount creates a btrfs filesystem of size bytes (truncate syntax,
// DefaultLoopbackSize if empty) on a temporary image, mounts it at
// mountpoint and returns the image path. The returned function unmounts the
// filesystem, detaches the loop device and removes the image.
func (b *Btrfs) LoopbackMount(ctx context.Context, mountpoint, size string) (string, func(context.Context) error, error) {
	if size == "" {
		size = DefaultLoopbackSize
	}

	res := loopback{mountpoint: mountpoint, image: fmt.Sprintf("/tmp/btrfs-%s.img", newImageID())}
	b.mu.Lock()
	b.resources = append(b.resources, res)
	b.mu.Unlock()

	cleanup := func(ctx context.Context) error {
		galog.Infof("Cleaning up loop backed btrfs at %s on %s", mountpoint, b.conn.Host())
		return b.release(ctx, res)
	}

	galog.Infof("Setting up loop backed btrfs at %s on %s", mountpoint, b.conn.Host())
	if _, err := b.conn.Run(ctx, setupScript(mountpoint, res.image, size)); err != nil {
		return "", nil, errors.Join(fmt.Errorf("failed to set up loop backed btrfs at %s: %w", mountpoint, err), cleanup(ctx))
	}

	out, err := b.conn.Run(ctx, "cat "+conn.Quote(res.image+".loop"))
	if err != nil {
		return "", nil, errors.Join(fmt.Errorf("failed to read loop device of %s: %w", res.image, err), cleanup(ctx))
	}
	galog.V(1).Debugf("Loop device of %s is %s", res.image, strings.TrimSpace(out.Stdout))

	return res.image, cleanup, nil
}

// release runs the cleanup script of res and stops tracking it.
func (b *Btrfs) release(ctx context.Context, res loopback) error {
	b.mu.Lock()
	b.resources = slices.DeleteFunc(b.resources, func(r loopback) bool { return r == res })
	b.mu.Unlock()

	if _, err := b.conn.Run(ctx, cleanupScript(res.mountpoint, res.image), conn.NoRaise()); err != nil {
		return fmt.Errorf("failed to clean up %s: %w", res.image, err)
	}
	return nil
}

// Teardown releases every filesystem still mounted.
func (b *Btrfs) Teardown(ctx context.Context) error {
	b.mu.Lock()
	leftover := slices.Clone(b.resources)
	b.mu.Unlock()

	if len(leftover) == 0 {
		return nil
	}

	galog.Warnf("Cleaning up %d leftover btrfs resources on %s", len(leftover), b.conn.Host())
	var errs []error
	for _, res := range leftover {
		if err := b.release(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
