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
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shadow-maint/shadow-tests/internal/accounts"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/conn/conntest"
)

func TestGetentPasswd(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^getent passwd tuser$`, conntest.Response{Stdout: "tuser:x:1000:1000::/home/tuser:/bin/bash\n"}).
		On(`^getent passwd 1000$`, conntest.Response{Stdout: "tuser:x:1000:1000::/home/tuser:/bin/bash\n"}).
		On(`^getent passwd`, conntest.Response{RC: 2})
	tools := New(fake)

	want := &accounts.PasswdEntry{Name: "tuser", Password: "x", UID: 1000, GID: 1000, Home: "/home/tuser", Shell: "/bin/bash"}
	for _, key := range []string{"tuser", "1000"} {
		got, err := tools.Getent.Passwd(context.Background(), key)
		if err != nil {
			t.Fatalf("Passwd(%q) = %v, want nil", key, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("Passwd(%q) returned diff (-want +got):\n%s", key, diff)
		}
	}

	got, err := tools.Getent.Passwd(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("Passwd(missing) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestGetentService(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^getent -s files group tgroup$`, conntest.Response{Stdout: "tgroup:x:1001:tuser\n"})
	tools := New(fake)

	got, err := tools.Getent.Group(context.Background(), "tgroup", "files")
	if err != nil {
		t.Fatalf("Group(tgroup, files) = %v, want nil", err)
	}
	want := &accounts.GroupEntry{Name: "tgroup", Password: "x", GID: 1001, Members: []string{"tuser"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Group(tgroup, files) returned diff (-want +got):\n%s", diff)
	}
}

func TestGetentDatabases(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^getent shadow tuser$`, conntest.Response{Stdout: "tuser:!:19500:0:99999:7:::\n"}).
		On(`^getent gshadow tgroup$`, conntest.Response{Stdout: "tgroup:!::tuser\n"}).
		On(`^getent initgroups tuser$`, conntest.Response{Stdout: "tuser 1000 1001\n"}).
		On(`^getent shadow broken$`, conntest.Response{Stdout: "broken:!\n"})
	tools := New(fake)
	ctx := context.Background()

	shadow, err := tools.Getent.Shadow(ctx, "tuser")
	if err != nil {
		t.Fatalf("Shadow(tuser) = %v, want nil", err)
	}
	if shadow.Password != "!" || shadow.MaxDays == nil || *shadow.MaxDays != 99999 {
		t.Errorf("Shadow(tuser) = %s, want locked password and max days 99999", shadow)
	}

	gshadow, err := tools.Getent.GShadow(ctx, "tgroup")
	if err != nil {
		t.Fatalf("GShadow(tgroup) = %v, want nil", err)
	}
	if diff := cmp.Diff([]string{"tuser"}, gshadow.Members); diff != "" {
		t.Errorf("GShadow(tgroup).Members returned diff (-want +got):\n%s", diff)
	}

	initgroups, err := tools.Getent.Initgroups(ctx, "tuser")
	if err != nil {
		t.Fatalf("Initgroups(tuser) = %v, want nil", err)
	}
	if !initgroups.MemberOf(1000, 1001) {
		t.Errorf("Initgroups(tuser) = %s, want member of 1000 and 1001", initgroups)
	}

	if _, err := tools.Getent.Shadow(ctx, "broken"); err == nil {
		t.Errorf("Shadow(broken) succeeded, want parse error")
	}
}

func TestID(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^id tuser$`, conntest.Response{Stdout: "uid=1000(tuser) gid=1000(tuser) groups=1000(tuser),1001(tgroup)\n"}).
		On(`^id `, conntest.Response{RC: 1, Stderr: "id: 'missing': no such user\n"})
	tools := New(fake)

	got, err := tools.ID(context.Background(), "tuser")
	if err != nil {
		t.Fatalf("ID(tuser) = %v, want nil", err)
	}
	if !got.User.Is("tuser") || !got.Group.Is(1000) || !got.MemberOf("tgroup") {
		t.Errorf("ID(tuser) = %s, want tuser in tgroup", got)
	}

	got, err = tools.ID(context.Background(), "missing")
	if err != nil || got != nil {
		t.Errorf("ID(missing) = (%v, %v), want (nil, nil)", got, err)
	}
}

func TestGrep(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^grep -q tuser /etc/passwd$`, conntest.Response{}).
		On(`^grep -q nobody2 `, conntest.Response{RC: 1}).
		On(`^grep -q tuser /missing$`, conntest.Response{RC: 2, Stderr: "grep: /missing: No such file or directory\n"})
	tools := New(fake)
	ctx := context.Background()

	tests := []struct {
		pattern string
		paths   []string
		want    bool
		wantErr bool
	}{
		{pattern: "tuser", paths: []string{"/etc/passwd"}, want: true},
		{pattern: "nobody2", paths: []string{"/etc/passwd", "/etc/group"}, want: false},
		{pattern: "tuser", paths: []string{"/missing"}, wantErr: true},
	}

	for _, tc := range tests {
		got, err := tools.Grep(ctx, tc.pattern, tc.paths, "-q")
		if (err != nil) != tc.wantErr {
			t.Fatalf("Grep(%q, %v) = %v, want error: %t", tc.pattern, tc.paths, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("Grep(%q, %v) = %t, want %t", tc.pattern, tc.paths, got, tc.want)
		}
	}
}

func TestKill(t *testing.T) {
	fake := conntest.New("shadow.test").On(`^kill 4242$`, conntest.Response{RC: 1})
	tools := New(fake)

	err := tools.Kill(context.Background(), 4242)
	if _, ok := conn.AsProcessError(err); !ok {
		t.Errorf("Kill(4242) = %v, want *conn.ProcessError", err)
	}
	if err := tools.Kill(context.Background(), 1); err != nil {
		t.Errorf("Kill(1) = %v, want nil", err)
	}
}

func TestFS(t *testing.T) {
	fake := conntest.New("shadow.test").
		On(`^test -e /home/tuser$`, conntest.Response{}).
		On(`^test -e `, conntest.Response{RC: 1}).
		On(`^cat /etc/default/useradd$`, conntest.Response{Stdout: "SHELL=/bin/bash\n"}).
		On(`^mktemp -d$`, conntest.Response{Stdout: "/tmp/tmp.XyZ\n"})
	fs := New(fake).FS
	ctx := context.Background()

	exists, err := fs.Exists(ctx, "/home/tuser")
	if err != nil || !exists {
		t.Errorf("Exists(/home/tuser) = (%t, %v), want (true, nil)", exists, err)
	}
	exists, err = fs.Exists(ctx, "/home/other")
	if err != nil || exists {
		t.Errorf("Exists(/home/other) = (%t, %v), want (false, nil)", exists, err)
	}

	contents, err := fs.ReadFile(ctx, "/etc/default/useradd")
	if err != nil || contents != "SHELL=/bin/bash\n" {
		t.Errorf("ReadFile() = (%q, %v), want SHELL line", contents, err)
	}

	dir, err := fs.TempDir(ctx)
	if err != nil || dir != "/tmp/tmp.XyZ" {
		t.Errorf("TempDir() = (%q, %v), want /tmp/tmp.XyZ", dir, err)
	}

	if err := fs.WriteFile(ctx, "/tmp/newusers data.txt", "tuser1:Secret123:1001:1001::/home/tuser1:/bin/bash\n", 0600); err != nil {
		t.Fatalf("WriteFile() = %v, want nil", err)
	}
	if err := fs.Mkdir(ctx, "/tmp/dir"); err != nil {
		t.Fatalf("Mkdir() = %v, want nil", err)
	}
	if err := fs.Remove(ctx, "/tmp/dir"); err != nil {
		t.Fatalf("Remove() = %v, want nil", err)
	}

	cmds := fake.Commands()
	write := cmds[len(cmds)-3]
	wantWrite := `mkdir -p "$(dirname '/tmp/newusers data.txt')" && cat > '/tmp/newusers data.txt' && chmod 600 '/tmp/newusers data.txt'`
	if write.Script != wantWrite {
		t.Errorf("WriteFile() ran %q, want %q", write.Script, wantWrite)
	}
	if write.Input != "tuser1:Secret123:1001:1001::/home/tuser1:/bin/bash\n" {
		t.Errorf("WriteFile() input = %q, want the file contents", write.Input)
	}
	if diff := cmp.Diff([]string{"mkdir -p /tmp/dir", "rm -rf /tmp/dir"}, fake.Scripts()[len(cmds)-2:]); diff != "" {
		t.Errorf("Mkdir() and Remove() ran diff (-want +got):\n%s", diff)
	}
}

func TestFSMode(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		rc      int
		want    os.FileMode
		wantErr bool
	}{
		{name: "world-readable", stdout: "644\n", want: 0644},
		{name: "owner-only", stdout: "600\n", want: 0600},
		{name: "setgid-dropped", stdout: "2755\n", want: 0755},
		{name: "garbage", stdout: "rw-r--r--\n", wantErr: true},
		{name: "missing", rc: 1, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := conntest.New("shadow.test").
				On(`^stat -c %a /etc/login.defs$`, conntest.Response{Stdout: tc.stdout, RC: tc.rc})
			got, err := New(fake).FS.Mode(context.Background(), "/etc/login.defs")
			if (err != nil) != tc.wantErr {
				t.Fatalf("Mode() error = %v, want error %t", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("Mode() = %o, want %o", got, tc.want)
			}
		})
	}
}

func TestDaysSinceEpoch(t *testing.T) {
	tests := []struct {
		t    time.Time
		want int
	}{
		{time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{time.Date(1970, 1, 2, 23, 59, 0, 0, time.UTC), 1},
		{time.Date(2023, 5, 22, 12, 0, 0, 0, time.UTC), 19499},
	}

	for _, tc := range tests {
		if got := DaysSinceEpoch(tc.t); got != tc.want {
			t.Errorf("DaysSinceEpoch(%s) = %d, want %d", tc.t, got, tc.want)
		}
	}
}

func TestShadowPasswordPattern(t *testing.T) {
	tests := []struct {
		password string
		want     bool
	}{
		{"$6$rounds=5000$salt$hash", true},
		{"$y$j9T$salt$hash", true},
		{"$1$salt$hash", true},
		{"!", false},
		{"*", false},
		{"Secret123", false},
		{"", false},
	}

	for _, tc := range tests {
		if got := ShadowPasswordPattern.MatchString(tc.password); got != tc.want {
			t.Errorf("ShadowPasswordPattern.MatchString(%q) = %t, want %t", tc.password, got, tc.want)
		}
	}
}

func TestDedent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "common_indent",
			in:   "    tuser1:Secret123\n    tuser2:Secret456\n",
			want: "tuser1:Secret123\ntuser2:Secret456\n",
		},
		{
			name: "nested_indent",
			in:   "  a\n    b\n\n  c",
			want: "a\n  b\n\nc",
		},
		{
			name: "no_indent",
			in:   "tgroup1:Secret123\n",
			want: "tgroup1:Secret123\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Dedent(tc.in); got != tc.want {
				t.Errorf("Dedent(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
