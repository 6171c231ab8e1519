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

// Package roles implements the API tests use to drive the account tools on a
// host. Every method runs one tool and tells the host which account files the
// tool is expected to modify.
package roles

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/kballard/go-shellquote"
	"github.com/shadow-maint/shadow-tests/internal/conn"
	"github.com/shadow-maint/shadow-tests/internal/expect"
	"github.com/shadow-maint/shadow-tests/internal/hosts"
	"github.com/shadow-maint/shadow-tests/internal/tools"
)

const (
	passwdFile  = "/etc/passwd"
	shadowFile  = "/etc/shadow"
	groupFile   = "/etc/group"
	gshadowFile = "/etc/gshadow"

	// shellPrompt matches the prompt of an interactive shell.
	shellPrompt = `[$#] ?$`
	// newgrpFailure matches newgrp's error messages.
	newgrpFailure = `newgrp: [^\r\n]+`
)

var (
	// ErrNoDialer is returned by SSH when the role has no way to open new
	// connections.
	ErrNoDialer = errors.New("role has no dialer")

	userFiles     = []string{passwdFile, shadowFile, groupFile, gshadowFile}
	groupFiles    = []string{groupFile, gshadowFile}
	passwordFiles = []string{passwdFile, shadowFile}
)

// Dialer opens a new connection to the role's host as user.
type Dialer func(ctx context.Context, user, password string) (conn.Conn, error)

// Options configures a Shadow role.
type Options struct {
	// ExpectTimeout bounds each step of interactive sessions,
	// expect.DefaultTimeout if zero.
	ExpectTimeout time.Duration
	// CommandTimeout bounds each non interactive tool run, unbounded if
	// zero.
	CommandTimeout time.Duration
	// Dialer opens connections as other users, SSH fails without it.
	Dialer Dialer
}

// PasswdOptions configures a passwd run.
type PasswdOptions struct {
	// Password is the new password.
	Password string
	// Stdin reads the password from stdin instead of the terminal.
	Stdin bool
}

// NewgrpOptions configures a newgrp run.
type NewgrpOptions struct {
	// RunAs is the user switched to with su before running newgrp, the
	// connection user if empty.
	RunAs string
	// Password answers newgrp's password prompt if set.
	Password string
}

// Shadow is the role of the host the account tools run on.
type Shadow struct {
	// Host is the host the role drives.
	Host *hosts.ShadowHost
	// Tools runs query commands on the host.
	Tools *tools.Tools
	// FS manages files on the host.
	FS *tools.FS

	conn conn.Conn
	opts Options
}

// NewShadow returns the role driving host.
func NewShadow(host *hosts.ShadowHost, opts Options) *Shadow {
	if opts.ExpectTimeout == 0 {
		opts.ExpectTimeout = expect.DefaultTimeout
	}
	return &Shadow{
		Host:  host,
		Tools: host.Tools,
		FS:    host.Tools.FS,
		conn:  host.Conn(),
		opts:  opts,
	}
}

// argsName returns the name an argument list operates on, its last word that
// isn't an option.
func argsName(args string) string {
	words, err := shellquote.Split(args)
	if err != nil || len(words) == 0 {
		return args
	}
	for _, word := range slices.Backward(words) {
		if word != "" && !strings.HasPrefix(word, "-") {
			return word
		}
	}
	return words[len(words)-1]
}

// discard tells the host the files a successful tool run modified.
func (s *Shadow) discard(files []string) {
	for _, f := range files {
		s.Host.DiscardFile(f)
	}
}

// run runs tool with args and discards files once it succeeded.
func (s *Shadow) run(ctx context.Context, tool, args string, files []string, opts ...conn.RunOption) (*conn.ProcessResult, error) {
	script := tool
	if args != "" {
		script = tool + " " + args
	}

	if s.opts.CommandTimeout > 0 {
		opts = append([]conn.RunOption{conn.WithTimeout(s.opts.CommandTimeout)}, opts...)
	}
	res, err := s.conn.Run(ctx, script, opts...)
	if err != nil {
		return res, err
	}

	s.discard(files)
	return res, nil
}

// Useradd creates a user.
func (s *Shadow) Useradd(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Creating user %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "useradd", args, userFiles)
}

// Usermod modifies a user.
func (s *Shadow) Usermod(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Modifying user %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "usermod", args, userFiles)
}

// Userdel deletes a user.
func (s *Shadow) Userdel(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Deleting user %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "userdel", args, userFiles)
}

// Groupadd creates a group.
func (s *Shadow) Groupadd(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Creating group %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "groupadd", args, groupFiles)
}

// Groupmod modifies a group.
func (s *Shadow) Groupmod(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Modifying group %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "groupmod", args, groupFiles)
}

// Groupdel deletes a group.
func (s *Shadow) Groupdel(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Deleting group %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "groupdel", args, groupFiles)
}

// Chage changes the password expiry information of a user.
func (s *Shadow) Chage(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Changing user password expiry information on user %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "chage", args, passwordFiles)
}

// Gpasswd administers a group.
func (s *Shadow) Gpasswd(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Administering group %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "gpasswd", args, groupFiles)
}

// Groupmems administers the members of a group.
func (s *Shadow) Groupmems(ctx context.Context, args string) (*conn.ProcessResult, error) {
	galog.Infof("Administering group members with %q on %s", argsName(args), s.Host.Hostname())
	return s.run(ctx, "groupmems", args, groupFiles)
}

// Chpasswd changes passwords in batch, data holds user:password lines.
func (s *Shadow) Chpasswd(ctx context.Context, data string) (*conn.ProcessResult, error) {
	galog.Infof("Changing passwords of users in batch on %s", s.Host.Hostname())
	return s.run(ctx, "chpasswd", "", passwordFiles, conn.WithInput(data))
}

// Chgpasswd changes group passwords in batch, data holds group:password
// lines.
func (s *Shadow) Chgpasswd(ctx context.Context, args, data string) (*conn.ProcessResult, error) {
	galog.Infof("Changing passwords of groups in batch on %s", s.Host.Hostname())
	return s.run(ctx, "chgpasswd", args, groupFiles, conn.WithInput(data))
}

// ChgpasswdFile changes group passwords in batch reading path on the host.
func (s *Shadow) ChgpasswdFile(ctx context.Context, args, path string) (*conn.ProcessResult, error) {
	galog.Infof("Changing passwords of groups in batch from %s on %s", path, s.Host.Hostname())
	return s.run(ctx, "chgpasswd", strings.TrimSpace(args+" < "+conn.Quote(path)), groupFiles)
}

// Newusers creates or updates users in batch, data holds passwd formatted
// lines.
func (s *Shadow) Newusers(ctx context.Context, args, data string) (*conn.ProcessResult, error) {
	galog.Infof("Creating users in batch on %s", s.Host.Hostname())
	return s.run(ctx, "newusers", args, userFiles, conn.WithInput(data))
}

// NewusersFile creates or updates users in batch reading path on the host.
func (s *Shadow) NewusersFile(ctx context.Context, args, path string) (*conn.ProcessResult, error) {
	galog.Infof("Creating users in batch from %s on %s", path, s.Host.Hostname())
	return s.run(ctx, "newusers", strings.TrimSpace(args+" "+conn.Quote(path)), userFiles)
}

// processResult converts the outcome of an interactive session.
func processResult(command string, res *expect.Result) *conn.ProcessResult {
	if res == nil {
		return nil
	}
	return &conn.ProcessResult{Command: command, RC: res.RC, Stdout: res.Output}
}

// interact runs script and discards files once it succeeded.
func (s *Shadow) interact(ctx context.Context, script expect.Script, files []string) (*expect.Result, error) {
	script.Timeout = s.opts.ExpectTimeout
	res, err := expect.Run(ctx, s.conn, script)
	if err != nil {
		return res, err
	}
	s.discard(files)
	return res, nil
}

// Passwd changes the password of a user, through stdin if opts.Stdin is set
// or answering passwd's prompts otherwise.
func (s *Shadow) Passwd(ctx context.Context, args string, opts PasswdOptions) (*conn.ProcessResult, error) {
	galog.Infof("Changing password of user %q on %s", argsName(args), s.Host.Hostname())

	if opts.Stdin {
		if words, err := shellquote.Split(args); err != nil || !slices.Contains(words, "--stdin") {
			args = strings.TrimSpace("--stdin " + args)
		}
		return s.run(ctx, "passwd", args, passwordFiles, conn.WithInput(opts.Password+"\n"))
	}

	command := strings.TrimSpace("passwd " + args)
	fail := []string{`(?i)passwd: (unknown user|user '[^']*' does not exist|only root can)[^\r\n]*`}
	res, err := s.interact(ctx, expect.Script{
		Command: command,
		Steps: []expect.Step{
			{Expect: `(?i)new (unix )?password: ?`, Send: opts.Password + "\r", Fail: fail},
			{Expect: `(?i)(retype|re-enter) new (unix )?password: ?`, Send: opts.Password + "\r", Fail: fail},
		},
	}, passwordFiles)
	return processResult(command, res), err
}

// Newgrp logs in to group in a shell of opts.RunAs and returns the session
// result along with the effective group id reported by the new shell.
func (s *Shadow) Newgrp(ctx context.Context, group string, opts NewgrpOptions) (*conn.ProcessResult, int, error) {
	user := opts.RunAs
	command := "/bin/bash"
	if user != "" {
		command = "su - " + conn.Quote(user)
	}
	galog.Infof("Changing group of user %q to %q on %s", user, group, s.Host.Hostname())

	steps := []expect.Step{{Expect: shellPrompt, Send: "newgrp " + conn.Quote(group) + "\r"}}
	if opts.Password != "" {
		steps = append(steps, expect.Step{Expect: `(?i)password: ?`, Send: opts.Password + "\r", Fail: []string{newgrpFailure}})
	}
	steps = append(steps,
		expect.Step{Expect: shellPrompt, Send: "echo \"GID:$(id -g)\"\r", Fail: []string{newgrpFailure}},
		expect.Step{Expect: `GID:(\d+)`, Send: "exit\rexit\r"},
	)

	res, err := s.interact(ctx, expect.Script{Command: command, Steps: steps}, nil)
	if res == nil {
		return nil, 0, err
	}

	gid, convErr := strconv.Atoi(res.Capture(1))
	if convErr != nil {
		return processResult(command, res), 0, errors.Join(err, fmt.Errorf("failed to parse newgrp gid %q: %w", res.Capture(1), convErr))
	}
	return processResult(command, res), gid, err
}

// vipwKeys converts an editor script to keystrokes. The first line holds
// normal mode commands entering insert mode, the following lines are inserted
// and a last line starting with a colon is run as an ex command after leaving
// insert mode.
func vipwKeys(script string) (string, string) {
	lines := strings.Split(strings.TrimSuffix(script, "\n"), "\n")

	ex := ""
	if last := lines[len(lines)-1]; len(lines) > 1 && strings.HasPrefix(last, ":") {
		ex = last + "\r"
		lines = lines[:len(lines)-1]
	}

	insert := lines[0]
	if len(lines) > 1 {
		insert += strings.Join(lines[1:], "\r")
	}
	if ex != "" {
		insert += "\x1b"
	}
	return insert, ex
}

// Vipw edits the account files with vi, script holds the editor keystrokes
// as described by vipwKeys.
func (s *Shadow) Vipw(ctx context.Context, args, script string) (*conn.ProcessResult, error) {
	galog.Infof("Editing account files with vipw %s on %s", args, s.Host.Hostname())

	command := conn.ShellCommand(strings.TrimSpace("vipw "+args), map[string]string{"EDITOR": "vi"})
	insert, ex := vipwKeys(script)
	steps := []expect.Step{{Expect: `\S`, Send: insert}}
	if ex != "" {
		steps = append(steps, expect.Step{Send: ex})
	}

	res, err := s.interact(ctx, expect.Script{Command: command, Steps: steps}, userFiles)
	return processResult(command, res), err
}

// SSH opens a new connection to the role's host as user.
func (s *Shadow) SSH(ctx context.Context, user, password string) (conn.Conn, error) {
	if s.opts.Dialer == nil {
		return nil, fmt.Errorf("connecting to %s as %s: %w", s.Host.Hostname(), user, ErrNoDialer)
	}
	galog.Infof("Connecting to %s as %s", s.Host.Hostname(), user)
	return s.opts.Dialer(ctx, user, password)
}
