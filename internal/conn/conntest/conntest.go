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

// Package conntest provides a scripted in-memory connection for unit tests of
// packages driving hosts through conn.Conn.
package conntest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	expect "github.com/google/goexpect"
	"github.com/shadow-maint/shadow-tests/internal/conn"
)

// Response is the canned result of a command.
type Response struct {
	// RC is the exit status.
	RC int
	// Stdout is the standard output.
	Stdout string
	// Stderr is the standard error.
	Stderr string
}

// Command is a command seen by the fake connection.
type Command struct {
	// Script is the script passed to Run or the command passed to Spawn.
	Script string
	// Input is what was written to stdin.
	Input string
	// Env is the environment set for the command.
	Env map[string]string
	// Timeout is the timeout requested for the command.
	Timeout time.Duration
}

// Program emulates an interactive program. It reads what the session sends
// from stdin, writes prompts to stdout and returns its exit status.
type Program func(stdin *bufio.Reader, stdout io.Writer) int

// ExitError is the error delivered by spawned programs exiting with non zero
// status.
type ExitError struct {
	// RC is the exit status.
	RC int
}

// Error returns the error message.
func (e *ExitError) Error() string {
	return fmt.Sprintf("program exited with status %d", e.RC)
}

// ExitStatus returns the exit status, it matches ssh.ExitError's accessor.
func (e *ExitError) ExitStatus() int {
	return e.RC
}

type handler struct {
	re *regexp.Regexp
	fn func(cmd Command) Response
}

type program struct {
	re   *regexp.Regexp
	prog Program
}

// Fake is a scripted conn.Conn. Handlers are consulted in registration order
// and the first one whose pattern matches the script answers. Scripts no
// handler matches succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	host     string
	handlers []handler
	programs []program
	commands []Command
	closed   bool
}

var _ conn.Conn = (*Fake)(nil)

// New returns a fake connection to host.
func New(host string) *Fake {
	return &Fake{host: host}
}

// On answers scripts matching pattern with resp.
func (f *Fake) On(pattern string, resp Response) *Fake {
	return f.OnFunc(pattern, func(Command) Response { return resp })
}

// OnFunc answers scripts matching pattern with the response computed by fn.
func (f *Fake) OnFunc(pattern string, fn func(cmd Command) Response) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler{re: regexp.MustCompile(pattern), fn: fn})
	return f
}

// OnSpawn runs prog for spawned commands matching pattern.
func (f *Fake) OnSpawn(pattern string, prog Program) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.programs = append(f.programs, program{re: regexp.MustCompile(pattern), prog: prog})
	return f
}

// Commands returns every command seen so far.
func (f *Fake) Commands() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.commands...)
}

// Scripts returns the scripts of every command seen so far.
func (f *Fake) Scripts() []string {
	var res []string
	for _, cmd := range f.Commands() {
		res = append(res, cmd.Script)
	}
	return res
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Host returns the fake host name.
func (f *Fake) Host() string {
	return f.host
}

// Close marks the connection closed.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Run answers script with the first matching handler.
func (f *Fake) Run(ctx context.Context, script string, opts ...conn.RunOption) (*conn.ProcessResult, error) {
	o := conn.NewRunOptions(opts...)
	cmd := Command{Script: script, Input: o.Input, Env: maps.Clone(o.Env), Timeout: o.Timeout}

	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var fn func(Command) Response
	for _, h := range f.handlers {
		if h.re.MatchString(script) {
			fn = h.fn
			break
		}
	}
	f.mu.Unlock()

	var resp Response
	if fn != nil {
		resp = fn(cmd)
	}
	return o.Result(script, resp.RC, resp.Stdout, resp.Stderr)
}

// Spawn runs the first program whose pattern matches command behind in-memory
// pipes.
func (f *Fake) Spawn(ctx context.Context, command string, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error) {
	f.mu.Lock()
	f.commands = append(f.commands, Command{Script: command})
	var prog Program
	for _, p := range f.programs {
		if p.re.MatchString(command) {
			prog = p.prog
			break
		}
	}
	f.mu.Unlock()

	if prog == nil {
		return nil, nil, fmt.Errorf("no program registered for %q", command)
	}
	return Spawn(prog, timeout, opts...)
}

// ReadLine reads what the session sent up to a carriage return or a newline
// and returns it without the terminator.
func ReadLine(r *bufio.Reader) (string, error) {
	var line []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return string(line), err
		}
		if b == '\r' || b == '\n' {
			return string(line), nil
		}
		line = append(line, b)
	}
}

// Spawn starts prog behind in-memory pipes and attaches an expecter to it.
func Spawn(prog Program, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	done := make(chan int, 1)
	go func() {
		rc := prog(bufio.NewReader(inR), outW)
		outW.Close()
		done <- rc
	}()

	var exited atomic.Bool
	return expect.SpawnGeneric(&expect.GenOptions{
		In:  inW,
		Out: outR,
		Wait: func() error {
			rc := <-done
			exited.Store(true)
			if rc != 0 {
				return &ExitError{RC: rc}
			}
			return nil
		},
		Close: func() error {
			inW.Close()
			inR.Close()
			return outR.Close()
		},
		Check: func() bool { return !exited.Load() },
	}, timeout, opts...)
}
