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

package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/cenkalti/backoff/v4"
	expect "github.com/google/goexpect"
	sshutil "github.com/shadow-maint/shadow-tests/internal/utils/ssh"
	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"
)

const (
	// defaultSSHPort is the port used when the options don't set one.
	defaultSSHPort = 22
	// terminalRows is the height of the pseudo terminal of spawned sessions.
	terminalRows = 40
	// terminalCols is the width of the pseudo terminal of spawned sessions.
	terminalCols = 200
)

var (
	// sshDial is the dial function, unit tests override it.
	sshDial = ssh.Dial
)

// sshClient is the subset of *ssh.Client the connection uses.
type sshClient interface {
	NewSession() (*ssh.Session, error)
	Close() error
}

// SSHOptions configures an SSH connection.
type SSHOptions struct {
	// Host is the host name or address.
	Host string
	// Port is the SSH port, 22 if zero.
	Port int
	// User is the login user.
	User string
	// Password authenticates the user if set.
	Password string
	// PrivateKeyFile authenticates the user with a private key if set.
	PrivateKeyFile string
	// ConnectTimeout is the timeout of a single dial attempt.
	ConnectTimeout time.Duration
	// RetryMaxElapsed bounds the dial and session open backoff, zero disables
	// retries.
	RetryMaxElapsed time.Duration
	// BreakerFailures is the number of consecutive session open failures
	// opening the circuit breaker.
	BreakerFailures int
}

// Address returns the host:port the options point to.
func (o SSHOptions) Address() string {
	port := o.Port
	if port == 0 {
		port = defaultSSHPort
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(port))
}

// SSH is a connection to a remote host over SSH.
type SSH struct {
	opts    SSHOptions
	client  sshClient
	breaker *gobreaker.CircuitBreaker
}

// newBackOff returns the exponential backoff used to dial and open sessions.
func newBackOff(ctx context.Context, maxElapsed time.Duration) backoff.BackOff {
	if maxElapsed == 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      maxElapsed,
		Multiplier:          1.5,
		RandomizationFactor: 0.5,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// newBreaker returns the circuit breaker guarding session opening.
func newBreaker(host string, failures int) *gobreaker.CircuitBreaker {
	if failures <= 0 {
		failures = 5
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh-session-" + host,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failures)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			galog.Warnf("Circuit breaker %s changed from %s to %s", name, from, to)
		},
	})
}

// DialSSH connects to the host described by opts. Transient dial failures are
// retried with an exponential backoff, authentication failures are not.
func DialSSH(ctx context.Context, opts SSHOptions) (*SSH, error) {
	if err := sshutil.ValidateUser(opts.User); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Host, err)
	}

	auth, err := sshutil.AuthMethods(opts.Password, opts.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to build ssh auth methods for %s: %w", opts.Host, err)
	}

	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         opts.ConnectTimeout,
		BannerCallback:  func(string) error { return nil },
	}

	var client *ssh.Client
	attempt := 0
	operation := func() error {
		attempt++
		galog.V(1).Debugf("Dialing %s@%s (attempt %d)", opts.User, opts.Address(), attempt)
		c, err := sshDial("tcp", opts.Address(), config)
		if err != nil {
			if sshutil.IsAuthError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, newBackOff(ctx, opts.RetryMaxElapsed)); err != nil {
		return nil, fmt.Errorf("failed to connect to %s as %s: %w", opts.Address(), opts.User, err)
	}

	galog.Debugf("Connected to %s as %s", opts.Address(), opts.User)
	return newSSH(opts, client), nil
}

// newSSH wraps an established client.
func newSSH(opts SSHOptions, client sshClient) *SSH {
	return &SSH{
		opts:    opts,
		client:  client,
		breaker: newBreaker(opts.Host, opts.BreakerFailures),
	}
}

// Host returns the host name the connection is established to.
func (c *SSH) Host() string {
	return c.opts.Host
}

// User returns the login user of the connection.
func (c *SSH) User() string {
	return c.opts.User
}

// Options returns a copy of the connection options.
func (c *SSH) Options() SSHOptions {
	return c.opts
}

// Close closes the connection.
func (c *SSH) Close() error {
	return c.client.Close()
}

// session opens a new session through the circuit breaker, transient failures
// are retried with backoff while the breaker is closed.
func (c *SSH) session(ctx context.Context) (*ssh.Session, error) {
	var sess *ssh.Session
	operation := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			return c.client.NewSession()
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			return err
		}
		sess = res.(*ssh.Session)
		return nil
	}

	if err := backoff.Retry(operation, newBackOff(ctx, c.opts.RetryMaxElapsed)); err != nil {
		return nil, fmt.Errorf("failed to open session on %s: %w", c.opts.Host, err)
	}
	return sess, nil
}

// Run runs script with bash on the remote host.
func (c *SSH) Run(ctx context.Context, script string, opts ...RunOption) (*ProcessResult, error) {
	o := NewRunOptions(opts...)
	if o.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Timeout)
		defer cancel()
	}

	sess, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if o.Input != "" {
		sess.Stdin = strings.NewReader(o.Input)
	}

	galog.V(2).Debugf("[%s] Running: %s", c.opts.Host, script)
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(ShellCommand(script, o.Env))
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		if serr := sess.Signal(ssh.SIGKILL); serr != nil {
			galog.V(1).Debugf("Failed to signal %q on %s: %v", script, c.opts.Host, serr)
		}
		return nil, fmt.Errorf("command %q on %s interrupted: %w", script, c.opts.Host, ctx.Err())
	}

	rc := 0
	if err != nil {
		var exitErr *ssh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to run %q on %s: %w", script, c.opts.Host, err)
		}
		rc = exitErr.ExitStatus()
	}

	galog.V(2).Debugf("[%s] Exit status %d", c.opts.Host, rc)
	return o.Result(script, rc, stdout.String(), stderr.String())
}

// Spawn starts command attached to a remote pseudo terminal.
func (c *SSH) Spawn(ctx context.Context, command string, timeout time.Duration, opts ...expect.Option) (*expect.GExpect, <-chan error, error) {
	sess, err := c.session(ctx)
	if err != nil {
		return nil, nil, err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm", terminalRows, terminalCols, modes); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("failed to request pty on %s: %w", c.opts.Host, err)
	}

	in, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("unable to obtain pipe to stdin: %w", err)
	}
	out, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("unable to obtain pipe to stdout: %w", err)
	}

	galog.V(2).Debugf("[%s] Spawning: %s", c.opts.Host, command)
	if err := sess.Start(ShellCommand(command, nil)); err != nil {
		sess.Close()
		return nil, nil, fmt.Errorf("failed to start %q on %s: %w", command, c.opts.Host, err)
	}

	var exited atomic.Bool
	return expect.SpawnGeneric(&expect.GenOptions{
		In:  in,
		Out: out,
		Wait: func() error {
			err := sess.Wait()
			exited.Store(true)
			return err
		},
		Close: sess.Close,
		Check: func() bool { return !exited.Load() },
	}, timeout, opts...)
}
