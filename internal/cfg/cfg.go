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

// Package cfg is package responsible to loading and accessing the test suite
// configuration.
package cfg

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/GoogleCloudPlatform/galog"
	"gopkg.in/ini.v1"
)

var (
	// instance is the single instance of configuration sections, once loaded this
	// package should always return it.
	instance *Sections

	// dataSources is a pointer to a data source loading/defining function, unit
	// tests will want to change this pointer to whatever makes sense to its
	// implementation.
	dataSources = defaultDataSources
	// defaultConfigValues holds the defaults values for template.
	defaultConfigValues = map[string]string{
		"multihostConfig": defaultMultihostConfig,
		"dataDir":         defaultDataDir,
		"artifactsDir":    defaultArtifactsDir,
	}

	// panicFc is a reference to panic(), it's overridden in unit tests.
	panicFc = panicWrapper

	// cfgMu protects the initialization and retrieval of config instance.
	cfgMu sync.RWMutex
)

const (
	// MultihostConfigEnv is the environment variable overriding the multihost
	// configuration file path.
	MultihostConfigEnv = "SHADOW_MH_CONFIG"

	// defaultConfigTemplate is the default configuration template for the
	// configuration sections.
	defaultConfigTemplate = `
[Core]
log_level = 3
log_verbosity = 0
log_file =

[Multihost]
config = {{.multihostConfig}}
data_dir = {{.dataDir}}
artifacts_dir = {{.artifactsDir}}

[Session]
expect_timeout = 60s
command_timeout = 5m

[SSH]
connect_timeout = 10s
retry_max_elapsed = 30s
breaker_failures = 5

[Backup]
paths = /etc/login.defs,/etc/default/useradd,/etc/passwd,/etc/shadow,/etc/group,/etc/gshadow,/etc/subuid,/etc/subgid,/home,/var/log/secure
verify = /etc/passwd,/etc/shadow,/etc/group,/etc/gshadow
`
)

// Sections encapsulates all the configuration sections.
type Sections struct {
	// Core defines the logging configuration entries/keys.
	Core *Core `ini:"Core,omitempty"`

	// Multihost defines where the multihost topology and test data live.
	Multihost *Multihost `ini:"Multihost,omitempty"`

	// Session defines interactive session and command timeouts.
	Session *Session `ini:"Session,omitempty"`

	// SSH defines the remote connection dial and resilience knobs.
	SSH *SSH `ini:"SSH,omitempty"`

	// Backup defines the files saved before and restored after each test.
	Backup *Backup `ini:"Backup,omitempty"`
}

// Core contains the core configuration entries.
type Core struct {
	// LogLevel defines the log level of the suite and CLI.
	LogLevel int `ini:"log_level,omitempty"`
	// LogVerbosity defines the log verbosity, higher values log command
	// traces.
	LogVerbosity int `ini:"log_verbosity,omitempty"`
	// LogFile is the path to the log file, if empty no file backend is
	// registered.
	LogFile string `ini:"log_file,omitempty"`
}

// Multihost contains the multihost topology configuration.
type Multihost struct {
	// Config is the path to the multihost YAML or TOML file. It's overridden by
	// the SHADOW_MH_CONFIG environment variable.
	Config string `ini:"config,omitempty"`
	// DataDir is the root of the test data directories.
	DataDir string `ini:"data_dir,omitempty"`
	// ArtifactsDir is where host artifacts are collected.
	ArtifactsDir string `ini:"artifacts_dir,omitempty"`
}

// Session contains the interactive session configuration.
type Session struct {
	// ExpectTimeout is how long an interactive session waits for a prompt or the
	// end of stream.
	ExpectTimeout time.Duration `ini:"expect_timeout,omitempty"`
	// CommandTimeout bounds non interactive commands.
	CommandTimeout time.Duration `ini:"command_timeout,omitempty"`
}

// SSH contains the remote connection configuration.
type SSH struct {
	// ConnectTimeout is the TCP and handshake timeout of a single dial.
	ConnectTimeout time.Duration `ini:"connect_timeout,omitempty"`
	// RetryMaxElapsed bounds the dial and session open backoff.
	RetryMaxElapsed time.Duration `ini:"retry_max_elapsed,omitempty"`
	// BreakerFailures is the number of consecutive session open failures
	// tripping the circuit breaker.
	BreakerFailures int `ini:"breaker_failures,omitempty"`
}

// Backup contains the host backup configuration.
type Backup struct {
	// Paths are the files and directories backed up before tests.
	Paths []string `ini:"paths,omitempty" delim:","`
	// Verify are the files compared against the backup after each test unless
	// the test declared it modified them.
	Verify []string `ini:"verify,omitempty" delim:","`
}

func panicWrapper(args ...any) {
	panic(args)
}

// applyTemplate applies the template data to the template string.
func applyTemplate(templateStr string, data map[string]string, buffer io.Writer) error {
	t, err := template.New("").Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template: %w", err)
	}
	err = t.Execute(buffer, data)
	if err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return nil
}

// defaultDataSources returns the default data sources to load configuration
// from, extraDefaults takes the lowest precedence after the built-in template.
func defaultDataSources(extraDefaults []byte) []any {
	var res []any

	if len(extraDefaults) > 0 {
		res = append(res, extraDefaults)
	}

	return append(res, []any{
		defaultConfigFile,
		defaultConfigFile + ".local",
	}...)
}

// Load loads default configuration and the configuration from default config
// files.
func Load(extraDefaults []byte) error {
	cfgMu.Lock()
	defer cfgMu.Unlock()
	opts := ini.LoadOptions{
		Loose:       true,
		Insensitive: true,
	}

	var buffer bytes.Buffer
	err := applyTemplate(defaultConfigTemplate, defaultConfigValues, &buffer)
	if err != nil {
		return fmt.Errorf("unable to apply %v to config template: %w", defaultConfigValues, err)
	}

	sources := dataSources(extraDefaults)
	galog.V(3).Debugf("Loading configuration from sources: %v", sources)
	cfg, err := ini.LoadSources(opts, buffer.Bytes(), sources...)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %+w", err)
	}

	sections := new(Sections)
	if err := cfg.MapTo(sections); err != nil {
		return fmt.Errorf("failed to map configuration to object: %w", err)
	}

	if path := os.Getenv(MultihostConfigEnv); path != "" {
		sections.Multihost.Config = path
	}

	instance = sections
	return nil
}

// Retrieve returns the configuration's instance previously loaded with Load().
func Retrieve() *Sections {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	if instance == nil {
		panicFc("cfg package was not initialized, Load() should be called in the early initialization code path")
	}
	return instance
}

// ToString returns the string representation of the configuration.
func ToString() (string, error) {
	buffer := new(bytes.Buffer)

	cfg := ini.Empty()
	if err := ini.ReflectFrom(cfg, instance); err != nil {
		return "", fmt.Errorf("failed to reflect configuration to object: %w", err)
	}

	if _, err := cfg.WriteTo(buffer); err != nil {
		return "", fmt.Errorf("failed to write configuration to buffer: %w", err)
	}
	configString := strings.TrimSpace(buffer.String())

	return configString, nil
}
