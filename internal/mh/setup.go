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

package mh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/GoogleCloudPlatform/galog"
	"github.com/shadow-maint/shadow-tests/internal/cfg"
	"github.com/shadow-maint/shadow-tests/internal/logger"
	"github.com/shadow-maint/shadow-tests/internal/osinfo"
	"github.com/shadow-maint/shadow-tests/internal/topology"
	"github.com/shadow-maint/shadow-tests/internal/utils/file"
)

var (
	// ErrUnknownFeature is returned for features a host doesn't report.
	ErrUnknownFeature = errors.New("unknown feature")

	initOnce sync.Once
	initErr  error

	configsMu sync.Mutex
	configs   = make(map[string]*Config)
)

// initSuite loads the suite configuration and initializes logging once per
// process.
func initSuite() error {
	initOnce.Do(func() {
		if initErr = cfg.Load(nil); initErr != nil {
			return
		}
		core := cfg.Retrieve().Core
		initErr = logger.Init(context.Background(), logger.Options{
			Ident:       logger.SuiteIdent,
			LogFile:     core.LogFile,
			LogToStderr: true,
			Level:       core.LogLevel,
			Verbosity:   core.LogVerbosity,
		})
		if initErr == nil {
			runner := osinfo.Read()
			galog.Infof("Running the suite on %s %s (kernel %s, %s)", runner.OS, runner.VersionID, runner.KernelRelease, runner.Architecture)
		}
	})
	return initErr
}

// ConfigPath returns the multihost configuration path, the environment
// takes precedence over the suite configuration.
func ConfigPath() string {
	if path := os.Getenv(cfg.MultihostConfigEnv); path != "" {
		return path
	}
	return cfg.Retrieve().Multihost.Config
}

// cachedConfig loads the configuration at path once per process.
func cachedConfig(path string) (*Config, error) {
	configsMu.Lock()
	defer configsMu.Unlock()

	if config, ok := configs[path]; ok {
		return config, nil
	}
	config, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	configs[path] = config
	return config, nil
}

// artifactsDir returns where artifacts of the failed test t are stored.
func artifactsDir(t testing.TB) string {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return filepath.Join(cfg.Retrieve().Multihost.ArtifactsDir, name)
}

// Setup returns the environment of mark for t. The test is skipped when no
// multihost configuration is available or it can't satisfy the topology.
// Once t finishes the hosts are checked for unexpected modifications and
// restored.
func Setup(t testing.TB, mark topology.Mark) *Environment {
	t.Helper()

	if err := initSuite(); err != nil {
		t.Fatalf("Failed to initialize the test suite: %v", err)
	}

	path := ConfigPath()
	if path == "" || !file.Exists(path, file.TypeFile) {
		t.Skipf("No multihost configuration found at %q, set %s to run system tests", path, cfg.MultihostConfigEnv)
	}

	config, err := cachedConfig(path)
	if err != nil {
		t.Fatalf("Failed to load multihost configuration: %v", err)
	}

	ctx := context.Background()
	env, err := NewEnvironment(ctx, config, mark)
	if errors.Is(err, ErrTopologyNotSatisfied) {
		t.Skipf("Skipping on %s: %v", mark.Name, err)
	}
	if err != nil {
		t.Fatalf("Failed to set up %s topology: %v", mark.Name, err)
	}

	t.Cleanup(func() {
		if t.Failed() {
			dir := artifactsDir(t)
			if err := env.CollectArtifacts(ctx, dir); err != nil {
				t.Logf("Failed to collect artifacts into %s: %v", dir, err)
			}
		}
		if err := env.Teardown(ctx); err != nil {
			t.Errorf("Teardown of %s failed: %v", mark.Name, err)
		}
	})

	galog.Debugf("Running %s on topology %s", t.Name(), mark.Name)
	return env
}

// SetupGroup runs fn as a subtest of t once per topology of group.
func SetupGroup(t *testing.T, group topology.Group, fn func(t *testing.T, env *Environment)) {
	t.Helper()
	for _, mark := range group {
		t.Run(mark.Name, func(t *testing.T) {
			fn(t, Setup(t, mark))
		})
	}
}

// unsupportedFeatures returns the features the host of role lacks.
func unsupportedFeatures(ctx context.Context, env *Environment, role string, features []string) ([]string, error) {
	r, err := env.Fixture(role)
	if err != nil {
		return nil, err
	}

	available, err := r.Host.Features(ctx)
	if err != nil {
		return nil, err
	}

	var res []string
	for _, f := range features {
		supported, ok := available[f]
		if !ok {
			return nil, fmt.Errorf("%w %q in %q", ErrUnknownFeature, f, role)
		}
		if !supported {
			res = append(res, f)
		}
	}
	return res, nil
}

// BuiltWith skips t unless the shadow host supports every feature.
func BuiltWith(t testing.TB, env *Environment, features ...string) {
	t.Helper()
	BuiltWithRole(t, env, "shadow", features...)
}

// BuiltWithRole skips t unless the host of role supports every feature. An
// unknown role or feature fails the test.
func BuiltWithRole(t testing.TB, env *Environment, role string, features ...string) {
	t.Helper()

	unsupported, err := unsupportedFeatures(context.Background(), env, role, features)
	if err != nil {
		t.Fatalf("builtwith: %v", err)
	}

	switch len(unsupported) {
	case 0:
	case 1:
		t.Skipf("%s does not support %q", role, unsupported[0])
	default:
		t.Skipf("%s does not support %q", role, unsupported)
	}
}

// DataDir returns the data directory shared by all tests.
func DataDir() string {
	if err := initSuite(); err != nil {
		galog.Warnf("Failed to initialize the test suite, using default data directory: %v", err)
		return "data"
	}
	return cfg.Retrieve().Multihost.DataDir
}

// ModuleDataDir returns the data directory shared by the tests of module.
func ModuleDataDir(module string) string {
	return filepath.Join(DataDir(), module)
}

// TestDataDir returns the data directory of t, named after the calling test
// file and the top level test name.
func TestDataDir(t testing.TB) string {
	t.Helper()

	module := "unknown"
	if _, path, _, ok := runtime.Caller(1); ok {
		module = strings.TrimSuffix(filepath.Base(path), ".go")
	}
	name, _, _ := strings.Cut(t.Name(), "/")
	return filepath.Join(ModuleDataDir(module), name)
}
