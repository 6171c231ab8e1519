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

// Package mh connects the system tests to the hosts of a multihost
// configuration. It selects the hosts of a topology, keeps their account
// databases backed up and restores them after each test.
package mh

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// ConnSSH connects to hosts over SSH.
	ConnSSH = "ssh"
	// ConnLocal runs commands on the machine running the tests.
	ConnLocal = "local"
)

var (
	// ErrEmptyConfig is returned when the configuration file is empty.
	ErrEmptyConfig = errors.New("multihost configuration is empty")

	validate = validator.New()
)

// Config is the multihost configuration.
type Config struct {
	// Domains are the host groups of the configuration.
	Domains []Domain `yaml:"domains" toml:"domains" validate:"required,min=1,dive"`
}

// Domain is a group of hosts.
type Domain struct {
	// ID identifies the domain in topologies.
	ID string `yaml:"id" toml:"id" validate:"required"`
	// Hosts are the hosts of the domain.
	Hosts []Host `yaml:"hosts" toml:"hosts" validate:"required,min=1,dive"`
}

// Host is a host of a domain.
type Host struct {
	// Hostname is the name of the host.
	Hostname string `yaml:"hostname" toml:"hostname" validate:"required,hostname_rfc1123|ip"`
	// Role is the role the host plays in topologies.
	Role string `yaml:"role" toml:"role" validate:"required,oneof=shadow"`
	// Privileged marks hosts the tests may create loop devices and mount
	// filesystems on.
	Privileged bool `yaml:"privileged" toml:"privileged"`
	// Conn describes how to connect to the host.
	Conn HostConn `yaml:"conn" toml:"conn"`
}

// HostConn describes the connection to a host.
type HostConn struct {
	// Type is ssh or local, ssh if empty.
	Type string `yaml:"type" toml:"type" validate:"omitempty,oneof=ssh local"`
	// Host is the address to connect to, the host name if empty.
	Host string `yaml:"host" toml:"host" validate:"omitempty,hostname_rfc1123|ip"`
	// Port is the SSH port, 22 if zero.
	Port int `yaml:"port" toml:"port" validate:"omitempty,min=1,max=65535"`
	// Username is the login user, root if empty.
	Username string `yaml:"username" toml:"username"`
	// Password authenticates the user.
	Password string `yaml:"password" toml:"password"`
	// PrivateKey is the path of a private key authenticating the user.
	PrivateKey string `yaml:"private_key" toml:"private_key" validate:"omitempty,file"`
}

// connType returns the connection type with the default applied.
func (c HostConn) connType() string {
	if c.Type == "" {
		return ConnSSH
	}
	return c.Type
}

// ParseConfig decodes data in the given format, yaml or toml, and validates
// the result.
func ParseConfig(data []byte, format string) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyConfig
	}

	config := new(Config)
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse yaml: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse toml: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported multihost configuration format %q", format)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfig reads the configuration at path, the format is picked by the
// file extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read multihost configuration: %w", err)
	}

	format := strings.TrimPrefix(filepath.Ext(path), ".")
	config, err := ParseConfig(data, format)
	if err != nil {
		return nil, fmt.Errorf("invalid multihost configuration %s: %w", path, err)
	}
	return config, nil
}

// Validate checks the configuration is complete and host names are unique.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("multihost configuration validation failed: %w", err)
	}

	seen := make(map[string]bool)
	for _, d := range c.Domains {
		for _, h := range d.Hosts {
			if seen[h.Hostname] {
				return fmt.Errorf("host %q is defined more than once", h.Hostname)
			}
			seen[h.Hostname] = true
		}
	}
	return nil
}

// Hosts returns the hosts of role in domain in configuration order.
func (c *Config) Hosts(domain, role string) []Host {
	var res []Host
	for _, d := range c.Domains {
		if d.ID != domain {
			continue
		}
		for _, h := range d.Hosts {
			if h.Role == role {
				res = append(res, h)
			}
		}
	}
	return res
}

// Host returns the host called hostname.
func (c *Config) Host(hostname string) (Host, bool) {
	for _, d := range c.Domains {
		for _, h := range d.Hosts {
			if h.Hostname == hostname {
				return h, true
			}
		}
	}
	return Host{}, false
}

// Count returns the number of hosts of role in domain.
func (c *Config) Count(domain, role string) int {
	return len(c.Hosts(domain, role))
}
