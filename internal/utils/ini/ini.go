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

// Package ini provides wrapper util functions to parse the KEY=VALUE and
// KEY VALUE configuration files of the account tools.
package ini

import (
	"errors"
	"fmt"

	"gopkg.in/ini.v1"
)

const (
	// UseraddDefaultsPath is the path of useradd's defaults file.
	UseraddDefaultsPath = "/etc/default/useradd"
	// LoginDefsPath is the path of the shadow suite configuration.
	LoginDefsPath = "/etc/login.defs"
)

var (
	// ErrInvalidData is returned when the data pointer is nil.
	ErrInvalidData = errors.New("invalid data pointer, ptr is nil")
)

// UseraddDefaults are the defaults written by useradd -D.
type UseraddDefaults struct {
	// Group is the default primary group.
	Group string `ini:"GROUP"`
	// Home is the base directory of new home directories.
	Home string `ini:"HOME"`
	// Inactive is the default number of inactivity days, -1 disables it.
	Inactive int `ini:"INACTIVE"`
	// Expire is the default account expiration date.
	Expire string `ini:"EXPIRE"`
	// Shell is the default login shell.
	Shell string `ini:"SHELL"`
	// Skel is the skeleton directory copied to new homes.
	Skel string `ini:"SKEL"`
	// CreateMailSpool tells whether a mail spool is created.
	CreateMailSpool string `ini:"CREATE_MAIL_SPOOL"`
}

// LoginDefs are the login.defs settings the suite's expectations depend on.
type LoginDefs struct {
	// PassMaxDays is the default maximum password age.
	PassMaxDays int `ini:"PASS_MAX_DAYS"`
	// PassMinDays is the default minimum password age.
	PassMinDays int `ini:"PASS_MIN_DAYS"`
	// PassWarnAge is the default password expiry warning.
	PassWarnAge int `ini:"PASS_WARN_AGE"`
	// UIDMin is the first uid given to regular users.
	UIDMin int `ini:"UID_MIN"`
	// GIDMin is the first gid given to regular groups.
	GIDMin int `ini:"GID_MIN"`
	// EncryptMethod is the password hashing method.
	EncryptMethod string `ini:"ENCRYPT_METHOD"`
	// UsergroupsEnab tells whether a group is created with each user.
	UsergroupsEnab string `ini:"USERGROUPS_ENAB"`
}

// load parses source with the given key delimiters into ptr.
func load(source any, ptr any, delimiters string) error {
	if ptr == nil {
		return ErrInvalidData
	}

	// Repeated keys keep the last value, like the tools do.
	opts := ini.LoadOptions{
		Loose:                   true,
		Insensitive:             true,
		AllowShadows:            false,
		IgnoreInlineComment:     true,
		KeyValueDelimiters:      delimiters,
		SkipUnrecognizableLines: true,
	}

	config, err := ini.LoadSources(opts, source)
	if err != nil {
		return fmt.Errorf("failed to load file: %w", err)
	}

	// Parse the ini.
	if err = config.MapTo(ptr); err != nil {
		return fmt.Errorf("error parsing file: %w", err)
	}

	return nil
}

// ReadIniFile reads and parses the KEY=VALUE content of source and loads it
// into ptr. The source can be a file path or a byte array - in general it
// complies with ini.LoadSources() sources interface.
func ReadIniFile(source any, ptr any) error {
	return load(source, ptr, "=")
}

// ReadLoginDefs reads and parses the whitespace separated content of source
// and loads it into ptr.
func ReadLoginDefs(source any, ptr any) error {
	return load(source, ptr, " \t")
}

// ParseUseraddDefaults parses the content of /etc/default/useradd.
func ParseUseraddDefaults(content string) (*UseraddDefaults, error) {
	res := &UseraddDefaults{Inactive: -1}
	if err := ReadIniFile([]byte(content), res); err != nil {
		return nil, err
	}
	return res, nil
}

// ParseLoginDefs parses the content of /etc/login.defs.
func ParseLoginDefs(content string) (*LoginDefs, error) {
	res := &LoginDefs{}
	if err := ReadLoginDefs([]byte(content), res); err != nil {
		return nil, err
	}
	return res, nil
}
