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

// Package ssh includes SSH client utilities used to connect to test hosts.
package ssh

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"golang.org/x/crypto/ssh"
)

var (
	// ErrNoAuthMethod is returned when neither a password nor a private key is
	// configured.
	ErrNoAuthMethod = errors.New("no ssh authentication method configured, set a password or a private key")

	// whiteSpaceRegexp matches any whitespace character.
	whiteSpaceRegexp = regexp.MustCompile(`\s`)
)

// PublicKeyAuth reads the private key at privateKeyPath and returns the public
// key authentication method for it.
func PublicKeyAuth(privateKeyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key %q: %w", privateKeyPath, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key %q: %w", privateKeyPath, err)
	}
	return ssh.PublicKeys(signer), nil
}

// AuthMethods returns the authentication methods for the given credentials,
// the private key is tried before the password.
func AuthMethods(password, privateKeyPath string) ([]ssh.AuthMethod, error) {
	var res []ssh.AuthMethod

	if privateKeyPath != "" {
		auth, err := PublicKeyAuth(privateKeyPath)
		if err != nil {
			return nil, err
		}
		res = append(res, auth)
	}

	if password != "" {
		res = append(res, ssh.Password(password))
		res = append(res, ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}))
	}

	if len(res) == 0 {
		return nil, ErrNoAuthMethod
	}

	return res, nil
}

// IsAuthError returns true if err is a handshake authentication failure,
// retrying such an error never succeeds.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

// ValidateUser checks for the presence of a characters which should not be
// allowed in a username string, returns an error if any such characters are
// detected, nil otherwise.
// Currently, the only banned characters are whitespace characters.
func ValidateUser(user string) error {
	if user == "" {
		return errors.New("invalid username - it is empty")
	}

	if whiteSpaceRegexp.MatchString(user) {
		return errors.New("invalid username - whitespace detected")
	}
	return nil
}
