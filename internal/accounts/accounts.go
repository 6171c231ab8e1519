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

// Package accounts holds the account database records the suite asserts on.
// Records are immutable snapshots parsed from getent and id output.
package accounts

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// IDName is an id and name pair, both must match in comparisons.
type IDName struct {
	// ID is the numeric id.
	ID int
	// Name is the object name.
	Name string
}

// UnixObject is a generic user or group handle.
type UnixObject struct {
	// ID is the numeric id, nil if unknown.
	ID *int
	// Name is the object name, empty if unknown.
	Name string
}

// Is compares the object loosely with v. A string is compared with the name,
// an int with the id and an IDName or another object with both.
func (o UnixObject) Is(v any) bool {
	switch val := v.(type) {
	case string:
		return o.Name == val
	case int:
		return o.ID != nil && *o.ID == val
	case IDName:
		return o.ID != nil && *o.ID == val.ID && o.Name == val.Name
	case UnixObject:
		return o.equal(val)
	case User:
		return o.equal(val.UnixObject)
	case Group:
		return o.equal(val.UnixObject)
	default:
		return false
	}
}

func (o UnixObject) equal(other UnixObject) bool {
	if o.Name != other.Name {
		return false
	}
	if o.ID == nil || other.ID == nil {
		return o.ID == nil && other.ID == nil
	}
	return *o.ID == *other.ID
}

// String returns the (id,"name") representation of the object.
func (o UnixObject) String() string {
	id := "None"
	if o.ID != nil {
		id = strconv.Itoa(*o.ID)
	}
	return fmt.Sprintf("(%s,%q)", id, o.Name)
}

// User is a unix user handle.
type User struct {
	UnixObject
}

// Group is a unix group handle.
type Group struct {
	UnixObject
}

// NewUser returns a user handle with the given id and name.
func NewUser(id int, name string) User {
	return User{UnixObject{ID: &id, Name: name}}
}

// NewGroup returns a group handle with the given id and name.
func NewGroup(id int, name string) Group {
	return Group{UnixObject{ID: &id, Name: name}}
}

// IDEntry is the result of id.
type IDEntry struct {
	// User is the user.
	User User
	// Group is the primary group.
	Group Group
	// Groups are the groups the user is member of.
	Groups []Group
}

// MemberOf returns true if the user is member of every given group. A group
// is given the way UnixObject.Is accepts it.
func (e *IDEntry) MemberOf(groups ...any) bool {
	for _, want := range groups {
		if !slices.ContainsFunc(e.Groups, func(g Group) bool { return g.Is(want) }) {
			return false
		}
	}
	return true
}

// String returns the textual representation of the entry.
func (e *IDEntry) String() string {
	var groups []string
	for _, g := range e.Groups {
		groups = append(groups, g.String())
	}
	return fmt.Sprintf("{user=%s,group=%s,groups=[%s]}", e.User, e.Group, strings.Join(groups, ", "))
}

// PasswdEntry is the result of getent passwd.
type PasswdEntry struct {
	// Name is the user name.
	Name string
	// Password is the password field, usually x.
	Password string
	// UID is the user id.
	UID int
	// GID is the primary group id.
	GID int
	// Gecos is the comment field.
	Gecos string
	// Home is the home directory.
	Home string
	// Shell is the login shell.
	Shell string
}

// String returns the entry as a passwd line.
func (e *PasswdEntry) String() string {
	return fmt.Sprintf("%s:%s:%d:%d:%s:%s:%s", e.Name, e.Password, e.UID, e.GID, e.Gecos, e.Home, e.Shell)
}

// ShadowEntry is the result of getent shadow. Day counts are counted from
// 1970-01-01, empty fields are nil.
type ShadowEntry struct {
	// Name is the user name.
	Name string
	// Password is the encrypted password or a lock marker.
	Password string
	// LastChanged is the day of the last password change.
	LastChanged *int
	// MinDays is the minimum number of days between password changes.
	MinDays *int
	// MaxDays is the maximum number of days a password is valid.
	MaxDays *int
	// WarnDays is the number of days the user is warned before the password
	// expires.
	WarnDays *int
	// InactivityDays is the number of days after password expiry before the
	// account is disabled.
	InactivityDays *int
	// ExpirationDate is the day the account expires.
	ExpirationDate *int
}

// String returns the entry as a shadow line.
func (e *ShadowEntry) String() string {
	fields := []string{e.Name, e.Password}
	for _, v := range []*int{e.LastChanged, e.MinDays, e.MaxDays, e.WarnDays, e.InactivityDays, e.ExpirationDate} {
		fields = append(fields, formatDays(v))
	}
	return strings.Join(fields, ":") + ":"
}

// GroupEntry is the result of getent group.
type GroupEntry struct {
	// Name is the group name.
	Name string
	// Password is the password field, usually x.
	Password string
	// GID is the group id.
	GID int
	// Members are the member names in file order.
	Members []string
}

// String returns the entry as a group line.
func (e *GroupEntry) String() string {
	return fmt.Sprintf("%s:%s:%d:%s", e.Name, e.Password, e.GID, strings.Join(e.Members, ","))
}

// GShadowEntry is the result of getent gshadow.
type GShadowEntry struct {
	// Name is the group name.
	Name string
	// Password is the encrypted group password or a lock marker.
	Password string
	// Administrators are the group administrator names.
	Administrators []string
	// Members are the member names.
	Members []string
}

// String returns the entry as a gshadow line.
func (e *GShadowEntry) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", e.Name, e.Password, strings.Join(e.Administrators, ","), strings.Join(e.Members, ","))
}

// InitgroupsEntry is the result of getent initgroups. Groups is empty when
// the user doesn't exist or has no supplementary groups.
type InitgroupsEntry struct {
	// Name is the user name initgroups was called for.
	Name string
	// Groups are the ids of the groups the user is member of.
	Groups []int
}

// MemberOf returns true if the user is member of every given group id.
func (e *InitgroupsEntry) MemberOf(gids ...int) bool {
	for _, gid := range gids {
		if !slices.Contains(e.Groups, gid) {
			return false
		}
	}
	return true
}

// String returns the name:gid,gid representation of the entry.
func (e *InitgroupsEntry) String() string {
	var gids []string
	for _, gid := range e.Groups {
		gids = append(gids, strconv.Itoa(gid))
	}
	return fmt.Sprintf("%s:%s", e.Name, strings.Join(gids, ","))
}

func formatDays(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}
