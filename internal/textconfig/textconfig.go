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

// Package textconfig manages blocks of settings inside line based key value
// files such as /etc/login.defs and /etc/default/useradd. The blocks are
// delimited so they can be told apart from the distribution's settings and
// removed again by Cleanup.
package textconfig

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Position is where a block is written in the file.
type Position int

const (
	// Top writes the block before the file's own lines.
	Top Position = iota
	// Bottom writes the block after the file's own lines. The tools keep the
	// last assignment of a key, so bottom blocks override the file.
	Bottom
)

// Store reads and writes the managed files.
type Store interface {
	// ReadFile returns the contents of path.
	ReadFile(ctx context.Context, path string) (string, error)
	// WriteFile replaces the contents of path.
	WriteFile(ctx context.Context, path string, contents string, perm os.FileMode) error
	// Mode returns the permission bits of path.
	Mode(ctx context.Context, path string) (os.FileMode, error)
}

// Entry is a key value assignment.
type Entry struct {
	key   string
	value string
}

// NewEntry returns the assignment of value to key.
func NewEntry(key, value string) *Entry {
	return &Entry{key: key, value: value}
}

// Key returns the assigned key.
func (e *Entry) Key() string {
	return e.key
}

// Value returns the assigned value.
func (e *Entry) Value() string {
	return e.value
}

// Block is a delimited group of entries.
type Block struct {
	position Position
	entries  []*Entry
}

// NewBlock returns an empty block written at position.
func NewBlock(position Position) *Block {
	return &Block{position: position}
}

// Append assigns value to key in the block, replacing an earlier assignment
// of the same key.
func (b *Block) Append(key, value string) {
	for _, e := range b.entries {
		if e.key == key {
			e.value = value
			return
		}
	}
	b.entries = append(b.entries, NewEntry(key, value))
}

// Entries returns the block's assignments in order.
func (b *Block) Entries() []*Entry {
	return b.entries
}

// Delimiter marks the lines around a block.
type Delimiter struct {
	// Start is the line opening the block.
	Start string
	// End is the line closing the block.
	End string
}

// DefaultDelimiter is used when Options doesn't set one.
var DefaultDelimiter = &Delimiter{
	Start: "# Added by shadow-tests, do not edit.",
	End:   "# End of settings added by shadow-tests.",
}

// Options configures a Handle.
type Options struct {
	// Delimiter marks the managed blocks, DefaultDelimiter if nil.
	Delimiter *Delimiter
	// Spacer separates keys from values, a single space if empty.
	Spacer string
}

// Formats of the configuration files of the account tools.
var (
	// LoginDefs separates keys from values with whitespace.
	LoginDefs = Options{Spacer: " "}
	// Assignments separates keys from values with an equal sign.
	Assignments = Options{Spacer: "="}
)

// Handle edits a single file.
type Handle struct {
	store  Store
	path   string
	opts   Options
	blocks []*Block
}

// New returns a handle editing path through store.
func New(store Store, path string, opts Options) *Handle {
	if opts.Delimiter == nil {
		opts.Delimiter = DefaultDelimiter
	}
	if opts.Spacer == "" {
		opts.Spacer = " "
	}
	return &Handle{store: store, path: path, opts: opts}
}

// Path returns the edited file.
func (h *Handle) Path() string {
	return h.path
}

// AddBlock adds block to the file.
func (h *Handle) AddBlock(block *Block) {
	h.blocks = append(h.blocks, block)
}

// Strip removes the lines between the delimiters from content. A start line
// without its end removes the rest of the content.
func Strip(content string, delimiter *Delimiter) string {
	if content == "" {
		return content
	}

	var out []string
	inBlock := false
	for _, line := range strings.SplitAfter(content, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == delimiter.Start:
			inBlock = true
		case inBlock && trimmed == delimiter.End:
			inBlock = false
		case !inBlock:
			out = append(out, line)
		}
	}
	return strings.Join(out, "")
}

// render returns the lines of the blocks at position.
func (h *Handle) render(position Position) string {
	var sb strings.Builder
	for _, b := range h.blocks {
		if b.position != position || len(b.entries) == 0 {
			continue
		}
		sb.WriteString(h.opts.Delimiter.Start + "\n")
		for _, e := range b.entries {
			sb.WriteString(e.key + h.opts.Spacer + e.value + "\n")
		}
		sb.WriteString(h.opts.Delimiter.End + "\n")
	}
	return sb.String()
}

// Render returns content with earlier blocks replaced by the handle's
// blocks.
func (h *Handle) Render(content string) string {
	body := Strip(content, h.opts.Delimiter)
	bottom := h.render(Bottom)
	if bottom != "" && body != "" && !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return h.render(Top) + body + bottom
}

// update rewrites the file with fn applied to its contents, keeping its
// permissions.
func (h *Handle) update(ctx context.Context, fn func(string) string) error {
	content, err := h.store.ReadFile(ctx, h.path)
	if err != nil {
		return err
	}
	mode, err := h.store.Mode(ctx, h.path)
	if err != nil {
		return err
	}

	updated := fn(content)
	if updated == content {
		return nil
	}
	if err := h.store.WriteFile(ctx, h.path, updated, mode); err != nil {
		return fmt.Errorf("failed to update %s: %w", h.path, err)
	}
	return nil
}

// Apply writes the handle's blocks to the file, replacing blocks written
// earlier.
func (h *Handle) Apply(ctx context.Context) error {
	return h.update(ctx, h.Render)
}

// Cleanup removes all managed blocks from the file.
func (h *Handle) Cleanup(ctx context.Context) error {
	return h.update(ctx, func(content string) string {
		return Strip(content, h.opts.Delimiter)
	})
}

// Lookup returns the last value assigned to key in content. Comment lines
// are ignored.
func Lookup(content, key string, opts Options) (string, bool) {
	spacer := opts.Spacer
	if spacer == "" {
		spacer = " "
	}

	var value string
	found := false
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var k, v string
		var ok bool
		if strings.TrimSpace(spacer) == "" {
			fields := strings.Fields(line)
			if len(fields) > 0 {
				k, v, ok = fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0])), true
			}
		} else {
			k, v, ok = strings.Cut(line, spacer)
			k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		}
		if ok && k == key {
			value, found = v, true
		}
	}
	return value, found
}
