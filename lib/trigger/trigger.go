// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package trigger keeps per-root tables of named trigger definitions. A
// trigger names a command to run when files matching its patterns change.
// Executing the commands is up to the consumer; this package owns parsing,
// matching and the table bookkeeping.
package trigger

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gobwas/glob"
	"github.com/kballard/go-shellquote"

	"github.com/wardenfs/warden/lib/fsdetect"
	"github.com/wardenfs/warden/lib/sync"
)

var (
	ErrNoName    = errors.New("trigger has no name")
	ErrNoCommand = errors.New("trigger has no command")
)

// A Definition is one named trigger. Patterns are glob expressions matched
// against paths relative to the root.
type Definition struct {
	Name        string   `json:"name"`
	Command     []string `json:"command"`
	Patterns    []string `json:"patterns,omitempty"`
	AppendFiles bool     `json:"append_files,omitempty"`
	Chdir       string   `json:"chdir,omitempty"`

	globs []glob.Glob
	fold  bool
}

// New parses a trigger definition. The command line is split into words
// with shell quoting rules. On case insensitive roots, patterns and
// candidate paths are folded before matching.
func New(name, command string, patterns []string, caseSensitive bool) (*Definition, error) {
	if name == "" {
		return nil, ErrNoName
	}

	words, err := shellquote.Split(command)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: command is invalid: %w", name, err)
	}
	if len(words) == 0 {
		return nil, ErrNoCommand
	}

	d := &Definition{
		Name:     name,
		Command:  words,
		Patterns: patterns,
		fold:     !caseSensitive,
	}
	for _, pattern := range patterns {
		if d.fold {
			pattern = fsdetect.FoldCase(pattern)
		}
		// '/' as separator so that * stays within one path component
		// while ** crosses them.
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("trigger %s: pattern %q: %w", name, pattern, err)
		}
		d.globs = append(d.globs, g)
	}
	return d, nil
}

// Matches returns whether the relative path matches the trigger. A trigger
// without patterns matches every path.
func (d *Definition) Matches(relpath string) bool {
	if len(d.globs) == 0 {
		return true
	}
	if d.fold {
		relpath = fsdetect.FoldCase(relpath)
	}
	for _, g := range d.globs {
		if g.Match(relpath) {
			return true
		}
	}
	return false
}

// A Table is the set of triggers defined on one root.
type Table struct {
	mut  sync.Mutex
	defs map[string]*Definition
}

func NewTable() *Table {
	return &Table{
		mut:  sync.NewMutex(),
		defs: make(map[string]*Definition),
	}
}

// Set adds or replaces the definition with its name. It returns true when
// the trigger was newly created, false when it replaced an existing one.
func (t *Table) Set(d *Definition) bool {
	t.mut.Lock()
	_, existed := t.defs[d.Name]
	t.defs[d.Name] = d
	t.mut.Unlock()
	l.Debugln("set trigger", d.Name)
	return !existed
}

// Delete removes the named trigger, reporting whether it existed.
func (t *Table) Delete(name string) bool {
	t.mut.Lock()
	_, existed := t.defs[name]
	delete(t.defs, name)
	t.mut.Unlock()
	l.Debugln("deleted trigger", name, existed)
	return existed
}

// Get returns the named trigger, or nil.
func (t *Table) Get(name string) *Definition {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.defs[name]
}

// List returns all definitions, sorted by name.
func (t *Table) List() []*Definition {
	t.mut.Lock()
	defs := make([]*Definition, 0, len(t.defs))
	for _, d := range t.defs {
		defs = append(defs, d)
	}
	t.mut.Unlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of defined triggers.
func (t *Table) Len() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return len(t.defs)
}
