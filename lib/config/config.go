// Copyright (C) 2025 The Warden Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config holds the daemon configuration and the per-root overlay
// read from a .wardenconfig file inside a watched root.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

// RootConfigName is the overlay file looked up inside each watched root.
const RootConfigName = ".wardenconfig"

type Configuration struct {
	// Socket is the path of the unix control socket.
	Socket string `json:"socket,omitempty"`

	// SettleMS is how long a root must stay quiet before its changes are
	// handed to the consumer.
	SettleMS int `json:"settle_ms,omitempty"`

	// IOBatchSize caps how many notifications are drained from a backend
	// per consume cycle.
	IOBatchSize int `json:"io_batch_size,omitempty"`

	// CookieSyncTimeoutMS bounds how long a sync round may take before it
	// is reported as failed.
	CookieSyncTimeoutMS int `json:"cookie_sync_timeout_ms,omitempty"`

	// IdleReapAgeSeconds is how long a root may go unused by any client
	// before it is cancelled. Zero disables reaping.
	IdleReapAgeSeconds int `json:"idle_reap_age_seconds,omitempty"`

	// IgnoreVCS adds the usual version control directories to IgnoreDirs.
	IgnoreVCS *bool `json:"ignore_vcs,omitempty"`

	// IgnoreDirs are directory names, relative to the root, whose changes
	// are not reported.
	IgnoreDirs []string `json:"ignore_dirs,omitempty"`

	// IllegalFSTypes lists filesystem types that may not be watched.
	IllegalFSTypes []string `json:"illegal_fstypes,omitempty"`

	// IllegalFSTypesAdvice is appended to the error when a watch is
	// refused because of its filesystem type.
	IllegalFSTypesAdvice string `json:"illegal_fstypes_advice,omitempty"`

	// PreferSplitWatcher selects the hybrid watcher, which watches the
	// root shallowly and each top level directory with its own recursive
	// backend.
	PreferSplitWatcher *bool `json:"prefer_split_watcher,omitempty"`
}

var vcsDirs = []string{".git", ".hg", ".svn"}

func Default() Configuration {
	t := true
	return Configuration{
		Socket:              DefaultSocket(),
		SettleMS:            20,
		IOBatchSize:         1024,
		CookieSyncTimeoutMS: 60_000,
		IdleReapAgeSeconds:  5 * 86400,
		IgnoreVCS:           &t,
		PreferSplitWatcher:  &t,
	}
}

// DefaultSocket returns the control socket path used when none is
// configured.
func DefaultSocket() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "warden.sock")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("warden-%d.sock", os.Getuid()))
}

// Load reads the daemon configuration from path, which may be JSON or, for
// convenience, YAML. Missing fields keep their defaults. A missing file is
// not an error; the defaults are returned.
func Load(path string) (Configuration, error) {
	cfg := Default()

	bs, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(bs, &cfg)
	default:
		err = json.Unmarshal(bs, &cfg)
	}
	if err != nil {
		return Default(), fmt.Errorf("loading config %s: %w", path, err)
	}

	l.Debugf("loaded configuration from %s", path)
	return cfg.check()
}

// LoadRoot overlays the .wardenconfig of the given root, if any, on top of
// the base configuration. The overlay may not move the control socket.
func LoadRoot(rootPath string, base Configuration) (Configuration, error) {
	cfg := base

	bs, err := os.ReadFile(filepath.Join(rootPath, RootConfigName))
	if os.IsNotExist(err) {
		return cfg, nil
	} else if err != nil {
		return cfg, err
	}

	if err := json.Unmarshal(bs, &cfg); err != nil {
		return base, fmt.Errorf("loading %s in %s: %w", RootConfigName, rootPath, err)
	}
	cfg.Socket = base.Socket

	l.Debugf("loaded root configuration overlay for %s", rootPath)
	return cfg.check()
}

func (c Configuration) check() (Configuration, error) {
	if c.SettleMS <= 0 {
		return c, fmt.Errorf("settle_ms must be positive, not %d", c.SettleMS)
	}
	if c.IOBatchSize <= 0 {
		return c, fmt.Errorf("io_batch_size must be positive, not %d", c.IOBatchSize)
	}
	if c.CookieSyncTimeoutMS <= 0 {
		return c, fmt.Errorf("cookie_sync_timeout_ms must be positive, not %d", c.CookieSyncTimeoutMS)
	}
	if c.IdleReapAgeSeconds < 0 {
		return c, fmt.Errorf("idle_reap_age_seconds must not be negative")
	}
	return c, nil
}

// Settle returns the settle period as a duration.
func (c Configuration) Settle() time.Duration {
	return time.Duration(c.SettleMS) * time.Millisecond
}

// CookieSyncTimeout returns the sync round deadline as a duration.
func (c Configuration) CookieSyncTimeout() time.Duration {
	return time.Duration(c.CookieSyncTimeoutMS) * time.Millisecond
}

// IdleReapAge returns the idle reap age as a duration, zero when reaping is
// disabled.
func (c Configuration) IdleReapAge() time.Duration {
	return time.Duration(c.IdleReapAgeSeconds) * time.Second
}

// EffectiveIgnoreDirs returns the ignored directory names including, when
// IgnoreVCS is set, the usual version control directories.
func (c Configuration) EffectiveIgnoreDirs() []string {
	dirs := append([]string(nil), c.IgnoreDirs...)
	if c.IgnoreVCS == nil || *c.IgnoreVCS {
		for _, d := range vcsDirs {
			if !contains(dirs, d) {
				dirs = append(dirs, d)
			}
		}
	}
	return dirs
}

// SplitWatcher returns whether the hybrid watcher is selected.
func (c Configuration) SplitWatcher() bool {
	return c.PreferSplitWatcher == nil || *c.PreferSplitWatcher
}

// FSTypeAllowed checks the filesystem type against the illegal list. The
// returned error includes the configured advice, if any.
func (c Configuration) FSTypeAllowed(fstype string) error {
	for _, illegal := range c.IllegalFSTypes {
		if strings.EqualFold(fstype, illegal) {
			msg := fmt.Sprintf("filesystem type %q is not allowed to be watched", fstype)
			if c.IllegalFSTypesAdvice != "" {
				msg += ". " + c.IllegalFSTypesAdvice
			}
			return fmt.Errorf("%s", msg)
		}
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
