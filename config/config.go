// Package config loads settings for the filesystem, its snapshot target
// and the shell.
//
// Configuration comes from a single YAML file named by the VFS_CONFIG
// environment variable or passed explicitly. Command-line flags override
// individual values after loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-vfs/snapshot"
	"github.com/wippyai/wasm-vfs/vfs"
)

// EnvVar names the configuration file.
const EnvVar = "VFS_CONFIG"

// Config is the top-level configuration.
type Config struct {
	// FS configures the filesystem instance.
	FS FSConfig `yaml:"fs"`

	// Env is exported to guests on top of DefaultEnvironment.
	Env map[string]string `yaml:"env"`

	// Log configures the zap logger.
	Log LogConfig `yaml:"log"`

	// Snapshot configures the durable sync target of the root mount.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// FUSE configures the host export.
	FUSE FUSEConfig `yaml:"fuse"`
}

// FSConfig configures the filesystem.
type FSConfig struct {
	// IgnorePermissions bypasses mode-bit checks.
	// Default: true
	IgnorePermissions bool `yaml:"ignore_permissions"`

	// MaxOpenFDs is the largest descriptor number.
	// Default: 4096
	MaxOpenFDs int `yaml:"max_open_fds"`

	// Cwd is the initial working directory.
	// Default: /
	Cwd string `yaml:"cwd"`

	// Umask is an octal creation mask such as "022".
	// Default: 0
	Umask string `yaml:"umask"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`

	// Development selects the human-readable console encoder.
	Development bool `yaml:"development"`
}

// SnapshotConfig configures the snapshot file.
type SnapshotConfig struct {
	// Path is the host snapshot file. Empty disables snapshots.
	Path string `yaml:"path"`

	// Compression is none, lz4 or zstd.
	// Default: zstd
	Compression string `yaml:"compression"`

	// Recipients are age public keys snapshots are encrypted to.
	Recipients []string `yaml:"recipients"`

	// IdentityFile holds the age identities used to decrypt snapshots.
	IdentityFile string `yaml:"identity_file"`
}

// FUSEConfig configures the host export.
type FUSEConfig struct {
	// Mountpoint is the host directory. Empty disables the export.
	Mountpoint string `yaml:"mountpoint"`

	// AllowOther lets other host users access the mount.
	AllowOther bool `yaml:"allow_other"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		FS: FSConfig{
			IgnorePermissions: true,
			MaxOpenFDs:        vfs.DefaultMaxOpenFDs,
			Cwd:               "/",
		},
		Env: map[string]string{},
		Log: LogConfig{
			Level: "info",
		},
		Snapshot: SnapshotConfig{
			Compression: "zstd",
		},
	}
}

// Load reads the file named by VFS_CONFIG. Without it the defaults are
// returned.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	cfg.Snapshot.Path = os.ExpandEnv(cfg.Snapshot.Path)
	cfg.Snapshot.IdentityFile = os.ExpandEnv(cfg.Snapshot.IdentityFile)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.FS.MaxOpenFDs <= 0 {
		errs = append(errs, fmt.Errorf("fs.max_open_fds must be positive, got %d", c.FS.MaxOpenFDs))
	}
	if !strings.HasPrefix(c.FS.Cwd, "/") {
		errs = append(errs, fmt.Errorf("fs.cwd must be absolute, got %q", c.FS.Cwd))
	}
	if _, err := c.FS.UmaskMode(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %s", c.Log.Level))
	}
	if _, err := snapshot.ParseCompression(c.Snapshot.Compression); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.compression: %w", err))
	}
	if _, err := snapshot.ParseRecipients(c.Snapshot.Recipients); err != nil {
		errs = append(errs, fmt.Errorf("snapshot.recipients: %w", err))
	}
	if len(c.Snapshot.Recipients) > 0 && c.Snapshot.Path == "" {
		errs = append(errs, fmt.Errorf("snapshot.recipients set without snapshot.path"))
	}

	return errors.Join(errs...)
}

// UmaskMode parses the octal umask.
func (f FSConfig) UmaskMode() (vfs.Mode, error) {
	if f.Umask == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(f.Umask, 8, 32)
	if err != nil || v > 0o777 {
		return 0, fmt.Errorf("invalid fs.umask %q", f.Umask)
	}
	return vfs.Mode(v), nil
}

// Options converts the filesystem settings to vfs options.
func (c *Config) Options() (vfs.Options, error) {
	umask, err := c.FS.UmaskMode()
	if err != nil {
		return vfs.Options{}, err
	}
	return vfs.Options{
		Cwd:                c.FS.Cwd,
		MaxOpenFDs:         c.FS.MaxOpenFDs,
		EnforcePermissions: !c.FS.IgnorePermissions,
		Umask:              umask,
	}, nil
}

// SnapshotTarget builds the sync target, or returns nil when snapshots
// are disabled.
func (c *Config) SnapshotTarget() (*snapshot.Target, error) {
	if c.Snapshot.Path == "" {
		return nil, nil
	}
	comp, err := snapshot.ParseCompression(c.Snapshot.Compression)
	if err != nil {
		return nil, err
	}
	opts := []snapshot.Option{snapshot.WithCompression(comp)}

	recipients, err := snapshot.ParseRecipients(c.Snapshot.Recipients)
	if err != nil {
		return nil, err
	}
	if len(recipients) > 0 {
		opts = append(opts, snapshot.WithRecipients(recipients...))
	}
	if c.Snapshot.IdentityFile != "" {
		ids, err := snapshot.LoadIdentities(c.Snapshot.IdentityFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, snapshot.WithIdentities(ids...))
	}
	return snapshot.New(c.Snapshot.Path, opts...), nil
}

// Environment returns the guest environment: DefaultEnvironment overlaid
// with Env.
func (c *Config) Environment() map[string]string {
	env := DefaultEnvironment(os.Getenv("LANG"))
	for k, v := range c.Env {
		env[k] = v
	}
	return env
}

// DefaultEnvironment is the environment synthesized for guests. lang is
// the host locale; an empty or C locale maps to C.UTF-8.
func DefaultEnvironment(lang string) map[string]string {
	if lang == "" || lang == "C" || lang == "POSIX" {
		lang = "C.UTF-8"
	} else if !strings.Contains(lang, ".") {
		lang += ".UTF-8"
	}
	return map[string]string{
		"USER":    "web_user",
		"LOGNAME": "web_user",
		"PATH":    "/",
		"PWD":     "/",
		"HOME":    "/home/web_user",
		"LANG":    lang,
		"_":       "./this.program",
	}
}
