// Package config holds global livepatch configuration: where patch storage
// lives, where runtime/lock state lives, and how logging is set up.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	coretypes "github.com/projecteru2/core/types"

	"github.com/lp-systems/livepatch/utils"
)

// Config holds global livepatch configuration.
type Config struct {
	// RootDir is the base directory for persistent runtime state (lock
	// files, per-process transaction bookkeeping).
	RootDir string `json:"root_dir"`
	// StoragePath is the patch storage location: a single blob file, a
	// Build-ID-indexed directory tree, or (if StorageIsOCI) an OCI
	// repository reference.
	StoragePath string `json:"storage_path"`
	// StorageIsOCI selects the OCI-registry-backed storage shape for
	// StoragePath instead of the filesystem shapes.
	StorageIsOCI bool `json:"storage_is_oci"`
	// Paranoid makes safety verification check every walked frame of each
	// thread's stack (reporting the outermost unsafe hunk) instead of
	// stopping at the first safe-return-point candidate.
	Paranoid bool `json:"paranoid"`
	// PoolSize is the configured worker count for read-only lookups.
	// Defaults to runtime.NumCPU() if zero. No lookup path reads it:
	// FindAll starts one goroutine per Build-ID and Describe is sequential.
	PoolSize int `json:"pool_size"`
	// Log configuration, uses eru core's ServerLogConfig.
	Log coretypes.ServerLogConfig `json:"log"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RootDir:      "/var/lib/livepatch",
		StoragePath:  "/var/lib/livepatch/patches",
		StorageIsOCI: false,
		Paranoid:     true,
		PoolSize:     runtime.NumCPU(),
		Log: coretypes.ServerLogConfig{
			Level:      "info",
			MaxSize:    500,
			MaxAge:     28,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from file, falling back to defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // config path from CLI flag
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = runtime.NumCPU()
	}
	return cfg, nil
}

// EnsureDirs creates RootDir and its run/log subdirectories, plus the
// parent of StoragePath when it's a filesystem path rather than an OCI
// reference (StoragePath itself may be a single blob file, not a
// directory, so only its parent is guaranteed to exist here).
func (c *Config) EnsureDirs() error {
	dirs := []string{c.RootDir, c.RunDir(), c.LogDir()}
	if !c.StorageIsOCI {
		dirs = append(dirs, filepath.Dir(c.StoragePath))
	}
	return utils.EnsureDirs(dirs...)
}

// RunDir is where per-process lock files live.
func (c *Config) RunDir() string { return filepath.Join(c.RootDir, "run") }

// LogDir is where rotated log files live.
func (c *Config) LogDir() string { return filepath.Join(c.RootDir, "log") }

// LockPath returns the flock path serializing livepatch invocations against
// a single target PID, so only one invocation drives a process at a time.
func (c *Config) LockPath(pid int) string {
	return filepath.Join(c.RunDir(), fmt.Sprintf("pid-%d.lock", pid))
}

// RegistryPath is the apply/cancel audit history file's location.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.RootDir, "history.json")
}

// RegistryLockPath is the flock path guarding RegistryPath.
func (c *Config) RegistryLockPath() string {
	return filepath.Join(c.RunDir(), "history.lock")
}
