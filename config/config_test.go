package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	if c.RootDir == "" || c.StoragePath == "" {
		t.Fatal("DefaultConfig left RootDir/StoragePath empty")
	}
	if !c.Paranoid {
		t.Error("DefaultConfig should default Paranoid to true")
	}
	if c.PoolSize <= 0 {
		t.Error("DefaultConfig should default PoolSize to a positive number")
	}
	if c.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", c.Log.Level)
	}
}

func TestLoadConfigMissingPathReturnsDefaults(t *testing.T) {
	c, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.RootDir != DefaultConfig().RootDir {
		t.Fatal("expected defaults when config file does not exist")
	}
}

func TestLoadConfigEmptyPathReturnsDefaults(t *testing.T) {
	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.RootDir != DefaultConfig().RootDir {
		t.Fatal("expected defaults for empty path")
	}
}

func TestLoadConfigOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	data, err := json.Marshal(map[string]any{
		"root_dir":       "/custom/root",
		"storage_path":   "/custom/storage",
		"storage_is_oci": true,
		"paranoid":       false,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if c.RootDir != "/custom/root" {
		t.Errorf("RootDir = %q, want /custom/root", c.RootDir)
	}
	if c.StoragePath != "/custom/storage" {
		t.Errorf("StoragePath = %q, want /custom/storage", c.StoragePath)
	}
	if !c.StorageIsOCI {
		t.Error("StorageIsOCI should be true")
	}
	if c.Paranoid {
		t.Error("Paranoid should be false")
	}
	if c.PoolSize <= 0 {
		t.Error("PoolSize should fall back to NumCPU when unset in the file")
	}
}

func TestDerivedPaths(t *testing.T) {
	c := &Config{RootDir: "/var/lib/livepatch"}

	if got, want := c.RunDir(), "/var/lib/livepatch/run"; got != want {
		t.Errorf("RunDir() = %q, want %q", got, want)
	}
	if got, want := c.LogDir(), "/var/lib/livepatch/log"; got != want {
		t.Errorf("LogDir() = %q, want %q", got, want)
	}
	if got, want := c.LockPath(123), "/var/lib/livepatch/run/pid-123.lock"; got != want {
		t.Errorf("LockPath(123) = %q, want %q", got, want)
	}
	if got, want := c.RegistryPath(), "/var/lib/livepatch/history.json"; got != want {
		t.Errorf("RegistryPath() = %q, want %q", got, want)
	}
	if got, want := c.RegistryLockPath(), "/var/lib/livepatch/run/history.lock"; got != want {
		t.Errorf("RegistryLockPath() = %q, want %q", got, want)
	}
}

func TestEnsureDirsFilesystemStorage(t *testing.T) {
	root := t.TempDir()
	c := &Config{
		RootDir:     root,
		StoragePath: filepath.Join(root, "patches", "store.bin"),
	}
	if err := c.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{c.RunDir(), c.LogDir(), filepath.Join(root, "patches")} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Errorf("%s was not created", dir)
		}
	}
}

func TestEnsureDirsOCIStorageSkipsStoragePath(t *testing.T) {
	root := t.TempDir()
	c := &Config{
		RootDir:      root,
		StoragePath:  "oci://registry.example.com/patches",
		StorageIsOCI: true,
	}
	if err := c.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	// No filesystem directory should be derived from an OCI reference.
	if _, err := os.Stat(filepath.Join(root, "oci:")); err == nil {
		t.Error("EnsureDirs should not have created a path derived from the OCI reference")
	}
}
