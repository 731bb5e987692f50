// Package profile resolves the per-profile data directories under ~/.tandem.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// DefaultName is the profile used when none is given.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to profile naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid profile name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// BaseDir returns ~/.tandem.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tandem")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// ConfigPath returns the profile's config.toml path.
func ConfigPath(name string) string {
	return filepath.Join(Dir(name), "config.toml")
}

// LogPath returns the daemon log path for a profile.
func LogPath(name string) string {
	return filepath.Join(Dir(name), "tandemd.log")
}

// StoreDBPath returns the local document store database path.
func StoreDBPath(name string) string {
	return filepath.Join(Dir(name), "store.db")
}

// MediaDir returns the local object store root for a profile.
func MediaDir(name string) string {
	return filepath.Join(Dir(name), "media")
}

// EnsureDir creates the profile directory.
func EnsureDir(name string) error {
	return os.MkdirAll(Dir(name), 0700)
}
