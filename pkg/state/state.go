// Package state lays out the runtime folder structure under the data path:
// the pebble store plus state dirs for crash dumps and telemetry.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// StorePath returns the pebble directory under the data path.
func StorePath(dataPath string) string {
	return filepath.Join(dataPath, "store")
}

// CrashPath returns the crash dump directory under the data path.
func CrashPath(dataPath string) string {
	return filepath.Join(dataPath, "state", "crash")
}

// TelemetryPath returns the telemetry directory under the data path.
func TelemetryPath(dataPath string) string {
	return filepath.Join(dataPath, "state", "telemetry")
}

// EnsureStateDirs creates the canonical runtime layout under dataPath. It
// rejects symlinks and group/other-writable modes, and verifies each dir is
// writable by the process.
func EnsureStateDirs(dataPath string) error {
	paths := []string{
		StorePath(dataPath),
		CrashPath(dataPath),
		TelemetryPath(dataPath),
	}
	for _, p := range paths {
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", p, err)
		}
		if fi, err := os.Lstat(p); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", p)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", p)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", p)
			}
		}
		if err := os.MkdirAll(p, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", p, err)
		}
		tmp, err := os.CreateTemp(p, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", p, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}
	return nil
}
