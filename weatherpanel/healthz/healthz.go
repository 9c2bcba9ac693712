// Package healthz implements the liveness footprint: the runner touches a
// file after each good cycle, and an external checker (or the healthz
// subcommand) verifies the file is fresh enough.
package healthz

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	// ErrMissing means no footprint has been written yet.
	ErrMissing = errors.New("liveness file missing")

	// ErrStale means the footprint is older than the allowed age.
	ErrStale = errors.New("liveness file stale")
)

// Touch writes the current time to the footprint file, creating parent
// directories as needed.
func Touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create liveness directory: %w", err)
	}

	content := time.Now().Format(time.RFC3339) + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write liveness file: %w", err)
	}
	return nil
}

// Check verifies the footprint exists and was touched within maxAge.
func Check(path string, maxAge time.Duration) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMissing
		}
		return fmt.Errorf("failed to stat liveness file: %w", err)
	}

	if age := time.Since(info.ModTime()); age > maxAge {
		return fmt.Errorf("%w: last update %s ago", ErrStale, age.Round(time.Second))
	}
	return nil
}
