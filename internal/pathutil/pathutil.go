// Package pathutil resolves user-supplied paths from flags and the
// configuration file.
package pathutil

import (
	"os"
	"path/filepath"
	"strings"
)

// Expand replaces a leading "~" with the user's home directory. Any other
// path is returned unchanged.
func Expand(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") && !strings.HasPrefix(path, `~\`) {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

// Resolve expands path and makes it absolute. Symlinks are resolved in the
// part of the path that already exists, so a log directory that has not been
// created yet still resolves through a linked home or profile folder.
func Resolve(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	expanded, err := Expand(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}

	existing := abs
	var missing []string
	for {
		if _, err := os.Stat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		missing = append(missing, filepath.Base(existing))
		existing = parent
	}

	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		resolved = existing
	}
	for i := len(missing) - 1; i >= 0; i-- {
		resolved = filepath.Join(resolved, missing[i])
	}
	return resolved, nil
}
