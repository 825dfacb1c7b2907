package osutil

import (
	"errors"
	"os"
	"path/filepath"
)

// NormalizeFilePath returns a clean absolute version of path. Environment
// variables are expanded and a leading "~/" is resolved against the current
// user's home directory.
func NormalizeFilePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	path, err := ExpandHome(os.ExpandEnv(path))
	if err != nil {
		return "", err
	}

	return filepath.Abs(path)
}

// ExpandHome expands a path prefixed with "~" against the current user's
// home directory. Other paths are returned as-is.
func ExpandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}

	if len(path) > 1 && path[1] != '/' && path[1] != '\\' {
		return "", errors.New("cannot expand user-specific home dir")
	}

	home, err := UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, path[1:]), nil
}

// FileExists reports whether a file exists. Any stat error is treated as the
// file not being there.
func FileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}
