// Package utils holds small filesystem and collection helpers shared across
// the engine's packages.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

func FileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func IsRegular(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.Mode().IsRegular()
}

// EnsureDir creates path (and parents) if it doesn't already exist.
func EnsureDir(path string, mode os.FileMode) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("not an absolute path: %s", path)
	}

	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, mode)
		}
		return err
	} else if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}

	return nil
}

// ResolvePath returns the absolute, symlink-resolved form of path.
func ResolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path must be specified")
	}

	absolute, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(absolute)
	if err != nil {
		if os.IsNotExist(err) {
			return absolute, nil
		}
		return "", err
	}
	return resolved, nil
}

func InList(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}
