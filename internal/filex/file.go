// Package filex writes key material to disk with owner-only permissions.
package filex

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrExists is returned when a key file is already present and overwriting
// was not requested.
var ErrExists = errors.New("file exists")

// EnsureDir creates dir, and any parents, accessible to the owner only.
// The directory is resolved against the working directory when relative.
func EnsureDir(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", abs, err)
	}
	return abs, nil
}

// WritePrivate writes data to path with mode 0600. Without overwrite an
// existing file is left untouched and ErrExists is returned.
func WritePrivate(path string, data []byte, overwrite bool) error {
	return write(path, data, 0o600, overwrite)
}

// WritePublic writes data to path with mode 0644.
func WritePublic(path string, data []byte, overwrite bool) error {
	return write(path, data, 0o644, overwrite)
}

func write(path string, data []byte, perm os.FileMode, overwrite bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, perm)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s: %w", path, ErrExists)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
