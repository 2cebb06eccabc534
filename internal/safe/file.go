// Package safe holds bounded file access and clamped integer conversions.
package safe

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize bounds files read with ReadFile (1MB).
const DefaultMaxFileSize = 1 << 20

// ReadOptions configure ReadFile.
type ReadOptions struct {
	// MaxSize is the maximum file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks permits reading through a symlink.
	AllowSymlinks bool
}

// ReadFile reads a regular file of bounded size. Symlinks are rejected
// unless opts allows them.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > maxSize {
		return nil, fmt.Errorf("file %q exceeds maximum allowed size of %d bytes", path, maxSize)
	}

	// #nosec G304 -- validated above.
	return os.ReadFile(cleanPath)
}
