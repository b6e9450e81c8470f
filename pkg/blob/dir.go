package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a Source rooted at a local directory.
type Dir struct {
	root string
}

// NewDir creates a Dir rooted at dir. The directory must exist.
func NewDir(dir string) (*Dir, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("blob: %s is not a directory", abs)
	}
	return &Dir{root: abs}, nil
}

// resolve maps a blob name to a path under the root, rejecting names that
// escape it.
func (d *Dir) resolve(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("blob: name %q escapes root", name)
	}
	return filepath.Join(d.root, clean), nil
}

// Open opens the named file for reading.
func (d *Dir) Open(_ context.Context, name string) (io.ReadCloser, error) {
	path, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Exists reports whether the named file exists.
func (d *Dir) Exists(_ context.Context, name string) (bool, error) {
	path, err := d.resolve(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var _ Source = (*Dir)(nil)
