package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const authDirPrefix = "session-"

// BlobStore keeps the session cache in a single file. Writes go to a temp file in the same
// directory which then replaces the target with a rename.
type BlobStore struct {
	path string
}

func NewBlobStore(path string) *BlobStore {
	return &BlobStore{path: path}
}

func (s *BlobStore) ReadBlob(_ context.Context) ([]byte, error) {
	return readFile(s.path)
}

func (s *BlobStore) WriteBlob(_ context.Context, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return writeFile(s.path, b, 0o600)
}

// AuthDir is the directory where the engine keeps one "session-<id>" folder per device.
type AuthDir struct {
	dir string
}

func NewAuthDir(dir string) *AuthDir {
	return &AuthDir{dir: dir}
}

// Path returns the folder holding the auth material of id.
func (a *AuthDir) Path(id string) string {
	return filepath.Join(a.dir, authDirPrefix+id)
}

func (a *AuthDir) RemoveAuth(_ context.Context, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.New("invalid device id")
	}
	return os.RemoveAll(a.Path(id))
}

func (a *AuthDir) ListAuth(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := strings.CutPrefix(e.Name(), authDirPrefix); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// readFile reads the file at path; a missing file is not an error and yields nil.
func readFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeFile writes bytes via a temp file, then atomically replaces the target.
func writeFile(path string, b []byte, mode os.FileMode) error {
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
