// Package cache stores downloaded payloads on disk, one file per URL, named
// after the last path segment of the URL. The presence of the file is the
// cache hit; there is no index.
package cache

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// FileName derives the cache file name for key: the last segment of the URL
// path, ignoring query and fragment. It reports false when the URL has no
// usable segment.
func FileName(key string) (string, bool) {
	u, err := url.Parse(key)
	if err != nil {
		return "", false
	}

	p := u.Path
	if p == "" {
		p = u.Opaque
	}

	name := path.Base(p)
	switch name {
	case "", ".", "/", "..":
		return "", false
	}

	return name, true
}

// Path returns <dir>/<FileName(key)>.
func Path(dir, key string) (string, bool) {
	name, ok := FileName(key)
	if !ok {
		return "", false
	}

	return filepath.Join(dir, name), true
}

// DiskStore is a CacheStore backed by the local file system.
type DiskStore struct{}

// NewDiskStore returns a disk-backed store.
func NewDiskStore() *DiskStore {
	return &DiskStore{}
}

// Load returns the cached payload for key. The directory is created when
// missing; any failure is reported as a miss.
func (s *DiskStore) Load(dir, key string) ([]byte, bool) {
	p, ok := Path(dir, key)
	if !ok {
		return nil, false
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, false
	}

	info, err := os.Stat(p)
	if err != nil || !info.Mode().IsRegular() {
		return nil, false
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false
	}

	return data, true
}

// Save writes data for key, replacing any previous payload atomically.
func (s *DiskStore) Save(dir, key string, data []byte) error {
	p, ok := Path(dir, key)
	if !ok {
		return fmt.Errorf("no cache file name for %q", key)
	}

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Chmod(tmpName, filePerm); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to set cache file mode: %w", err)
	}

	if err := os.Rename(tmpName, p); err != nil {
		os.Remove(tmpName)

		return fmt.Errorf("failed to move cache file into place: %w", err)
	}

	return nil
}

// Delete removes the cached payload for key.
func (s *DiskStore) Delete(dir, key string) error {
	p, ok := Path(dir, key)
	if !ok {
		return fmt.Errorf("no cache file name for %q", key)
	}

	return os.Remove(p)
}
