package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileCache implements the Cache interface using filesystem storage.
// Each namespace is a subdirectory of the base directory and each entry
// is one JSON file named after the key hash.
type FileCache struct {
	dir string

	mu      sync.RWMutex
	current string
}

var _ Cache = (*FileCache)(nil)

// NewFileCache creates a new file-based cache rooted at dir
func NewFileCache(dir string) (*FileCache, error) {
	if dir == "" {
		return nil, errors.New("cache: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{dir: dir}, nil
}

// OpenNamespace implements Namespacer
func (fc *FileCache) OpenNamespace(_ context.Context, version string) error {
	if err := validNamespace(version); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(fc.dir, version), 0o700); err != nil {
		return fmt.Errorf("open namespace %s: %w", version, err)
	}
	fc.mu.Lock()
	fc.current = version
	fc.mu.Unlock()
	return nil
}

// Namespaces implements Namespacer
func (fc *FileCache) Namespaces(_ context.Context) ([]string, error) {
	items, err := os.ReadDir(fc.dir)
	if err != nil {
		return nil, fmt.Errorf("list namespaces: %w", err)
	}
	names := make([]string, 0, len(items))
	for _, it := range items {
		if it.IsDir() {
			names = append(names, it.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PurgeAllExcept implements Namespacer. Deletion is best effort: every
// stale namespace is attempted and the failures are joined.
func (fc *FileCache) PurgeAllExcept(ctx context.Context, version string) ([]string, error) {
	names, err := fc.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	var (
		deleted []string
		errs    []error
	)
	for _, name := range names {
		if name == version {
			continue
		}
		if err := os.RemoveAll(filepath.Join(fc.dir, name)); err != nil {
			errs = append(errs, fmt.Errorf("delete namespace %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, errors.Join(errs...)
}

// Lookup implements Reader
func (fc *FileCache) Lookup(_ context.Context, key Key) (*Entry, bool, error) {
	path, err := fc.path(key)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, true, nil
}

// Store implements Writer
func (fc *FileCache) Store(_ context.Context, key Key, entry *Entry) error {
	path, err := fc.path(key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	// Write to temporary file first, then rename (atomic operation)
	tmpPath := path + fmt.Sprintf(".tmp.%d", rand.Int())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write cache entry: %w", err)
	}
	return nil
}

// Close implements Cache
func (fc *FileCache) Close() error {
	return nil
}

// path generates the full filesystem path for a key in the current namespace
func (fc *FileCache) path(key Key) (string, error) {
	fc.mu.RLock()
	ns := fc.current
	fc.mu.RUnlock()
	if ns == "" {
		return "", ErrNoNamespace
	}
	return filepath.Join(fc.dir, ns, key.Hash()+".json"), nil
}
