package cache

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Cache. Entries are copied on the way in and out.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]map[Key]*Entry
	current    string
}

var _ Cache = (*Memory)(nil)

// NewMemory returns an empty in-memory cache
func NewMemory() *Memory {
	return &Memory{namespaces: make(map[string]map[Key]*Entry)}
}

func (m *Memory) OpenNamespace(_ context.Context, version string) error {
	if err := validNamespace(version); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[version]; !ok {
		m.namespaces[version] = make(map[Key]*Entry)
	}
	m.current = version
	return nil
}

func (m *Memory) Namespaces(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) PurgeAllExcept(_ context.Context, version string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []string
	for name := range m.namespaces {
		if name == version {
			continue
		}
		delete(m.namespaces, name)
		deleted = append(deleted, name)
	}
	sort.Strings(deleted)
	return deleted, nil
}

func (m *Memory) Lookup(_ context.Context, key Key) (*Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.namespaces[m.current]
	if !ok {
		return nil, false, ErrNoNamespace
	}
	entry, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	return entry.Clone(), true, nil
}

func (m *Memory) Store(_ context.Context, key Key, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.namespaces[m.current]
	if !ok {
		return ErrNoNamespace
	}
	ns[key] = entry.Clone()
	return nil
}

// Len returns the number of entries stored in the named namespace
func (m *Memory) Len(version string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.namespaces[version])
}

func (m *Memory) Close() error {
	return nil
}
