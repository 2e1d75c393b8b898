package queue

import (
	"context"
	"sync"
)

// Memory is a non-durable Store for tests and ephemeral agents
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries []Entry
	closed  bool
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory queue
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Append(_ context.Context, e Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	m.nextID++
	e.ID = m.nextID
	if e.Version == 0 {
		e.Version = RecordVersion
	}
	e.Body = append([]byte(nil), e.Body...)
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out, nil
}

func (m *Memory) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	return len(m.entries), nil
}

func (m *Memory) Clear(_ context.Context, throughID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	kept := m.entries[:0:0]
	for _, e := range m.entries {
		if e.ID > throughID {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
