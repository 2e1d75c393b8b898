// Package cache provides a versioned, namespaced store of HTTP response
// snapshots keyed by request identity.
//
// Exactly one namespace is current at a time. Lookups and stores go to the
// current namespace; older namespaces are reclaimed with PurgeAllExcept when
// a new version activates. There is no per-entry expiry.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrNoNamespace is returned when an entry is read or written before
	// OpenNamespace selected a current namespace.
	ErrNoNamespace = errors.New("cache: no namespace open")

	// ErrInvalidNamespace is returned for version tags that cannot be used
	// as a namespace name.
	ErrInvalidNamespace = errors.New("cache: invalid namespace")
)

// Entry is a stored response snapshot
type Entry struct {
	Status    int         `json:"status" msgpack:"status"`
	Header    http.Header `json:"header,omitempty" msgpack:"header"`
	Body      []byte      `json:"body" msgpack:"body"`
	FetchedAt time.Time   `json:"fetched_at" msgpack:"fetched_at"`
}

// Reader looks up entries in the current namespace
type Reader interface {
	// Lookup returns the entry for key and true, or false when absent
	Lookup(ctx context.Context, key Key) (*Entry, bool, error)
}

// Writer stores entries in the current namespace
type Writer interface {
	// Store saves entry under key. The last write for a key wins.
	Store(ctx context.Context, key Key, entry *Entry) error
}

// ReadWriter combines both entry operations
type ReadWriter interface {
	Reader
	Writer
}

// Namespacer manages versioned namespaces
type Namespacer interface {
	// OpenNamespace makes version the current namespace, creating it if needed
	OpenNamespace(ctx context.Context, version string) error

	// Namespaces lists every namespace that currently exists
	Namespaces(ctx context.Context) ([]string, error)

	// PurgeAllExcept deletes every namespace other than version and returns
	// the names it deleted
	PurgeAllExcept(ctx context.Context, version string) ([]string, error)
}

// Cache is the main interface that combines all cache operations
type Cache interface {
	ReadWriter
	Namespacer
	Close() error
}

// Clone returns a deep copy of e
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := &Entry{
		Status:    e.Status,
		Header:    e.Header.Clone(),
		FetchedAt: e.FetchedAt,
	}
	if e.Body != nil {
		out.Body = append([]byte(nil), e.Body...)
	}
	return out
}

func validNamespace(version string) error {
	if version == "" || version == "." || version == ".." {
		return ErrInvalidNamespace
	}
	for _, r := range version {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return ErrInvalidNamespace
		}
	}
	return nil
}
