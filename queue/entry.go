// Package queue holds mutations that could not reach the network.
//
// Entries are durable records read back in insertion (id) order. They are
// only ever removed in bulk, after every one of them replayed successfully.
package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordVersion is the schema version written with every new entry.
// Readers accept any version up to and including this one.
const RecordVersion = 1

// HeaderIdempotencyKey carries the entry's stable token on replay
const HeaderIdempotencyKey = "Idempotency-Key"

var (
	// ErrClosed is returned by every operation on a closed store
	ErrClosed = errors.New("queue: store closed")

	// ErrUnsupportedVersion is returned for records newer than this build understands
	ErrUnsupportedVersion = errors.New("queue: unsupported record version")
)

// Entry is one failed mutation attempt
type Entry struct {
	ID             int64             `json:"id"`
	Version        int               `json:"version"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body"`
	Timestamp      int64             `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// NewEntry records req with its already-buffered body. Multi-valued
// headers are joined with ", ".
func NewEntry(req *http.Request, body []byte, now time.Time) Entry {
	headers := make(map[string]string, len(req.Header))
	for k, v := range req.Header {
		headers[textproto.CanonicalMIMEHeaderKey(k)] = strings.Join(v, ", ")
	}
	return Entry{
		Version:        RecordVersion,
		URL:            req.URL.String(),
		Method:         req.Method,
		Headers:        headers,
		Body:           append([]byte(nil), body...),
		Timestamp:      now.UnixMilli(),
		IdempotencyKey: uuid.NewString(),
	}
}

// Validate checks an entry read back from storage. A zero version is
// treated as version 1, the first record format.
func (e *Entry) Validate() error {
	if e.Version == 0 {
		e.Version = 1
	}
	if e.Version > RecordVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, e.Version)
	}
	if e.Method == "" {
		return fmt.Errorf("queue: entry %d has no method", e.ID)
	}
	u, err := url.Parse(e.URL)
	if err != nil || !u.IsAbs() {
		return fmt.Errorf("queue: entry %d has invalid url %q", e.ID, e.URL)
	}
	return nil
}

// Request rebuilds the HTTP request described by the entry. The
// idempotency key is attached unless the original request already set one.
func (e Entry) Request(ctx context.Context) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, e.Method, e.URL, bytes.NewReader(e.Body))
	if err != nil {
		return nil, fmt.Errorf("rebuild request %d: %w", e.ID, err)
	}
	for k, v := range e.Headers {
		req.Header.Set(k, v)
	}
	if e.IdempotencyKey != "" && req.Header.Get(HeaderIdempotencyKey) == "" {
		req.Header.Set(HeaderIdempotencyKey, e.IdempotencyKey)
	}
	return req, nil
}

// Time returns the enqueue time
func (e Entry) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}
