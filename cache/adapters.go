package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HeaderFromCache marks responses served from a cache namespace
const HeaderFromCache = "X-From-Cache"

// FromResponse snapshots resp into an Entry. The body is read fully and
// resp.Body is replaced with a fresh reader over the same bytes, so the
// response can still be handed to the caller afterwards.
func FromResponse(resp *http.Response) (*Entry, error) {
	var body []byte
	if resp.Body != nil {
		b, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		body = b
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))

	return &Entry{
		Status:    resp.StatusCode,
		Header:    resp.Header.Clone(),
		Body:      body,
		FetchedAt: time.Now(),
	}, nil
}

// Response builds an *http.Response for req from the stored snapshot
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.Status, http.StatusText(e.Status)),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// CachedResponse is Response with the X-From-Cache marker set
func (e *Entry) CachedResponse(req *http.Request) *http.Response {
	resp := e.Response(req)
	resp.Header.Set(HeaderFromCache, "1")
	return resp
}

// Cacheable reports whether a response with the given status may be stored
func Cacheable(status int) bool {
	return status >= 200 && status < 300
}
