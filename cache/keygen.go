package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// Key identifies a cacheable request: method plus absolute URL with query
type Key string

// KeyFor builds the cache key for req. The fragment is never part of the key.
func KeyFor(req *http.Request) Key {
	u := *req.URL
	u.Fragment = ""
	u.RawFragment = ""
	if u.Host == "" && req.Host != "" {
		u.Host = req.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if req.TLS != nil {
			u.Scheme = "https"
		}
	}
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	return Key(method + " " + u.String())
}

// Hash returns a fixed-length, filesystem and key-space safe digest of k
func (k Key) Hash() string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:])
}
