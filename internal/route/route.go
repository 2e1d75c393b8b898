// Package route maps outgoing requests to the caching strategy that serves them
package route

import (
	"net/http"
	"strings"
)

// Class is the category of a request
type Class int

const (
	// ShellRead covers pages, scripts and styles: stale-while-revalidate
	ShellRead Class = iota
	// ApiRead covers non-mutating API calls: network first, cache fallback
	ApiRead
	// ImmutableRead covers content-addressed assets: cache first
	ImmutableRead
	// Mutation covers state-changing requests: network, queue on failure
	Mutation
)

func (c Class) String() string {
	switch c {
	case ShellRead:
		return "shell-read"
	case ApiRead:
		return "api-read"
	case ImmutableRead:
		return "immutable-read"
	case Mutation:
		return "mutation"
	default:
		return "unknown"
	}
}

// Classifier holds the routing table. The zero value classifies every
// request as ShellRead; use Default for the application's routes.
type Classifier struct {
	// MutatingMethods are compared case-insensitively
	MutatingMethods []string
	// ImmutablePrefixes are path prefixes of content-addressed endpoints
	ImmutablePrefixes []string
	// APIPrefix is the path prefix of the JSON API
	APIPrefix string
}

// Default returns the survey application's routing table
func Default() Classifier {
	return Classifier{
		MutatingMethods:   []string{http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		ImmutablePrefixes: []string{"/api/images/"},
		APIPrefix:         "/api/",
	}
}

// Classify returns the class of a request. Every request falls into
// exactly one class; mutating methods take precedence over paths.
func (c Classifier) Classify(method, path string) Class {
	for _, m := range c.MutatingMethods {
		if strings.EqualFold(m, method) {
			return Mutation
		}
	}
	for _, p := range c.ImmutablePrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return ImmutableRead
		}
	}
	if c.APIPrefix != "" && strings.HasPrefix(path, c.APIPrefix) {
		return ApiRead
	}
	return ShellRead
}
