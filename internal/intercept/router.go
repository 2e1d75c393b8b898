// Package intercept routes every outgoing request through the caching or
// queueing strategy of its route class.
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/briangreenhill/surveysync/cache"
	"github.com/briangreenhill/surveysync/internal/route"
	"github.com/briangreenhill/surveysync/queue"
)

// HeaderQueuedID carries the queue id of an optimistically accepted mutation
const HeaderQueuedID = "X-Queued-Id"

// Router is an http.RoundTripper that applies the per-class strategy to
// every request. Network failures never surface as errors: reads fall back
// to the cache or a synthetic 503, mutations are queued and answered with
// a synthetic 202. Only store failures are returned as errors.
type Router struct {
	network    http.RoundTripper
	cache      cache.ReadWriter
	queue      queue.Appender
	classifier route.Classifier
	logger     zerolog.Logger
	now        func() time.Time
	onFailure  func(error)

	misses       singleflight.Group
	revalidating sync.WaitGroup
}

var _ http.RoundTripper = (*Router)(nil)

// Option configures a Router
type Option func(*Router)

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithClock replaces time.Now for queue timestamps
func WithClock(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// WithFailureHook registers fn to be called with every network-level failure
func WithFailureHook(fn func(error)) Option {
	return func(r *Router) { r.onFailure = fn }
}

// New returns a Router sending requests over network
func New(network http.RoundTripper, c cache.ReadWriter, q queue.Appender, classifier route.Classifier, opts ...Option) *Router {
	r := &Router{
		network:    network,
		cache:      c,
		queue:      q,
		classifier: classifier,
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RoundTrip implements http.RoundTripper
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	class := r.classifier.Classify(req.Method, req.URL.Path)
	switch class {
	case route.Mutation:
		return r.mutation(req)
	case route.ImmutableRead:
		return r.cacheFirst(req)
	case route.ApiRead:
		return r.networkFirst(req)
	default:
		return r.staleWhileRevalidate(req)
	}
}

// Wait blocks until every background revalidation has finished
func (r *Router) Wait() {
	r.revalidating.Wait()
}

func (r *Router) networkFailed(req *http.Request, class route.Class, err error) {
	r.logger.Debug().
		Err(err).
		Str("class", class.String()).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("network attempt failed")
	// A request that was cancelled says nothing about the origin
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	if r.onFailure != nil {
		r.onFailure(err)
	}
}

// fetch performs the network call and snapshots the response
func (r *Router) fetch(req *http.Request) (*http.Response, *cache.Entry, error) {
	resp, err := r.network.RoundTrip(req)
	if err != nil {
		return nil, nil, err
	}
	entry, err := cache.FromResponse(resp)
	if err != nil {
		return nil, nil, err
	}
	return resp, entry, nil
}

func (r *Router) store(ctx context.Context, key cache.Key, entry *cache.Entry) error {
	if !cache.Cacheable(entry.Status) {
		return nil
	}
	if err := r.cache.Store(ctx, key, entry); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	return nil
}

func (r *Router) mutation(req *http.Request) (*http.Response, error) {
	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	out.ContentLength = int64(len(body))

	resp, err := r.network.RoundTrip(out)
	if err == nil {
		return resp, nil
	}
	// A caller that gave up is not a connectivity loss
	if ctxErr := req.Context().Err(); ctxErr != nil {
		return nil, ctxErr
	}
	r.networkFailed(req, route.Mutation, err)

	entry := queue.NewEntry(req, body, r.now())
	id, qerr := r.queue.Append(req.Context(), entry)
	if qerr != nil {
		return nil, fmt.Errorf("queue %s %s: %w", req.Method, req.URL, qerr)
	}

	r.logger.Info().
		Int64("id", id).
		Str("method", entry.Method).
		Str("url", entry.URL).
		Msg("mutation queued for replay")
	return queuedResponse(req, id), nil
}

func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cache.KeyFor(req)

	cached, found, err := r.cache.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if found {
		return cached.CachedResponse(req), nil
	}

	// Concurrent misses for the same asset share one network call. It is
	// detached from the caller that started it so the others still get the
	// answer when that caller leaves.
	shared := req.Clone(context.WithoutCancel(ctx))
	ch := r.misses.DoChan(string(key), func() (any, error) {
		_, entry, err := r.fetch(shared)
		if err != nil {
			return nil, networkError{err}
		}
		if err := r.store(shared.Context(), key, entry); err != nil {
			return nil, err
		}
		return entry, nil
	})
	var v any
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	var netErr networkError
	if errors.As(err, &netErr) {
		r.networkFailed(req, route.ImmutableRead, netErr.err)
		return offlineResponse(req), nil
	}
	if err != nil {
		return nil, err
	}
	return v.(*cache.Entry).Response(req), nil
}

func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cache.KeyFor(req)

	resp, entry, err := r.fetch(req)
	if err == nil {
		if err := r.store(ctx, key, entry); err != nil {
			return nil, err
		}
		return resp, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	r.networkFailed(req, route.ApiRead, err)

	cached, found, lerr := r.cache.Lookup(ctx, key)
	if lerr != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, lerr)
	}
	if found {
		return cached.CachedResponse(req), nil
	}
	return offlineResponse(req), nil
}

type fetchResult struct {
	entry *cache.Entry
	err   error
}

func (r *Router) staleWhileRevalidate(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := cache.KeyFor(req)

	cached, found, err := r.cache.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}

	// The refresh outlives the caller: it keeps running after a cached
	// response has already been returned.
	bg := req.Clone(context.WithoutCancel(ctx))
	done := make(chan fetchResult, 1)
	r.revalidating.Add(1)
	go func() {
		defer r.revalidating.Done()
		_, entry, err := r.fetch(bg)
		if err != nil {
			r.networkFailed(bg, route.ShellRead, err)
			done <- fetchResult{err: err}
			return
		}
		if err := r.store(bg.Context(), key, entry); err != nil {
			r.logger.Warn().Err(err).Str("key", string(key)).Msg("revalidation store failed")
		}
		done <- fetchResult{entry: entry}
	}()

	if found {
		return cached.CachedResponse(req), nil
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		if res.err == nil {
			return res.entry.Response(req), nil
		}
	}

	// Another request may have filled the cache while this one was waiting
	cached, found, err = r.cache.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", key, err)
	}
	if found {
		return cached.CachedResponse(req), nil
	}
	return offlineResponse(req), nil
}

type networkError struct{ err error }

func (e networkError) Error() string { return e.err.Error() }
func (e networkError) Unwrap() error { return e.err }

func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	body, err := io.ReadAll(req.Body)
	_ = req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func syntheticResponse(req *http.Request, status int, contentType string, body []byte) *http.Response {
	return &http.Response{
		Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode: status,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header: http.Header{
			"Content-Type":   {contentType},
			"Content-Length": {strconv.Itoa(len(body))},
		},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func queuedResponse(req *http.Request, id int64) *http.Response {
	resp := syntheticResponse(req, http.StatusAccepted, "application/json", []byte(`{"queued":true}`))
	resp.Header.Set(HeaderQueuedID, strconv.FormatInt(id, 10))
	return resp
}

func offlineResponse(req *http.Request) *http.Response {
	return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", []byte("Offline"))
}
