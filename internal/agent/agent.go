// Package agent is the event-driven core of the background agent. Every
// event the host delivers goes through one dispatch table.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/surveysync/internal/lifecycle"
	"github.com/briangreenhill/surveysync/internal/syncer"
)

// Kind names an event type
type Kind string

const (
	KindInstall  Kind = "install"
	KindActivate Kind = "activate"
	KindFetch    Kind = "fetch"
	KindSync     Kind = "sync"
	KindMessage  Kind = "message"
)

const (
	// MessageFlushQueue is the page message that triggers a flush
	MessageFlushQueue = "flush-queue"
	// TagFlushQueue is the background sync registration tag
	TagFlushQueue = "flush-queue"
)

var (
	// ErrUnknownKind is returned for events with no handler
	ErrUnknownKind = errors.New("agent: unknown event kind")
	// ErrFlushIncomplete fails a sync event so the facility retries it
	ErrFlushIncomplete = errors.New("agent: flush incomplete")
)

// Event is delivered by the host
type Event struct {
	Kind Kind
	// Request is set for fetch events
	Request *http.Request
	// Tag is set for sync events
	Tag string
	// Message is set for message events
	Message string
	// Source identifies the sender of a message, if known
	Source string
}

// Outcome is what a completed task produced
type Outcome struct {
	// Response answers a fetch event
	Response *http.Response
	// Flush is set when the event ran a flush
	Flush *syncer.Result
}

// Handler processes one event kind
type Handler func(ctx context.Context, ev Event) (Outcome, error)

// Flusher drains the mutation queue
type Flusher interface {
	Flush(ctx context.Context) (syncer.Result, error)
}

// SyncRegistrar registers a deferred flush with a background sync facility
type SyncRegistrar interface {
	RegisterFlush(ctx context.Context) error
}

// Agent dispatches events to their handlers
type Agent struct {
	lifecycle *lifecycle.Manager
	router    http.RoundTripper
	network   http.RoundTripper
	flusher   Flusher
	registrar SyncRegistrar
	logger    zerolog.Logger

	handlers map[Kind]Handler
	tasks    sync.WaitGroup
}

var _ http.RoundTripper = (*Agent)(nil)

// Option configures an Agent
type Option func(*Agent)

// WithLogger sets the logger. Defaults to zerolog.Nop().
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithSyncRegistrar routes reconnect handling through a background sync
// facility instead of flushing in-process
func WithSyncRegistrar(r SyncRegistrar) Option {
	return func(a *Agent) { a.registrar = r }
}

// New returns an Agent. router serves fetches once the agent is active;
// network serves them before that.
func New(lc *lifecycle.Manager, router, network http.RoundTripper, flusher Flusher, opts ...Option) *Agent {
	a := &Agent{
		lifecycle: lc,
		router:    router,
		network:   network,
		flusher:   flusher,
		logger:    zerolog.Nop(),
	}
	for _, o := range opts {
		o(a)
	}
	a.handlers = map[Kind]Handler{
		KindInstall:  a.handleInstall,
		KindActivate: a.handleActivate,
		KindFetch:    a.handleFetch,
		KindSync:     a.handleSync,
		KindMessage:  a.handleMessage,
	}
	return a
}

// Dispatch runs the handler for ev in its own goroutine and returns a Task
// that completes when the handler does. The handler runs under ctx.
func (a *Agent) Dispatch(ctx context.Context, ev Event) *Task {
	t := newTask()
	h, ok := a.handlers[ev.Kind]
	if !ok {
		t.finish(Outcome{}, fmt.Errorf("%w: %q", ErrUnknownKind, ev.Kind))
		return t
	}

	a.tasks.Add(1)
	go func() {
		defer a.tasks.Done()
		out, err := h(ctx, ev)
		t.finish(out, err)
	}()
	return t
}

// Wait blocks until every dispatched task has finished
func (a *Agent) Wait() {
	a.tasks.Wait()
}

// Start delivers install then activate
func (a *Agent) Start(ctx context.Context) error {
	if _, err := a.Dispatch(ctx, Event{Kind: KindInstall}).Wait(ctx); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if _, err := a.Dispatch(ctx, Event{Kind: KindActivate}).Wait(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// RoundTrip delivers req as a fetch event and waits for its response
func (a *Agent) RoundTrip(req *http.Request) (*http.Response, error) {
	t := a.Dispatch(req.Context(), Event{Kind: KindFetch, Request: req})
	// The fetch handler honours the request context itself, so waiting on
	// done never strands a response body.
	<-t.Done()
	out, err := t.Result()
	if err != nil {
		return nil, err
	}
	return out.Response, nil
}

// OnReconnect reacts to connectivity returning. With a registrar the flush
// is deferred to the background sync facility; otherwise, or when the
// registration fails, the flush-queue message is delivered in-process.
func (a *Agent) OnReconnect(ctx context.Context) {
	if a.registrar != nil {
		err := a.registrar.RegisterFlush(ctx)
		if err == nil {
			a.logger.Info().Str("tag", TagFlushQueue).Msg("background sync registered")
			return
		}
		a.logger.Warn().Err(err).Msg("background sync registration failed, flushing in-process")
	}
	a.Dispatch(ctx, Event{Kind: KindMessage, Message: MessageFlushQueue, Source: "reconnect"})
}

func (a *Agent) handleInstall(ctx context.Context, _ Event) (Outcome, error) {
	return Outcome{}, a.lifecycle.Install(ctx)
}

func (a *Agent) handleActivate(ctx context.Context, _ Event) (Outcome, error) {
	return Outcome{}, a.lifecycle.Activate(ctx)
}

func (a *Agent) handleFetch(_ context.Context, ev Event) (Outcome, error) {
	if ev.Request == nil {
		return Outcome{}, errors.New("fetch event without request")
	}
	rt := a.router
	// Until activation the agent does not control requests
	if a.lifecycle.State() != lifecycle.StateActive {
		rt = a.network
	}
	resp, err := rt.RoundTrip(ev.Request)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Response: resp}, nil
}

func (a *Agent) handleSync(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Tag != TagFlushQueue {
		a.logger.Debug().Str("tag", ev.Tag).Msg("ignoring sync event")
		return Outcome{}, nil
	}
	res, err := a.flusher.Flush(ctx)
	if err != nil {
		return Outcome{Flush: &res}, err
	}
	if !res.Complete {
		return Outcome{Flush: &res}, ErrFlushIncomplete
	}
	return Outcome{Flush: &res}, nil
}

func (a *Agent) handleMessage(ctx context.Context, ev Event) (Outcome, error) {
	if ev.Message != MessageFlushQueue {
		a.logger.Debug().Str("message", ev.Message).Str("source", ev.Source).Msg("ignoring message")
		return Outcome{}, nil
	}
	res, err := a.flusher.Flush(ctx)
	if err != nil {
		a.logger.Error().Err(err).Str("source", ev.Source).Msg("flush failed")
		return Outcome{Flush: &res}, err
	}
	return Outcome{Flush: &res}, nil
}
