// Package syncer replays queued mutations against the network.
package syncer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/surveysync/queue"
)

// EventSyncComplete is broadcast after a fully successful flush
const EventSyncComplete = "sync-complete"

// Event is the message sent to application instances
type Event struct {
	Type string `json:"type"`
}

// Broadcaster delivers an event to every active application instance
type Broadcaster interface {
	Broadcast(ctx context.Context, v any) error
}

// Store is the part of the queue the coordinator needs
type Store interface {
	queue.Lister
	queue.Clearer
}

// Result describes one flush attempt
type Result struct {
	// Replayed counts entries that reached the network in this attempt
	Replayed int `json:"replayed"`
	// Pending counts entries still queued afterwards
	Pending int `json:"pending"`
	// FailedID is the entry that halted replay, if any
	FailedID int64 `json:"failed_id,omitempty"`
	// Complete is true when the queue was drained (or already empty)
	Complete bool `json:"complete"`
	// Skipped is true when another flush was already in flight
	Skipped bool `json:"skipped"`
}

// Coordinator drains the queue in order. At most one flush runs at a
// time; a trigger that arrives while a flush is in flight is a no-op.
type Coordinator struct {
	store       Store
	network     http.RoundTripper
	broadcaster Broadcaster
	logger      zerolog.Logger

	mu sync.Mutex
}

// New returns a Coordinator replaying over network. network must be the
// raw transport, not the intercepting router, or failed replays would be
// queued again.
func New(store Store, network http.RoundTripper, broadcaster Broadcaster, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		network:     network,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// Flush replays every queued entry in ascending id order. The first
// network-level failure halts the attempt and leaves the whole queue in
// place. When every entry replays, the replayed entries are deleted in one
// operation and a sync-complete event is broadcast once.
//
// Replay failures are reported through Result, not as errors. Errors are
// only returned for store failures.
func (c *Coordinator) Flush(ctx context.Context) (Result, error) {
	if !c.mu.TryLock() {
		c.logger.Debug().Msg("flush already in flight, skipping")
		return Result{Skipped: true}, nil
	}
	defer c.mu.Unlock()

	entries, err := c.store.List(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list queue: %w", err)
	}
	if len(entries) == 0 {
		return Result{Complete: true}, nil
	}

	for i, e := range entries {
		if err := c.replay(ctx, e); err != nil {
			c.logger.Warn().
				Err(err).
				Int64("id", e.ID).
				Int("replayed", i).
				Int("pending", len(entries)).
				Msg("replay halted, queue kept for next attempt")
			return Result{Replayed: i, Pending: len(entries), FailedID: e.ID}, nil
		}
	}

	last := entries[len(entries)-1].ID
	if err := c.store.Clear(ctx, last); err != nil {
		return Result{Replayed: len(entries), Pending: len(entries)}, fmt.Errorf("clear queue: %w", err)
	}

	c.logger.Info().Int("replayed", len(entries)).Msg("queue flushed")
	if c.broadcaster != nil {
		if err := c.broadcaster.Broadcast(ctx, Event{Type: EventSyncComplete}); err != nil {
			c.logger.Warn().Err(err).Msg("sync-complete broadcast failed")
		}
	}
	return Result{Replayed: len(entries), Complete: true}, nil
}

// replay sends one entry. Any HTTP response counts as delivered.
func (c *Coordinator) replay(ctx context.Context, e queue.Entry) error {
	req, err := e.Request(ctx)
	if err != nil {
		return err
	}
	resp, err := c.network.RoundTrip(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	c.logger.Debug().
		Int64("id", e.ID).
		Str("method", e.Method).
		Str("url", e.URL).
		Int("status", resp.StatusCode).
		Msg("replayed")
	return nil
}
