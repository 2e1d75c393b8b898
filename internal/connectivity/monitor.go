// Package connectivity detects when the origin becomes reachable again
package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSchedule probes every five seconds
const DefaultSchedule = "@every 5s"

// ReconnectFunc is called once per offline to online transition
type ReconnectFunc func(ctx context.Context)

// Monitor probes the origin on a schedule. It starts offline, so the first
// successful probe counts as a reconnect and drains anything left queued by
// a previous run.
type Monitor struct {
	origin      string
	schedule    string
	client      *http.Client
	onReconnect ReconnectFunc
	logger      zerolog.Logger

	online atomic.Bool
	cron   *cron.Cron
}

type Option func(*Monitor)

// WithHTTPClient sets the client used for probes
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) { m.client = c }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New returns a Monitor probing origin on schedule, any schedule accepted by
// cron.ParseStandard including "@every <duration>"
func New(origin, schedule string, onReconnect ReconnectFunc, opts ...Option) (*Monitor, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse probe schedule %q: %w", schedule, err)
	}
	m := &Monitor{
		origin:      origin,
		schedule:    schedule,
		client:      &http.Client{Timeout: 3 * time.Second},
		onReconnect: onReconnect,
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Online reports the last known state
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Check probes the origin once and returns whether it answered. Any HTTP
// response counts as reachable.
func (m *Monitor) Check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.origin, nil)
	if err != nil {
		m.logger.Error().Err(err).Str("origin", m.origin).Msg("build probe")
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.ReportFailure(err)
		return false
	}
	_ = resp.Body.Close()
	m.reportSuccess(ctx)
	return true
}

// ReportFailure marks the origin unreachable
func (m *Monitor) ReportFailure(err error) {
	if m.online.CompareAndSwap(true, false) {
		m.logger.Warn().Err(err).Str("origin", m.origin).Msg("origin unreachable")
	}
}

func (m *Monitor) reportSuccess(ctx context.Context) {
	if !m.online.CompareAndSwap(false, true) {
		return
	}
	m.logger.Info().Str("origin", m.origin).Msg("origin reachable")
	if m.onReconnect != nil {
		m.onReconnect(ctx)
	}
}

// Start schedules probes until Stop. ctx is handed to every probe and to
// the reconnect callback.
func (m *Monitor) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(m.schedule, func() { m.Check(ctx) }); err != nil {
		return fmt.Errorf("schedule probe: %w", err)
	}
	m.cron = c
	c.Start()
	m.logger.Info().Str("schedule", m.schedule).Msg("connectivity monitor started")
	return nil
}

// Stop halts scheduling and waits for a running probe to finish
func (m *Monitor) Stop() {
	if m.cron == nil {
		return
	}
	<-m.cron.Stop().Done()
}
