// Package lifecycle drives the agent through install and activation
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/surveysync/cache"
)

// ErrInvalidTransition is returned when a step is run out of order
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

// State of the agent
type State int32

const (
	StateInstalling State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Claimer takes control of already-open application instances
type Claimer interface {
	// Claim marks every open instance as controlled by version and
	// returns how many were claimed
	Claim(version string) int
}

// Manager owns the agent's lifecycle state
type Manager struct {
	version string
	caches  cache.Namespacer
	claimer Claimer
	logger  zerolog.Logger

	mu        sync.RWMutex
	state     State
	installed bool
}

// New returns a Manager for version in the installing state
func New(version string, caches cache.Namespacer, claimer Claimer, logger zerolog.Logger) *Manager {
	return &Manager{
		version: version,
		caches:  caches,
		claimer: claimer,
		logger:  logger.With().Str("version", version).Logger(),
		state:   StateInstalling,
	}
}

// Version returns the cache version this agent runs
func (m *Manager) Version() string {
	return m.version
}

// State returns the current state
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Install signals readiness. Nothing is pre-fetched; the read strategies
// fill the cache lazily.
func (m *Manager) Install(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateInstalling || m.installed {
		return fmt.Errorf("%w: install from %s", ErrInvalidTransition, m.state)
	}
	m.installed = true
	m.logger.Info().Msg("agent installed")
	return nil
}

// Activate purges every cache namespace but the current version, opens the
// current namespace and claims all open application instances.
// Namespace deletion is best effort: failures are logged, not returned.
func (m *Manager) Activate(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateInstalling || !m.installed {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w: activate from %s", ErrInvalidTransition, state)
	}
	m.state = StateActivating
	m.mu.Unlock()

	deleted, err := m.caches.PurgeAllExcept(ctx, m.version)
	if err != nil {
		m.logger.Warn().Err(err).Msg("stale cache cleanup incomplete")
	}
	if len(deleted) > 0 {
		m.logger.Info().Strs("deleted", deleted).Msg("stale cache namespaces deleted")
	}

	if err := m.caches.OpenNamespace(ctx, m.version); err != nil {
		// Back to installed so Activate can be tried again
		m.mu.Lock()
		m.state = StateInstalling
		m.mu.Unlock()
		return fmt.Errorf("open cache namespace: %w", err)
	}

	claimed := 0
	if m.claimer != nil {
		claimed = m.claimer.Claim(m.version)
	}

	m.mu.Lock()
	m.state = StateActive
	m.mu.Unlock()

	m.logger.Info().Int("claimed", claimed).Msg("agent active")
	return nil
}
