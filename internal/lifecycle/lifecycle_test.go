package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/surveysync/cache"
)

type countingClaimer struct {
	version string
	calls   int
}

func (c *countingClaimer) Claim(version string) int {
	c.version = version
	c.calls++
	return 2
}

func TestActivatePurgesOlderVersions(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory()

	// Entries written by the previous agent version
	require.NoError(t, c.OpenNamespace(ctx, "v1"))
	req, err := http.NewRequest(http.MethodGet, "http://origin.test/", nil)
	require.NoError(t, err)
	require.NoError(t, c.Store(ctx, cache.KeyFor(req), &cache.Entry{Status: 200, Body: []byte("old"), FetchedAt: time.Now()}))
	require.Equal(t, 1, c.Len("v1"))

	claimer := &countingClaimer{}
	m := New("v2", c, claimer, zerolog.Nop())
	assert.Equal(t, StateInstalling, m.State())

	require.NoError(t, m.Install(ctx))
	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, "active", m.State().String())

	names, err := c.Namespaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, names)

	// New writes land in the current version
	require.NoError(t, c.Store(ctx, cache.KeyFor(req), &cache.Entry{Status: 200, Body: []byte("new")}))
	assert.Equal(t, 1, c.Len("v2"))

	assert.Equal(t, 1, claimer.calls)
	assert.Equal(t, "v2", claimer.version)
}

func TestActivateRequiresInstall(t *testing.T) {
	m := New("v1", cache.NewMemory(), nil, zerolog.Nop())
	err := m.Activate(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateInstalling, m.State())
}

func TestTransitionsRunOnce(t *testing.T) {
	ctx := context.Background()
	m := New("v1", cache.NewMemory(), nil, zerolog.Nop())

	require.NoError(t, m.Install(ctx))
	assert.ErrorIs(t, m.Install(ctx), ErrInvalidTransition)

	require.NoError(t, m.Activate(ctx))
	assert.ErrorIs(t, m.Activate(ctx), ErrInvalidTransition)
	assert.ErrorIs(t, m.Install(ctx), ErrInvalidTransition)
}

// unavailableOnce fails the first OpenNamespace
type unavailableOnce struct {
	*cache.Memory
	failed bool
}

func (u *unavailableOnce) OpenNamespace(ctx context.Context, version string) error {
	if !u.failed {
		u.failed = true
		return errors.New("cache dir not writable")
	}
	return u.Memory.OpenNamespace(ctx, version)
}

func TestActivateRetriesAfterOpenFailure(t *testing.T) {
	ctx := context.Background()
	claimer := &countingClaimer{}
	m := New("v1", &unavailableOnce{Memory: cache.NewMemory()}, claimer, zerolog.Nop())
	require.NoError(t, m.Install(ctx))

	require.Error(t, m.Activate(ctx))
	assert.Equal(t, StateInstalling, m.State())
	assert.Zero(t, claimer.calls)

	require.NoError(t, m.Activate(ctx))
	assert.Equal(t, StateActive, m.State())
	assert.Equal(t, 1, claimer.calls)
}

func TestActivateInvalidVersion(t *testing.T) {
	ctx := context.Background()
	m := New("../escape", cache.NewMemory(), nil, zerolog.Nop())
	require.NoError(t, m.Install(ctx))

	err := m.Activate(ctx)
	assert.ErrorIs(t, err, cache.ErrInvalidNamespace)
	assert.Equal(t, StateInstalling, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "installing", StateInstalling.String())
	assert.Equal(t, "activating", StateActivating.String())
	assert.Equal(t, "unknown", State(42).String())
}
