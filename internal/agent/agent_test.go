package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/briangreenhill/surveysync/cache"
	"github.com/briangreenhill/surveysync/internal/intercept"
	"github.com/briangreenhill/surveysync/internal/lifecycle"
	"github.com/briangreenhill/surveysync/internal/route"
	"github.com/briangreenhill/surveysync/internal/syncer"
	"github.com/briangreenhill/surveysync/queue"
)

// switchableNetwork fails every request while offline is set
type switchableNetwork struct {
	offline atomic.Bool
	calls   atomic.Int32
}

func (n *switchableNetwork) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, errors.New("dial tcp: connection refused")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("online")),
		Request:    req,
	}, nil
}

type fakeRegistrar struct {
	err   error
	calls atomic.Int32
}

func (r *fakeRegistrar) RegisterFlush(context.Context) error {
	r.calls.Add(1)
	return r.err
}

type fixture struct {
	agent   *Agent
	network *switchableNetwork
	queue   *queue.Memory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	network := &switchableNetwork{}
	c := cache.NewMemory()
	q := queue.NewMemory()
	router := intercept.New(network, c, q, route.Default())
	t.Cleanup(router.Wait)
	lc := lifecycle.New("v1", c, nil, zerolog.Nop())
	coord := syncer.New(q, network, nil, zerolog.Nop())
	return &fixture{
		agent:   New(lc, router, network, coord, opts...),
		network: network,
		queue:   q,
	}
}

func post(t *testing.T, url, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	return req
}

func TestFetchBeforeActivationPassesThrough(t *testing.T) {
	f := newFixture(t)
	f.network.offline.Store(true)

	_, err := f.agent.RoundTrip(post(t, "http://origin.test/api/votes", `{}`))
	assert.Error(t, err, "inactive agent does not queue")

	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFetchAfterActivationIsIntercepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.agent.Start(ctx))
	f.network.offline.Store(true)

	resp, err := f.agent.RoundTrip(post(t, "http://origin.test/api/votes", `{"choice":1}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get(intercept.HeaderQueuedID))
}

func TestFlushMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.agent.Start(ctx))

	f.network.offline.Store(true)
	resp, err := f.agent.RoundTrip(post(t, "http://origin.test/api/votes", `{}`))
	require.NoError(t, err)
	resp.Body.Close()

	f.network.offline.Store(false)
	out, err := f.agent.Dispatch(ctx, Event{Kind: KindMessage, Message: MessageFlushQueue}).Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, out.Flush)
	assert.True(t, out.Flush.Complete)
	assert.Equal(t, 1, out.Flush.Replayed)

	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnknownMessageIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	out, err := f.agent.Dispatch(ctx, Event{Kind: KindMessage, Message: "hello"}).Wait(ctx)
	require.NoError(t, err)
	assert.Nil(t, out.Flush)
}

func TestSyncEventFailsWhenIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.agent.Start(ctx))

	f.network.offline.Store(true)
	resp, err := f.agent.RoundTrip(post(t, "http://origin.test/api/votes", `{}`))
	require.NoError(t, err)
	resp.Body.Close()

	_, err = f.agent.Dispatch(ctx, Event{Kind: KindSync, Tag: TagFlushQueue}).Wait(ctx)
	assert.ErrorIs(t, err, ErrFlushIncomplete)

	f.network.offline.Store(false)
	out, err := f.agent.Dispatch(ctx, Event{Kind: KindSync, Tag: TagFlushQueue}).Wait(ctx)
	require.NoError(t, err)
	assert.True(t, out.Flush.Complete)

	_, err = f.agent.Dispatch(ctx, Event{Kind: KindSync, Tag: "other"}).Wait(ctx)
	assert.NoError(t, err)
}

func TestUnknownKind(t *testing.T) {
	f := newFixture(t)
	_, err := f.agent.Dispatch(context.Background(), Event{Kind: "push"}).Wait(context.Background())
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.agent.Start(ctx))
	assert.ErrorIs(t, f.agent.Start(ctx), lifecycle.ErrInvalidTransition)
}

func TestOnReconnectUsesRegistrar(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{}
	f := newFixture(t, WithSyncRegistrar(reg))
	require.NoError(t, f.agent.Start(ctx))

	before := f.network.calls.Load()
	f.agent.OnReconnect(ctx)
	f.agent.Wait()

	assert.Equal(t, int32(1), reg.calls.Load())
	assert.Equal(t, before, f.network.calls.Load())
}

func TestOnReconnectFallsBackToInProcessFlush(t *testing.T) {
	ctx := context.Background()
	reg := &fakeRegistrar{err: errors.New("redis unavailable")}
	f := newFixture(t, WithSyncRegistrar(reg))
	require.NoError(t, f.agent.Start(ctx))

	f.network.offline.Store(true)
	resp, err := f.agent.RoundTrip(post(t, "http://origin.test/api/votes", `{}`))
	require.NoError(t, err)
	resp.Body.Close()

	f.network.offline.Store(false)
	f.agent.OnReconnect(ctx)
	f.agent.Wait()

	assert.Equal(t, int32(1), reg.calls.Load())
	n, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTaskWaitHonoursContext(t *testing.T) {
	task := newTask()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := task.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
