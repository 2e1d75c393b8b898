package queue

import (
	"context"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newVote(t *testing.T, body string) Entry {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "http://origin.test/api/votes", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Add("X-Trace", "a")
	req.Header.Add("X-Trace", "b")
	return NewEntry(req, []byte(body), time.UnixMilli(1700000000000))
}

func testStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	var ids []int64
	for _, body := range []string{`{"image":1}`, `{"image":2}`, `{"image":3}`} {
		id, err := s.Append(ctx, newVote(t, body))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Less(t, ids[0], ids[1])
	require.Less(t, ids[1], ids[2])

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, ids[i], e.ID, "insertion order")
		assert.Equal(t, RecordVersion, e.Version)
		assert.Equal(t, "http://origin.test/api/votes", e.URL)
		assert.Equal(t, http.MethodPost, e.Method)
		assert.Equal(t, "application/json", e.Headers["Content-Type"])
		assert.Equal(t, "a, b", e.Headers["X-Trace"])
		assert.Equal(t, int64(1700000000000), e.Timestamp)
		assert.NotEmpty(t, e.IdempotencyKey)
	}
	assert.Equal(t, `{"image":2}`, string(entries[1].Body))

	// Entries appended after a snapshot survive a clear of that snapshot
	late, err := s.Append(ctx, newVote(t, `{"image":4}`))
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, ids[2]))

	entries, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, late, entries[0].ID)

	require.NoError(t, s.Clear(ctx, late))
	n, err = s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Ids keep increasing after a clear
	next, err := s.Append(ctx, newVote(t, `{"image":5}`))
	require.NoError(t, err)
	assert.Greater(t, next, late)

	require.NoError(t, s.Close())
	_, err = s.Append(ctx, newVote(t, `{}`))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemory())
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	testStoreContract(t, s)
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	id, err := s.Append(ctx, newVote(t, `{"image":9}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, `{"image":9}`, string(entries[0].Body))
}

func TestPostgresStore(t *testing.T) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping postgres queue test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	require.NoError(t, err)
	defer pool.Close()

	s, err := NewPostgres(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, s.Clear(ctx, math.MaxInt64))
	testStoreContract(t, s)
}

func TestEntryRequest(t *testing.T) {
	e := newVote(t, `{"image":7}`)
	e.ID = 7

	req, err := e.Request(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "http://origin.test/api/votes", req.URL.String())
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
	assert.Equal(t, e.IdempotencyKey, req.Header.Get(HeaderIdempotencyKey))

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, `{"image":7}`, string(body))
}

func TestEntryValidate(t *testing.T) {
	e := Entry{ID: 1, URL: "http://origin.test/api/votes", Method: http.MethodPost}
	require.NoError(t, e.Validate())
	assert.Equal(t, 1, e.Version, "unversioned records are version 1")

	future := Entry{ID: 2, Version: RecordVersion + 1, URL: "http://origin.test/", Method: http.MethodPost}
	assert.ErrorIs(t, future.Validate(), ErrUnsupportedVersion)

	relative := Entry{ID: 3, URL: "/api/votes", Method: http.MethodPost}
	assert.Error(t, relative.Validate())
}
