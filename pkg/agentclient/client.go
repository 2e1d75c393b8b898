// Package agentclient talks to a running agent over its control endpoints.
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultBaseURL is where a locally started agent listens
const DefaultBaseURL = "http://localhost:8787"

// DefaultTimeout bounds the quick control calls
const DefaultTimeout = 30 * time.Second

// Client is a minimal agent control client
type Client struct {
	BaseURL string
	HTTP    *http.Client
	// Timeout bounds Register, Status and ListQueue. PostMessage is bounded
	// only by its context since a flush runs as long as the replay takes.
	Timeout time.Duration
}

// New returns a client for the agent at baseURL
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	// The jar keeps the instance cookie so Register is stable per client
	jar, _ := cookiejar.New(nil)
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Jar: jar},
		Timeout: DefaultTimeout,
	}
}

// Registration identifies this application instance to the agent
type Registration struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
}

// Status is the agent's self-report
type Status struct {
	Version   string `json:"version"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	Online    bool   `json:"online"`
	Instances int    `json:"instances"`
}

// FlushResult mirrors the agent's flush report
type FlushResult struct {
	Replayed int   `json:"replayed"`
	Pending  int   `json:"pending"`
	FailedID int64 `json:"failed_id,omitempty"`
	Complete bool  `json:"complete"`
	Skipped  bool  `json:"skipped"`
}

// PendingEntry is one queued mutation as listed by the agent
type PendingEntry struct {
	ID             int64             `json:"id"`
	URL            string            `json:"url"`
	Method         string            `json:"method"`
	Headers        map[string]string `json:"headers"`
	Body           []byte            `json:"body"`
	Timestamp      int64             `json:"timestamp"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// Event is a frame pushed by the agent over the channel
type Event struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Controller string `json:"controller,omitempty"`
}

// StatusError is returned for non-2xx control responses
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent status %d: %s", e.Code, e.Body)
}

// Register announces an instance. Registration failure must not stop the
// hosting application; callers log the error and carry on.
func (c *Client) Register(ctx context.Context) (Registration, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var reg Registration
	err := c.do(ctx, http.MethodPost, "/__agent/register", nil, &reg)
	return reg, err
}

// Status fetches the agent status
func (c *Client) Status(ctx context.Context) (Status, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var st Status
	err := c.do(ctx, http.MethodGet, "/__agent/status", nil, &st)
	return st, err
}

// ListQueue returns the pending mutations in replay order
func (c *Client) ListQueue(ctx context.Context) ([]PendingEntry, error) {
	ctx, cancel := c.bounded(ctx)
	defer cancel()
	var entries []PendingEntry
	err := c.do(ctx, http.MethodGet, "/__agent/queue", nil, &entries)
	return entries, err
}

// PostMessage delivers msg to the agent's message handler and waits for its
// answer until ctx ends
func (c *Client) PostMessage(ctx context.Context, msg string) (FlushResult, error) {
	var res FlushResult
	err := c.do(ctx, http.MethodPost, "/__agent/messages", strings.NewReader(msg), &res)
	return res, err
}

// Subscribe opens the message channel as instance id (empty for a new one)
// and calls fn for every event until ctx ends or the agent goes away.
func (c *Client) Subscribe(ctx context.Context, id string, fn func(Event)) error {
	u, err := url.Parse(c.BaseURL + "/__agent/ws")
	if err != nil {
		return fmt.Errorf("parse agent url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if id != "" {
		u.RawQuery = url.Values{"id": {id}}.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial agent: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		fn(ev)
	}
}

func (c *Client) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.Timeout)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
