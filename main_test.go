package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/briangreenhill/surveysync/pkg/agentclient"
)

func fakeAgent(t *testing.T, pending []agentclient.PendingEntry, flush agentclient.FlushResult) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /__agent/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(agentclient.Status{Version: "v3", State: "active", Pending: len(pending), Online: true})
	})
	mux.HandleFunc("GET /__agent/queue", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(pending)
	})
	mux.HandleFunc("POST /__agent/messages", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(flush)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	if err := runCLI([]string{"--version"}, &out); err != nil {
		t.Fatalf("runCLI failed: %v", err)
	}
	if !strings.Contains(out.String(), "version "+version) {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestStatus(t *testing.T) {
	srv := fakeAgent(t, []agentclient.PendingEntry{{ID: 1}}, agentclient.FlushResult{})

	var out bytes.Buffer
	if err := runCLI([]string{"status", "--agent", srv.URL}, &out); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"v3", "active", "Pending:   1"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}
}

func TestQueue(t *testing.T) {
	srv := fakeAgent(t, []agentclient.PendingEntry{
		{ID: 4, Method: "POST", URL: "http://origin.test/api/votes", Body: []byte(`{"choice":1}`), Timestamp: 1700000000000},
	}, agentclient.FlushResult{})

	var out bytes.Buffer
	if err := runCLI([]string{"queue", "--agent", srv.URL}, &out); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if !strings.Contains(out.String(), "http://origin.test/api/votes") {
		t.Errorf("queue output missing entry:\n%s", out.String())
	}
}

func TestQueueEmpty(t *testing.T) {
	srv := fakeAgent(t, nil, agentclient.FlushResult{})

	var out bytes.Buffer
	if err := runCLI([]string{"queue", "--agent", srv.URL}, &out); err != nil {
		t.Fatalf("queue failed: %v", err)
	}
	if !strings.Contains(out.String(), "No pending mutations") {
		t.Errorf("unexpected output %q", out.String())
	}
}

func TestFlush(t *testing.T) {
	tests := []struct {
		name string
		res  agentclient.FlushResult
		want string
	}{
		{"complete", agentclient.FlushResult{Replayed: 2, Complete: true}, "Flushed 2 mutation(s)"},
		{"halted", agentclient.FlushResult{Replayed: 1, Pending: 3, FailedID: 2}, "halted at entry 2"},
		{"skipped", agentclient.FlushResult{Skipped: true}, "already running"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := fakeAgent(t, nil, tt.res)
			var out bytes.Buffer
			if err := runCLI([]string{"flush", "--agent", srv.URL}, &out); err != nil {
				t.Fatalf("flush failed: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("flush output %q missing %q", out.String(), tt.want)
			}
		})
	}
}

func TestUnknownCommand(t *testing.T) {
	var out bytes.Buffer
	if err := runCLI([]string{"explode"}, &out); err == nil {
		t.Error("expected error for unknown command")
	}
}
