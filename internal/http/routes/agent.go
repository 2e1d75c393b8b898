package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/surveysync/internal/agent"
	"github.com/briangreenhill/surveysync/internal/clients"
	"github.com/briangreenhill/surveysync/queue"
)

const sessionInstanceKey = "instance_id"

// maxMessageBytes bounds a posted message
const maxMessageBytes = 1 << 10

type statusResponse struct {
	Version   string `json:"version"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
	Online    bool   `json:"online"`
	Instances int    `json:"instances"`
}

type registrationResponse struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := s.Queue.Len(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("count pending mutations")
		http.Error(w, "could not read queue", http.StatusInternalServerError)
		return
	}
	online := false
	if s.Connectivity != nil {
		online = s.Connectivity.Online()
	}
	s.writeJSON(w, r, http.StatusOK, statusResponse{
		Version:   s.Lifecycle.Version(),
		State:     s.Lifecycle.State().String(),
		Pending:   pending,
		Online:    online,
		Instances: s.Clients.Count(),
	})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Queue.List(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list pending mutations")
		http.Error(w, "could not read queue", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []queue.Entry{}
	}
	s.writeJSON(w, r, http.StatusOK, entries)
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	infos := s.Clients.Infos()
	if infos == nil {
		infos = []clients.Info{}
	}
	s.writeJSON(w, r, http.StatusOK, infos)
}

// handleMessage delivers the body as a message event and, for a flush,
// reports the result
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}
	msg := strings.TrimSpace(string(body))

	// A flush keeps replaying after the caller hangs up, so entries already
	// delivered are cleared instead of being sent again on the next attempt
	out, err := s.Agent.Dispatch(context.WithoutCancel(r.Context()), agent.Event{
		Kind:    agent.KindMessage,
		Message: msg,
		Source:  "http",
	}).Wait(r.Context())
	if err != nil {
		if errors.Is(err, r.Context().Err()) {
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("message", msg).Msg("message failed")
		http.Error(w, "message failed", http.StatusInternalServerError)
		return
	}
	if out.Flush == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.writeJSON(w, r, http.StatusOK, out.Flush)
}

// handleRegister hands out a stable instance id kept in the session cookie
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id := s.Sess.GetString(r.Context(), sessionInstanceKey)
	if id == "" {
		id = uuid.NewString()
		s.Sess.Put(r.Context(), sessionInstanceKey, id)
		hlog.FromRequest(r).Info().Str("instance", id).Msg("instance registered")
	}
	s.writeJSON(w, r, http.StatusOK, registrationResponse{
		ID:      id,
		Version: s.Lifecycle.Version(),
		State:   s.Lifecycle.State().String(),
	})
}
