package clients

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Hello is the first frame sent on every channel
type Hello struct {
	Type       string `json:"type"`
	ID         string `json:"id"`
	Controller string `json:"controller,omitempty"`
}

// MessageFunc handles a text frame sent by an instance
type MessageFunc func(ctx context.Context, instanceID, message string)

// Server upgrades page connections into message channels
type Server struct {
	registry  *Registry
	onMessage MessageFunc
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

// NewServer returns a websocket handler registering instances in registry.
// onMessage may be nil.
func NewServer(registry *Registry, onMessage MessageFunc, logger zerolog.Logger) *Server {
	return &Server{
		registry:  registry,
		onMessage: onMessage,
		logger:    logger,
		upgrader: websocket.Upgrader{
			// The agent only listens locally
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves the channel until the peer
// goes away. The instance id comes from the id query parameter when present.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	inst := &Instance{
		ID:          id,
		Conn:        conn,
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}
	s.registry.Add(inst)
	s.logger.Info().Str("instance", id).Str("ip", r.RemoteAddr).Msg("instance connected")

	if err := inst.WriteJSON(Hello{Type: "hello", ID: id, Controller: inst.Controller()}); err != nil {
		s.logger.Error().Err(err).Str("instance", id).Msg("hello failed")
		s.registry.Remove(inst)
		_ = conn.Close()
		return
	}

	s.serve(context.WithoutCancel(r.Context()), inst)
}

func (s *Server) serve(ctx context.Context, inst *Instance) {
	defer func() {
		s.registry.Remove(inst)
		_ = inst.Conn.Close()
		s.logger.Info().Str("instance", inst.ID).Msg("instance disconnected")
	}()

	for {
		msgType, data, err := inst.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("instance", inst.ID).Msg("websocket error")
			}
			return
		}
		if msgType != websocket.TextMessage || s.onMessage == nil {
			continue
		}
		s.onMessage(ctx, inst.ID, string(data))
	}
}
