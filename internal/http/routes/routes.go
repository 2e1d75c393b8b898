package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	scs "github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/briangreenhill/surveysync/internal/agent"
	"github.com/briangreenhill/surveysync/internal/clients"
	appmw "github.com/briangreenhill/surveysync/internal/http/middleware"
	"github.com/briangreenhill/surveysync/internal/lifecycle"
	"github.com/briangreenhill/surveysync/queue"
)

// Connectivity reports whether the origin is reachable
type Connectivity interface {
	Online() bool
}

type Server struct {
	Router       *chi.Mux
	Sess         *scs.SessionManager
	Agent        *agent.Agent
	Lifecycle    *lifecycle.Manager
	Queue        queue.Lister
	Clients      *clients.Registry
	Connectivity Connectivity
	Origin       *url.URL
	Logger       zerolog.Logger
}

type ServerOptions struct {
	Sess         *scs.SessionManager
	Agent        *agent.Agent
	Lifecycle    *lifecycle.Manager
	Queue        queue.Lister
	Clients      *clients.Registry
	Connectivity Connectivity
	Origin       *url.URL
	Logger       zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(hlog.NewHandler(opts.Logger))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:       r,
		Sess:         opts.Sess,
		Agent:        opts.Agent,
		Lifecycle:    opts.Lifecycle,
		Queue:        opts.Queue,
		Clients:      opts.Clients,
		Connectivity: opts.Connectivity,
		Origin:       opts.Origin,
		Logger:       opts.Logger,
	}
	if s.Clients == nil {
		s.Clients = clients.NewRegistry()
	}
	if s.Sess == nil {
		s.Sess = scs.New()
	}

	ws := clients.NewServer(s.Clients, s.forwardMessage, opts.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("write health check response")
		}
	})

	r.Route("/__agent", func(ar chi.Router) {
		ar.Use(appmw.NoStore)
		ar.Get("/status", s.handleStatus)
		ar.Get("/queue", s.handleQueue)
		ar.Get("/instances", s.handleInstances)
		ar.Post("/messages", s.handleMessage)
		ar.With(s.Sess.LoadAndSave).Post("/register", s.handleRegister)
		ar.Method(http.MethodGet, "/ws", ws)
	})

	r.HandleFunc("/*", s.handleProxy)

	return s
}

// forwardMessage delivers a channel frame as a message event. The frame's
// task is not awaited so the channel keeps reading.
func (s *Server) forwardMessage(ctx context.Context, instanceID, msg string) {
	s.Agent.Dispatch(ctx, agent.Event{Kind: agent.KindMessage, Message: msg, Source: instanceID})
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("encode response")
	}
}
