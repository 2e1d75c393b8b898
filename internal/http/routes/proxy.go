package routes

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
)

// Hop-by-hop headers are meaningful for a single connection only
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// handleProxy sends the page's request to the origin through the agent
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Host = ""
	u := *s.Origin
	u.Path = joinPath(s.Origin.Path, r.URL.Path)
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	u.Fragment = ""
	out.URL = &u
	removeHopHeaders(out.Header)

	resp, err := s.Agent.RoundTrip(out)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("url", u.String()).Msg("proxy request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	removeHopHeaders(resp.Header)
	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("copy response body")
	}
}

func joinPath(base, p string) string {
	switch {
	case base == "" || base == "/":
		return p
	case strings.HasSuffix(base, "/") && strings.HasPrefix(p, "/"):
		return base + p[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(p, "/"):
		return base + "/" + p
	}
	return base + p
}
