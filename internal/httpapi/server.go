// Package httpapi is the network surface of the enhancer service: the /ws
// channel endpoint, the settings and history API, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"rafined/internal/channel"
	"rafined/internal/crypto"
	"rafined/internal/model"
	"rafined/internal/storage"
)

// LocalOwner is the owner of every request in single-user mode.
const LocalOwner = "local"

const maxBodyBytes = 64 << 10

type Enhancer interface {
	Serve(ctx context.Context, conn channel.Conn, owner string) error
}

type Store interface {
	GetSettings(ctx context.Context, owner string) (model.Settings, error)
	SaveSettings(ctx context.Context, owner string, patch model.SettingsPatch) (model.Settings, error)
	GetHistory(ctx context.Context, owner string) ([]model.HistoryEntry, error)
	MarkHistoryUsed(ctx context.Context, owner, id string) error
	ClearHistory(ctx context.Context, owner string) error
	Ping(ctx context.Context) error
}

type Config struct {
	Enhancer Enhancer
	Store    Store
	// Tokens maps bearer tokens to owners. Empty means single-user mode.
	Tokens      map[string]string
	HealthPath  string
	MetricsPath string
	// OriginPatterns is passed to the websocket handshake.
	OriginPatterns []string
	Logger         zerolog.Logger
}

type Server struct {
	enhancer Enhancer
	store    Store
	tokens   map[string]string
	origins  []string
	logger   zerolog.Logger
	mux      *http.ServeMux
}

func New(cfg Config) *Server {
	if cfg.HealthPath == "" {
		cfg.HealthPath = "/healthz"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		enhancer: cfg.Enhancer,
		store:    cfg.Store,
		tokens:   cfg.Tokens,
		origins:  cfg.OriginPatterns,
		logger:   cfg.Logger.With().Str("component", "httpapi").Logger(),
		mux:      http.NewServeMux(),
	}

	s.mux.HandleFunc("GET "+cfg.HealthPath, s.health)
	s.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.authed(s.serveWS))
	s.mux.HandleFunc("GET /api/settings", s.authed(s.getSettings))
	s.mux.HandleFunc("PUT /api/settings", s.authed(s.putSettings))
	s.mux.HandleFunc("GET /api/history", s.authed(s.getHistory))
	s.mux.HandleFunc("DELETE /api/history", s.authed(s.clearHistory))
	s.mux.HandleFunc("POST /api/history/{id}/used", s.authed(s.markUsed))
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

type ownerHandler func(w http.ResponseWriter, r *http.Request, owner string)

func (s *Server) authed(next ownerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := s.owner(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or invalid token")
			return
		}
		next(w, r, owner)
	}
}

// owner resolves the bearer token. Browsers cannot set headers on websocket
// handshakes, so /ws also accepts ?token=.
func (s *Server) owner(r *http.Request) (string, bool) {
	if len(s.tokens) == 0 {
		return LocalOwner, true
	}
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if token == "" && r.URL.Path == "/ws" {
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return "", false
	}
	for t, owner := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return owner, true
		}
	}
	return "", false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.logger.Error().Err(err).Msg("health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("storage unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, owner string) {
	conn, err := channel.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket handshake failed")
		return
	}
	s.logger.Debug().Str("owner", owner).Str("remote", r.RemoteAddr).Msg("channel opened")
	if err := s.enhancer.Serve(r.Context(), conn, owner); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("owner", owner).Msg("channel ended with error")
	}
}

// settingsView never carries the API key itself.
type settingsView struct {
	APIKey          string     `json:"apiKey"`
	HasAPIKey       bool       `json:"hasApiKey"`
	Tone            model.Tone `json:"tone"`
	AddOutputFormat bool       `json:"addOutputFormat"`
	KeepConcise     bool       `json:"keepConcise"`
}

func viewOf(st model.Settings) settingsView {
	return settingsView{
		APIKey:          crypto.Mask(st.APIKey),
		HasAPIKey:       st.APIKey != "",
		Tone:            st.Tone,
		AddOutputFormat: st.AddOutputFormat,
		KeepConcise:     st.KeepConcise,
	}
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request, owner string) {
	st, err := s.store.GetSettings(r.Context(), owner)
	if err != nil {
		s.internalError(w, err, "get settings")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request, owner string) {
	var patch model.SettingsPatch
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+err.Error())
		return
	}
	if patch.Tone != nil {
		tone, err := model.ParseTone(string(*patch.Tone))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		patch.Tone = &tone
	}
	st, err := s.store.SaveSettings(r.Context(), owner, patch)
	if err != nil {
		s.internalError(w, err, "save settings")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(st))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request, owner string) {
	entries, err := s.store.GetHistory(r.Context(), owner)
	if err != nil {
		s.internalError(w, err, "get history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

func (s *Server) clearHistory(w http.ResponseWriter, r *http.Request, owner string) {
	if err := s.store.ClearHistory(r.Context(), owner); err != nil {
		s.internalError(w, err, "clear history")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) markUsed(w http.ResponseWriter, r *http.Request, owner string) {
	err := s.store.MarkHistoryUsed(r.Context(), owner, r.PathValue("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "history entry not found")
	case err != nil:
		s.internalError(w, err, "mark history used")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error, op string) {
	s.logger.Error().Err(err).Str("op", op).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
