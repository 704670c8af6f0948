// Package gateway serves the voice protocol over WebSocket. Each connection
// owns one conversation.Session.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/conversation"
	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/llm"
)

type Options struct {
	Backend         llm.Backend
	Session         conversation.Config
	MaxMessageBytes int64
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	TurnsPerMinute  int
	TurnBurst       int
	AllowedOrigins  []string
	Observers       []Observer
	Tracker         *Tracker
	Metrics         *Metrics
	Logger          *slog.Logger
}

// OptionsFromConfig fills the connection limits and session settings from
// cfg. Backend, observers, tracker and metrics are left to the caller.
func OptionsFromConfig(cfg config.Config) Options {
	defaultLang, ok := language.Parse(cfg.Session.DefaultLanguage)
	if !ok {
		defaultLang = language.Default
	}
	return Options{
		Session: conversation.Config{
			Options:         llm.OptionsFromConfig(cfg.Backend),
			DefaultLanguage: defaultLang,
			Timeout:         time.Duration(cfg.Backend.TimeoutMS) * time.Millisecond,
		},
		MaxMessageBytes: cfg.Session.MaxMessageBytes,
		PingInterval:    time.Duration(cfg.Session.PingIntervalMS) * time.Millisecond,
		WriteTimeout:    time.Duration(cfg.Session.WriteTimeoutMS) * time.Millisecond,
		TurnsPerMinute:  cfg.Session.MaxTurnsPerMinute,
		TurnBurst:       cfg.Session.TurnBurst,
		AllowedOrigins:  cfg.HTTP.AllowedOrigins,
	}
}

type Handler struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		opts:   opts,
		logger: logger.With(slog.String("component", "gateway")),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.originAllowed}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slogError(err))
		return
	}
	defer ws.Close()

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unregister := h.opts.Tracker.Register(id, cancel)
	defer unregister()

	conn := newConnection(ctx, cancel, id, ws, h)
	conn.serve()
}

// originAllowed mirrors the browser CORS policy for the upgrade request.
// Non-browser clients send no Origin and are always allowed.
func (h *Handler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	h.logger.Warn("rejected websocket origin", slog.String("origin", origin))
	return false
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
