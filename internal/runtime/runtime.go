package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/language"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
)

const prunerInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	echo        *echo.Echo
	metrics     *http.Server
	backend     llm.Backend
	tracker     *gateway.Tracker
	registry    *capability.Registry
	store       *eventstore.Store
	bus         *bus.Client
	nats        *natsserver.EmbeddedServer
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		tracker: gateway.NewTracker(),
	}
}

// Start boots every component, serves until ctx is done, then shuts down
// live sessions before releasing resources.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.setup(ctx, metricsHandler); err != nil {
		r.release(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.echo.Server.ReadHeaderTimeout = 5 * time.Second

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
			cancel()
		}
	}()

	if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metrics = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Warn("metrics listener failed", slogError(err))
			}
		}()
	}

	if r.store != nil {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.store.RunPruner(ctx, prunerInterval)
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("backend", r.backend.Name()),
		slog.String("model", r.backend.Model()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.echo.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slogError(err))
	}
	if r.metrics != nil {
		_ = r.metrics.Shutdown(shutdownCtx)
	}
	if n := r.tracker.CancelAll(); n > 0 {
		r.logger.Info("closing live sessions", slog.Int("count", n))
	}
	if !r.tracker.Wait(shutdownCtx) {
		r.logger.Warn("sessions still open at shutdown deadline", slog.Int("count", r.tracker.Count()))
	}
	r.wg.Wait()
	r.release(shutdownCtx)
	return nil
}

// setup creates the backend and supporting services and builds the router.
func (r *Runtime) setup(ctx context.Context, metricsHandler http.Handler) error {
	backend, err := llm.New(ctx, r.cfg.Backend)
	if err != nil {
		return fmt.Errorf("create backend: %w", err)
	}
	r.backend = backend

	store, err := eventstore.Open(ctx, r.cfg.EventStore, backend.Name(), r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	if r.cfg.Bus.Enabled {
		if r.nats, err = natsserver.Start(r.cfg.Bus, r.logger); err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		busCfg := r.cfg.Bus
		if r.nats != nil {
			busCfg.Servers = []string{r.nats.ClientURL()}
		}
		if r.bus, err = bus.Connect(ctx, busCfg, r.logger); err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
	}

	local := capability.Local(r.cfg, backend.Name(), backend.Model())
	if r.registry, err = capability.NewRegistry(ctx, r.cfg.Node, local, r.tracker.Count, r.bus, r.logger); err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}

	opts := gateway.OptionsFromConfig(r.cfg)
	opts.Backend = backend
	opts.Tracker = r.tracker
	opts.Logger = r.logger
	opts.Observers = []gateway.Observer{store}
	if r.bus != nil {
		opts.Observers = append(opts.Observers, r.bus)
	}
	if opts.Metrics, err = gateway.NewMetrics(); err != nil {
		r.logger.Warn("failed to initialize gateway metrics", slogError(err))
	}

	r.echo = r.router(gateway.NewHandler(opts), metricsHandler)
	return nil
}

func (r *Runtime) release(ctx context.Context) {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	}
}

func (r *Runtime) router(ws http.Handler, metricsHandler http.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: r.cfg.HTTP.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			return websocketUpgrade(c.Request())
		},
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slogError(v.Error))
			}
			r.logger.Debug("http request", attrs...)
			return nil
		},
	}))

	e.GET("/health", r.handleHealth)
	e.GET("/readyz", r.handleReady)
	e.GET("/capabilities", r.handleCapabilities)
	if metricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(metricsHandler))
	}
	e.GET("/ws", echo.WrapHandler(ws))
	e.GET("/", func(c echo.Context) error {
		if !websocketUpgrade(c.Request()) {
			return c.String(http.StatusOK, r.cfg.RuntimeName)
		}
		ws.ServeHTTP(c.Response(), c.Request())
		return nil
	})
	return e
}

func websocketUpgrade(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

func (r *Runtime) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (r *Runtime) handleReady(c echo.Context) error {
	if !r.ready.Load() {
		return c.String(http.StatusServiceUnavailable, "not ready")
	}
	if !r.registry.Healthy() {
		return c.String(http.StatusServiceUnavailable, "bus disconnected")
	}
	return c.String(http.StatusOK, "ready")
}

type capabilitiesResponse struct {
	Languages       []string `json:"languages"`
	Detection       string   `json:"detection"`
	DefaultLanguage string   `json:"default_language"`
	Backend         string   `json:"backend"`
	Model           string   `json:"model"`
	Sessions        int      `json:"active_sessions"`
	// Peers lists other healthy gateways seen on the bus.
	Peers []capability.Node `json:"peers"`
}

func (r *Runtime) handleCapabilities(c echo.Context) error {
	resp := capabilitiesResponse{
		Detection:       language.DetectionMode,
		DefaultLanguage: string(language.Default),
		Sessions:        r.tracker.Count(),
		Peers:           r.registry.Peers(capability.VoiceSession),
	}
	if resp.Peers == nil {
		resp.Peers = []capability.Node{}
	}
	if voice, ok := r.registry.Find(capability.VoiceSession); ok {
		resp.Languages = strings.Split(voice.Attributes["languages"], ",")
		resp.Detection = voice.Attributes["detection"]
		resp.DefaultLanguage = voice.Attributes["default_language"]
	}
	if chat, ok := r.registry.Find(capability.LLMChat); ok {
		resp.Backend = chat.Attributes["backend"]
		resp.Model = chat.Tier
	}
	return c.JSON(http.StatusOK, resp)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
