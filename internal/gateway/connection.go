package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/loqalabs/loqa-voice/internal/conversation"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

const outboundQueue = 32

type connection struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	ws      *websocket.Conn
	h       *Handler
	session *conversation.Session
	limiter *rate.Limiter
	frames  chan []byte
	logger  *slog.Logger
	turns   sync.WaitGroup

	// started is only touched by the reader goroutine.
	started bool
}

func newConnection(ctx context.Context, cancel context.CancelFunc, id string, ws *websocket.Conn, h *Handler) *connection {
	logger := h.logger.With(slog.String("session_id", id))
	c := &connection{
		id:      id,
		ctx:     ctx,
		cancel:  cancel,
		ws:      ws,
		h:       h,
		session: conversation.New(id, h.opts.Backend, h.opts.Session, logger),
		frames:  make(chan []byte, outboundQueue),
		logger:  logger,
	}
	if h.opts.TurnsPerMinute > 0 {
		burst := h.opts.TurnBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(h.opts.TurnsPerMinute)/60), burst)
	}
	return c
}

func (c *connection) serve() {
	c.h.opts.Metrics.connectionOpened(c.ctx)
	defer c.h.opts.Metrics.connectionClosed(context.Background())
	c.logger.Info("client connected")

	writer := &outboundWriter{
		ws:           c.ws,
		frames:       c.frames,
		pingInterval: c.h.opts.PingInterval,
		writeTimeout: c.h.opts.WriteTimeout,
	}
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := writer.run(c.ctx); err != nil {
			c.logger.Debug("websocket write failed", slogError(err))
		}
		c.cancel()
		_ = c.ws.Close()
	}()

	c.readLoop()

	c.cancel()
	c.session.End()
	c.turns.Wait()
	<-writerDone
	if c.started {
		c.observe(protocol.SessionEvent{Kind: protocol.EventSessionEnded, Reason: "disconnected"})
	}
	c.logger.Info("client disconnected")
}

func (c *connection) readLoop() {
	if c.h.opts.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.h.opts.MaxMessageBytes)
	}
	var pongWait time.Duration
	if c.h.opts.PingInterval > 0 {
		pongWait = 2 * c.h.opts.PingInterval
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && c.ctx.Err() == nil {
				c.logger.Debug("websocket read failed", slogError(err))
			}
			return
		}
		if pongWait > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}
		if messageType != websocket.TextMessage {
			c.sendError(protocol.ReasonBadRequest, "binary frames are not supported", "")
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("invalid client frame", slogError(err))
			c.sendError(protocol.ReasonBadRequest, "Invalid message format: "+err.Error(), "")
			continue
		}
		c.dispatch(msg)
	}
}

func (c *connection) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.StartSession:
		c.handleStart(m)
	case protocol.TextInput:
		c.handleText(m)
	case protocol.EndSession:
		c.handleEnd()
	default:
		c.logger.Debug("ignoring message", slog.String("type", msg.MessageType()))
	}
}

func (c *connection) handleStart(m protocol.StartSession) {
	if c.started {
		c.observe(protocol.SessionEvent{Kind: protocol.EventSessionEnded, Reason: "replaced"})
		c.started = false
	}
	started, err := c.session.Start(c.ctx, m.Language)
	if err != nil {
		if errors.Is(err, conversation.ErrSuperseded) {
			return
		}
		c.sendFailure(err, "")
		return
	}
	c.started = true
	c.logger.Info("session started", slog.String("language", string(started.Language)))
	c.observe(protocol.SessionEvent{Kind: protocol.EventSessionStarted, Language: string(started.Language)})
	c.send(protocol.NewSessionStarted(string(started.Language)))
}

func (c *connection) handleText(m protocol.TextInput) {
	if c.limiter != nil && !c.limiter.Allow() {
		c.sendError(protocol.ReasonRateLimited, "Too many messages, please slow down", m.TurnID)
		return
	}
	turn, err := c.session.Begin(m.Text)
	if err != nil {
		c.sendFailure(err, m.TurnID)
		return
	}

	inputChars := len([]rune(m.Text))
	c.turns.Add(1)
	go func() {
		defer c.turns.Done()
		reply, err := turn.Await(c.ctx)
		if err != nil {
			if errors.Is(err, conversation.ErrSuperseded) || c.ctx.Err() != nil {
				c.logger.Debug("discarding reply for ended session", slogError(err))
				return
			}
			c.sendFailure(err, m.TurnID)
			return
		}
		lang := string(reply.Language)
		c.h.opts.Metrics.turnCompleted(c.ctx, lang, reply.Latency)
		c.observe(protocol.SessionEvent{
			Kind:       protocol.EventTurnCompleted,
			Language:   lang,
			LatencyMS:  reply.Latency.Milliseconds(),
			InputChars: inputChars,
			ReplyChars: len([]rune(reply.Text)),
		})
		c.send(protocol.NewTextResponse(reply.Text, lang, reply.AutoDetected, m.TurnID))
	}()
}

func (c *connection) handleEnd() {
	c.session.End()
	if c.started {
		c.observe(protocol.SessionEvent{Kind: protocol.EventSessionEnded, Reason: "client"})
		c.started = false
	}
	c.send(protocol.NewSessionEnded())
}

// sendFailure converts a session error into a protocol error message.
func (c *connection) sendFailure(err error, turnID string) {
	reason, message := protocol.ReasonBackendError, "Failed to process message"
	var convErr *conversation.Error
	if errors.As(err, &convErr) {
		reason, message = convErr.Reason, convErr.Message
	}
	switch reason {
	case protocol.ReasonBackendError, protocol.ReasonTimeout, protocol.ReasonSessionStartFailed:
		c.observe(protocol.SessionEvent{Kind: protocol.EventTurnFailed, Reason: reason})
	}
	c.sendError(reason, message, turnID)
}

func (c *connection) sendError(reason, message, turnID string) {
	c.h.opts.Metrics.errorSent(c.ctx, reason)
	c.send(protocol.NewError(reason, message, turnID))
}

func (c *connection) send(msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Error("failed to encode message", slogError(err))
		return
	}
	select {
	case c.frames <- data:
	case <-c.ctx.Done():
	}
}

func (c *connection) observe(ev protocol.SessionEvent) {
	ev.SessionID = c.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ctx := context.WithoutCancel(c.ctx)
	for _, o := range c.h.opts.Observers {
		o.Observe(ctx, ev)
	}
}
