// Package client keeps a WebSocket channel to the voice gateway open and
// hands decoded server messages to a Handler.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// ErrNotConnected is returned by Send while the channel is down.
var ErrNotConnected = errors.New("not connected")

// Handler receives channel lifecycle and message callbacks. Calls come from
// the client goroutine and must not block for long.
type Handler interface {
	OnConnect()
	OnDisconnect()
	OnMessage(msg protocol.Message)
}

type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
	Logger           *slog.Logger
}

func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		URL:              cfg.ServerURL,
		HandshakeTimeout: time.Duration(cfg.HandshakeTimeout) * time.Millisecond,
		ReconnectMax:     time.Duration(cfg.ReconnectMaxMS) * time.Millisecond,
	}
}

type Client struct {
	opts    Options
	handler Handler
	logger  *slog.Logger
	dialer  websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

func New(opts Options, handler Handler) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.ReconnectMin <= 0 {
		opts.ReconnectMin = 250 * time.Millisecond
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		opts:    opts,
		handler: handler,
		logger:  logger.With(slog.String("component", "client"), slog.String("url", opts.URL)),
		dialer:  websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout},
	}
}

// Run connects, reads until the channel drops, and reconnects with
// exponential backoff until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if _, err := url.Parse(c.opts.URL); err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.ReconnectMin
	policy.MaxInterval = c.opts.ReconnectMax

	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(policy),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Warn("connect failed", slogError(err), slog.Duration("retry_in", next))
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		c.setConn(conn)
		c.logger.Info("connected")
		c.handler.OnConnect()

		err = c.readLoop(ctx, conn)
		c.setConn(nil)
		_ = conn.Close()
		c.handler.OnDisconnect()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost", slogError(err))
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", c.opts.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("undecodable server frame", slogError(err))
			continue
		}
		c.handler.OnMessage(msg)
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

// Connected reports whether the channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one message. Writes are serialized.
func (c *Client) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
