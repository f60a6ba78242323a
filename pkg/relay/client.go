package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Default reconnection parameters.
const (
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Handler receives channel events. Methods are called from the client's Run
// goroutine, one at a time, in arrival order.
type Handler interface {
	// OnOpen is called once a channel is established.
	OnOpen()

	// OnClose is called when an open channel ends. err is nil when ctx was
	// cancelled and wraps [ErrRejected] when the server refused the session.
	OnClose(err error)

	// OnReply delivers a response.text frame.
	OnReply(text string)

	// OnError delivers an error frame.
	OnError(message string)

	// OnProtocolError reports a frame that could not be decoded.
	OnProtocolError(err error)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBackoff sets the initial and maximum wait between reconnection
// attempts. The wait doubles after every failed attempt.
func WithBackoff(initial, maxWait time.Duration) ClientOption {
	return func(c *Client) {
		if initial > 0 {
			c.backoff = initial
		}
		if maxWait > 0 {
			c.maxBackoff = maxWait
		}
	}
}

// WithMaxRetries bounds consecutive failed connection attempts. Zero retries
// forever.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithDialOptions passes options to websocket.Dial, for example extra
// headers.
func WithDialOptions(opts *websocket.DialOptions) ClientOption {
	return func(c *Client) { c.dialOpts = opts }
}

// Client keeps a WebSocket channel to a relay server open and reconnects it
// when it drops. It is safe for concurrent use.
type Client struct {
	url        string
	handler    Handler
	backoff    time.Duration
	maxBackoff time.Duration
	maxRetries int
	dialOpts   *websocket.DialOptions

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient returns a Client for the ws:// or wss:// url. Events go to h.
func NewClient(url string, h Handler, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		handler:    h,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run connects and serves the channel until ctx is cancelled, the server
// rejects the session, or the retry budget is spent. It returns nil on
// cancellation.
func (c *Client) Run(ctx context.Context) error {
	wait := c.backoff
	failures := 0
	for {
		connected, err := c.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrRejected) {
			return err
		}
		if connected {
			failures = 0
			wait = c.backoff
		}
		failures++
		if c.maxRetries > 0 && failures > c.maxRetries {
			return fmt.Errorf("relay: giving up after %d attempts: %w", failures, err)
		}

		slog.Info("relay: reconnecting",
			"url", c.url,
			"attempt", failures,
			"backoff", wait,
			"err", err,
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, c.maxBackoff)
	}
}

// Connected reports whether a channel is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes a response.create frame for text. It returns [ErrNotConnected]
// when no channel is open.
func (c *Client) Send(ctx context.Context, text string) error {
	return c.write(ctx, EncodeResponseCreate(text, time.Now()))
}

func (c *Client) write(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("relay: send: %w", err)
	}
	return nil
}

// serve runs one connection. connected reports whether the dial succeeded.
func (c *Client) serve(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, c.url, c.dialOpts)
	if err != nil {
		return false, fmt.Errorf("relay: dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("relay: connected", "url", c.url)
	c.handler.OnOpen()

	err = c.readLoop(ctx, conn)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	if ctx.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
	} else {
		conn.CloseNow()
	}
	c.handler.OnClose(err)
	return true, err
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return classifyReadErr(ctx, err)
		}
		if typ != websocket.MessageText {
			c.handler.OnProtocolError(fmt.Errorf("%w: binary frame", ErrMalformed))
			continue
		}
		msg, err := Decode(data)
		if err != nil {
			c.handler.OnProtocolError(err)
			continue
		}
		switch msg.Type {
		case TypeResponseText:
			c.handler.OnReply(msg.Text)
		case TypeError:
			c.handler.OnError(msg.ErrorMessage)
		default:
			slog.Debug("relay: ignoring message", "type", msg.Type)
		}
	}
}

func classifyReadErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation {
		return fmt.Errorf("%w: %s", ErrRejected, ce.Reason)
	}
	return fmt.Errorf("relay: read: %w", err)
}
