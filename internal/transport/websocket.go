package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/garden-co/cojson/internal/wire"
)

const (
	// DefaultPingInterval is how often a ping is sent.
	DefaultPingInterval = 10 * time.Second
	// DefaultPongWait is how long the peer may stay silent before the
	// connection counts as dead. It must exceed the ping interval.
	DefaultPongWait = 25 * time.Second

	writeWait = 10 * time.Second
)

// WebSocketConfig configures a WebSocket connection.
type WebSocketConfig struct {
	Codec        wire.Codec
	PingInterval time.Duration
	PongWait     time.Duration
	Logger       *slog.Logger
}

func (cfg WebSocketConfig) withDefaults() WebSocketConfig {
	if cfg.Codec == nil {
		cfg.Codec = wire.JSONCodec{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = cfg.PingInterval * 5 / 2
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return cfg
}

// WebSocketConn is a peer connection over a WebSocket.
//
// Any frame from the peer, pongs included, extends the read deadline by
// PongWait, so a silent peer makes Receive fail and the peer is dropped.
type WebSocketConn struct {
	ws     *websocket.Conn
	cfg    WebSocketConfig
	binary bool

	writeMu sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	done    <-chan struct{}
	once    sync.Once
}

// NewWebSocketConn wraps an established WebSocket and starts pinging.
func NewWebSocketConn(ws *websocket.Conn, cfg WebSocketConfig) *WebSocketConn {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &WebSocketConn{
		ws:     ws,
		cfg:    cfg,
		binary: cfg.Codec.Name() != "json",
		cancel: cancel,
		group:  g,
		done:   gctx.Done(),
	}

	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	g.Go(func() error { return c.pingLoop(gctx) })
	return c
}

// Dial connects to a sync endpoint.
func Dial(ctx context.Context, url string, cfg WebSocketConfig) (*WebSocketConn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return NewWebSocketConn(ws, cfg), nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// Upgrade accepts a WebSocket on an HTTP request.
func Upgrade(w http.ResponseWriter, r *http.Request, cfg WebSocketConfig) (*WebSocketConn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return NewWebSocketConn(ws, cfg), nil
}

func (c *WebSocketConn) pingLoop(ctx context.Context) error {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.cfg.Logger.Debug("ping failed", "remote", c.ws.RemoteAddr(), "error", err)
				// Unblock the reader; the peer is gone.
				_ = c.ws.Close()
				return err
			}
		}
	}
}

// Send encodes msg and writes it as one frame.
func (c *WebSocketConn) Send(ctx context.Context, msg wire.Message) error {
	frame, err := c.cfg.Codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	kind := websocket.TextMessage
	if c.binary {
		kind = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(kind, frame); err != nil {
		return c.wrap("websocket send", err)
	}
	return nil
}

// Receive reads and decodes the next message. Cancelling ctx closes the
// connection.
func (c *WebSocketConn) Receive(ctx context.Context) (wire.Message, error) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, c.wrap("websocket receive", err)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	msg, err := c.cfg.Codec.Decode(frame)
	if err != nil {
		return nil, fmt.Errorf("websocket receive: %w", err)
	}
	return msg, nil
}

func (c *WebSocketConn) wrap(op string, err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s: %w", op, ErrClosed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close sends a close frame and tears the connection down.
func (c *WebSocketConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
		_ = c.group.Wait()
	})
	return err
}

// Done is closed once the connection is closed or stops answering pings.
func (c *WebSocketConn) Done() <-chan struct{} { return c.done }

// RemoteAddr returns the peer's network address.
func (c *WebSocketConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
