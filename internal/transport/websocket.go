package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultReadLimit  = 4 << 20
	defaultKeepalive  = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
	messageBufferSize = 64
)

// WebSocketDialer dials voice endpoints with coder/websocket.
type WebSocketDialer struct {
	// Header is sent with the upgrade request.
	Header http.Header

	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client

	// ReadLimit caps a single inbound message. Default: 4 MiB.
	ReadLimit int64

	// Keepalive is the ping interval. Default: 20s; negative disables pings.
	Keepalive time.Duration
}

var _ Dialer = (*WebSocketDialer)(nil)

// Dial implements [Dialer]. ctx only bounds the handshake; the connection
// lives until Close or until the peer goes away.
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: dial: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	keepalive := d.Keepalive
	if keepalive == 0 {
		keepalive = defaultKeepalive
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		ws:     ws,
		msgs:   make(chan Message, messageBufferSize),
		ctx:    connCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	if keepalive > 0 {
		go c.keepaliveLoop(keepalive)
	}
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	msgs chan Message

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ Conn = (*wsConn)(nil)

func (c *wsConn) Messages() <-chan Message { return c.msgs }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *wsConn) WriteBinary(ctx context.Context, data []byte) error {
	return c.write(ctx, websocket.MessageBinary, data)
}

func (c *wsConn) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: marshal: %w", err)
	}
	return c.write(ctx, websocket.MessageText, data)
}

func (c *wsConn) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	if err := c.ws.Write(ctx, typ, data); err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close ends the connection. Idempotent.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.ws.Close(websocket.StatusNormalClosure, "session closed")
}

// receiveLoop owns msgs and closes it on exit.
func (c *wsConn) receiveLoop() {
	defer close(c.msgs)
	defer c.cancel()

	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.setErr(err)
			return
		}
		kind := Binary
		if typ == websocket.MessageText {
			kind = Text
		}
		select {
		case c.msgs <- Message{Kind: kind, Data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *wsConn) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.errVal != nil {
		return
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		c.errVal = &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		return
	}
	c.errVal = err
}

func (c *wsConn) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			if err := c.ws.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
				slog.Debug("transport: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}
