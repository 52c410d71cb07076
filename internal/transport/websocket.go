// Package transport carries protocol frames over websocket connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/manuscript/backend/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 4 << 20
)

// Options tunes connection keepalive and limits.
type Options struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
}

func (o Options) withDefaults() Options {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	return o
}

// Conn adapts a gorilla websocket connection to protocol.Conn. Reads must come
// from a single goroutine; writes are serialized internally.
type Conn struct {
	ws      *websocket.Conn
	options Options

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps ws and starts its ping loop.
func NewConn(ws *websocket.Conn, options Options) *Conn {
	options = options.withDefaults()
	conn := &Conn{ws: ws, options: options, closed: make(chan struct{})}
	ws.SetReadLimit(options.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(options.PongWait))
	})
	go conn.pingLoop()
	return conn
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(c.options.PongWait * 9 / 10)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.options.WriteWait)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		case <-c.closed:
			return
		}
	}
}

// ReadFrame blocks for the next frame. Cancelling ctx unblocks the read and
// leaves the connection unusable.
func (c *Conn) ReadFrame(ctx context.Context) (protocol.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return protocol.Frame{}, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Frame{}, protocol.ErrConnClosed
		}
		return protocol.Frame{}, err
	}
	if messageType != websocket.TextMessage {
		return protocol.Frame{}, fmt.Errorf("%w: expected text message", protocol.ErrMalformedFrame)
	}
	return protocol.DecodeFrame(data)
}

// WriteFrame writes one frame as a text message.
func (c *Conn) WriteFrame(ctx context.Context, frame protocol.Frame) error {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.closed:
		return protocol.ErrConnClosed
	default:
	}
	deadline := time.Now().Add(c.options.WriteWait)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close message when possible and releases the socket.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

// Upgrader turns HTTP requests into protocol connections.
type Upgrader struct {
	upgrader websocket.Upgrader
	options  Options
}

// NewUpgrader returns an Upgrader accepting the given origins; an empty list
// or "*" accepts any origin.
func NewUpgrader(allowedOrigins []string, options Options) *Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return &Upgrader{
		options: options,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if allowAll || origin == "" {
					return true
				}
				_, ok := allowed[origin]
				return ok
			},
		},
	}
}

// Upgrade completes the websocket handshake.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, u.options), nil
}

// WebSocketDialer connects replicas to a relay over websocket.
type WebSocketDialer struct {
	// BaseURL is the relay root, for example ws://localhost:8080.
	BaseURL          string
	Header           http.Header
	HandshakeTimeout time.Duration
	Options          Options
}

// Dial opens the room socket of documentID.
func (d WebSocketDialer) Dial(ctx context.Context, documentID string) (protocol.Conn, error) {
	if strings.TrimSpace(d.BaseURL) == "" {
		return nil, errors.New("transport: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(d.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url: %w", err)
	}
	switch base.Scheme {
	case "http":
		base.Scheme = "ws"
	case "https":
		base.Scheme = "wss"
	}
	target := base.JoinPath("rooms", documentID, "ws")
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout, Proxy: http.ProxyFromEnvironment}
	ws, response, err := dialer.DialContext(ctx, target.String(), d.Header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", target.Redacted(), err)
	}
	return NewConn(ws, d.Options), nil
}
