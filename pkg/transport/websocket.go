// Package transport carries the framed protocol over WebSocket.
//
// A WSConn presents a gorilla *websocket.Conn as a net.Conn. Reads are served
// by a persistent reader goroutine, so an expired read deadline never reaches
// gorilla's reader (a timed-out gorilla read leaves the connection unusable,
// which would turn an idle timeout into a disconnect).
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Path is the HTTP path the server upgrades on.
const Path = "/ws"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Terminal clients send no Origin
	},
}

type wsMessage struct {
	data []byte
	err  error
}

// WSConn adapts a WebSocket connection to net.Conn. Every Write is sent as one
// binary message; Read returns message bytes as a continuous stream.
type WSConn struct {
	ws *websocket.Conn

	incoming chan wsMessage
	done     chan struct{}

	// Read side, touched only by the reading goroutine.
	pending []byte
	readErr error

	deadlineMu   sync.Mutex
	readDeadline time.Time

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSConn wraps ws and starts its reader goroutine.
func NewWSConn(ws *websocket.Conn) *WSConn {
	c := &WSConn{
		ws:       ws,
		incoming: make(chan wsMessage, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WSConn) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		msg := wsMessage{data: data, err: err}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *WSConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		if c.readErr != nil {
			return 0, c.readErr
		}

		c.deadlineMu.Lock()
		deadline := c.readDeadline
		c.deadlineMu.Unlock()

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if !deadline.IsZero() {
			wait := time.Until(deadline)
			if wait <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(wait)
			expired = timer.C
		}

		var msg wsMessage
		select {
		case msg = <-c.incoming:
		case <-expired:
			return 0, os.ErrDeadlineExceeded
		case <-c.done:
			return 0, net.ErrClosed
		}
		if timer != nil {
			timer.Stop()
		}
		if msg.err != nil {
			c.readErr = normalizeCloseError(msg.err)
			continue
		}
		c.pending = msg.data
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// normalizeCloseError maps an orderly WebSocket close onto io.EOF so callers
// treat it like a TCP FIN.
func normalizeCloseError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}

func (c *WSConn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close message (best effort) and closes the socket.
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline is honoured by Read only; the underlying socket never sees it.
func (c *WSConn) SetReadDeadline(t time.Time) error {
	c.deadlineMu.Lock()
	c.readDeadline = t
	c.deadlineMu.Unlock()
	return nil
}

func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

// Upgrade switches an HTTP request to WebSocket and returns it as a net.Conn.
func Upgrade(w http.ResponseWriter, r *http.Request) (net.Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return NewWSConn(ws), nil
}

// Dial connects to ws://host:port/ws.
func Dial(ctx context.Context, host string, port int) (net.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	url := fmt.Sprintf("ws://%s%s", net.JoinHostPort(host, fmt.Sprint(port)), Path)
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return NewWSConn(ws), nil
}
