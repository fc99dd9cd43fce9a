// Package transport is the message-oriented link between hops: one
// websocket per tunnel, with text frames for envelopes and binary frames
// for raw stream bytes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/spectrelink/internal/protocol"
)

// Close codes used between hops.
const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseProtocol  = websocket.CloseProtocolError
	CloseInternal  = websocket.CloseInternalServerErr
)

// ConnectErrorHeader carries the short connect-failure reason on a rejected
// upgrade.
const ConnectErrorHeader = "X-Connect-Error"

const maxMessageSize = 1 << 20

// ErrClosed is returned by sends on a closed Conn.
var ErrClosed = errors.New("transport: connection closed")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// dialer has no HandshakeTimeout; callers bound the upgrade through ctx.
var dialer = &websocket.Dialer{Proxy: http.ProxyFromEnvironment}

// HandshakeError is a refused upgrade: the peer answered with a plain HTTP
// status instead of switching protocols.
type HandshakeError struct {
	StatusCode int
	Reason     string // short machine-readable reason, may be empty
	Detail     string // response body
}

func (e *HandshakeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("transport: upgrade rejected with %d: %s", e.StatusCode, e.Detail)
	}
	return fmt.Sprintf("transport: upgrade rejected with %d", e.StatusCode)
}

// Conn wraps a websocket with a single-writer send queue. Reads must come
// from one goroutine at a time; sends and Close are safe from any.
type Conn struct {
	ws     *websocket.Conn
	sender *sender

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{ws: ws, ctx: ctx, cancel: cancel}
	c.sender = newSender(ctx, ws, func(error) {
		c.cancel()
		c.Terminate()
	})
	return c
}

// Dial opens a websocket to url.
func Dial(ctx context.Context, url string) (*Conn, error) {
	ws, resp, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, handshakeError(resp)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", redact(url), err)
	}
	return newConn(ws), nil
}

func handshakeError(resp *http.Response) *HandshakeError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &HandshakeError{
		StatusCode: resp.StatusCode,
		Reason:     resp.Header.Get(ConnectErrorHeader),
		Detail:     strings.TrimSpace(string(body)),
	}
}

// redact drops the query string, which carries the target.
func redact(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

// Accept upgrades an inbound HTTP request. On failure the upgrader has
// already written an HTTP error response.
func Accept(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws), nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Done is closed once the Conn is closed, terminated or a write failed.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Close flushes queued frames, sends a close frame with code and reason,
// then closes the socket. The wait for the flush is bounded by the write
// deadline. Only the first Close or Terminate has any effect.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		f := outFrame{kind: websocket.CloseMessage, code: code, reason: reason, flushed: make(chan struct{})}
		timer := time.NewTimer(writeWait)
		defer timer.Stop()

		select {
		case c.sender.inbox <- f:
			select {
			case <-f.flushed:
			case <-c.ctx.Done():
			case <-timer.C:
			}
		case <-c.ctx.Done():
		case <-timer.C:
		}

		c.cancel()
		err = c.ws.Close()
	})
	return err
}

// Terminate drops the connection without a close frame.
func (c *Conn) Terminate() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.ws.Close()
	})
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// SendEnvelope queues env as a text frame.
func (c *Conn) SendEnvelope(env protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return c.sender.send(c.ctx, outFrame{kind: websocket.TextMessage, data: frame})
}

// SendBinary queues p as a binary frame. p must not be modified afterwards.
func (c *Conn) SendBinary(p []byte) error {
	return c.sender.send(c.ctx, outFrame{kind: websocket.BinaryMessage, data: p})
}

// ---------------------------------------------------------------------------
// Receive
// ---------------------------------------------------------------------------

// ReadEnvelope blocks for the next text frame and decodes it. A binary
// frame on an envelope link is a protocol violation.
func (c *Conn) ReadEnvelope() (protocol.Envelope, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.TextMessage {
		return nil, fmt.Errorf("%w: unexpected binary frame", protocol.ErrMalformed)
	}
	return protocol.Decode(data)
}

// ReadBinary blocks for the next binary frame.
func (c *Conn) ReadBinary() ([]byte, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, fmt.Errorf("transport: unexpected text frame on a raw link")
	}
	return data, nil
}

// ---------------------------------------------------------------------------
// Close status helpers
// ---------------------------------------------------------------------------

// CloseStatus extracts the peer's close code and reason from a read error.
// ok is false when the connection ended without a close frame.
func CloseStatus(err error) (code int, reason string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

// IsNormalClose reports whether err is an orderly close by the peer.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// ForwardableCode maps a received close code to one that may be sent on.
// Reserved codes (no status, abnormal closure, TLS) cannot appear in a close
// frame and become CloseInternal.
func ForwardableCode(code int) int {
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake, 0:
		return CloseInternal
	}
	return code
}
