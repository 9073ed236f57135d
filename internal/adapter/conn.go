package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// DialOptions holds tunable parameters for Dial.
type DialOptions struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// Conn is a WebSocket connection as seen by a Protocol. All write methods
// are safe for concurrent use.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	wmu sync.Mutex

	expected atomic.Pointer[[]byte]
	lastAck  atomic.Int64 // unix nanos
}

// Dial establishes the WebSocket connection with TCP_NODELAY enabled.
func Dial(ctx context.Context, url string, opts DialOptions) (*Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: opts.HandshakeTimeout,
		ReadBufferSize:   opts.ReadBufferSize,
		WriteBufferSize:  opts.WriteBufferSize,
		Proxy:            http.ProxyFromEnvironment,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	ws, _, err := dialer.DialContext(ctx, url, opts.Headers)
	if err != nil {
		return nil, err
	}
	return newConn(ws, opts.WriteTimeout), nil
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	c := &Conn{ws: ws, writeTimeout: writeTimeout}
	ws.SetPongHandler(func(appData string) error {
		if want := c.expected.Load(); want != nil && bytes.Equal(*want, []byte(appData)) {
			c.Ack()
		}
		return nil
	})
	return c
}

// WriteJSON sends v as a text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// WritePing sends a transport-level ping frame carrying payload.
func (c *Conn) WritePing(payload []byte) error {
	return c.ws.WriteControl(websocket.PingMessage, payload, time.Now().Add(c.writeTimeout))
}

// ExpectPong makes pong frames carrying exactly payload count as
// acknowledgments. Pongs with any other payload are ignored.
func (c *Conn) ExpectPong(payload []byte) {
	p := append([]byte(nil), payload...)
	c.expected.Store(&p)
}

// Ack records a liveness acknowledgment now.
func (c *Conn) Ack() {
	c.lastAck.Store(time.Now().UnixNano())
}

// LastAck returns the time of the most recent acknowledgment.
func (c *Conn) LastAck() time.Time {
	return time.Unix(0, c.lastAck.Load())
}

// ReadMessage blocks until the next data frame. Control frames are handled
// inside the call.
func (c *Conn) ReadMessage() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

// Close closes the connection without a close handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}
