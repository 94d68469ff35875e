// Package sio is a minimal Socket.IO v5 client over websocket transport.
//
// Only the root namespace and server-to-client events without acks are
// supported, which is all the chat server uses.
package sio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	chaterrors "github.com/edustream/classchat/errors"
	"github.com/edustream/classchat/logger"
)

// Disconnect reasons, named after the Socket.IO client's.
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

const writeTimeout = 10 * time.Second

// Handler receives transport callbacks on the client's goroutine.
type Handler interface {
	OnConnect()
	OnDisconnect(reason string)
	// OnConnectError reports a failed attempt. final is true when the client
	// has stopped trying.
	OnConnectError(err error, final bool)
	OnEvent(name string, payload []byte)
}

// Config is the connection and reconnection policy.
type Config struct {
	URL                  string
	Path                 string
	Reconnection         bool
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	Timeout              time.Duration
	Header               http.Header
	Dialer               *websocket.Dialer
	Clock                clockwork.Clock
}

// DefaultConfig mirrors the Socket.IO client defaults used by the chat app.
func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		Path:                 DefaultPath,
		Reconnection:         true,
		ReconnectionAttempts: 5,
		ReconnectionDelay:    1 * time.Second,
		Timeout:              20 * time.Second,
	}
}

// ConnectError is a server rejection of the connect packet. It is never
// retried.
type ConnectError struct {
	Message string
}

func (e *ConnectError) Error() string {
	if e.Message == "" {
		return "sio: connection rejected"
	}

	return "sio: connection rejected: " + e.Message
}

// Client is one logical Socket.IO connection with built-in reconnection.
type Client struct {
	config  Config
	url     string
	token   string
	handler Handler
	log     logger.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	started   bool
	connected bool
	closed    bool

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// New validates config and prepares a client. Nothing is dialed until
// Connect.
func New(config Config, token string, handler Handler, log logger.Logger) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("sio: handler is required")
	}

	url, err := BuildURL(config.URL, config.Path)
	if err != nil {
		return nil, err
	}

	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}

	if config.ReconnectionAttempts < 0 {
		config.ReconnectionAttempts = 0
	}

	if config.Clock == nil {
		config.Clock = clockwork.NewRealClock()
	}

	if config.Dialer == nil {
		d := *websocket.DefaultDialer
		d.HandshakeTimeout = config.Timeout
		config.Dialer = &d
	}

	if log == nil {
		log = logger.NewNoopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		config:  config,
		url:     url,
		token:   token,
		handler: handler,
		log:     log.Named("sio"),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// URL returns the websocket endpoint.
func (c *Client) URL() string {
	return c.url
}

// Connect starts the connection loop in the background. Calling it more than
// once, or after Close, does nothing.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()

		return
	}

	c.started = true
	c.mu.Unlock()

	go c.run()
}

// Connected reports whether the handshake has completed on a live socket.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connected && !c.closed
}

// Emit sends an event with a single JSON argument.
func (c *Client) Emit(event string, payload any) error {
	frame, err := encodeEvent(event, payload)
	if err != nil {
		return fmt.Errorf("sio: encode %s: %w", event, err)
	}

	c.mu.Lock()
	conn := c.conn
	ok := c.connected && !c.closed
	c.mu.Unlock()

	if !ok {
		return chaterrors.ErrNotConnected(event)
	}

	if err := c.write(conn, frame); err != nil {
		return chaterrors.ErrConnectionFailed("write "+event, err)
	}

	return nil
}

// Close tears the connection down and stops reconnection. No callback is
// started after Close returns.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	c.cancel()

	if conn == nil {
		return nil
	}

	if wasConnected {
		_ = c.write(conn, []byte{engineMessage, sioDisconnect})
	}

	return conn.Close()
}

func (c *Client) run() {
	attempt := 0

	for {
		conn, open, err := c.dial()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}

			var rejected *ConnectError

			final := errors.As(err, &rejected) || !c.config.Reconnection || attempt >= c.config.ReconnectionAttempts

			c.log.Warn("connect attempt failed",
				logger.Int("attempt", attempt+1),
				logger.Bool("final", final),
				logger.Error(err),
			)

			if c.live() {
				c.handler.OnConnectError(err, final)
			}

			if final {
				return
			}

			attempt++

			if !c.sleep(c.config.ReconnectionDelay) {
				return
			}

			continue
		}

		attempt = 0

		if !c.markConnected(conn) {
			_ = conn.Close()

			return
		}

		c.log.Info("connected", logger.String("sid", open.SID))
		c.handler.OnConnect()

		reason := c.readLoop(conn, open)
		c.markDisconnected(conn)

		if c.ctx.Err() != nil {
			return
		}

		c.log.Info("disconnected", logger.String("reason", reason))
		c.handler.OnDisconnect(reason)

		if reason == ReasonServerDisconnect || !c.config.Reconnection {
			return
		}

		if !c.sleep(c.config.ReconnectionDelay) {
			return
		}
	}
}

func (c *Client) dial() (*websocket.Conn, openPayload, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.config.Timeout)
	defer cancel()

	conn, resp, err := c.config.Dialer.DialContext(ctx, c.url, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return nil, openPayload{}, fmt.Errorf("sio: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()

		return nil, openPayload{}, context.Canceled
	}

	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.config.Timeout))

	open, err := c.handshake(conn)
	if err != nil {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		_ = conn.Close()

		return nil, openPayload{}, err
	}

	return conn, open, nil
}

func (c *Client) handshake(conn *websocket.Conn) (openPayload, error) {
	var open openPayload

	p, err := c.readPacket(conn)
	if err != nil {
		return open, err
	}

	if p.engine != engineOpen {
		return open, fmt.Errorf("sio: expected open packet, got %q", p.engine)
	}

	if err := json.Unmarshal(p.data, &open); err != nil {
		return open, fmt.Errorf("sio: decode open packet: %w", err)
	}

	frame, err := encodeConnect(map[string]string{"token": c.token})
	if err != nil {
		return open, err
	}

	if err := c.write(conn, frame); err != nil {
		return open, fmt.Errorf("sio: send connect: %w", err)
	}

	for {
		p, err := c.readPacket(conn)
		if err != nil {
			return open, err
		}

		switch p.engine {
		case enginePing:
			if err := c.write(conn, []byte{enginePong}); err != nil {
				return open, fmt.Errorf("sio: pong: %w", err)
			}
		case engineClose:
			return open, fmt.Errorf("sio: closed during handshake")
		case engineMessage:
			switch p.sio {
			case sioConnect:
				return open, nil
			case sioConnectError:
				var payload connectErrorPayload
				_ = json.Unmarshal(p.data, &payload)

				return open, &ConnectError{Message: payload.Message}
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, open openPayload) string {
	heartbeat := open.heartbeat()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(heartbeat))

		_, frame, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return ReasonPingTimeout
			}

			return ReasonTransportClose
		}

		p, err := parsePacket(frame)
		if err != nil {
			c.log.Debug("dropping frame", logger.Error(err))

			continue
		}

		switch p.engine {
		case enginePing:
			if err := c.write(conn, []byte{enginePong}); err != nil {
				return ReasonTransportError
			}
		case engineClose:
			return ReasonTransportClose
		case engineMessage:
			switch p.sio {
			case sioEvent:
				name, payload, err := decodeEvent(p.data)
				if err != nil {
					c.log.Debug("dropping event", logger.Error(err))

					continue
				}

				if !c.live() {
					return ReasonTransportClose
				}

				c.handler.OnEvent(name, payload)
			case sioDisconnect:
				return ReasonServerDisconnect
			}
		}
	}
}

func (c *Client) readPacket(conn *websocket.Conn) (packet, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return packet{}, fmt.Errorf("sio: read: %w", err)
	}

	return parsePacket(frame)
}

func (c *Client) write(conn *websocket.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) markConnected(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn != conn {
		return false
	}

	c.connected = true

	return true
}

func (c *Client) markDisconnected(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.connected = false
	}
	c.mu.Unlock()

	_ = conn.Close()
}

func (c *Client) live() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed
}

func (c *Client) sleep(d time.Duration) bool {
	if d <= 0 {
		return c.ctx.Err() == nil
	}

	select {
	case <-c.config.Clock.After(d):
		return true
	case <-c.ctx.Done():
		return false
	}
}
