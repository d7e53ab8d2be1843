package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/narratek/stagelink/core/entities"
	"github.com/narratek/stagelink/core/packets"
)

// Socket is the minimal surface the connection needs from an underlying
// duplex transport. *websocket.Conn satisfies it directly.
type Socket interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, data []byte, err error)
	Close() error
}

// SocketDialer establishes one socket. The default dialer wraps
// gorilla/websocket; tests substitute in-memory fakes.
type SocketDialer func(ctx context.Context, rawURL string, header http.Header) (Socket, error)

func defaultSocketDialer(ctx context.Context, rawURL string, header http.Header) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection: %w", err)
	}

	return conn, nil
}

// OutgoingItem is one buffered write: the packet is produced lazily and the
// hooks observe the typed packet, not the raw envelope. Exactly one of
// AfterWriting and FailedWriting fires per attempted write.
type OutgoingItem struct {
	GetPacket     func() packets.Packet
	BeforeWriting func(packets.Packet)
	AfterWriting  func(packets.Packet)
	FailedWriting func(error)
}

func (item OutgoingItem) failed(err error) {
	if item.FailedWriting != nil {
		item.FailedWriting(err)
	}
}

type connectionCallbacks struct {
	onReady      func()
	onDisconnect func()
	onError      func(error)
	onMessage    func(packets.Packet)
}

func (c connectionCallbacks) withDefaults() connectionCallbacks {
	if c.onReady == nil {
		c.onReady = func() {}
	}
	if c.onDisconnect == nil {
		c.onDisconnect = func() {}
	}
	if c.onError == nil {
		c.onError = func(error) {}
	}
	if c.onMessage == nil {
		c.onMessage = func(packets.Packet) {}
	}
	return c
}

// Connection owns one persistent duplex connection to the character service.
//
// Writes issued before the socket is ready are buffered and flushed in FIFO
// order the moment the connection opens, before the ready callback fires, so
// callers observe no reordering from pre-open sends. Connection-level errors
// and involuntary closes are reported through the callbacks, never returned
// from Open or Write.
type Connection struct {
	codec packets.Codec
	dial  SocketDialer
	host  string

	mu        sync.Mutex
	conn      Socket
	ready     bool
	buffer    []OutgoingItem
	callbacks connectionCallbacks
	closed    bool
}

func newConnection(host string, dial SocketDialer, callbacks connectionCallbacks) *Connection {
	if dial == nil {
		dial = defaultSocketDialer
	}

	return &Connection{
		host:      host,
		dial:      dial,
		callbacks: callbacks.withDefaults(),
	}
}

// Open establishes the connection using the session token. Calling Open on an
// already open connection is a caller error, reported through the error
// callback like every other failure on this path.
func (c *Connection) Open(ctx context.Context, token entities.SessionToken) {
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		callbacks := c.callbacks
		c.mu.Unlock()
		callbacks.onError(errors.New("connection already open"))
		return
	}
	c.closed = false
	callbacks := c.callbacks
	c.mu.Unlock()

	conn, err := c.dial(ctx, c.sessionURL(token), http.Header{
		"Authorization": {fmt.Sprintf("%s %s", token.Type, token.Token)},
	})
	if err != nil {
		callbacks.onError(fmt.Errorf("failed to open session connection: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		// Closed while dialing; the dialed socket has no owner anymore.
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.ready = true
	buffered := c.buffer
	c.buffer = nil
	c.mu.Unlock()

	for _, item := range buffered {
		c.writeNow(item)
	}

	callbacks.onReady()

	go c.readLoop(conn)
}

// Write sends the item's packet immediately when the connection is ready and
// buffers it otherwise. Buffered items are processed exactly as fresh writes
// once the connection opens.
func (c *Connection) Write(item OutgoingItem) {
	if c == nil || item.GetPacket == nil {
		return
	}

	c.mu.Lock()
	if !c.ready || c.conn == nil {
		c.buffer = append(c.buffer, item)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.writeNow(item)
}

// Close detaches all handlers, closes the socket if open and drops any
// buffered-but-unsent writes: a closed session has no valid target for them.
// Dropped items see ErrConnectionClosed through their FailedWriting hook.
func (c *Connection) Close() {
	if c == nil {
		return
	}

	c.mu.Lock()
	c.closed = true
	c.ready = false
	buffered := c.buffer
	c.buffer = nil
	c.callbacks = connectionCallbacks{}.withDefaults()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	for _, item := range buffered {
		item.failed(ErrConnectionClosed)
	}

	if conn != nil {
		_ = conn.Close()
	}
}

// IsActive reports whether the underlying transport is open and ready.
func (c *Connection) IsActive() bool {
	if c == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ready && c.conn != nil
}

func (c *Connection) writeNow(item OutgoingItem) {
	packet := item.GetPacket()

	raw, err := c.codec.Encode(packet)
	if err != nil {
		c.currentCallbacks().onError(err)
		item.failed(err)
		return
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		item.failed(ErrConnectionClosed)
		return
	}

	if item.BeforeWriting != nil {
		item.BeforeWriting(packet)
	}

	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		wrapped := fmt.Errorf("failed to write packet: %w", err)
		c.currentCallbacks().onError(wrapped)
		item.failed(wrapped)
		return
	}

	if item.AfterWriting != nil {
		item.AfterWriting(packet)
	}
}

func (c *Connection) readLoop(conn Socket) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			voluntary := c.closed
			c.ready = false
			if c.conn == conn {
				c.conn = nil
			}
			callbacks := c.callbacks
			c.mu.Unlock()

			if !voluntary {
				callbacks.onDisconnect()
			}
			return
		}

		packet, err := c.codec.DecodeFrame(raw)
		if err != nil {
			// Peer error frames and malformed frames share the error
			// channel; neither reaches the message handler.
			c.currentCallbacks().onError(err)
			continue
		}

		c.currentCallbacks().onMessage(packet)
	}
}

func (c *Connection) currentCallbacks() connectionCallbacks {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.callbacks
}

func (c *Connection) sessionURL(token entities.SessionToken) string {
	values := url.Values{}
	if token.SessionID != "" {
		values.Set("session_id", token.SessionID)
	}

	return (&url.URL{
		Scheme:   "wss",
		Host:     c.host,
		Path:     "/v1/session/open",
		RawQuery: values.Encode(),
	}).String()
}
