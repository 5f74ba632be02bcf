package session

import (
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/feed"
)

// Format represents the client's preferred encoding format.
type Format int

const (
	FormatJSON   Format = 0
	FormatBinary Format = 1
)

// ParseFormat maps a control-message format name.
func ParseFormat(s string) (Format, bool) {
	switch s {
	case "json":
		return FormatJSON, true
	case "binary":
		return FormatBinary, true
	}
	return 0, false
}

// Client represents a connected WebSocket client.
type Client struct {
	ID   uint64
	Conn *websocket.Conn

	mu     sync.RWMutex
	format Format
	topics map[string]bool

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// stats
	Dropped uint64
}

var clientIDCounter uint64

// NewClient creates a client wrapping a WebSocket connection. New clients
// receive book-state updates until they unsubscribe.
func NewClient(conn *websocket.Conn, bufferSize int) *Client {
	return &Client{
		ID:     atomic.AddUint64(&clientIDCounter, 1),
		Conn:   conn,
		format: FormatJSON,
		topics: map[string]bool{feed.TopicBook: true},
		sendCh: make(chan []byte, bufferSize),
		done:   make(chan struct{}),
	}
}

// Format returns the client's current encoding format.
func (c *Client) Format() Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.format
}

// SetFormat sets the client's encoding format.
func (c *Client) SetFormat(f Format) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.format = f
}

// Subscribe adds topics to the client's subscription.
func (c *Client) Subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		c.topics[t] = true
	}
}

// Unsubscribe removes topics from the client's subscription.
func (c *Client) Unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.topics, t)
	}
}

// IsSubscribed reports whether the client receives topic. The empty topic
// (system events) is always delivered.
func (c *Client) IsSubscribed(topic string) bool {
	if topic == "" {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// Send enqueues data to be sent to the client.
// Returns false if the buffer is full (message dropped).
func (c *Client) Send(data []byte) bool {
	select {
	case c.sendCh <- data:
		return true
	default:
		atomic.AddUint64(&c.Dropped, 1)
		return false
	}
}

// SendCh returns the send channel for the write pump.
func (c *Client) SendCh() <-chan []byte {
	return c.sendCh
}

// Done returns a channel that is closed when the client is disconnected.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the client connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.Conn != nil {
			c.Conn.Close()
		}
	})
}
