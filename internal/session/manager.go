// Package session serves the book-state feed over WebSocket: client
// registration, topic subscriptions and per-format fan-out.
package session

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/feed"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// Manager handles client registration, subscriptions, and message fan-out.
type Manager struct {
	mu         sync.RWMutex
	clients    map[uint64]*Client
	bufferSize int

	stateMu sync.RWMutex
	state   orderbook.State

	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewManager creates a session manager. logger and m may be nil.
func NewManager(bufferSize int, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Manager{
		clients:    make(map[uint64]*Client),
		bufferSize: bufferSize,
		log:        logger,
		metrics:    m,
	}
}

// Register adds a new client and queues the current book state for it.
func (m *Manager) Register(conn *websocket.Conn) *Client {
	c := NewClient(conn, m.bufferSize)

	m.mu.Lock()
	m.clients[c.ID] = c
	n := len(m.clients)
	m.mu.Unlock()

	m.metrics.FeedClients.Set(float64(n))
	addr := ""
	if conn != nil {
		addr = conn.RemoteAddr().String()
	}
	m.log.Info("feed client connected", zap.Uint64("client", c.ID), zap.String("addr", addr))

	m.SendToClient(c, []feed.Message{feed.SystemEvent(feed.EventStartOfMessages), m.currentState()})
	return c
}

// Unregister removes a client.
func (m *Manager) Unregister(c *Client) {
	m.mu.Lock()
	delete(m.clients, c.ID)
	n := len(m.clients)
	m.mu.Unlock()

	m.metrics.FeedClients.Set(float64(n))
	c.Close()
	m.log.Info("feed client disconnected", zap.Uint64("client", c.ID), zap.Uint64("dropped", c.Dropped))
}

// ResolveTopics filters names down to known topics. "*" selects every topic.
func ResolveTopics(names []string) []string {
	var out []string
	for _, n := range names {
		switch n {
		case "*":
			return []string{feed.TopicBook, feed.TopicSettlements}
		case feed.TopicBook, feed.TopicSettlements:
			out = append(out, n)
		}
	}
	return out
}

// PublishBook records s as the current state and broadcasts it. It has the
// signature of a book observer.
func (m *Manager) PublishBook(s orderbook.State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
	m.Broadcast([]feed.Message{feed.BookState(s)})
}

// Publish broadcasts a final settlement record. It satisfies
// settlement.Publisher and never fails.
func (m *Manager) Publish(_ context.Context, r settlement.Record) error {
	m.Broadcast([]feed.Message{feed.Settlement(r)})
	return nil
}

func (m *Manager) currentState() feed.Message {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return feed.BookState(m.state)
}

// Broadcast sends msgs to every client subscribed to their topics.
// Messages are encoded once per format and fanned out.
func (m *Manager) Broadcast(msgs []feed.Message) {
	if len(msgs) == 0 {
		return
	}

	var jsonEncoded, binaryEncoded [][]byte
	var jsonOnce, binaryOnce sync.Once

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, c := range m.clients {
		var encoded [][]byte
		switch c.Format() {
		case FormatJSON:
			jsonOnce.Do(func() { jsonEncoded = encodeAllJSON(msgs) })
			encoded = jsonEncoded
		case FormatBinary:
			binaryOnce.Do(func() { binaryEncoded = encodeAllBinary(msgs) })
			encoded = binaryEncoded
		}
		for i, data := range encoded {
			if data == nil || !c.IsSubscribed(msgs[i].Topic()) {
				continue
			}
			c.Send(data)
		}
	}
}

// SendToClient sends messages directly to one client, ignoring topics.
func (m *Manager) SendToClient(c *Client, msgs []feed.Message) {
	var encoded [][]byte
	switch c.Format() {
	case FormatJSON:
		encoded = encodeAllJSON(msgs)
	case FormatBinary:
		encoded = encodeAllBinary(msgs)
	}
	for _, data := range encoded {
		if data != nil {
			c.Send(data)
		}
	}
}

// ClientCount returns the number of connected clients.
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// encodeAllJSON keeps positions aligned with msgs; unencodable entries are nil.
func encodeAllJSON(msgs []feed.Message) [][]byte {
	out := make([][]byte, len(msgs))
	for i := range msgs {
		data, err := feed.EncodeJSON(&msgs[i])
		if err != nil {
			continue
		}
		out[i] = data
	}
	return out
}

func encodeAllBinary(msgs []feed.Message) [][]byte {
	out := make([][]byte, len(msgs))
	for i := range msgs {
		out[i] = feed.EncodeBinary(&msgs[i])
	}
	return out
}
