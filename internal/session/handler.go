package session

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/feed"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// controlMessage represents a client → server control message.
type controlMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics,omitempty"`
	Format string   `json:"format,omitempty"`
}

// Handler creates the HTTP handler for WebSocket upgrades.
func Handler(mgr *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			mgr.log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := mgr.Register(conn)

		go writePump(client)
		go readPump(client, mgr)
	}
}

// readPump processes incoming control messages from the client.
func readPump(c *Client, mgr *Manager) {
	defer mgr.Unregister(c)

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				mgr.log.Debug("feed client read error", zap.Uint64("client", c.ID), zap.Error(err))
			}
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(message, &ctrl); err != nil {
			mgr.log.Debug("feed client sent invalid message", zap.Uint64("client", c.ID), zap.Error(err))
			continue
		}

		handleControl(c, mgr, &ctrl)
	}
}

// handleControl processes a parsed control message.
func handleControl(c *Client, mgr *Manager, ctrl *controlMessage) {
	switch ctrl.Action {
	case "subscribe":
		topics := ResolveTopics(ctrl.Topics)
		if len(topics) == 0 {
			return
		}
		c.Subscribe(topics)
		mgr.log.Debug("feed client subscribed", zap.Uint64("client", c.ID), zap.Strings("topics", topics))

	case "unsubscribe":
		topics := ResolveTopics(ctrl.Topics)
		if len(topics) > 0 {
			c.Unsubscribe(topics)
			mgr.log.Debug("feed client unsubscribed", zap.Uint64("client", c.ID), zap.Strings("topics", topics))
		}

	case "format":
		f, ok := ParseFormat(ctrl.Format)
		if !ok {
			mgr.log.Debug("feed client sent unknown format", zap.Uint64("client", c.ID), zap.String("format", ctrl.Format))
			return
		}
		c.SetFormat(f)
		// Re-send the current state in the new encoding.
		mgr.SendToClient(c, []feed.Message{mgr.currentState()})

	default:
		mgr.log.Debug("feed client sent unknown action", zap.Uint64("client", c.ID), zap.String("action", ctrl.Action))
	}
}

// writePump sends messages from the send channel to the WebSocket.
func writePump(c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.SendCh():
			if !ok {
				return
			}
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))

			msgType := websocket.TextMessage
			if c.Format() == FormatBinary {
				msgType = websocket.BinaryMessage
			}

			if err := c.Conn.WriteMessage(msgType, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.Done():
			return
		}
	}
}
