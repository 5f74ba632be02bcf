package ledger

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamReadWait   = 90 * time.Second
	streamMaxBackoff = 30 * time.Second
)

// EventStream follows the ledger's WebSocket event feed and dispatches each
// event to the listener registry, reconnecting with linear backoff.
type EventStream struct {
	url       string
	listeners *Listeners
	dialer    *websocket.Dialer
	backoff   time.Duration
	log       *zap.Logger
}

// NewEventStream creates a stream reader for url.
func NewEventStream(url string, listeners *Listeners, backoff time.Duration, logger *zap.Logger) *EventStream {
	return &EventStream{
		url:       url,
		listeners: listeners,
		dialer:    websocket.DefaultDialer,
		backoff:   backoff,
		log:       logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *EventStream) Run(ctx context.Context) {
	attempt := 0
	for {
		connected, err := s.follow(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			attempt = 0
		}
		attempt++
		wait := s.backoff * time.Duration(attempt)
		if wait > streamMaxBackoff {
			wait = streamMaxBackoff
		}
		s.log.Warn("ledger event stream disconnected", zap.Error(err), zap.Duration("retry_in", wait))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// follow holds one connection until it fails or ctx ends. connected reports
// whether the dial succeeded.
func (s *EventStream) follow(ctx context.Context) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	s.log.Info("ledger event stream connected", zap.String("url", s.url))

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadWait))
	})

	for {
		conn.SetReadDeadline(time.Now().Add(streamReadWait))
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return true, err
		}
		if !s.listeners.Dispatch(ev) {
			s.log.Debug("ledger event without listener",
				zap.String("event", ev.Name), zap.Uint64("offset", uint64(ev.Offset)))
		}
	}
}
