package ledger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestEventStreamDispatches(t *testing.T) {
	defer leaktest.Check(t)()

	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(Event{Name: "match", Offset: 42, Status: StatusFinalized})
		// Hold the connection until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := NewListeners()
	l, err := reg.Subscribe(42)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := NewEventStream("ws"+strings.TrimPrefix(srv.URL, "http"), reg, 10*time.Millisecond, zap.NewNop())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	select {
	case ev := <-l.C():
		if ev.Offset != 42 || ev.Status != StatusFinalized {
			t.Fatalf("got %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestEventStreamReconnects(t *testing.T) {
	defer leaktest.Check(t)()

	var upgrader websocket.Upgrader
	conns := make(chan struct{}, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case conns <- struct{}{}:
		default:
		}
		// Drop every connection immediately.
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := NewEventStream("ws"+strings.TrimPrefix(srv.URL, "http"), NewListeners(), 5*time.Millisecond, zap.NewNop())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-conns:
		case <-time.After(2 * time.Second):
			t.Fatalf("connection %d never arrived", i+1)
		}
	}
	cancel()
	<-done
}
