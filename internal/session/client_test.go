package session

import (
	"sync/atomic"
	"testing"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/feed"
)

func newTestClient(bufSize int) *Client {
	return NewClient(nil, bufSize)
}

func TestDefaultFormat(t *testing.T) {
	c := newTestClient(10)
	if c.Format() != FormatJSON {
		t.Fatalf("default format = %d, want FormatJSON (%d)", c.Format(), FormatJSON)
	}
}

func TestSetFormat(t *testing.T) {
	c := newTestClient(10)
	c.SetFormat(FormatBinary)
	if c.Format() != FormatBinary {
		t.Fatalf("format = %d, want FormatBinary (%d)", c.Format(), FormatBinary)
	}
	c.SetFormat(FormatJSON)
	if c.Format() != FormatJSON {
		t.Fatalf("format = %d, want FormatJSON (%d)", c.Format(), FormatJSON)
	}
}

func TestParseFormat(t *testing.T) {
	if f, ok := ParseFormat("binary"); !ok || f != FormatBinary {
		t.Fatalf("binary = %d, %v", f, ok)
	}
	if f, ok := ParseFormat("json"); !ok || f != FormatJSON {
		t.Fatalf("json = %d, %v", f, ok)
	}
	if _, ok := ParseFormat("xml"); ok {
		t.Fatal("xml should not parse")
	}
}

func TestIsSubscribedDefault(t *testing.T) {
	c := newTestClient(10)
	if !c.IsSubscribed(feed.TopicBook) {
		t.Fatal("new client should receive book state")
	}
	if c.IsSubscribed(feed.TopicSettlements) {
		t.Fatal("new client should not receive settlements")
	}
	if !c.IsSubscribed("") {
		t.Fatal("system events are always delivered")
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	c := newTestClient(10)
	c.Subscribe([]string{feed.TopicSettlements})
	if !c.IsSubscribed(feed.TopicSettlements) {
		t.Fatal("should be subscribed to settlements")
	}
	c.Unsubscribe([]string{feed.TopicBook})
	if c.IsSubscribed(feed.TopicBook) {
		t.Fatal("should not be subscribed to book after unsubscribe")
	}
	if !c.IsSubscribed(feed.TopicSettlements) {
		t.Fatal("should still be subscribed to settlements")
	}
}

func TestSendBufferFull(t *testing.T) {
	c := newTestClient(2) // buffer size 2
	ok1 := c.Send([]byte("msg1"))
	ok2 := c.Send([]byte("msg2"))
	ok3 := c.Send([]byte("msg3")) // should be dropped
	if !ok1 || !ok2 {
		t.Fatal("first two sends should succeed")
	}
	if ok3 {
		t.Fatal("third send should fail (buffer full)")
	}
	dropped := atomic.LoadUint64(&c.Dropped)
	if dropped != 1 {
		t.Fatalf("Dropped = %d, want 1", dropped)
	}
}

func TestUniqueIDs(t *testing.T) {
	c1 := newTestClient(10)
	c2 := newTestClient(10)
	c3 := newTestClient(10)
	if c1.ID == c2.ID || c2.ID == c3.ID || c1.ID == c3.ID {
		t.Fatalf("client IDs should be unique: %d, %d, %d", c1.ID, c2.ID, c3.ID)
	}
}

func TestCloseIdempotent(t *testing.T) {
	c := newTestClient(1)
	c.Close()
	c.Close()
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}
}
