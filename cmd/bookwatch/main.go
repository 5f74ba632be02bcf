// Command bookwatch connects to the matcher feed and prints every book-state
// and settlement message in human-readable form.
//
// Usage:
//
//	bookwatch                                  # connect to localhost:3001, book topic
//	bookwatch --url ws://host:3001/feed        # custom endpoint
//	bookwatch --topics book,settlements        # subscribe to settlements too
//	bookwatch --json                           # request JSON frames (pass-through print)
//	bookwatch --stats 10                       # print message rate stats every N seconds
//	bookwatch --hex                            # also dump raw hex alongside decoded output
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/feed"
)

func main() {
	url := pflag.String("url", "ws://localhost:3001/feed", "WebSocket endpoint")
	topics := pflag.StringSlice("topics", []string{feed.TopicBook}, "Topics to subscribe to, or * for all")
	useJSON := pflag.Bool("json", false, "Request JSON format instead of binary")
	statsInterval := pflag.Int("stats", 0, "Print message rate stats every N seconds (0 = off)")
	showHex := pflag.Bool("hex", false, "Print raw hex dump alongside decoded output")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("connecting", zap.String("url", *url))
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	format := "binary"
	if *useJSON {
		format = "json"
	}
	sendControl(conn, logger, map[string]any{"action": "format", "format": format})
	sendControl(conn, logger, map[string]any{"action": "subscribe", "topics": *topics})
	logger.Info("subscribed", zap.Strings("topics", *topics), zap.String("format", format))

	var msgCount atomic.Uint64
	if *statsInterval > 0 {
		go func() {
			ticker := time.NewTicker(time.Duration(*statsInterval) * time.Second)
			defer ticker.Stop()
			var last uint64
			for range ticker.C {
				cur := msgCount.Load()
				rate := float64(cur-last) / float64(*statsInterval)
				logger.Info("stats", zap.Uint64("total", cur), zap.Float64("per_sec", rate))
				last = cur
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		logger.Info("shutting down")
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			logger.Fatal("read", zap.Error(err))
		}
		msgCount.Add(1)

		if msgType == websocket.TextMessage {
			fmt.Println(string(data))
			continue
		}
		if *showHex {
			printHex(data)
		}
		m, err := feed.DecodeBinary(data)
		if err != nil {
			fmt.Printf("???      %v\n", err)
			continue
		}
		fmt.Println(describe(m))
	}
}

func sendControl(conn *websocket.Conn, logger *zap.Logger, msg map[string]any) {
	data, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.Fatal("send control", zap.Error(err))
	}
}

// describe renders one decoded message as a single line.
func describe(m *feed.Message) string {
	ts := time.UnixMilli(m.Timestamp).Format("15:04:05.000")
	switch m.Type {
	case feed.MsgSystemEvent:
		event := "UNKNOWN"
		switch m.EventCode {
		case feed.EventStartOfMessages:
			event = "START"
		case feed.EventEndOfMessages:
			event = "END"
		}
		return fmt.Sprintf("SYSTEM   %s  event=%s", ts, event)
	case feed.MsgBookState:
		return fmt.Sprintf("BOOK     %s  buys=%d  sells=%d", ts, m.BuyCount, m.SellCount)
	case feed.MsgSettlement:
		outcome := "FAILED"
		if m.Outcome == feed.OutcomeSettled {
			outcome = "SETTLED"
		}
		return fmt.Sprintf("SETTLE   %s  match=%s  %-7s  offset=%d", ts, m.MatchID, outcome, m.MatchOffset)
	}
	return fmt.Sprintf("UNKNOWN  type=%c", byte(m.Type))
}

func printHex(data []byte) {
	var sb strings.Builder
	for i, b := range data {
		if i > 0 && i%16 == 0 {
			sb.WriteString("\n         ")
		} else if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02x", b)
	}
	fmt.Printf("HEX      %s\n", sb.String())
}
