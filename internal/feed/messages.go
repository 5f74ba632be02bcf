// Package feed encodes book-state and settlement notifications for WebSocket
// subscribers, as JSON objects or length-prefixed binary frames.
package feed

import (
	"time"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// MsgType is the first byte of every binary message body.
type MsgType byte

const (
	MsgSystemEvent MsgType = 'S'
	MsgBookState   MsgType = 'B'
	MsgSettlement  MsgType = 'T'
)

// System event codes.
const (
	EventStartOfMessages byte = 'O'
	EventEndOfMessages   byte = 'C'
)

// Settlement outcome codes.
const (
	OutcomeSettled byte = 'S'
	OutcomeFailed  byte = 'F'
)

// Topics a client can subscribe to.
const (
	TopicBook        = "book"
	TopicSettlements = "settlements"
)

// MatchIDSize is the fixed width of a match id on the wire (canonical UUID text).
const MatchIDSize = 36

// Message is the universal feed message. Not all fields are used for every
// message type. No ciphertext or plaintext order economics ever appear here.
type Message struct {
	Type      MsgType
	Timestamp int64 // unix millis

	EventCode byte

	BuyCount  uint32
	SellCount uint32

	MatchID     string
	Outcome     byte
	MatchOffset uint64
	BuyOrderID  string // JSON only
	SellOrderID string // JSON only
	TxSignature string // JSON only
}

// Topic returns the subscription topic m is delivered on. System events go to
// every client and return "".
func (m *Message) Topic() string {
	switch m.Type {
	case MsgBookState:
		return TopicBook
	case MsgSettlement:
		return TopicSettlements
	}
	return ""
}

// BookState builds a book-state message from an observer snapshot.
func BookState(s orderbook.State) Message {
	ts := s.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Message{
		Type:      MsgBookState,
		Timestamp: ts,
		BuyCount:  uint32(s.BuyCount),
		SellCount: uint32(s.SellCount),
	}
}

// Settlement builds a settlement message from a final record.
func Settlement(r settlement.Record) Message {
	outcome := OutcomeFailed
	if r.Success() {
		outcome = OutcomeSettled
	}
	at := r.UpdatedAt
	if r.FinalizedAt != nil {
		at = *r.FinalizedAt
	}
	return Message{
		Type:        MsgSettlement,
		Timestamp:   at.UnixMilli(),
		MatchID:     r.MatchID,
		Outcome:     outcome,
		MatchOffset: uint64(r.MatchOffset),
		BuyOrderID:  r.BuyOrderID,
		SellOrderID: r.SellOrderID,
		TxSignature: r.TxSignature,
	}
}

// SystemEvent builds a system event stamped now.
func SystemEvent(code byte) Message {
	return Message{Type: MsgSystemEvent, Timestamp: time.Now().UnixMilli(), EventCode: code}
}

// PadMatchID right-pads an id to MatchIDSize bytes with spaces.
func PadMatchID(id string) [MatchIDSize]byte {
	var b [MatchIDSize]byte
	copy(b[:], id)
	for i := len(id); i < MatchIDSize; i++ {
		b[i] = ' '
	}
	return b
}
