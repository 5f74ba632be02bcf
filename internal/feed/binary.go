package feed

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Each binary message is prefixed with a 2-byte big-endian body length.

const (
	systemEventSize = 10
	bookStateSize   = 17
	settlementSize  = 54
)

// EncodeBinary encodes m including the length prefix. Unknown types yield nil.
func EncodeBinary(m *Message) []byte {
	var body []byte

	switch m.Type {
	case MsgSystemEvent:
		body = encodeSystemEvent(m)
	case MsgBookState:
		body = encodeBookState(m)
	case MsgSettlement:
		body = encodeSettlement(m)
	default:
		return nil
	}

	frame := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(body)))
	copy(frame[2:], body)
	return frame
}

// System Event (10 bytes)
// Type(1) + Timestamp(8) + EventCode(1)
func encodeSystemEvent(m *Message) []byte {
	buf := make([]byte, systemEventSize)
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	buf[9] = m.EventCode
	return buf
}

// Book State (17 bytes)
// Type(1) + Timestamp(8) + BuyCount(4) + SellCount(4)
func encodeBookState(m *Message) []byte {
	buf := make([]byte, bookStateSize)
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	binary.BigEndian.PutUint32(buf[9:13], m.BuyCount)
	binary.BigEndian.PutUint32(buf[13:17], m.SellCount)
	return buf
}

// Settlement (54 bytes)
// Type(1) + Timestamp(8) + MatchID(36) + Outcome(1) + MatchOffset(8)
func encodeSettlement(m *Message) []byte {
	buf := make([]byte, settlementSize)
	buf[0] = byte(m.Type)
	binary.BigEndian.PutUint64(buf[1:9], uint64(m.Timestamp))
	id := PadMatchID(m.MatchID)
	copy(buf[9:45], id[:])
	buf[45] = m.Outcome
	binary.BigEndian.PutUint64(buf[46:54], m.MatchOffset)
	return buf
}

// DecodeBinary parses one length-prefixed frame.
func DecodeBinary(frame []byte) (*Message, error) {
	if len(frame) < 3 {
		return nil, fmt.Errorf("short frame: %d bytes", len(frame))
	}
	n := int(binary.BigEndian.Uint16(frame[0:2]))
	if n+2 != len(frame) {
		return nil, fmt.Errorf("frame length %d does not match prefix %d", len(frame)-2, n)
	}
	return DecodeBody(frame[2:])
}

// DecodeBody parses a message body without its length prefix.
func DecodeBody(body []byte) (*Message, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	m := &Message{Type: MsgType(body[0])}

	want := 0
	switch m.Type {
	case MsgSystemEvent:
		want = systemEventSize
	case MsgBookState:
		want = bookStateSize
	case MsgSettlement:
		want = settlementSize
	default:
		return nil, fmt.Errorf("unknown message type %q", body[0])
	}
	if len(body) != want {
		return nil, fmt.Errorf("%c body is %d bytes, want %d", m.Type, len(body), want)
	}

	m.Timestamp = int64(binary.BigEndian.Uint64(body[1:9]))
	switch m.Type {
	case MsgSystemEvent:
		m.EventCode = body[9]
	case MsgBookState:
		m.BuyCount = binary.BigEndian.Uint32(body[9:13])
		m.SellCount = binary.BigEndian.Uint32(body[13:17])
	case MsgSettlement:
		m.MatchID = strings.TrimRight(string(body[9:45]), " ")
		m.Outcome = body[45]
		m.MatchOffset = binary.BigEndian.Uint64(body[46:54])
	}
	return m, nil
}
