package feed

import (
	"encoding/binary"
	"testing"
)

func TestEncodeBinaryBookState(t *testing.T) {
	m := &Message{Type: MsgBookState, Timestamp: 1700000000123, BuyCount: 3, SellCount: 7}
	data := EncodeBinary(m)
	if data == nil {
		t.Fatal("EncodeBinary returned nil for BookState")
	}
	bodyLen := binary.BigEndian.Uint16(data[0:2])
	if bodyLen != 17 {
		t.Fatalf("BookState body length = %d, want 17", bodyLen)
	}
	if data[2] != byte(MsgBookState) {
		t.Fatalf("type byte = %c, want %c", data[2], MsgBookState)
	}
	if got := binary.BigEndian.Uint32(data[11:15]); got != 3 {
		t.Fatalf("buy count = %d, want 3", got)
	}
	if got := binary.BigEndian.Uint32(data[15:19]); got != 7 {
		t.Fatalf("sell count = %d, want 7", got)
	}
}

func TestEncodeBinarySettlement(t *testing.T) {
	m := &Message{
		Type:        MsgSettlement,
		Timestamp:   42,
		MatchID:     "0b7e6f0e-4a5c-4f3e-9a53-8c1c7c0f5d11",
		Outcome:     OutcomeSettled,
		MatchOffset: 1<<63 + 9,
	}
	data := EncodeBinary(m)
	bodyLen := binary.BigEndian.Uint16(data[0:2])
	if bodyLen != 54 {
		t.Fatalf("Settlement body length = %d, want 54", bodyLen)
	}
	if id := string(data[11:47]); id != m.MatchID {
		t.Fatalf("match id = %q, want %q", id, m.MatchID)
	}
	if data[47] != OutcomeSettled {
		t.Fatalf("outcome = %c, want %c", data[47], OutcomeSettled)
	}
}

func TestEncodeBinarySystemEvent(t *testing.T) {
	data := EncodeBinary(&Message{Type: MsgSystemEvent, EventCode: EventStartOfMessages})
	if binary.BigEndian.Uint16(data[0:2]) != 10 {
		t.Fatalf("SystemEvent body length = %d, want 10", binary.BigEndian.Uint16(data[0:2]))
	}
	if data[len(data)-1] != EventStartOfMessages {
		t.Fatalf("event code = %c, want %c", data[len(data)-1], EventStartOfMessages)
	}
}

func TestEncodeBinaryUnknown(t *testing.T) {
	if data := EncodeBinary(&Message{Type: 'Z'}); data != nil {
		t.Fatalf("unknown type should encode to nil, got %d bytes", len(data))
	}
}

func TestDecodeBinaryRoundTrip(t *testing.T) {
	msgs := []Message{
		{Type: MsgSystemEvent, Timestamp: 1, EventCode: EventEndOfMessages},
		{Type: MsgBookState, Timestamp: 1700000000000, BuyCount: 12, SellCount: 0},
		{Type: MsgSettlement, Timestamp: 99, MatchID: "short-id", Outcome: OutcomeFailed, MatchOffset: 5},
	}
	for _, want := range msgs {
		got, err := DecodeBinary(EncodeBinary(&want))
		if err != nil {
			t.Fatalf("%c: decode: %v", want.Type, err)
		}
		if *got != want {
			t.Fatalf("%c: round trip = %+v, want %+v", want.Type, *got, want)
		}
	}
}

func TestDecodeBinaryRejectsMalformed(t *testing.T) {
	good := EncodeBinary(&Message{Type: MsgBookState, BuyCount: 1})

	cases := map[string][]byte{
		"short":        {0, 1},
		"bad prefix":   append([]byte{0, 99}, good[2:]...),
		"truncated":    good[:len(good)-1],
		"unknown type": {0, 1, 'Z'},
		"wrong size":   {0, 2, byte(MsgBookState), 0},
	}
	for name, frame := range cases {
		if _, err := DecodeBinary(frame); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPadMatchID(t *testing.T) {
	b := PadMatchID("abc")
	if string(b[:3]) != "abc" {
		t.Fatalf("prefix = %q", b[:3])
	}
	for i := 3; i < MatchIDSize; i++ {
		if b[i] != ' ' {
			t.Fatalf("byte %d = %q, want space", i, b[i])
		}
	}
}
