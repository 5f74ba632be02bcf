package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// JSON mirror of the binary messages. Offsets are decimal strings so 64-bit
// values survive JavaScript clients.

// EncodeJSON encodes m into JSON bytes.
func EncodeJSON(m *Message) ([]byte, error) {
	obj := msgToMap(m)
	if obj == nil {
		return nil, fmt.Errorf("unsupported message type: %c", m.Type)
	}
	return json.Marshal(obj)
}

func msgToMap(m *Message) map[string]any {
	switch m.Type {
	case MsgSystemEvent:
		return map[string]any{
			"type":      "system_event",
			"timestamp": m.Timestamp,
			"eventCode": string([]byte{m.EventCode}),
		}

	case MsgBookState:
		return map[string]any{
			"type":      "book_state",
			"timestamp": m.Timestamp,
			"buyCount":  m.BuyCount,
			"sellCount": m.SellCount,
		}

	case MsgSettlement:
		obj := map[string]any{
			"type":        "settlement",
			"timestamp":   m.Timestamp,
			"matchId":     m.MatchID,
			"outcome":     outcomeName(m.Outcome),
			"matchOffset": strconv.FormatUint(m.MatchOffset, 10),
			"buyOrderId":  m.BuyOrderID,
			"sellOrderId": m.SellOrderID,
		}
		if m.TxSignature != "" {
			obj["txSignature"] = m.TxSignature
		}
		return obj
	}
	return nil
}

func outcomeName(b byte) string {
	switch b {
	case OutcomeSettled:
		return "settled"
	case OutcomeFailed:
		return "failed"
	}
	return string([]byte{b})
}
