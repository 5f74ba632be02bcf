package orderbook

import (
	"fmt"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
)

// CiphertextSize is the fixed width of every encrypted order field.
const CiphertextSize = envelope.BlobSize

// Ciphertext is one encrypted economic field. It marshals to JSON as an array
// of numbers.
type Ciphertext = envelope.Blob

// Side represents bid or ask. The numeric values match the intake API.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "buy"
	case SideSell:
		return "sell"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Order is an open order. Price, Size and Expiry are opaque to the coordinator.
type Order struct {
	ID        string     `json:"id"        bson:"id"`
	Side      Side       `json:"side"      bson:"side"`
	Price     Ciphertext `json:"price"     bson:"price"`
	Size      Ciphertext `json:"size"      bson:"size"`
	Expiry    Ciphertext `json:"expiry"    bson:"expiry"`
	Owner     string     `json:"owner"     bson:"owner"`
	Timestamp int64      `json:"timestamp" bson:"timestamp"` // UnixNano, strictly increasing per book
	Chain     string     `json:"chain"     bson:"chain"`
	Seq       uint64     `json:"seq"       bson:"seq"` // numeric handle forwarded to circuits
}
