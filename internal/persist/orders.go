package persist

import (
	"fmt"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

// orderJSON is the JSON form of a stored order. Ciphertext fields decode as
// plain number arrays so their width can be checked; decoding straight into
// orderbook.Order would pad or truncate them silently.
type orderJSON struct {
	ID        string         `json:"id"`
	Side      orderbook.Side `json:"side"`
	Price     []int          `json:"price"`
	Size      []int          `json:"size"`
	Expiry    []int          `json:"expiry"`
	Owner     string         `json:"owner"`
	Timestamp int64          `json:"timestamp"`
	Chain     string         `json:"chain"`
	Seq       uint64         `json:"seq"`
}

func (r orderJSON) order() (orderbook.Order, error) {
	o := orderbook.Order{
		ID:        r.ID,
		Side:      r.Side,
		Owner:     r.Owner,
		Timestamp: r.Timestamp,
		Chain:     r.Chain,
		Seq:       r.Seq,
	}
	for _, f := range []struct {
		name string
		dst  *orderbook.Ciphertext
		src  []int
	}{
		{"price", &o.Price, r.Price},
		{"size", &o.Size, r.Size},
		{"expiry", &o.Expiry, r.Expiry},
	} {
		b := make([]byte, len(f.src))
		for i, v := range f.src {
			if v < 0 || v > 255 {
				return orderbook.Order{}, fmt.Errorf("order %s: %s[%d] = %d: %w", r.ID, f.name, i, v, orderbook.ErrMalformedEntry)
			}
			b[i] = byte(v)
		}
		if err := fillCiphertext(r.ID, f.name, f.dst, b); err != nil {
			return orderbook.Order{}, err
		}
	}
	return o, nil
}

// fillCiphertext copies src into dst when it has exactly the ciphertext width.
func fillCiphertext(id, field string, dst *orderbook.Ciphertext, src []byte) error {
	if len(src) != orderbook.CiphertextSize {
		return fmt.Errorf("order %s: %s has %d bytes, want %d: %w",
			id, field, len(src), orderbook.CiphertextSize, orderbook.ErrMalformedEntry)
	}
	copy(dst[:], src)
	return nil
}
