package api

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

const defaultChain = "solana"

// byteArray accepts either a JSON array of numbers 0-255 or a base64 string.
type byteArray []byte

func (b *byteArray) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("not base64: %w", err)
		}
		*b = raw
		return nil
	}
	var nums []int
	if err := json.Unmarshal(data, &nums); err != nil {
		return fmt.Errorf("want a byte array or base64 string")
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		if n < 0 || n > 255 {
			return fmt.Errorf("element %d out of byte range: %d", i, n)
		}
		out[i] = byte(n)
	}
	*b = out
	return nil
}

// orderRequest is the intake body. The short field names are accepted as
// aliases of the encrypted* ones.
type orderRequest struct {
	ID              string    `json:"id"`
	Side            *int      `json:"side"`
	EncryptedPrice  byteArray `json:"encryptedPrice"`
	EncryptedSize   byteArray `json:"encryptedSize"`
	EncryptedExpiry byteArray `json:"encryptedExpiry"`
	Price           byteArray `json:"price"`
	Size            byteArray `json:"size"`
	Expiry          byteArray `json:"expiry"`
	Owner           string    `json:"owner"`
	Chain           string    `json:"chain"`
}

type submitResponse struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderId"`
	MatchesFound int    `json:"matchesFound"`
}

// toOrder validates req and builds the book order. Timestamp and Seq are
// assigned by the book.
func (req *orderRequest) toOrder() (*orderbook.Order, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" {
		return nil, &ValidationError{Field: "id", Msg: "must not be empty"}
	}
	if req.Side == nil {
		return nil, &ValidationError{Field: "side", Msg: "is required"}
	}
	if *req.Side != 0 && *req.Side != 1 {
		return nil, &ValidationError{Field: "side", Msg: fmt.Sprintf("must be 0 or 1, got %d", *req.Side)}
	}
	if strings.TrimSpace(req.Owner) == "" {
		return nil, &ValidationError{Field: "owner", Msg: "must not be empty"}
	}

	o := &orderbook.Order{ID: id, Side: orderbook.Side(*req.Side), Owner: req.Owner, Chain: req.Chain}
	if o.Chain == "" {
		o.Chain = defaultChain
	}
	for _, f := range []struct {
		name string
		dst  *orderbook.Ciphertext
		src  byteArray
	}{
		{"encryptedPrice", &o.Price, pick(req.EncryptedPrice, req.Price)},
		{"encryptedSize", &o.Size, pick(req.EncryptedSize, req.Size)},
		{"encryptedExpiry", &o.Expiry, pick(req.EncryptedExpiry, req.Expiry)},
	} {
		if len(f.src) != orderbook.CiphertextSize {
			return nil, &ValidationError{
				Field: f.name,
				Msg:   fmt.Sprintf("must be exactly %d bytes, got %d", orderbook.CiphertextSize, len(f.src)),
			}
		}
		copy(f.dst[:], f.src)
	}
	return o, nil
}

func pick(primary, alias byteArray) byteArray {
	if primary != nil {
		return primary
	}
	return alias
}
