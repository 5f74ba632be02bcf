// Package ledger talks to the external ledger program and the confidential
// computation backend behind it: instruction submission, circuit setup,
// finalization status, escrow proofs and the emitted event stream.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
)

// ErrAlreadyInitialized is returned by InitCircuit when the computation
// definition already exists.
var ErrAlreadyInitialized = errors.New("circuit already initialized")

// Kind selects the circuit a computation runs.
type Kind string

const (
	KindCompare Kind = "compare"
	KindSettle  Kind = "settle"
	KindSubmit  Kind = "submit"
	KindCancel  Kind = "cancel"
)

var kindNames = map[Kind]struct{ instruction, event string }{
	KindCompare: {"match_orders", "match"},
	KindSettle:  {"settle_match", "settle"},
	KindSubmit:  {"submit_order", "submit"},
	KindCancel:  {"cancel_order", "cancel"},
}

// ParseKind validates a circuit name.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if _, ok := kindNames[k]; !ok {
		return "", fmt.Errorf("unknown circuit kind %q", s)
	}
	return k, nil
}

// Instruction is the ledger instruction that queues a computation of this kind.
func (k Kind) Instruction() string { return kindNames[k].instruction }

// EventName is the event the ledger emits when the computation finalizes.
func (k Kind) EventName() string { return kindNames[k].event }

// Offset identifies one queued computation.
type Offset uint64

// NewOffset draws a random 8-byte offset.
func NewOffset() (Offset, error) {
	var b [8]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return 0, fmt.Errorf("generate offset: %w", err)
	}
	return Offset(binary.LittleEndian.Uint64(b[:])), nil
}

// Instruction is a queue request sent to the ledger program.
type Instruction struct {
	Name      string                 `json:"name"`
	Offset    Offset                 `json:"offset,string"`
	Operands  []envelope.Blob        `json:"operands"`
	PublicKey [envelope.KeySize]byte `json:"publicKey"`
	Nonce     envelope.Nonce         `json:"nonce"`
}

// Status is the terminal state reported for a computation.
type Status string

const (
	StatusFinalized Status = "finalized"
	StatusFailed    Status = "failed"
)

// Event is emitted by the ledger once a computation finalizes.
type Event struct {
	Name        string          `json:"name"`
	Offset      Offset          `json:"offset,string"`
	Status      Status          `json:"status"`
	Ciphertexts []envelope.Blob `json:"ciphertexts,omitempty"`
	Nonce       envelope.Nonce  `json:"nonce"`
	Proof       []byte          `json:"proof,omitempty"`
	Signature   string          `json:"signature,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Client is the coordinator's view of the ledger program and backend.
type Client interface {
	// PublicKey returns the backend's published X25519 key.
	PublicKey(ctx context.Context) ([]byte, error)
	// InitCircuit registers the computation definition for kind.
	InitCircuit(ctx context.Context, kind Kind) error
	// Invoke submits an instruction and returns its transaction signature.
	Invoke(ctx context.Context, inst Instruction) (string, error)
	// Status returns the finalization event for offset, or nil while pending.
	Status(ctx context.Context, offset Offset) (*Event, error)
	// EscrowProofs returns the deposit proofs backing a buy/sell pair.
	EscrowProofs(ctx context.Context, buyID, sellID string) ([]envelope.Blob, error)
}
