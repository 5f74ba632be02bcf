// Package ledgertest provides an in-memory ledger and confidential backend
// for tests.
//
// Order ciphertexts handed to the Backend follow a test-only convention: the
// first eight bytes of a blob hold the little-endian plaintext (see Seal).
// The compare circuit therefore checks buy price >= sell price and non-expiry
// deterministically, the way the real circuit does on ciphertext.
package ledgertest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
)

// Seal encodes v under the test convention.
func Seal(v uint64) envelope.Blob {
	var b envelope.Blob
	binary.LittleEndian.PutUint64(b[:8], v)
	return b
}

// Unseal decodes a blob written by Seal.
func Unseal(b envelope.Blob) uint64 {
	return binary.LittleEndian.Uint64(b[:8])
}

// Delivery controls how a finalized event reaches the coordinator.
type Delivery int

const (
	// DeliverEvent dispatches through the listener registry.
	DeliverEvent Delivery = iota
	// DeliverStatus only exposes the event through Status polling.
	DeliverStatus
	// Withhold never finalizes, simulating a stuck computation.
	Withhold
)

// Backend implements ledger.Client in memory.
type Backend struct {
	mu        sync.Mutex
	private   [envelope.KeySize]byte
	public    [envelope.KeySize]byte
	listeners *ledger.Listeners

	delivery    map[ledger.Kind]Delivery
	failures    map[ledger.Kind]string
	invokeErrs  []error
	circuits    map[ledger.Kind]bool
	statuses    map[ledger.Offset]*ledger.Event
	proofs      []envelope.Blob
	keyFailures int

	Invocations []ledger.Instruction
	KeyFetches  int
}

// New creates a backend with a fresh key pair that dispatches to listeners.
func New(listeners *ledger.Listeners) *Backend {
	priv, pub, err := envelope.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return &Backend{
		private:   priv,
		public:    pub,
		listeners: listeners,
		delivery:  make(map[ledger.Kind]Delivery),
		failures:  make(map[ledger.Kind]string),
		circuits:  make(map[ledger.Kind]bool),
		statuses:  make(map[ledger.Offset]*ledger.Event),
	}
}

// Key returns the backend's public key.
func (b *Backend) Key() []byte {
	k := b.public
	return k[:]
}

// SetDelivery sets how events of kind are delivered.
func (b *Backend) SetDelivery(kind ledger.Kind, d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delivery[kind] = d
}

// FailKind makes every computation of kind finalize as failed.
func (b *Backend) FailKind(kind ledger.Kind, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[kind] = reason
}

// FailInvokes makes the next len(errs) Invoke calls return errs in order.
func (b *Backend) FailInvokes(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invokeErrs = append(b.invokeErrs, errs...)
}

// FailKeyFetches makes the next n PublicKey calls fail.
func (b *Backend) FailKeyFetches(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyFailures = n
}

// SetProofs sets the escrow proofs returned for every pair.
func (b *Backend) SetProofs(proofs ...envelope.Blob) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.proofs = proofs
}

// Invoked returns how many instructions named name were submitted.
func (b *Backend) Invoked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, inst := range b.Invocations {
		if inst.Name == name {
			n++
		}
	}
	return n
}

// Initialized reports whether kind's circuit has been registered.
func (b *Backend) Initialized(kind ledger.Kind) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuits[kind]
}

func (b *Backend) PublicKey(_ context.Context) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.KeyFetches++
	if b.keyFailures > 0 {
		b.keyFailures--
		return nil, errors.New("backend key not yet published")
	}
	return b.Key(), nil
}

func (b *Backend) InitCircuit(_ context.Context, kind ledger.Kind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.circuits[kind] {
		return ledger.ErrAlreadyInitialized
	}
	b.circuits[kind] = true
	return nil
}

func (b *Backend) EscrowProofs(_ context.Context, _, _ string) ([]envelope.Blob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]envelope.Blob(nil), b.proofs...), nil
}

func (b *Backend) Status(_ context.Context, offset ledger.Offset) (*ledger.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.statuses[offset]
	if !ok {
		return nil, nil
	}
	cp := *ev
	return &cp, nil
}

// Invoke runs the circuit synchronously and publishes the result according
// to the configured delivery.
func (b *Backend) Invoke(_ context.Context, inst ledger.Instruction) (string, error) {
	b.mu.Lock()
	b.Invocations = append(b.Invocations, inst)
	if len(b.invokeErrs) > 0 {
		err := b.invokeErrs[0]
		b.invokeErrs = b.invokeErrs[1:]
		b.mu.Unlock()
		return "", err
	}
	kind, ok := kindFor(inst.Name)
	if !ok {
		b.mu.Unlock()
		return "", fmt.Errorf("unknown instruction %q", inst.Name)
	}
	delivery := b.delivery[kind]
	reason, failing := b.failures[kind]
	b.mu.Unlock()

	sig := fmt.Sprintf("sig-%s-%d", inst.Name, inst.Offset)
	ev, err := b.execute(kind, inst)
	if err != nil {
		ev = &ledger.Event{Status: ledger.StatusFailed, Reason: err.Error()}
	}
	if failing {
		ev = &ledger.Event{Status: ledger.StatusFailed, Reason: reason}
	}
	ev.Name = kind.EventName()
	ev.Offset = inst.Offset

	switch delivery {
	case Withhold:
	case DeliverStatus:
		b.mu.Lock()
		b.statuses[inst.Offset] = ev
		b.mu.Unlock()
	default:
		b.mu.Lock()
		b.statuses[inst.Offset] = ev
		b.mu.Unlock()
		b.listeners.Dispatch(*ev)
	}
	return sig, nil
}

func (b *Backend) execute(kind ledger.Kind, inst ledger.Instruction) (*ledger.Event, error) {
	sess, err := envelope.Accept(b.private[:], inst.PublicKey)
	if err != nil {
		return nil, err
	}
	if len(inst.Operands) < 3 {
		return nil, fmt.Errorf("want at least 3 operands, got %d", len(inst.Operands))
	}
	header, err := sess.Decrypt(inst.Operands[:3], inst.Nonce)
	if err != nil {
		return nil, err
	}
	reply, err := envelope.NewNonce()
	if err != nil {
		return nil, err
	}

	switch kind {
	case ledger.KindCompare:
		if len(inst.Operands) != 9 {
			return nil, fmt.Errorf("compare wants 9 operands, got %d", len(inst.Operands))
		}
		buyPrice, buySize, buyExpiry := inst.Operands[3], inst.Operands[4], inst.Operands[5]
		sellPrice, sellSize, sellExpiry := inst.Operands[6], inst.Operands[7], inst.Operands[8]
		now := header[2]

		flag := uint64(0)
		if Unseal(buyPrice) >= Unseal(sellPrice) && !expired(buyExpiry, now) && !expired(sellExpiry, now) {
			flag = 1
		}
		size := buySize
		if Unseal(sellSize) < Unseal(buySize) {
			size = sellSize
		}
		proof := sha256.Sum256(append(buyPrice[:], sellPrice[:]...))
		return &ledger.Event{
			Status:      ledger.StatusFinalized,
			Ciphertexts: []envelope.Blob{sess.Encrypt([]uint64{flag}, reply)[0], buyPrice, size},
			Nonce:       reply,
			Proof:       proof[:],
		}, nil

	case ledger.KindSettle:
		directives := sess.Encrypt([]uint64{header[0], header[1]}, reply)
		return &ledger.Event{
			Status:      ledger.StatusFinalized,
			Ciphertexts: directives,
			Nonce:       reply,
			Signature:   fmt.Sprintf("settle-tx-%d", inst.Offset),
		}, nil

	default:
		return &ledger.Event{Status: ledger.StatusFinalized, Nonce: reply}, nil
	}
}

func expired(b envelope.Blob, now uint64) bool {
	exp := Unseal(b)
	return exp != 0 && exp < now
}

func kindFor(instruction string) (ledger.Kind, bool) {
	for _, k := range []ledger.Kind{ledger.KindCompare, ledger.KindSettle, ledger.KindSubmit, ledger.KindCancel} {
		if k.Instruction() == instruction {
			return k, true
		}
	}
	return "", false
}

// Now is the evaluation clock used by the compare circuit convention.
func Now() uint64 { return uint64(time.Now().Unix()) }
