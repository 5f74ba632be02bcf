package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/matching"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

// ProofSource returns the escrow deposit proofs backing a pair.
type ProofSource interface {
	EscrowProofs(ctx context.Context, buyID, sellID string) ([]envelope.Blob, error)
}

// Publisher receives every finalized record.
type Publisher interface {
	Publish(ctx context.Context, r Record) error
}

// Config tunes the orchestrator.
type Config struct {
	// MaxDepositProofs is the fixed number of proof operands the settle
	// circuit takes. Extra proofs are dropped, missing ones zero-filled.
	MaxDepositProofs int
	// Timeout bounds the wait for the settle computation.
	Timeout time.Duration
}

// Orchestrator turns confirmed matches into ledger settlements.
type Orchestrator struct {
	book       *orderbook.Book
	comps      matching.Computations
	proofs     ProofSource
	backendKey []byte
	journal    Journal
	publisher  Publisher
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewOrchestrator creates an Orchestrator. publisher, logger and m may be nil.
func NewOrchestrator(
	book *orderbook.Book,
	comps matching.Computations,
	proofs ProofSource,
	backendKey []byte,
	journal Journal,
	publisher Publisher,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Orchestrator{
		book:       book,
		comps:      comps,
		proofs:     proofs,
		backendKey: backendKey,
		journal:    journal,
		publisher:  publisher,
		cfg:        cfg,
		log:        logger,
		metrics:    m,
	}
}

// Settle removes the matched pair from the book and submits the settle
// computation. Exactly one ledger call is made per attempt; a failure is
// recorded and the orders are not re-inserted.
//
// A settle computation that does not finalize before the deadline is left in
// awaiting_finalization with its offset recorded: it is neither finalized nor
// published, since the ledger may still apply it. Settling a match that
// already has a final or pending ledger record returns that record.
func (o *Orchestrator) Settle(ctx context.Context, m *matching.Match) Record {
	if prev, err := o.journal.Get(ctx, m.ID); err == nil && (prev.State.Final() || prev.Pending()) {
		return prev
	}

	now := time.Now().UTC()
	rec := Record{
		MatchID:     m.ID,
		BuyOrderID:  m.BuyOrderID,
		SellOrderID: m.SellOrderID,
		State:       StateMatched,
		MatchOffset: m.Offset,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	o.save(ctx, &rec)

	if err := o.book.RemovePair(ctx, m.BuyOrderID, m.SellOrderID); err != nil {
		return o.fail(ctx, rec, err)
	}

	proofs, n, err := o.depositProofs(ctx, m)
	if err != nil {
		return o.fail(ctx, rec, err)
	}

	sess, err := envelope.Open(o.backendKey)
	if err != nil {
		return o.fail(ctx, rec, err)
	}
	nonce, err := envelope.NewNonce()
	if err != nil {
		return o.fail(ctx, rec, err)
	}
	inputs := sess.Encrypt([]uint64{m.BuySeq, m.SellSeq, uint64(n)}, nonce)
	inputs = append(inputs, m.MatchedPrice, m.MatchedSize)
	inputs = append(inputs, proofs...)

	rec.State = StateAwaitingQueue
	o.save(ctx, &rec)

	o.metrics.SettlementsInFlight.Add(1)
	defer o.metrics.SettlementsInFlight.Add(-1)

	h, err := o.comps.Queue(ctx, computation.Request{
		Kind:      ledger.KindSettle,
		Inputs:    inputs,
		PublicKey: sess.PublicKey(),
		Nonce:     nonce,
		Attempts:  1,
	})
	if err != nil {
		return o.fail(ctx, rec, err)
	}

	rec.State = StateAwaitingFinalization
	rec.Offset = h.Offset
	rec.QueueSignature = h.Signature
	o.save(ctx, &rec)

	res := o.comps.AwaitFinalization(ctx, h, o.cfg.Timeout)
	switch res.Status {
	case computation.Finalized:
	case computation.TimedOut:
		return o.pending(ctx, rec, res.Err)
	default:
		return o.fail(ctx, rec, res.Err)
	}

	rec.State = StateSettled
	rec.TxSignature = res.Event.Signature
	if rec.TxSignature == "" {
		rec.TxSignature = h.Signature
	}
	rec.Directives = res.Event.Ciphertexts
	o.finalize(ctx, &rec)

	o.log.Info("match settled",
		zap.String("match_id", rec.MatchID),
		zap.String("tx", rec.TxSignature),
		zap.Uint64("offset", uint64(rec.Offset)))
	return rec
}

// depositProofs returns exactly MaxDepositProofs blobs and how many of them
// are real.
func (o *Orchestrator) depositProofs(ctx context.Context, m *matching.Match) ([]envelope.Blob, int, error) {
	got, err := o.proofs.EscrowProofs(ctx, m.BuyOrderID, m.SellOrderID)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch deposit proofs: %w", err)
	}
	n := min(len(got), o.cfg.MaxDepositProofs)
	out := make([]envelope.Blob, o.cfg.MaxDepositProofs)
	copy(out, got[:n])
	return out, n, nil
}

func (o *Orchestrator) fail(ctx context.Context, rec Record, err error) Record {
	if err == nil {
		err = errors.New("settlement failed")
	}
	rec.State = StateFailed
	rec.Error = err.Error()
	o.finalize(ctx, &rec)

	o.log.Error("settlement failed, orders not re-inserted",
		zap.String("match_id", rec.MatchID),
		zap.String("buy_id", rec.BuyOrderID),
		zap.String("sell_id", rec.SellOrderID),
		zap.Error(err))
	return rec
}

// pending records a settle computation whose outcome is unknown. The orders
// stay out of the book and the record stays open for lookup by offset.
func (o *Orchestrator) pending(ctx context.Context, rec Record, err error) Record {
	if err != nil {
		rec.Error = err.Error()
	}
	o.save(ctx, &rec)

	o.log.Warn("settlement not finalized before deadline",
		zap.String("match_id", rec.MatchID),
		zap.Uint64("offset", uint64(rec.Offset)),
		zap.Error(err))
	return rec
}

func (o *Orchestrator) finalize(ctx context.Context, rec *Record) {
	now := time.Now().UTC()
	rec.FinalizedAt = &now
	o.save(ctx, rec)
	o.metrics.Settlements.With("state", string(rec.State)).Add(1)

	if o.publisher == nil {
		return
	}
	if err := o.publisher.Publish(ctx, *rec); err != nil {
		o.log.Warn("publish settlement", zap.String("match_id", rec.MatchID), zap.Error(err))
	}
}

// save journals rec. Journal errors are logged; the in-memory record stays
// authoritative for the caller.
func (o *Orchestrator) save(ctx context.Context, rec *Record) {
	rec.UpdatedAt = time.Now().UTC()
	if err := o.journal.Put(ctx, *rec); err != nil {
		o.log.Warn("journal settlement",
			zap.String("match_id", rec.MatchID), zap.String("state", string(rec.State)), zap.Error(err))
	}
}
