// Package matching decides which buy/sell pairs are compatible by running
// the confidential compare circuit over their ciphertext.
package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

// compatible is the flag value the compare circuit returns for a match.
const compatible = 1

// Computations is the part of the computation lifecycle the coordinator uses.
type Computations interface {
	Queue(ctx context.Context, req computation.Request) (*computation.Handle, error)
	AwaitFinalization(ctx context.Context, h *computation.Handle, deadline time.Duration) computation.Result
}

// Match is a confirmed buy/sell pair. Price and size stay encrypted.
type Match struct {
	ID           string        `json:"matchId" bson:"match_id"`
	BuyOrderID   string        `json:"buyOrderId" bson:"buy_order_id"`
	SellOrderID  string        `json:"sellOrderId" bson:"sell_order_id"`
	BuySeq       uint64        `json:"buySeq" bson:"buy_seq"`
	SellSeq      uint64        `json:"sellSeq" bson:"sell_seq"`
	MatchedPrice envelope.Blob `json:"matchedPrice" bson:"matched_price"`
	MatchedSize  envelope.Blob `json:"matchedSize" bson:"matched_size"`
	Proof        []byte        `json:"proof" bson:"proof"`
	Offset       ledger.Offset `json:"offset,string" bson:"offset"`
	CreatedAt    time.Time     `json:"createdAt" bson:"created_at"`
}

// Outcome is the result of evaluating one pair. TimedOut is set when the
// backend did not finalize in time; the pair then counts as not matched.
type Outcome struct {
	Matched  bool
	Match    *Match
	TimedOut bool
}

// Coordinator runs matching evaluations against the book.
//
// Orders under evaluation are reserved so concurrent tasks skip them. A
// reservation taken for a returned Match is held until ReleaseMatch.
type Coordinator struct {
	book       *orderbook.Book
	comps      Computations
	backendKey []byte
	timeout    time.Duration
	log        *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewCoordinator creates a Coordinator. logger and m may be nil.
func NewCoordinator(book *orderbook.Book, comps Computations, backendKey []byte, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Coordinator{
		book:       book,
		comps:      comps,
		backendKey: backendKey,
		timeout:    timeout,
		log:        logger,
		metrics:    m,
		inflight:   make(map[string]struct{}),
	}
}

// EvaluatePair asks the compare circuit whether a and b match. The order
// ciphertexts are forwarded as they are. A timeout is reported through
// Outcome.TimedOut, not as an error.
func (c *Coordinator) EvaluatePair(ctx context.Context, a, b orderbook.Order) (Outcome, error) {
	buy, sell := a, b
	if buy.Side == orderbook.SideSell {
		buy, sell = b, a
	}
	if buy.Side != orderbook.SideBuy || sell.Side != orderbook.SideSell {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: orders are on the same side", a.ID, b.ID)
	}

	sess, err := envelope.Open(c.backendKey)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: %w", buy.ID, sell.ID, err)
	}
	nonce, err := envelope.NewNonce()
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: %w", buy.ID, sell.ID, err)
	}

	inputs := sess.Encrypt([]uint64{buy.Seq, sell.Seq, uint64(time.Now().Unix())}, nonce)
	inputs = append(inputs,
		buy.Price, buy.Size, buy.Expiry,
		sell.Price, sell.Size, sell.Expiry,
	)

	c.metrics.PairsEvaluated.Add(1)
	h, err := c.comps.Queue(ctx, computation.Request{
		Kind:      ledger.KindCompare,
		Inputs:    inputs,
		PublicKey: sess.PublicKey(),
		Nonce:     nonce,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: %w", buy.ID, sell.ID, err)
	}

	res := c.comps.AwaitFinalization(ctx, h, c.timeout)
	switch res.Status {
	case computation.TimedOut:
		c.log.Warn("compare not finalized, pair left open",
			zap.String("buy_id", buy.ID), zap.String("sell_id", sell.ID), zap.Error(res.Err))
		return Outcome{TimedOut: true}, nil
	case computation.Failed:
		return Outcome{}, fmt.Errorf("evaluate %s/%s: %w", buy.ID, sell.ID, res.Err)
	}

	ev := res.Event
	if len(ev.Ciphertexts) < 3 {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: %w: match event has %d ciphertexts",
			buy.ID, sell.ID, computation.ErrComputationFailed, len(ev.Ciphertexts))
	}
	flag, err := sess.Decrypt(ev.Ciphertexts[:1], ev.Nonce)
	if err != nil {
		return Outcome{}, fmt.Errorf("evaluate %s/%s: read result: %w", buy.ID, sell.ID, err)
	}
	if flag[0] != compatible {
		return Outcome{}, nil
	}

	m := &Match{
		ID:           uuid.NewString(),
		BuyOrderID:   buy.ID,
		SellOrderID:  sell.ID,
		BuySeq:       buy.Seq,
		SellSeq:      sell.Seq,
		MatchedPrice: ev.Ciphertexts[1],
		MatchedSize:  ev.Ciphertexts[2],
		Proof:        ev.Proof,
		Offset:       h.Offset,
		CreatedAt:    time.Now().UTC(),
	}
	c.metrics.Matches.Add(1)
	c.log.Info("match found",
		zap.String("match_id", m.ID), zap.String("buy_id", buy.ID), zap.String("sell_id", sell.ID))
	return Outcome{Matched: true, Match: m}, nil
}

// EvaluateIncoming evaluates order against the opposite side in priority
// order and stops at the first compatible one. It returns at most one match.
// A compare failure on one candidate does not stop the scan; it is returned
// only if no match was found.
func (c *Coordinator) EvaluateIncoming(ctx context.Context, order orderbook.Order) ([]*Match, error) {
	if !c.Reserve(order.ID) {
		return nil, nil
	}
	if !c.book.Contains(order.ID) {
		c.Release(order.ID)
		return nil, nil
	}

	var errs []error
	for _, cand := range c.book.List(order.Side.Opposite()) {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !c.Reserve(cand.ID) {
			continue
		}
		if !c.book.Contains(cand.ID) {
			c.Release(cand.ID)
			continue
		}

		out, err := c.EvaluatePair(ctx, order, cand)
		if err != nil {
			c.log.Error("evaluate pair", zap.String("order_id", order.ID), zap.String("candidate_id", cand.ID), zap.Error(err))
			errs = append(errs, err)
			c.Release(cand.ID)
			continue
		}
		if out.Matched {
			return []*Match{out.Match}, nil
		}
		c.Release(cand.ID)
	}

	c.Release(order.ID)
	return nil, errors.Join(errs...)
}

// EvaluateBatch evaluates every open buy against every open sell and
// returns all compatible pairs. An order joins at most one match per pass.
func (c *Coordinator) EvaluateBatch(ctx context.Context) ([]*Match, error) {
	buys := c.book.ListBuys()
	sells := c.book.ListSells()
	consumed := make(map[string]bool)

	var matches []*Match
	var errs []error
	for _, buy := range buys {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !c.Reserve(buy.ID) {
			continue
		}
		if !c.book.Contains(buy.ID) {
			c.Release(buy.ID)
			continue
		}

		matched := false
		for _, sell := range sells {
			if consumed[sell.ID] || ctx.Err() != nil {
				continue
			}
			if !c.Reserve(sell.ID) {
				continue
			}
			if !c.book.Contains(sell.ID) {
				c.Release(sell.ID)
				continue
			}

			out, err := c.EvaluatePair(ctx, buy, sell)
			if err != nil {
				c.log.Error("evaluate pair", zap.String("buy_id", buy.ID), zap.String("sell_id", sell.ID), zap.Error(err))
				errs = append(errs, err)
				c.Release(sell.ID)
				continue
			}
			if out.Matched {
				consumed[sell.ID] = true
				matches = append(matches, out.Match)
				matched = true
				break
			}
			c.Release(sell.ID)
		}
		if !matched {
			c.Release(buy.ID)
		}
	}
	return matches, errors.Join(errs...)
}

// ReleaseMatch drops the reservations held for m once settlement is done
// with it.
func (c *Coordinator) ReleaseMatch(m *Match) {
	c.Release(m.BuyOrderID, m.SellOrderID)
}

// Reserved reports whether id is currently under evaluation or settlement.
func (c *Coordinator) Reserved(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.inflight[id]
	return ok
}

// Reserve marks id as busy. It returns false if another task holds it.
func (c *Coordinator) Reserve(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inflight[id]; ok {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

// Release drops reservations taken with Reserve.
func (c *Coordinator) Release(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.inflight, id)
	}
}
