// Package keeper runs the coordinator's tasks: one per inbound order
// (add, evaluate, settle), the periodic batch pass, and cancellations.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/computation"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/matching"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/metrics"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// ErrOrderBusy is returned when an order cannot be cancelled because it is
// under evaluation or settlement.
var ErrOrderBusy = errors.New("order is being matched or settled")

// Settler settles a confirmed match.
type Settler interface {
	Settle(ctx context.Context, m *matching.Match) settlement.Record
}

// Config tunes the keeper.
type Config struct {
	// SettleConcurrency bounds settlements running at once in a batch pass.
	SettleConcurrency int
	// Timeout bounds the wait for a cancel computation.
	Timeout time.Duration
}

// SubmitResult describes what happened to an accepted order.
type SubmitResult struct {
	OrderID     string
	Settlements []settlement.Record
}

// BatchResult describes one batch pass.
type BatchResult struct {
	Evaluated   int
	Settlements []settlement.Record
}

// Keeper wires the book, the matching coordinator and the settlement
// orchestrator together.
type Keeper struct {
	book       *orderbook.Book
	coord      *matching.Coordinator
	settler    Settler
	comps      matching.Computations
	backendKey []byte
	cfg        Config
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// New creates a Keeper. logger and m may be nil.
func New(
	book *orderbook.Book,
	coord *matching.Coordinator,
	settler Settler,
	comps matching.Computations,
	backendKey []byte,
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Keeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NopMetrics()
	}
	if cfg.SettleConcurrency <= 0 {
		cfg.SettleConcurrency = 1
	}
	k := &Keeper{
		book:       book,
		coord:      coord,
		settler:    settler,
		comps:      comps,
		backendKey: backendKey,
		cfg:        cfg,
		log:        logger,
		metrics:    m,
	}
	book.Subscribe(func(s orderbook.State) {
		m.OpenOrders.With("side", orderbook.SideBuy.String()).Set(float64(s.BuyCount))
		m.OpenOrders.With("side", orderbook.SideSell.String()).Set(float64(s.SellCount))
	})
	return k
}

// Book returns the order book the keeper drives.
func (k *Keeper) Book() *orderbook.Book { return k.book }

// Submit adds o to the book, evaluates it against the opposite side and
// settles the match, if any. A compare failure leaves the order open and is
// not an error for the caller.
func (k *Keeper) Submit(ctx context.Context, o *orderbook.Order) (SubmitResult, error) {
	if o.Timestamp == 0 {
		o.Timestamp = k.book.Stamp()
	}
	if err := k.book.Add(ctx, o); err != nil {
		return SubmitResult{}, err
	}
	k.metrics.OrdersSubmitted.Add(1)
	k.log.Info("order accepted",
		zap.String("order_id", o.ID), zap.Stringer("side", o.Side), zap.String("chain", o.Chain))

	res := SubmitResult{OrderID: o.ID}
	matches, err := k.coord.EvaluateIncoming(ctx, *o)
	if err != nil {
		k.log.Warn("order left open after evaluation errors", zap.String("order_id", o.ID), zap.Error(err))
	}
	for _, m := range matches {
		res.Settlements = append(res.Settlements, k.settle(ctx, m))
	}
	return res, nil
}

// RunBatch evaluates the whole book once and settles every match found,
// one task per match. A failed settlement does not affect the others.
func (k *Keeper) RunBatch(ctx context.Context) (BatchResult, error) {
	res := BatchResult{Evaluated: k.book.Len()}
	matches, err := k.coord.EvaluateBatch(ctx)
	if err != nil {
		k.log.Warn("batch evaluation errors", zap.Error(err))
	}
	if len(matches) == 0 {
		return res, err
	}

	records := make([]settlement.Record, len(matches))
	var g errgroup.Group
	g.SetLimit(k.cfg.SettleConcurrency)
	for i, m := range matches {
		g.Go(func() error {
			records[i] = k.settle(ctx, m)
			return nil
		})
	}
	g.Wait()

	res.Settlements = records
	k.log.Info("batch pass complete",
		zap.Int("orders", res.Evaluated), zap.Int("matches", len(matches)))
	return res, err
}

// Run performs a batch pass every interval while the book holds at least
// two orders. It blocks until ctx is cancelled.
func (k *Keeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if k.book.Len() < 2 {
				continue
			}
			k.RunBatch(ctx)
		}
	}
}

// Cancel asks the ledger to cancel id and removes it from the book once the
// cancel computation finalizes. On any failure the order stays open.
func (k *Keeper) Cancel(ctx context.Context, id string) error {
	if !k.coord.Reserve(id) {
		return fmt.Errorf("cancel %s: %w", id, ErrOrderBusy)
	}
	defer k.coord.Release(id)

	o, ok := k.book.Get(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, orderbook.ErrOrderNotOpen)
	}

	sess, err := envelope.Open(k.backendKey)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	nonce, err := envelope.NewNonce()
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	h, err := k.comps.Queue(ctx, computation.Request{
		Kind:      ledger.KindCancel,
		Inputs:    sess.Encrypt([]uint64{o.Seq, uint64(o.Side), uint64(time.Now().Unix())}, nonce),
		PublicKey: sess.PublicKey(),
		Nonce:     nonce,
	})
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if res := k.comps.AwaitFinalization(ctx, h, k.cfg.Timeout); res.Status != computation.Finalized {
		return fmt.Errorf("cancel %s: %w", id, res.Err)
	}

	k.book.Remove(ctx, id)
	k.log.Info("order cancelled", zap.String("order_id", id))
	return nil
}

func (k *Keeper) settle(ctx context.Context, m *matching.Match) settlement.Record {
	defer k.coord.ReleaseMatch(m)
	return k.settler.Settle(ctx, m)
}
