package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

var (
	orderPrefix = []byte("order/")
	orderEnd    = []byte("order/~")
)

// PebbleSnapshot keeps the order-book snapshot in an embedded Pebble store,
// one key per order under "order/<seq>".
type PebbleSnapshot struct {
	db *pebble.DB
}

// OpenPebbleSnapshot opens (or creates) the store at dir. opts may be nil.
func OpenPebbleSnapshot(dir string, opts *pebble.Options) (*PebbleSnapshot, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	return &PebbleSnapshot{db: db}, nil
}

// Close closes the underlying store.
func (s *PebbleSnapshot) Close() error {
	return s.db.Close()
}

// SaveOrders replaces every stored order with orders in one synced batch.
func (s *PebbleSnapshot) SaveOrders(_ context.Context, orders []orderbook.Order) error {
	b := s.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(orderPrefix, orderEnd, nil); err != nil {
		return fmt.Errorf("clear orders: %w", err)
	}
	for _, o := range orders {
		val, err := json.Marshal(o)
		if err != nil {
			return fmt.Errorf("encode order %s: %w", o.ID, err)
		}
		if err := b.Set(orderKey(o), val, nil); err != nil {
			return fmt.Errorf("put order %s: %w", o.ID, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadOrders returns every stored order in seq order. Entries that do not
// decode to a well-formed order are left out and reported.
func (s *PebbleSnapshot) LoadOrders(_ context.Context) ([]orderbook.Order, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix,
		UpperBound: orderEnd,
	})
	if err != nil {
		return nil, fmt.Errorf("open iterator: %w", err)
	}
	defer iter.Close()

	var (
		orders []orderbook.Order
		errs   []error
	)
	for iter.First(); iter.Valid(); iter.Next() {
		var r orderJSON
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			errs = append(errs, fmt.Errorf("decode %s: %v: %w", iter.Key(), err, orderbook.ErrMalformedEntry))
			continue
		}
		o, err := r.order()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		orders = append(orders, o)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, errors.Join(errs...)
}

// orderKey sorts by seq; the id suffix keeps keys unique for orders that
// were never assigned one.
func orderKey(o orderbook.Order) []byte {
	return []byte(fmt.Sprintf("order/%020d/%s", o.Seq, o.ID))
}
