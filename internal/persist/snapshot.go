package persist

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/orderbook"
)

// MongoSnapshot stores the order-book snapshot in the orders collection.
// Every save replaces the collection contents in one transaction.
type MongoSnapshot struct {
	store *Store
}

// NewMongoSnapshot creates a snapshot backend on store.
func NewMongoSnapshot(store *Store) *MongoSnapshot {
	return &MongoSnapshot{store: store}
}

// orderDoc mirrors the MongoDB order document. Seq is stored as int64, which
// is always wide enough for a per-book counter.
type orderDoc struct {
	ID        string `bson:"id"`
	Side      int32  `bson:"side"`
	Price     []byte `bson:"price"`
	Size      []byte `bson:"size"`
	Expiry    []byte `bson:"expiry"`
	Owner     string `bson:"owner"`
	Timestamp int64  `bson:"timestamp"`
	Chain     string `bson:"chain"`
	Seq       int64  `bson:"seq"`
}

func toDoc(o orderbook.Order) orderDoc {
	return orderDoc{
		ID:        o.ID,
		Side:      int32(o.Side),
		Price:     o.Price[:],
		Size:      o.Size[:],
		Expiry:    o.Expiry[:],
		Owner:     o.Owner,
		Timestamp: o.Timestamp,
		Chain:     o.Chain,
		Seq:       int64(o.Seq),
	}
}

func fromDoc(d orderDoc) (orderbook.Order, error) {
	o := orderbook.Order{
		ID:        d.ID,
		Side:      orderbook.Side(d.Side),
		Owner:     d.Owner,
		Timestamp: d.Timestamp,
		Chain:     d.Chain,
		Seq:       uint64(d.Seq),
	}
	for _, f := range []struct {
		name string
		dst  *orderbook.Ciphertext
		src  []byte
	}{
		{"price", &o.Price, d.Price},
		{"size", &o.Size, d.Size},
		{"expiry", &o.Expiry, d.Expiry},
	} {
		if err := fillCiphertext(d.ID, f.name, f.dst, f.src); err != nil {
			return orderbook.Order{}, err
		}
	}
	return o, nil
}

// SaveOrders replaces the stored snapshot with orders.
func (s *MongoSnapshot) SaveOrders(ctx context.Context, orders []orderbook.Order) error {
	session, err := s.store.client.StartSession()
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc context.Context) (any, error) {
		coll := s.store.db.Collection(collOrders)
		if _, err := coll.DeleteMany(sc, bson.M{}); err != nil {
			return nil, fmt.Errorf("clear orders: %w", err)
		}
		if len(orders) == 0 {
			return nil, nil
		}
		docs := make([]any, 0, len(orders))
		for _, o := range orders {
			docs = append(docs, toDoc(o))
		}
		if _, err := coll.InsertMany(sc, docs); err != nil {
			return nil, fmt.Errorf("insert orders: %w", err)
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("snapshot transaction: %w", err)
	}
	return nil
}

// LoadOrders returns the stored snapshot in seq order.
func (s *MongoSnapshot) LoadOrders(ctx context.Context) ([]orderbook.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := s.store.db.Collection(collOrders).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("load orders: %w", err)
	}
	defer cursor.Close(ctx)

	var (
		orders []orderbook.Order
		errs   []error
	)
	for cursor.Next(ctx) {
		var doc orderDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		o, err := fromDoc(doc)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		orders = append(orders, o)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, errors.Join(errs...)
}
