package persist

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ndrandal/confidential-exchange/go-matcher/internal/envelope"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/ledger"
	"github.com/ndrandal/confidential-exchange/go-matcher/internal/settlement"
)

// MongoJournal implements settlement.Journal on the settlements collection.
type MongoJournal struct {
	db *mongo.Database
}

// NewMongoJournal creates a journal on store.
func NewMongoJournal(store *Store) *MongoJournal {
	return &MongoJournal{db: store.db}
}

// settlementDoc mirrors the stored document. Offsets are uniformly random
// 64-bit values and can overflow a BSON int64, so they are kept as decimal
// strings.
type settlementDoc struct {
	MatchID        string     `bson:"match_id"`
	BuyOrderID     string     `bson:"buy_order_id"`
	SellOrderID    string     `bson:"sell_order_id"`
	State          string     `bson:"state"`
	MatchOffset    string     `bson:"match_offset"`
	Offset         string     `bson:"offset,omitempty"`
	QueueSignature string     `bson:"queue_signature,omitempty"`
	TxSignature    string     `bson:"tx_signature,omitempty"`
	Directives     [][]byte   `bson:"directives,omitempty"`
	Error          string     `bson:"error,omitempty"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	FinalizedAt    *time.Time `bson:"finalized_at,omitempty"`
}

func formatOffset(o ledger.Offset) string {
	if o == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(o), 10)
}

func parseOffset(s string) (ledger.Offset, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse offset %q: %w", s, err)
	}
	return ledger.Offset(v), nil
}

func recordToDoc(r settlement.Record) settlementDoc {
	d := settlementDoc{
		MatchID:        r.MatchID,
		BuyOrderID:     r.BuyOrderID,
		SellOrderID:    r.SellOrderID,
		State:          string(r.State),
		MatchOffset:    strconv.FormatUint(uint64(r.MatchOffset), 10),
		Offset:         formatOffset(r.Offset),
		QueueSignature: r.QueueSignature,
		TxSignature:    r.TxSignature,
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		FinalizedAt:    r.FinalizedAt,
	}
	for _, b := range r.Directives {
		d.Directives = append(d.Directives, append([]byte(nil), b[:]...))
	}
	return d
}

func docToRecord(d settlementDoc) (settlement.Record, error) {
	state, err := settlement.ParseState(d.State)
	if err != nil {
		return settlement.Record{}, err
	}
	matchOffset, err := parseOffset(d.MatchOffset)
	if err != nil {
		return settlement.Record{}, err
	}
	offset, err := parseOffset(d.Offset)
	if err != nil {
		return settlement.Record{}, err
	}
	r := settlement.Record{
		MatchID:        d.MatchID,
		BuyOrderID:     d.BuyOrderID,
		SellOrderID:    d.SellOrderID,
		State:          state,
		MatchOffset:    matchOffset,
		Offset:         offset,
		QueueSignature: d.QueueSignature,
		TxSignature:    d.TxSignature,
		Error:          d.Error,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		FinalizedAt:    d.FinalizedAt,
	}
	for _, raw := range d.Directives {
		if len(raw) != envelope.BlobSize {
			return settlement.Record{}, fmt.Errorf("match %s: directive has %d bytes", d.MatchID, len(raw))
		}
		var b envelope.Blob
		copy(b[:], raw)
		r.Directives = append(r.Directives, b)
	}
	return r, nil
}

// Put upserts the record keyed by match id.
func (j *MongoJournal) Put(ctx context.Context, r settlement.Record) error {
	_, err := j.db.Collection(collSettlements).UpdateOne(ctx,
		bson.M{"match_id": r.MatchID},
		bson.M{"$set": recordToDoc(r)},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("put settlement %s: %w", r.MatchID, err)
	}
	return nil
}

// Get returns the record for matchID.
func (j *MongoJournal) Get(ctx context.Context, matchID string) (settlement.Record, error) {
	var d settlementDoc
	err := j.db.Collection(collSettlements).FindOne(ctx, bson.M{"match_id": matchID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return settlement.Record{}, fmt.Errorf("get %s: %w", matchID, settlement.ErrRecordNotFound)
	}
	if err != nil {
		return settlement.Record{}, fmt.Errorf("get settlement %s: %w", matchID, err)
	}
	return docToRecord(d)
}

// List returns records newest first. Limit defaults to 100 and is capped at 1000.
func (j *MongoJournal) List(ctx context.Context, f settlement.Filter) ([]settlement.Record, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	filter := bson.M{}
	if f.State != "" {
		filter["state"] = string(f.State)
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(f.Limit))

	cursor, err := j.db.Collection(collSettlements).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []settlementDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode settlements: %w", err)
	}
	out := make([]settlement.Record, 0, len(docs))
	for _, d := range docs {
		r, err := docToRecord(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// SettledBetween returns settled records finalized in [from, to), oldest first.
func (j *MongoJournal) SettledBetween(ctx context.Context, from, to time.Time) ([]settlement.Record, error) {
	filter := bson.M{
		"state":        string(settlement.StateSettled),
		"finalized_at": bson.M{"$gte": from, "$lt": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "finalized_at", Value: 1}})

	cursor, err := j.db.Collection(collSettlements).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find settled records: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []settlementDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode settlements: %w", err)
	}
	out := make([]settlement.Record, 0, len(docs))
	for _, d := range docs {
		r, err := docToRecord(d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Delete removes the records for matchIDs.
func (j *MongoJournal) Delete(ctx context.Context, matchIDs []string) error {
	_, err := j.db.Collection(collSettlements).DeleteMany(ctx, bson.M{
		"match_id": bson.M{"$in": matchIDs},
	})
	if err != nil {
		return fmt.Errorf("delete settlements: %w", err)
	}
	return nil
}

// GetState reads a value from the coordinator_state collection.
func (s *Store) GetState(ctx context.Context, key string) (string, bool, error) {
	var doc struct {
		Value string `bson:"value"`
	}
	err := s.db.Collection(collState).FindOne(ctx, bson.M{"key": key}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return doc.Value, true, nil
}

// SetState upserts a value in the coordinator_state collection.
func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.Collection(collState).UpdateOne(ctx,
		bson.M{"key": key},
		bson.M{"$set": bson.M{"key": key, "value": value}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}
