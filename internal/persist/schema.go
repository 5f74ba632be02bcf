package persist

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// EnsureIndexes creates idempotent indexes on all collections.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	type idx struct {
		collection string
		model      mongo.IndexModel
	}

	indexes := []idx{
		{
			collection: collOrders,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collOrders,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "seq", Value: 1}},
			},
		},
		{
			collection: collSettlements,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "match_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		{
			collection: collSettlements,
			model: mongo.IndexModel{
				Keys: bson.D{
					{Key: "state", Value: 1},
					{Key: "created_at", Value: -1},
				},
			},
		},
		{
			collection: collSettlements,
			model: mongo.IndexModel{
				Keys: bson.D{{Key: "finalized_at", Value: 1}},
			},
		},
		{
			collection: collState,
			model: mongo.IndexModel{
				Keys:    bson.D{{Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
	}

	for _, i := range indexes {
		_, err := db.Collection(i.collection).Indexes().CreateOne(ctx, i.model)
		if err != nil {
			return fmt.Errorf("create index on %s: %w", i.collection, err)
		}
	}
	return nil
}
