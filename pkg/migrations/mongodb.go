package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureMessageCollection creates the indexes a message sink collection is
// queried by. The collection itself is created on first insert.
func EnsureMessageCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetName("idx_" + name + "_id").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "source", Value: 1}, {Key: "event_time", Value: -1}},
			Options: options.Index().SetName("idx_" + name + "_source_event_time"),
		},
		{
			Keys:    bson.D{{Key: "ingestion_time", Value: -1}},
			Options: options.Index().SetName("idx_" + name + "_ingestion_time"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
