package processor

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"liminal/internal/constants"
	"liminal/internal/message"
	"liminal/internal/stage"
	"liminal/pkg/migrations"
)

type mongoParams struct {
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// mongoSink inserts one document per message.
type mongoSink struct {
	params     mongoParams
	deps       Deps
	collection *mongo.Collection
}

func newMongoDB(spec Spec, deps Deps) (stage.Processor, error) {
	p := mongoParams{Collection: constants.DefaultMongoCollection}
	if err := decodeParams(spec.Config.Parameters, &p); err != nil {
		return nil, err
	}
	if err := required("collection", p.Collection); err != nil {
		return nil, err
	}
	if deps.Datastores == nil {
		return nil, fmt.Errorf("mongodb output needs a configured mongodb database")
	}
	w := &mongoSink{params: p, deps: deps}
	return newSink(string(KindMongoDB), w, newGuard(spec, deps, "mongodb.insert")), nil
}

func (s *mongoSink) init(ctx context.Context, pctx *stage.Context) error {
	db, err := s.deps.Datastores.Mongo(ctx)
	if err != nil {
		return fmt.Errorf("failed to open mongodb: %w", err)
	}
	if s.params.Database != "" && s.params.Database != db.Name() {
		db = db.Client().Database(s.params.Database)
	}
	if err := migrations.EnsureMessageCollection(ctx, db, s.params.Collection); err != nil {
		return err
	}
	s.collection = db.Collection(s.params.Collection)
	pctx.Logger().InfowCtx(ctx, "MongoDB output ready",
		"database", db.Name(),
		"collection", s.params.Collection,
	)
	return nil
}

func (s *mongoSink) write(ctx context.Context, msg message.Message) error {
	_, err := s.collection.InsertOne(ctx, document(msg))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return err
}

func document(msg message.Message) bson.M {
	doc := bson.M{
		"id":             msg.ID,
		"source":         msg.Source,
		"topic":          msg.Topic,
		"payload":        msg.Payload,
		"ingestion_time": msg.IngestionTime,
	}
	if msg.EventTime != nil {
		doc["event_time"] = *msg.EventTime
	}
	if msg.SequenceID != nil {
		doc["sequence_id"] = int64(*msg.SequenceID)
	}
	return doc
}
