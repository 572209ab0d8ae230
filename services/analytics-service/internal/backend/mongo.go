package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/eventpulse/pkg/database"
	"github.com/grigta/eventpulse/pkg/logger"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const EventsCollection = "analytics_events"

// MongoAdapter постоянное хранилище событий с пакетной записью
type MongoAdapter struct {
	name       string
	collection *mongo.Collection
	batcher    *batcher
	logger     logger.Logger
}

type MongoOptions struct {
	BatchSize     int
	FlushInterval time.Duration
}

func NewMongoAdapter(name string, collection *mongo.Collection, opts MongoOptions, log logger.Logger) *MongoAdapter {
	a := &MongoAdapter{
		name:       name,
		collection: collection,
		logger:     log.WithField("backend", name),
	}
	a.batcher = newBatcher(name, opts.BatchSize, opts.FlushInterval, a.insertMany, log)
	return a
}

// EnsureIndexes создает индексы для выборок по типу, актору и времени
func (a *MongoAdapter) EnsureIndexes(ctx context.Context) error {
	return database.CreateIndexes(ctx, a.collection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "type", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "attributes.actor_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "attributes.user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
	})
}

func (a *MongoAdapter) Name() string {
	return a.name
}

func (a *MongoAdapter) Record(ctx context.Context, event models.Event) error {
	return a.batcher.add(ctx, event)
}

func (a *MongoAdapter) insertMany(ctx context.Context, events []models.Event) error {
	docs := make([]interface{}, len(events))
	for i := range events {
		docs[i] = events[i]
	}

	_, err := a.collection.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return nil
	}

	// повторная запись после сбоя может содержать уже сохраненные события
	var bulkErr mongo.BulkWriteException
	if errors.As(err, &bulkErr) && onlyDuplicates(bulkErr) {
		a.logger.Debug("Skipped already stored events", logger.Field{Key: "duplicates", Value: len(bulkErr.WriteErrors)})
		return nil
	}
	return fmt.Errorf("failed to insert events: %w", err)
}

func onlyDuplicates(err mongo.BulkWriteException) bool {
	if err.WriteConcernError != nil || len(err.WriteErrors) == 0 {
		return false
	}
	for _, we := range err.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func (a *MongoAdapter) Query(ctx context.Context, filter models.EventFilter) ([]models.Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := a.collection.Find(ctx, mongoFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	defer cursor.Close(ctx)

	events := make([]models.Event, 0)
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("failed to decode events: %w", err)
	}
	return events, nil
}

func mongoFilter(filter models.EventFilter) bson.M {
	query := bson.M{}
	if len(filter.EventTypes) == 1 {
		query["type"] = filter.EventTypes[0]
	} else if len(filter.EventTypes) > 1 {
		query["type"] = bson.M{"$in": filter.EventTypes}
	}
	if filter.ActorID != "" {
		query["$or"] = bson.A{
			bson.M{"attributes.actor_id": filter.ActorID},
			bson.M{"attributes.user_id": filter.ActorID},
		}
	}
	ts := bson.M{}
	if !filter.From.IsZero() {
		ts["$gte"] = filter.From
	}
	if !filter.To.IsZero() {
		ts["$lte"] = filter.To
	}
	if len(ts) > 0 {
		query["timestamp"] = ts
	}
	return query
}

func (a *MongoAdapter) HealthCheck(ctx context.Context) error {
	return a.collection.Database().Client().Ping(ctx, nil)
}

func (a *MongoAdapter) Flush(ctx context.Context) error {
	return a.batcher.Flush(ctx)
}

func (a *MongoAdapter) Close(ctx context.Context) error {
	return a.batcher.Close(ctx)
}
