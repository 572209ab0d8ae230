package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/eventpulse/pkg/database"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

// SnapshotRepository хранилище периодических агрегатов
type SnapshotRepository struct {
	collection *mongo.Collection
}

// NewSnapshotRepository создает репозиторий снапшотов
func NewSnapshotRepository(db *mongo.Database) *SnapshotRepository {
	return &SnapshotRepository{collection: db.Collection("metric_snapshots")}
}

// EnsureIndexes один снапшот на тип агрегации и начало периода
func (r *SnapshotRepository) EnsureIndexes(ctx context.Context) error {
	return database.CreateIndexes(ctx, r.collection, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "aggregation_type", Value: 1}, {Key: "period_start", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	})
}

// QuerySnapshots возвращает снапшоты с началом периода в [from, to], по возрастанию
func (r *SnapshotRepository) QuerySnapshots(ctx context.Context, aggregation models.AggregationType, from, to time.Time) ([]models.MetricSnapshot, error) {
	filter := bson.M{
		"aggregation_type": aggregation,
		"period_start":     bson.M{"$gte": from, "$lte": to},
	}
	opts := options.Find().SetSort(bson.D{{Key: "period_start", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find snapshots: %w", err)
	}
	defer cursor.Close(ctx)

	snapshots := make([]models.MetricSnapshot, 0)
	if err := cursor.All(ctx, &snapshots); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots: %w", err)
	}
	return snapshots, nil
}

// Save сохраняет снапшот, перезаписывая снапшот того же периода
func (r *SnapshotRepository) Save(ctx context.Context, snapshot *models.MetricSnapshot) error {
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	filter := bson.M{"aggregation_type": snapshot.AggregationType, "period_start": snapshot.PeriodStart}
	var existing struct {
		ID string `bson:"_id"`
	}
	err := r.collection.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == nil:
		snapshot.ID = existing.ID
	case database.TranslateError(err) == database.ErrNotFound:
		if snapshot.ID == "" {
			snapshot.ID = uuid.NewString()
		}
	default:
		return fmt.Errorf("failed to look up snapshot: %w", err)
	}

	_, err = r.collection.ReplaceOne(ctx, bson.M{"_id": snapshot.ID}, snapshot, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}
