package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/grigta/eventpulse/pkg/database"
	"github.com/grigta/eventpulse/services/analytics-service/internal/models"
)

const defaultAlertLimit = 100

// AlertRepository хранилище экземпляров алертов
type AlertRepository struct {
	collection *mongo.Collection
}

// NewAlertRepository создает репозиторий алертов
func NewAlertRepository(db *mongo.Database) *AlertRepository {
	return &AlertRepository{collection: db.Collection("alert_instances")}
}

func (r *AlertRepository) EnsureIndexes(ctx context.Context) error {
	return database.CreateIndexes(ctx, r.collection, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "rule_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "severity", Value: 1}}},
	})
}

// Save создает или заменяет экземпляр алерта
func (r *AlertRepository) Save(ctx context.Context, alert *models.AlertInstance) error {
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": alert.ID}, alert, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save alert: %w", err)
	}
	return nil
}

// Get получает алерт по ID
func (r *AlertRepository) Get(ctx context.Context, id string) (*models.AlertInstance, error) {
	var alert models.AlertInstance
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&alert)
	if err != nil {
		if errors.Is(database.TranslateError(err), database.ErrNotFound) {
			return nil, models.ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return &alert, nil
}

// List получает алерты с фильтрами, новые первыми
func (r *AlertRepository) List(ctx context.Context, filter models.AlertFilter) ([]models.AlertInstance, error) {
	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	if filter.Severity != "" {
		query["severity"] = filter.Severity
	}
	if filter.RuleID != "" {
		query["rule_id"] = filter.RuleID
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAlertLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find alerts: %w", err)
	}
	defer cursor.Close(ctx)

	alerts := make([]models.AlertInstance, 0)
	if err := cursor.All(ctx, &alerts); err != nil {
		return nil, fmt.Errorf("failed to decode alerts: %w", err)
	}
	return alerts, nil
}

// Summary считает алерты по статусу и важности
func (r *AlertRepository) Summary(ctx context.Context) (*models.AlertSummary, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"status": "$status", "severity": "$severity"},
			"count": bson.M{"$sum": 1},
		}}},
	}

	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate alerts: %w", err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID struct {
			Status   models.AlertStatus `bson:"status"`
			Severity models.Severity    `bson:"severity"`
		} `bson:"_id"`
		Count int64 `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode alert summary: %w", err)
	}

	summary := newSummary()
	for _, row := range rows {
		summary.Total += row.Count
		summary.ByStatus[row.ID.Status] += row.Count
		summary.BySeverity[row.ID.Severity] += row.Count
	}
	return summary, nil
}

func newSummary() *models.AlertSummary {
	return &models.AlertSummary{
		ByStatus:   make(map[models.AlertStatus]int64),
		BySeverity: make(map[models.Severity]int64),
	}
}
